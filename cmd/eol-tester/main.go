// Command eol-tester runs end-of-line detection sessions against a unit on the fixture.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sweeney/eol-tester/internal/config"
	"github.com/sweeney/eol-tester/internal/fixture"
	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/mqtt"
	"github.com/sweeney/eol-tester/internal/transport"
	"github.com/sweeney/eol-tester/internal/web"
)

// errUnitFailed makes detect exit non-zero when the unit did not pass.
var errUnitFailed = errors.New("unit failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type cli struct {
	v        *viper.Viper
	cfgFile  string
	simulate bool
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:          "eol-tester",
		Short:        "End-of-line tester for body/door controller boards",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default ./eol-tester.yaml or configs/eol-tester.yaml)")
	pf.BoolVar(&c.simulate, "simulate", false, "run against simulated boards instead of serial ports")
	pf.String("variant", "", "board variant: bodydoor or mainboard")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("primary", "", "serial port of the sensor board")
	pf.String("secondary", "", "serial port of the output board")
	pf.String("store", "", "threshold store: sqlite, redis or memory")
	pf.String("broker", "", "MQTT broker address (empty disables publishing)")
	bind := map[string]string{
		"variant":         "variant",
		"log_level":       "log-level",
		"ports.primary":   "primary",
		"ports.secondary": "secondary",
		"store.driver":    "store",
		"mqtt.broker":     "broker",
	}
	for key, flag := range bind {
		_ = c.v.BindPFlag(key, pf.Lookup(flag))
	}

	root.AddCommand(c.runCmd(), c.detectCmd(), c.quickReadCmd(), c.portsCmd())
	return root
}

// load reads the configuration. The daemon logs to stdout; one-shot commands log to
// stderr so their stdout stays machine-readable.
func (c *cli) load(daemon bool) (config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if daemon {
		return cfg, logger.New(cfg.LogLevel), nil
	}
	return cfg, logger.NewWriter(os.Stderr, cfg.LogLevel), nil
}

func (c *cli) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fixture daemon: start button, HTTP API and MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.load(true)
			if err != nil {
				return err
			}
			st, err := buildStation(cmd.Context(), cfg, log, stationOptions{simulate: c.simulate})
			if err != nil {
				return err
			}
			defer st.Close()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var hb <-chan time.Time
			if cfg.MQTT.Heartbeat > 0 {
				ticker := time.NewTicker(cfg.MQTT.Heartbeat)
				defer ticker.Stop()
				hb = ticker.C
			}
			return runDaemon(cmd.Context(), st, cfg, log, sigCh, hb)
		},
	}
	cmd.Flags().String("http", "", "HTTP status address (empty keeps the configured one)")
	_ = c.v.BindPFlag("http.addr", cmd.Flags().Lookup("http"))
	return cmd
}

// runDaemon serves until a signal arrives, publishing STARTUP, periodic HEARTBEAT and
// SHUTDOWN system events.
func runDaemon(ctx context.Context, st *station, cfg config.Config, log *logger.Logger, sig <-chan os.Signal, heartbeat <-chan time.Time) error {
	publish := func(event, reason string) {
		if st.pub == nil {
			return
		}
		if err := st.pub.PublishSystem(st.systemEvent(event, reason)); err != nil {
			log.Warnw("publish system event failed", "event", event, "err", err)
		} else {
			log.Infow("published system event", "event", event)
		}
	}
	publish(mqtt.EventStartup, "")

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, st.fx, log.Named("http"))
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("http server error", "err", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Infow("http status server listening", "addr", cfg.HTTP.Addr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		st.fx.Run(runCtx)
	}()
	log.Infow("started", "variant", cfg.Variant, "primary", cfg.Ports.Primary,
		"secondary", cfg.Ports.Secondary, "store", cfg.Store.Driver, "broker", cfg.MQTT.Broker)

	for {
		select {
		case s := <-sig:
			log.Infow("shutting down", "signal", s)
			cancel()
			<-done
			publish(mqtt.EventShutdown, signalName(s))
			return nil
		case <-ctx.Done():
			cancel()
			<-done
			publish(mqtt.EventShutdown, "CONTEXT")
			return nil
		case <-heartbeat:
			if net := readNetworkInfo(); net != nil {
				st.tracker.SetNetwork(net)
			}
			publish(mqtt.EventHeartbeat, "")
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

func (c *cli) detectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run one detection session and print the verdict",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := c.load(false)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			st, err := buildStation(ctx, cfg, log, stationOptions{simulate: c.simulate})
			if err != nil {
				return err
			}
			defer st.Close()

			v, err := st.fx.Detect(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(fixture.VerdictView(v)); err != nil {
				return err
			}
			if !v.Passed {
				return fmt.Errorf("%w: %s", errUnitFailed, v.Outcome)
			}
			return nil
		},
	}
}

func (c *cli) quickReadCmd() *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:   "quickread <primary|secondary> [channel...]",
		Short: "Read channels of one board outside a detection session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ids []uint8
			for _, a := range args[1:] {
				id, err := strconv.ParseUint(a, 10, 8)
				if err != nil {
					return fmt.Errorf("channel %q: %w", a, err)
				}
				ids = append(ids, uint8(id))
			}
			cfg, log, err := c.load(false)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			st, err := buildStation(ctx, cfg, log, stationOptions{simulate: c.simulate})
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.fx.QuickRead(ctx, logic.Device(args[0]), ids, retry)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range res {
				if r.Got {
					fmt.Fprintf(out, "%-24s %d\n", r.Label, r.Value)
				} else {
					fmt.Fprintf(out, "%-24s no data (%d tries)\n", r.Label, r.Tries)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", true, "re-request channels that did not answer")
	return cmd
}

func (c *cli) portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}
