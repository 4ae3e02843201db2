package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/config"
	"github.com/sweeney/eol-tester/internal/fixture"
	"github.com/sweeney/eol-tester/internal/gpio"
	"github.com/sweeney/eol-tester/internal/logger"
	"github.com/sweeney/eol-tester/internal/mqtt"
	"github.com/sweeney/eol-tester/internal/status"
)

// station is a fixture with the outputs the configuration asks for.
type station struct {
	fx         *fixture.Fixture
	tracker    *status.Tracker
	pub        mqtt.Publisher // nil when no broker is configured
	mqttStatus mqtt.ConnectionStatus
	closers    []func() error
}

type stationOptions struct {
	simulate  bool
	publisher mqtt.Publisher // overrides the configured broker; tests only
	panel     gpio.Panel     // overrides the configured GPIO panel; tests only
}

func buildStation(ctx context.Context, cfg config.Config, log *logger.Logger, so stationOptions) (*station, error) {
	st := &station{}
	ok := false
	defer func() {
		if !ok {
			st.Close()
		}
	}()

	store, closeStore, err := fixture.OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, closeStore)

	opts := fixture.Options{Config: cfg, Log: log, KV: store}

	if so.simulate {
		reg, err := channel.New(channel.Variant(cfg.Variant))
		if err != nil {
			return nil, err
		}
		sim := fixture.NewSimulator(reg)
		opts.Opener = sim.Opener.Open
		opts.Lister = sim.Opener.Ports
		opts.Config.Ports.Primary = fixture.SimPrimaryPort
		opts.Config.Ports.Secondary = fixture.SimSecondaryPort
		log.Infow("running against simulated boards")
	}

	switch {
	case so.publisher != nil:
		st.pub = so.publisher
	case cfg.MQTT.Broker != "":
		pub, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, log.Named("mqtt"))
		if err != nil {
			return nil, fmt.Errorf("init mqtt: %w", err)
		}
		st.pub = pub
		st.closers = append(st.closers, pub.Close)
	}
	if st.pub != nil {
		opts.Publisher = st.pub
		if cs, isStatus := st.pub.(mqtt.ConnectionStatus); isStatus {
			st.mqttStatus = cs
			opts.MQTTStatus = cs
		}
	}

	switch {
	case so.panel != nil:
		opts.Panel = so.panel
	case cfg.GPIO.Enabled:
		panel, err := gpio.NewRealPanel(gpio.Pins{Chip: cfg.GPIO.Chip, Start: cfg.GPIO.Start, Pass: cfg.GPIO.Pass, Fail: cfg.GPIO.Fail})
		if err != nil {
			return nil, fmt.Errorf("init gpio: %w", err)
		}
		opts.Panel = panel
		st.closers = append(st.closers, panel.Close)
	}

	st.tracker = status.NewTracker(time.Now(), status.Config{
		Variant:    cfg.Variant,
		Broker:     cfg.MQTT.Broker,
		HTTPAddr:   cfg.HTTP.Addr,
		Store:      cfg.Store.Driver,
		RunOutputs: cfg.Sequencer.RunOutputs,
		SlowDebug:  cfg.Sequencer.SlowDebug,
	})
	if net := readNetworkInfo(); net != nil {
		st.tracker.SetNetwork(net)
	}
	opts.Tracker = st.tracker

	st.fx, err = fixture.New(opts)
	if err != nil {
		return nil, err
	}
	if err := st.fx.LoadThresholds(ctx); err != nil {
		return nil, fmt.Errorf("load thresholds: %w", err)
	}
	ok = true
	return st, nil
}

// Close releases the station resources in reverse order of acquisition.
func (s *station) Close() {
	if s.fx != nil {
		s.fx.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}
	s.closers = nil
}

// systemEvent builds a retained lifecycle event carrying a full status snapshot.
func (s *station) systemEvent(event, reason string) mqtt.SystemEvent {
	snap := s.fx.Status()
	return mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   event != mqtt.EventHeartbeat,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
