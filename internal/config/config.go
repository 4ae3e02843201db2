// Package config loads the eol-tester settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sweeney/eol-tester/internal/channel"
	"github.com/sweeney/eol-tester/internal/logger"
)

// ErrInvalid is returned when a loaded setting is out of its domain.
var ErrInvalid = errors.New("invalid config")

// EnvPrefix prefixes every environment override, e.g. EOL_PORTS_PRIMARY.
const EnvPrefix = "EOL"

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the full daemon configuration.
type Config struct {
	Variant   string          `mapstructure:"variant"`
	LogLevel  string          `mapstructure:"log_level"`
	Baud      int             `mapstructure:"baud"`
	Ports     Ports           `mapstructure:"ports"`
	Transport TransportConfig `mapstructure:"transport"`
	Sequencer SequencerConfig `mapstructure:"sequencer"`
	QuickRead QuickReadConfig `mapstructure:"quickread"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	GPIO      GPIOConfig      `mapstructure:"gpio"`
	Firmware  FirmwareConfig  `mapstructure:"firmware"`
}

// Ports names the serial device of each board.
type Ports struct {
	Primary       string        `mapstructure:"primary"`
	Secondary     string        `mapstructure:"secondary"`
	WatchInterval time.Duration `mapstructure:"watch_interval"`
}

// TransportConfig tunes the link poll and heartbeat.
type TransportConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ActivityWindow    time.Duration `mapstructure:"activity_window"`
	MaxMissed         int           `mapstructure:"max_missed"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
}

// SequencerConfig tunes a detection session.
type SequencerConfig struct {
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxRetries      int           `mapstructure:"max_retries"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	RunOutputs      bool          `mapstructure:"run_outputs"`
	SlowDebug       bool          `mapstructure:"slow_debug"`
}

// QuickReadConfig tunes batch quick-reads.
type QuickReadConfig struct {
	Spacing  time.Duration `mapstructure:"spacing"`
	RetryGap time.Duration `mapstructure:"retry_gap"`
	Retries  int           `mapstructure:"retries"`
}

// MQTTConfig selects the broker. An empty broker disables publishing.
type MQTTConfig struct {
	Broker    string        `mapstructure:"broker"`
	ClientID  string        `mapstructure:"client_id"`
	Heartbeat time.Duration `mapstructure:"heartbeat"` // 0 disables
}

// HTTPConfig selects the status server address. Empty disables it.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// StoreConfig selects the threshold persistence backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

// GPIOConfig selects the fixture panel lines.
type GPIOConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Chip     string        `mapstructure:"chip"`
	Start    int           `mapstructure:"start_pin"`
	Pass     int           `mapstructure:"pass_pin"`
	Fail     int           `mapstructure:"fail_pin"`
	Poll     time.Duration `mapstructure:"poll"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// FirmwareConfig configures the external programming tool. An empty path skips programming.
type FirmwareConfig struct {
	Path        string        `mapstructure:"path"`
	Tool        string        `mapstructure:"tool"`
	Args        []string      `mapstructure:"args"`
	VerifyArg   string        `mapstructure:"verify_arg"`
	ResetArg    string        `mapstructure:"reset_arg"`
	Verify      bool          `mapstructure:"verify"`
	Reset       bool          `mapstructure:"reset"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// SetDefaults registers a default for every key so environment overrides are seen
// by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("variant", string(channel.VariantBodyDoor))
	v.SetDefault("log_level", logger.InfoLevel)
	v.SetDefault("baud", 115200)

	v.SetDefault("ports.primary", "")
	v.SetDefault("ports.secondary", "")
	v.SetDefault("ports.watch_interval", time.Second)

	v.SetDefault("transport.poll_interval", 50*time.Millisecond)
	v.SetDefault("transport.heartbeat_interval", time.Second)
	v.SetDefault("transport.activity_window", 800*time.Millisecond)
	v.SetDefault("transport.max_missed", 3)
	v.SetDefault("transport.read_timeout", 10*time.Millisecond)

	v.SetDefault("sequencer.settle_delay", 200*time.Millisecond)
	v.SetDefault("sequencer.retry_delay", 100*time.Millisecond)
	v.SetDefault("sequencer.max_retries", 3)
	v.SetDefault("sequencer.connect_attempts", 3)
	v.SetDefault("sequencer.connect_delay", time.Second)
	v.SetDefault("sequencer.run_outputs", true)
	v.SetDefault("sequencer.slow_debug", false)

	v.SetDefault("quickread.spacing", 300*time.Millisecond)
	v.SetDefault("quickread.retry_gap", 100*time.Millisecond)
	v.SetDefault("quickread.retries", 3)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "eol-tester")
	v.SetDefault("mqtt.heartbeat", 15*time.Minute)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.sqlite_path", "eol-tester.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", "eol:")

	v.SetDefault("gpio.enabled", false)
	v.SetDefault("gpio.chip", "gpiochip0")
	v.SetDefault("gpio.start_pin", 17)
	v.SetDefault("gpio.pass_pin", 27)
	v.SetDefault("gpio.fail_pin", 22)
	v.SetDefault("gpio.poll", 20*time.Millisecond)
	v.SetDefault("gpio.debounce", 50*time.Millisecond)

	v.SetDefault("firmware.path", "")
	v.SetDefault("firmware.tool", "avrdude")
	v.SetDefault("firmware.args", []string{"-p", "m328p", "-c", "arduino", "-U", "flash:w:{path}:i"})
	v.SetDefault("firmware.verify_arg", "")
	v.SetDefault("firmware.reset_arg", "")
	v.SetDefault("firmware.verify", true)
	v.SetDefault("firmware.reset", true)
	v.SetDefault("firmware.settle_delay", 2*time.Second)
}

// Load reads eol-tester.yaml from "." or "configs/" (or file when set), applies EOL_
// environment overrides and validates the result. A missing default config file is not
// an error; a missing explicit file is.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("eol-tester")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerated and numeric settings.
func (c Config) Validate() error {
	switch channel.Variant(c.Variant) {
	case channel.VariantBodyDoor, channel.VariantMainBoard:
	default:
		return fmt.Errorf("%w: variant %q", ErrInvalid, c.Variant)
	}
	switch c.LogLevel {
	case logger.DebugLevel, logger.InfoLevel, logger.WarnLevel, logger.ErrorLevel:
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	switch c.Store.Driver {
	case StoreSQLite, StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Sequencer.MaxRetries < 0 || c.QuickRead.Retries < 0 {
		return fmt.Errorf("%w: retries must not be negative", ErrInvalid)
	}
	if c.Sequencer.ConnectAttempts < 1 {
		return fmt.Errorf("%w: sequencer.connect_attempts must be at least 1", ErrInvalid)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("%w: baud %d", ErrInvalid, c.Baud)
	}
	return nil
}
