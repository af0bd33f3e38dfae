// Package config loads runtime configuration for every hub component via
// viper: defaults, then an optional file, then PYLABHUB_-prefixed env
// overrides. This is the "load()" collaborator spec.md treats as an
// external service.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ConsumerSyncPolicy is the ring-wrap behavior a channel enforces on its
// consumers, per spec.md §6 ("consumer_sync_policy").
type ConsumerSyncPolicy string

const (
	SingleReader ConsumerSyncPolicy = "single_reader"
	LatestOnly   ConsumerSyncPolicy = "latest_only"
)

// ChecksumEnforcement is the "enforce_slot_checksum" config key.
type ChecksumEnforcement string

const (
	ChecksumStrict ChecksumEnforcement = "strict"
	ChecksumPass   ChecksumEnforcement = "pass"
	ChecksumOff    ChecksumEnforcement = "off"
)

// OnChecksumFail is the "on_checksum_fail" config key.
type OnChecksumFail string

const (
	ChecksumFailSkip OnChecksumFail = "skip"
	ChecksumFailPass OnChecksumFail = "pass"
)

// OnPythonError models "on_python_error": the failure policy for a
// script/handler exception caught at a worker-loop top level. Named after
// spec.md's config key even though this Go port has no embedded
// interpreter — the same policy governs handler panics.
type OnPythonError string

const (
	OnErrorContinue OnPythonError = "continue"
	OnErrorStop     OnPythonError = "stop"
)

// ChannelConfig holds the per-channel creation keys from spec.md §6.
type ChannelConfig struct {
	Pattern             string              `mapstructure:"pattern"`
	Capacity            int                 `mapstructure:"capacity"`
	SlotBytes           int                 `mapstructure:"slot_bytes"`
	FlexZoneBytes       int                 `mapstructure:"flex_zone_bytes"`
	ConsumerSyncPolicy  ConsumerSyncPolicy  `mapstructure:"consumer_sync_policy"`
	EnforceSlotChecksum ChecksumEnforcement `mapstructure:"enforce_slot_checksum"`
	OnChecksumFail      OnChecksumFail      `mapstructure:"on_checksum_fail"`
	OnPythonError       OnPythonError       `mapstructure:"on_python_error"`
	IntervalMS          int                 `mapstructure:"interval_ms"`
}

// BrokerConfig controls the broker's ZMQ ROUTER endpoint and sweep cadence.
type BrokerConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	CurveEnabled     bool          `mapstructure:"curve_enabled"`
	PollTimeout      time.Duration `mapstructure:"poll_timeout"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	MaxRegPerSecond  float64       `mapstructure:"max_reg_per_second"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// EndpointConfig names the one channel a producer or consumer process
// attaches to, and where to find its peer, per spec.md §6's CLI surface
// note that cmd/ entry points carry no flag parsing beyond viper's
// env/file loading.
type EndpointConfig struct {
	ChannelName     string        `mapstructure:"channel_name"`
	BrokerEndpoint  string        `mapstructure:"broker_endpoint"`
	CtrlEndpoint    string        `mapstructure:"ctrl_endpoint"`
	DataEndpoint    string        `mapstructure:"data_endpoint"`
	SchemaHash      string        `mapstructure:"schema_hash"`
	SharedSecret    uint64        `mapstructure:"shared_secret"`
	DiscoverTimeout time.Duration `mapstructure:"discover_timeout"`
}

// Config is the union of every component's configuration, loaded once at
// process start by whichever cmd/ binary is running.
type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Producer EndpointConfig `mapstructure:"producer"`
	Consumer EndpointConfig `mapstructure:"consumer"`
}

// Load reads configuration from environment variables, an optional
// odin-style config file, and viper defaults, in that order of
// increasing precedence being: defaults < file < env.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("broker.endpoint", "tcp://0.0.0.0:5570")
	v.SetDefault("broker.curve_enabled", true)
	v.SetDefault("broker.poll_timeout", 100*time.Millisecond)
	v.SetDefault("broker.heartbeat_timeout", 10*time.Second)
	v.SetDefault("broker.max_reg_per_second", 50.0)

	v.SetDefault("channel.pattern", "pubsub")
	v.SetDefault("channel.capacity", 8)
	v.SetDefault("channel.slot_bytes", 4096)
	v.SetDefault("channel.flex_zone_bytes", 0)
	v.SetDefault("channel.consumer_sync_policy", string(SingleReader))
	v.SetDefault("channel.enforce_slot_checksum", string(ChecksumStrict))
	v.SetDefault("channel.on_checksum_fail", string(ChecksumFailSkip))
	v.SetDefault("channel.on_python_error", string(OnErrorContinue))
	v.SetDefault("channel.interval_ms", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9470")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("producer.broker_endpoint", "tcp://127.0.0.1:5570")
	v.SetDefault("producer.ctrl_endpoint", "tcp://0.0.0.0:6001")
	v.SetDefault("producer.data_endpoint", "tcp://0.0.0.0:6002")
	v.SetDefault("producer.shared_secret", 0)

	v.SetDefault("consumer.broker_endpoint", "tcp://127.0.0.1:5570")
	v.SetDefault("consumer.shared_secret", 0)
	v.SetDefault("consumer.discover_timeout", 10*time.Second)

	v.SetConfigName("pylabhub")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("PYLABHUB")
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Channel.Capacity <= 0 {
		cfg.Channel.Capacity = 8
	}
	if cfg.Channel.SlotBytes <= 0 {
		cfg.Channel.SlotBytes = 4096
	}

	return cfg, nil
}
