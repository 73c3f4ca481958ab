package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SinkType defines where change batches are delivered
type SinkType string

const (
	SinkLog   SinkType = "log"   // Structured log output (default)
	SinkNats  SinkType = "nats"  // NATS JetStream
	SinkKafka SinkType = "kafka" // Kafka
)

// TriggerConfiguration controls the change monitor behavior
type TriggerConfiguration struct {
	BatchSize              int `toml:"batch_size"`               // Max rows per handler invocation
	MaxAttemptCount        int `toml:"max_attempt_count"`        // Attempts before a row is abandoned
	MaxLeaseRenewalCount   int `toml:"max_lease_renewal_count"`  // Renewals before the handler is cancelled
	LeaseIntervalSeconds   int `toml:"lease_interval_seconds"`   // Lease length; renewal period is half this
	PollingIntervalSeconds int `toml:"polling_interval_seconds"` // Time between poll ticks
	MetadataCacheSize      int `toml:"metadata_cache_size"`      // Cached table metadata entries
}

// SinkConfiguration controls batch delivery
type SinkConfiguration struct {
	Type        SinkType `toml:"type"`
	NatsURL     string   `toml:"nats_url"`
	Brokers     []string `toml:"brokers"`
	TopicPrefix string   `toml:"topic_prefix"`
	Transformer string   `toml:"transformer"` // "debezium" or "compact"
	Compression string   `toml:"compression"` // "none" or "zstd"
	BatchSize   int      `toml:"batch_size"`
}

// AdminConfiguration for the status/metrics HTTP API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ConnectionString string   `toml:"connection_string"`
	FunctionName     string   `toml:"function_name"`
	Tables           []string `toml:"tables"` // Glob patterns matched against schema.table

	Trigger    TriggerConfiguration    `toml:"trigger"`
	Sink       SinkConfiguration       `toml:"sink"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag       = flag.String("config", "config.toml", "Path to configuration file")
	ConnectionStringFlag = flag.String("connection-string", "", "Database connection string (overrides config)")
	FunctionNameFlag     = flag.String("function-name", "", "Function name (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Tables: []string{},

	Trigger: TriggerConfiguration{
		BatchSize:              10,
		MaxAttemptCount:        5,
		MaxLeaseRenewalCount:   5,
		LeaseIntervalSeconds:   30,
		PollingIntervalSeconds: 5,
		MetadataCacheSize:      128,
	},

	Sink: SinkConfiguration{
		Type:        SinkLog,
		TopicPrefix: "trigon.cdc",
		Transformer: "debezium",
		Compression: "none",
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9309,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *ConnectionStringFlag != "" {
		Config.ConnectionString = *ConnectionStringFlag
	}
	if *FunctionNameFlag != "" {
		Config.FunctionName = *FunctionNameFlag
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.ConnectionString == "" {
		return fmt.Errorf("connection_string is required")
	}

	if Config.FunctionName == "" {
		return fmt.Errorf("function_name is required")
	}

	if len(Config.Tables) == 0 {
		return fmt.Errorf("at least one table pattern is required")
	}

	if Config.Trigger.BatchSize < 1 {
		return fmt.Errorf("trigger batch size must be >= 1")
	}

	if Config.Trigger.MaxAttemptCount < 1 {
		return fmt.Errorf("trigger max attempt count must be >= 1")
	}

	if Config.Trigger.MaxLeaseRenewalCount < 1 {
		return fmt.Errorf("trigger max lease renewal count must be >= 1")
	}

	if Config.Trigger.LeaseIntervalSeconds < 2 {
		return fmt.Errorf("trigger lease interval must be >= 2 seconds")
	}

	if Config.Trigger.PollingIntervalSeconds < 1 {
		return fmt.Errorf("trigger polling interval must be >= 1 second")
	}

	if Config.Trigger.MetadataCacheSize < 1 {
		return fmt.Errorf("trigger metadata cache size must be >= 1")
	}

	switch Config.Sink.Type {
	case SinkLog:
	case SinkNats:
		if Config.Sink.NatsURL == "" {
			return fmt.Errorf("nats sink requires nats_url")
		}
	case SinkKafka:
		if len(Config.Sink.Brokers) == 0 {
			return fmt.Errorf("kafka sink requires at least one broker")
		}
	default:
		return fmt.Errorf("unknown sink type: %s", Config.Sink.Type)
	}

	switch Config.Sink.Transformer {
	case "debezium", "compact":
	default:
		return fmt.Errorf("unknown transformer: %s", Config.Sink.Transformer)
	}

	switch Config.Sink.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("unknown compression: %s", Config.Sink.Compression)
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// FunctionID derives the 16-character function identifier stored in the
// global state table from the configured function name. Peers configured
// with the same function name compete for batches; peers with different
// names process the same table independently.
func FunctionID() string {
	return FunctionIDFor(Config.FunctionName)
}

// FunctionIDFor derives the function identifier for an arbitrary name.
func FunctionIDFor(name string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(name))
}

// InstanceID identifies this process in logs. Derived from the machine ID
// when available, stable across restarts on the same host.
func InstanceID() string {
	id, err := machineid.ProtectedID("trigon")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			host = "localhost"
		}
		id = host
	}
	return fmt.Sprintf("%08x", xxhash.Sum64String(id)&0xffffffff)
}
