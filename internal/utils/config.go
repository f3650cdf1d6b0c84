package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/file"
	"github.com/benmeehan/ecoflow-go/pkg/rest"
	"github.com/benmeehan/ecoflow-go/pkg/subscription"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

// Config represents the structure of the configuration file. Environment
// variables override values read from the file.
type Config struct {
	API struct {
		Host      string        `yaml:"host" env:"ECOFLOW_API_HOST"`         // REST API base URL
		AccessKey string        `yaml:"access_key" env:"ECOFLOW_ACCESS_KEY"` // Developer access key
		SecretKey string        `yaml:"secret_key" env:"ECOFLOW_SECRET_KEY"` // Developer secret key
		Timeout   time.Duration `yaml:"timeout" env:"ECOFLOW_API_TIMEOUT"`   // Per-request HTTP timeout
	} `yaml:"api"`

	MQTT struct {
		ClientID       string        `yaml:"client_id" env:"ECOFLOW_CLIENT_ID"`             // MQTT client ID
		ExactClientID  bool          `yaml:"exact_client_id" env:"ECOFLOW_EXACT_CLIENT_ID"` // Use client_id without a random suffix
		CACertificate  string        `yaml:"ca_certificate" env:"ECOFLOW_CA_CERT"`          // Extra CA certificate for the broker
		QOS            int           `yaml:"qos" env:"ECOFLOW_MQTT_QOS"`                    // QoS for subscriptions and publishes
		ConnectTimeout time.Duration `yaml:"connect_timeout" env:"ECOFLOW_CONNECT_TIMEOUT"` // Broker connect timeout
	} `yaml:"mqtt"`

	Forwarder struct {
		Type  string `yaml:"type" env:"ECOFLOW_FORWARDER"` // stdout or kafka
		Kafka struct {
			Brokers     string        `yaml:"brokers" env:"ECOFLOW_KAFKA_BROKERS"`           // Comma separated broker addresses
			Topic       string        `yaml:"topic" env:"ECOFLOW_KAFKA_TOPIC"`               // Kafka topic for telemetry
			TLS         bool          `yaml:"tls" env:"ECOFLOW_KAFKA_TLS"`                   // Dial brokers over TLS
			BatchSize   int           `yaml:"batch_size" env:"ECOFLOW_KAFKA_BATCH_SIZE"`     // Records per write
			BatchPeriod time.Duration `yaml:"batch_period" env:"ECOFLOW_KAFKA_BATCH_PERIOD"` // Maximum age of a batch
		} `yaml:"kafka"`
	} `yaml:"forwarder"`

	Services struct {
		Telemetry struct {
			Enabled bool   `yaml:"enabled" env:"ECOFLOW_TELEMETRY_ENABLED"` // Subscribe to device topics
			Kinds   string `yaml:"kinds" env:"ECOFLOW_TELEMETRY_KINDS"`     // Comma separated topic kinds
			Buffer  int    `yaml:"buffer" env:"ECOFLOW_TELEMETRY_BUFFER"`   // Records queued before dropping
		} `yaml:"telemetry"`
		Poller struct {
			Enabled  bool          `yaml:"enabled" env:"ECOFLOW_POLLER_ENABLED"`   // Poll quota-all over REST
			Interval time.Duration `yaml:"interval" env:"ECOFLOW_POLLER_INTERVAL"` // Time between polls
		} `yaml:"poller"`
	} `yaml:"services"`

	Metrics struct {
		Listen string `yaml:"listen" env:"ECOFLOW_METRICS_LISTEN"` // Address for the /metrics endpoint, empty to disable
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level" env:"ECOFLOW_LOG_LEVEL"`   // zerolog level name
		Pretty bool   `yaml:"pretty" env:"ECOFLOW_LOG_PRETTY"` // Human readable console output
	} `yaml:"log"`

	Workers int `yaml:"workers" env:"ECOFLOW_WORKERS"` // Concurrent REST calls for fan-out commands
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	var config Config
	config.API.Host = rest.DefaultHost
	config.API.Timeout = 15 * time.Second
	config.MQTT.ClientID = "ecoflow-go"
	config.MQTT.QOS = 1
	config.MQTT.ConnectTimeout = 30 * time.Second
	config.Forwarder.Type = "stdout"
	config.Forwarder.Kafka.Topic = "ecoflow.telemetry"
	config.Forwarder.Kafka.BatchSize = 100
	config.Forwarder.Kafka.BatchPeriod = 5 * time.Second
	config.Services.Telemetry.Enabled = true
	config.Services.Telemetry.Kinds = "quota,status"
	config.Services.Telemetry.Buffer = 256
	config.Services.Poller.Interval = time.Minute
	config.Log.Level = "info"
	config.Workers = 4
	return &config
}

// LoadConfig loads the YAML configuration from the specified file, applies
// environment overrides and validates the result. An empty filename skips
// the file.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()

	if filename != "" {
		if err := fileClient.ReadYamlFile(filename, config); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", filename, err)
		}
	}

	if err := envdecode.Decode(config); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.API.AccessKey == "" {
		problems = append(problems, "api.access_key (ECOFLOW_ACCESS_KEY) is required")
	}
	if c.API.SecretKey == "" {
		problems = append(problems, "api.secret_key (ECOFLOW_SECRET_KEY) is required")
	}
	if c.MQTT.QOS < 0 || c.MQTT.QOS > 2 {
		problems = append(problems, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QOS))
	}
	if c.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers must be positive, got %d", c.Workers))
	}
	switch c.Forwarder.Type {
	case "stdout":
	case "kafka":
		if len(c.KafkaBrokers()) == 0 {
			problems = append(problems, "forwarder.kafka.brokers is required for the kafka forwarder")
		}
	default:
		problems = append(problems, fmt.Sprintf("forwarder.type must be stdout or kafka, got %q", c.Forwarder.Type))
	}
	if _, err := c.TelemetryKinds(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Services.Poller.Enabled && c.Services.Poller.Interval <= 0 {
		problems = append(problems, "services.poller.interval must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// MQTTClientID returns the client id to connect with. Unless exact_client_id
// is set, a random UUID suffix is appended.
func (c *Config) MQTTClientID() string {
	if c.MQTT.ExactClientID {
		return c.MQTT.ClientID
	}
	return c.MQTT.ClientID + "-" + uuid.NewString()
}

// KafkaBrokers splits the configured broker list.
func (c *Config) KafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.Forwarder.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// TelemetryKinds parses services.telemetry.kinds.
func (c *Config) TelemetryKinds() ([]subscription.TopicKind, error) {
	var kinds []subscription.TopicKind
	for _, name := range strings.Split(c.Services.Telemetry.Kinds, ",") {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		kind, err := subscription.ParseTopicKind(name)
		if err != nil {
			return nil, fmt.Errorf("services.telemetry.kinds: %w", err)
		}
		kinds = append(kinds, kind)
	}
	return Dedupe(kinds), nil
}
