package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/glimte/relay/internal/observability"
	"github.com/glimte/relay/rm"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Config is the relay configuration file
type Config struct {
	Bus         BusConfig         `yaml:"bus" envPrefix:"RELAY_"`
	Reliability ReliabilityConfig `yaml:"reliability" envPrefix:"RELAY_RM_"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq" envPrefix:"RELAY_AMQP_"`
}

// BusConfig configures the bus and its chains
type BusConfig struct {
	Name               string        `yaml:"name" env:"NAME"`
	LogLevel           string        `yaml:"logLevel" env:"LOG_LEVEL"`
	Compression        bool          `yaml:"compression" env:"COMPRESSION"`
	CompressionLevel   int           `yaml:"compressionLevel" env:"COMPRESSION_LEVEL"`
	RequestTimeout     time.Duration `yaml:"requestTimeout" env:"REQUEST_TIMEOUT"`
	BackChannelTimeout time.Duration `yaml:"backChannelTimeout" env:"BACK_CHANNEL_TIMEOUT"`
	Workers            int           `yaml:"workers" env:"WORKERS"`
}

// ReliabilityConfig mirrors rm.Config
type ReliabilityConfig struct {
	BaseRetransmissionInterval time.Duration `yaml:"baseRetransmissionInterval" env:"BASE_RETRANSMISSION_INTERVAL"`
	BackoffMultiplier          float64       `yaml:"backoffMultiplier" env:"BACKOFF_MULTIPLIER"`
	MaxRetransmissionInterval  time.Duration `yaml:"maxRetransmissionInterval" env:"MAX_RETRANSMISSION_INTERVAL"`
	MaxRetransmissions         int           `yaml:"maxRetransmissions" env:"MAX_RETRANSMISSIONS"`
	AcknowledgementInterval    time.Duration `yaml:"acknowledgementInterval" env:"ACKNOWLEDGEMENT_INTERVAL"`
	MaxHeldMessages            int           `yaml:"maxHeldMessages" env:"MAX_HELD_MESSAGES"`
	SequenceExpiration         time.Duration `yaml:"sequenceExpiration" env:"SEQUENCE_EXPIRATION"`
	SequenceRetention          time.Duration `yaml:"sequenceRetention" env:"SEQUENCE_RETENTION"`
	ResendRate                 float64       `yaml:"resendRate" env:"RESEND_RATE"`
	ResendBurst                int           `yaml:"resendBurst" env:"RESEND_BURST"`
	SchedulerInterval          time.Duration `yaml:"schedulerInterval" env:"SCHEDULER_INTERVAL"`
	Namespace                  string        `yaml:"namespace" env:"NAMESPACE"`
}

// RabbitMQConfig configures the AMQP transport
type RabbitMQConfig struct {
	URL            string        `yaml:"url" env:"URL"`
	ReconnectDelay time.Duration `yaml:"reconnectDelay" env:"RECONNECT_DELAY"`
	MaxReconnects  int           `yaml:"maxReconnects" env:"MAX_RECONNECTS"`
	PollInterval   time.Duration `yaml:"pollInterval" env:"POLL_INTERVAL"`
}

// Default returns the built-in configuration
func Default() *Config {
	d := rm.DefaultConfig()
	return &Config{
		Bus: BusConfig{
			Name:               "relay",
			LogLevel:           "info",
			CompressionLevel:   -1,
			RequestTimeout:     30 * time.Second,
			BackChannelTimeout: 30 * time.Second,
			Workers:            4,
		},
		Reliability: ReliabilityConfig{
			BaseRetransmissionInterval: d.BaseRetransmissionInterval,
			BackoffMultiplier:          d.BackoffMultiplier,
			MaxRetransmissionInterval:  d.MaxRetransmissionInterval,
			MaxRetransmissions:         d.MaxRetransmissions,
			AcknowledgementInterval:    d.AcknowledgementInterval,
			MaxHeldMessages:            d.MaxHeldMessages,
			SequenceExpiration:         d.SequenceExpiration,
			SequenceRetention:          d.SequenceRetention,
			ResendRate:                 float64(d.ResendRate),
			ResendBurst:                d.ResendBurst,
			SchedulerInterval:          d.SchedulerInterval,
			Namespace:                  d.Namespace,
		},
		RabbitMQ: RabbitMQConfig{
			ReconnectDelay: 5 * time.Second,
			MaxReconnects:  -1,
			PollInterval:   100 * time.Millisecond,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the bus settings and the reliability settings
func (c *Config) Validate() error {
	var errs []error
	if c.Bus.Name == "" {
		errs = append(errs, errors.New("bus name must not be empty"))
	}
	if c.Bus.Compression && (c.Bus.CompressionLevel < -2 || c.Bus.CompressionLevel > 9) {
		errs = append(errs, fmt.Errorf("compression level %d out of range", c.Bus.CompressionLevel))
	}
	if c.Bus.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.Bus.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}
	if err := c.RM().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reliability: %w", err))
	}
	return errors.Join(errs...)
}

// RM returns the reliability settings as an rm.Config
func (c *Config) RM() rm.Config {
	r := c.Reliability
	return rm.Config{
		BaseRetransmissionInterval: r.BaseRetransmissionInterval,
		BackoffMultiplier:          r.BackoffMultiplier,
		MaxRetransmissionInterval:  r.MaxRetransmissionInterval,
		MaxRetransmissions:         r.MaxRetransmissions,
		AcknowledgementInterval:    r.AcknowledgementInterval,
		MaxHeldMessages:            r.MaxHeldMessages,
		SequenceExpiration:         r.SequenceExpiration,
		SequenceRetention:          r.SequenceRetention,
		ResendRate:                 rate.Limit(r.ResendRate),
		ResendBurst:                r.ResendBurst,
		SchedulerInterval:          r.SchedulerInterval,
		Namespace:                  r.Namespace,
	}
}

// LogLevel returns the parsed bus log level
func (c *Config) LogLevel() slog.Level {
	return observability.ParseLogLevel(c.Bus.LogLevel)
}
