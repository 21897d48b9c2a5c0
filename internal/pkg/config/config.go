package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// DefaultFields is used when neither a profile nor FIELDS names any field.
const DefaultFields = "id,uri"

// Config holds all application configuration.
type Config struct {
	AuditLogPath   string        `env:"AUDIT_LOG_PATH" envDefault:"/var/log/modsec_audit.log"`
	Follow         bool          `env:"FOLLOW" envDefault:"false"`
	Predicate      string        `env:"PREDICATE"`
	Fields         string        `env:"FIELDS"`
	RequireAll     bool          `env:"REQUIRE_ALL" envDefault:"false"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"250ms"`
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"64"`
	SourceEncoding string        `env:"SOURCE_ENCODING" envDefault:"utf-8"`
	OutputFormat   string        `env:"OUTPUT_FORMAT" envDefault:"text"`
	CheckpointPath string        `env:"CHECKPOINT_PATH"`
	RedactFields   string        `env:"REDACT_FIELDS"`
	Profile        string        `env:"PROFILE"`
	ProfilesFile   string        `env:"PROFILES_FILE"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR"` // empty disables the HTTP endpoint

	RedisAddr           string `env:"REDIS_ADDR"`
	RedisStream         string `env:"REDIS_STREAM" envDefault:"modsec_rows"`
	RedisDLQStream      string `env:"REDIS_DLQ_STREAM" envDefault:"modsec_rows_dlq"`
	WALPath             string `env:"WAL_PATH" envDefault:"./wal"`
	WALSegmentSize      int64  `env:"WAL_SEGMENT_SIZE_BYTES" envDefault:"104857600"`   // 100MB
	WALMaxDiskSize      int64  `env:"WAL_MAX_DISK_SIZE_BYTES" envDefault:"1073741824"` // 1GB
	KafkaBrokers        string `env:"KAFKA_BROKERS"` // comma separated host:port list
	KafkaTopic          string `env:"KAFKA_TOPIC" envDefault:"modsec-rows"`
	PostgresURL         string `env:"POSTGRES_URL"`
	ConsumerGroup       string `env:"CONSUMER_GROUP" envDefault:"row-writers"`
	ConsumerBatchSize   int    `env:"CONSUMER_BATCH_SIZE" envDefault:"500"`
	ConsumerMaxAttempts int    `env:"CONSUMER_MAX_ATTEMPTS" envDefault:"3"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BindFlags registers command-line overrides on fs. Current values become the
// flag defaults, so flags win over the environment.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.AuditLogPath, "path", c.AuditLogPath, "audit log to read")
	fs.BoolVar(&c.Follow, "follow", c.Follow, "keep reading as the file grows")
	fs.StringVar(&c.Predicate, "predicate", c.Predicate, `record filter, e.g. "Access denied && tag:id"`)
	fs.StringVar(&c.Fields, "fields", c.Fields, "comma separated fields, name or name=tag")
	fs.BoolVar(&c.RequireAll, "require-all", c.RequireAll, "drop rows missing any field")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "follow mode poll interval")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "pipeline channel capacity")
	fs.StringVar(&c.SourceEncoding, "encoding", c.SourceEncoding, "source character set")
	fs.StringVar(&c.OutputFormat, "format", c.OutputFormat, "output format: text, csv, json, redis or kafka")
	fs.StringVar(&c.CheckpointPath, "checkpoint", c.CheckpointPath, "checkpoint file for resumable runs")
	fs.StringVar(&c.RedactFields, "redact", c.RedactFields, "comma separated fields to redact")
	fs.StringVar(&c.Profile, "profile", c.Profile, "named extraction profile")
	fs.StringVar(&c.ProfilesFile, "profiles", c.ProfilesFile, "YAML file with extra profiles")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "serve /metrics, /health and /rows on this address")
}

// Validate checks option values that env parsing cannot.
func (c *Config) Validate() error {
	var errs []error
	if c.AuditLogPath == "" {
		errs = append(errs, errors.New("audit log path is empty"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	switch c.OutputFormat {
	case "text", "csv", "json":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("output format redis requires REDIS_ADDR"))
		}
	case "kafka":
		if len(c.Brokers()) == 0 || c.KafkaTopic == "" {
			errs = append(errs, errors.New("output format kafka requires KAFKA_BROKERS and KAFKA_TOPIC"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q", c.OutputFormat))
	}
	return errors.Join(errs...)
}
