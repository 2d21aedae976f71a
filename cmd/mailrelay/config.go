package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/overtonx/mailrelay"
)

const (
	modeBatch  = "batch"
	modeSingle = "single"
)

// Config is the process configuration. It is read from a YAML file and then overridden by
// command-line flags.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Pool      PoolConfig      `yaml:"pool"`
	Retry     RetryConfig     `yaml:"retry"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Retention RetentionConfig `yaml:"retention"`
	// StatsInterval is how often pool occupancy is reported.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type LogConfig struct {
	Development bool `yaml:"development"`
}

type KafkaConfig struct {
	// Mode is "batch" (pooled fan-out, one commit per batch) or "single" (one message at a
	// time, committed on its own, with the topic retry policy).
	Mode            string        `yaml:"mode"`
	Brokers         string        `yaml:"brokers"`
	GroupID         string        `yaml:"group_id"`
	Topics          []string      `yaml:"topics"`
	DeadLetterTopic string        `yaml:"dead_letter_topic"`
	DeadLetterGroup string        `yaml:"dead_letter_group_id"`
	BatchSize       int           `yaml:"batch_size"`
	BatchWait       time.Duration `yaml:"batch_wait"`
	Concurrency     int           `yaml:"concurrency"`
}

type PoolConfig struct {
	CoreSize      int           `yaml:"core_size"`
	MaxSize       int           `yaml:"max_size"`
	QueueCapacity int           `yaml:"queue_capacity"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// Backoff is "fixed" or "exponential".
	Backoff    string        `yaml:"backoff"`
	Delay      time.Duration `yaml:"delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Subject  string        `yaml:"subject"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RetentionConfig struct {
	Outcomes        time.Duration `yaml:"outcomes"`
	DeadLetters     time.Duration `yaml:"dead_letters"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig mirrors the production listener setup.
func DefaultConfig() Config {
	return Config{
		Kafka: KafkaConfig{
			Mode:            modeBatch,
			Brokers:         "localhost:9092",
			GroupID:         "email-service",
			Topics:          []string{"reservation.confirmed"},
			DeadLetterTopic: "reservation.confirmed.dlt",
			DeadLetterGroup: "email-service-dlt",
			BatchSize:       50,
			BatchWait:       500 * time.Millisecond,
			Concurrency:     2,
		},
		Pool: PoolConfig{
			CoreSize:      20,
			MaxSize:       50,
			QueueCapacity: 70,
			KeepAlive:     60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:    2,
			Backoff:        "fixed",
			Delay:          500 * time.Millisecond,
			Multiplier:     2,
			AttemptTimeout: 30 * time.Second,
		},
		SMTP: SMTPConfig{
			Port:    587,
			Subject: "[TablePick] Your reservation is confirmed",
			Timeout: 15 * time.Second,
		},
		Retention: RetentionConfig{
			Outcomes:        30 * 24 * time.Hour,
			DeadLetters:     90 * 24 * time.Hour,
			CleanupInterval: time.Hour,
		},
		StatsInterval: 15 * time.Second,
	}
}

// LoadConfig parses args, loads the --config file if given and applies explicitly set flags.
func LoadConfig(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("mailrelay", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	mode := fs.String("kafka.mode", "", "batch or single")
	brokers := fs.String("kafka.brokers", "", "comma-separated Kafka bootstrap servers")
	groupID := fs.String("kafka.group-id", "", "consumer group of the batch consumers")
	topics := fs.StringSlice("kafka.topics", nil, "topics carrying reservation confirmations")
	concurrency := fs.Int("kafka.concurrency", 0, "number of batch consumers")
	batchSize := fs.Int("kafka.batch-size", 0, "maximum messages per batch")
	dsn := fs.String("mysql.dsn", "", "MySQL DSN for outcome and dead-letter logs")
	smtpHost := fs.String("smtp.host", "", "SMTP relay host; mails are only logged when empty")
	maxAttempts := fs.Int("retry.max-attempts", 0, "delivery attempts per message")
	development := fs.Bool("log.development", false, "human-readable debug logging")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", *configPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", *configPath, err)
		}
	}

	if fs.Changed("kafka.mode") {
		cfg.Kafka.Mode = *mode
	}
	if fs.Changed("kafka.brokers") {
		cfg.Kafka.Brokers = *brokers
	}
	if fs.Changed("kafka.group-id") {
		cfg.Kafka.GroupID = *groupID
	}
	if fs.Changed("kafka.topics") {
		cfg.Kafka.Topics = *topics
	}
	if fs.Changed("kafka.concurrency") {
		cfg.Kafka.Concurrency = *concurrency
	}
	if fs.Changed("kafka.batch-size") {
		cfg.Kafka.BatchSize = *batchSize
	}
	if fs.Changed("mysql.dsn") {
		cfg.MySQL.DSN = *dsn
	}
	if fs.Changed("smtp.host") {
		cfg.SMTP.Host = *smtpHost
	}
	if fs.Changed("retry.max-attempts") {
		cfg.Retry.MaxAttempts = *maxAttempts
	}
	if fs.Changed("log.development") {
		cfg.Log.Development = *development
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Kafka.Brokers) == "" {
		errs = append(errs, errors.New("kafka.brokers is required"))
	}
	if c.Kafka.GroupID == "" {
		errs = append(errs, errors.New("kafka.group_id is required"))
	}
	if c.Kafka.Mode != modeBatch && c.Kafka.Mode != modeSingle {
		errs = append(errs, fmt.Errorf("kafka.mode must be %s or %s, got %q", modeBatch, modeSingle, c.Kafka.Mode))
	}
	if len(c.Kafka.Topics) == 0 {
		errs = append(errs, errors.New("kafka.topics must not be empty"))
	}
	if c.Kafka.Concurrency < 1 {
		errs = append(errs, errors.New("kafka.concurrency must be positive"))
	}
	if c.Kafka.BatchSize < 1 {
		errs = append(errs, errors.New("kafka.batch_size must be positive"))
	}
	if c.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql.dsn is required"))
	}
	if c.Pool.CoreSize < 1 || c.Pool.MaxSize < c.Pool.CoreSize {
		errs = append(errs, errors.New("pool sizes must satisfy 1 <= core_size <= max_size"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	switch c.Retry.Backoff {
	case "fixed", "exponential":
	default:
		errs = append(errs, fmt.Errorf("retry.backoff must be fixed or exponential, got %q", c.Retry.Backoff))
	}
	if c.StatsInterval <= 0 || c.Retention.CleanupInterval <= 0 {
		errs = append(errs, errors.New("stats_interval and retention.cleanup_interval must be positive"))
	}
	return errors.Join(errs...)
}

// RetryPolicy builds the executor policy from the retry section.
func (c RetryConfig) RetryPolicy() mailrelay.RetryPolicy {
	var backoff mailrelay.BackoffStrategy
	if c.Backoff == "exponential" {
		backoff = mailrelay.NewExponentialBackoffStrategy(c.Delay, c.Multiplier, c.MaxDelay)
	} else {
		backoff = mailrelay.NewFixedBackoffStrategy(c.Delay)
	}
	return mailrelay.RetryPolicy{MaxAttempts: c.MaxAttempts, Backoff: backoff}
}

// ExecutorOptions returns the retry options for mode. The single-message path always runs
// with mailrelay.TopicRetryPolicy.
func (c RetryConfig) ExecutorOptions(mode string) []mailrelay.RetryExecutorOption {
	policy := c.RetryPolicy()
	if mode == modeSingle {
		policy = mailrelay.TopicRetryPolicy()
	}
	return []mailrelay.RetryExecutorOption{
		mailrelay.WithRetryPolicy(policy),
		mailrelay.WithAttemptTimeout(c.AttemptTimeout),
	}
}

// DeadLetterTopics lists the topics the escalation consumer reads.
func (c KafkaConfig) DeadLetterTopics() []string {
	if c.DeadLetterTopic != "" {
		return []string{c.DeadLetterTopic}
	}
	topics := make([]string, 0, len(c.Topics))
	for _, t := range c.Topics {
		topics = append(topics, t+".dlt")
	}
	return topics
}
