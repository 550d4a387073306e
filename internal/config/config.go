package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type OutboxTransport string

const (
	OutboxTransportKafka OutboxTransport = "kafka"
	OutboxTransportSQS   OutboxTransport = "sqs"
)

type Config struct {
	DBConfig struct {
		Host     string `env:"PAYMENTS_DB_HOST"`
		Port     int    `env:"PAYMENTS_DB_PORT"`
		User     string `env:"PAYMENTS_DB_USER"`
		Password string `env:"PAYMENTS_DB_PASSWORD"`
		Name     string `env:"PAYMENTS_DB_NAME"`
		SSLMode  string `env:"PAYMENTS_DB_SSLMODE"`
	}
	MigrationsPath string `env:"MIGRATIONS_PATH"`
	HTTPPort       int    `env:"HTTP_PORT"`

	StripeSecretKey     string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIURL        string        `env:"STRIPE_API_URL"`
	GatewayTimeout      time.Duration `env:"GATEWAY_TIMEOUT"`
	CheckoutSuccessURL  string        `env:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL   string        `env:"CHECKOUT_CANCEL_URL"`

	JWTSecret          string   `env:"JWT_SECRET"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`

	PollMaxAttempts      int           `env:"POLL_MAX_ATTEMPTS"`
	PollBaseDelay        time.Duration `env:"POLL_BASE_DELAY"`
	BulkPollMaxAttempts  int           `env:"BULK_POLL_MAX_ATTEMPTS"`
	BulkPollBaseDelay    time.Duration `env:"BULK_POLL_BASE_DELAY"`
	BulkPollConcurrency  int           `env:"BULK_POLL_CONCURRENCY"`
	PollLockTTL          time.Duration `env:"POLL_LOCK_TTL"`
	ReconcileInterval    time.Duration `env:"RECONCILE_SWEEP_INTERVAL"`
	ReconcileMinAge      time.Duration `env:"RECONCILE_SWEEP_MIN_AGE"`
	ReconcileMaxPayments int           `env:"RECONCILE_SWEEP_MAX_PAYMENTS"`

	RedisURL string `env:"REDIS_URL"`

	OutboxTransport    OutboxTransport `env:"OUTBOX_TRANSPORT"`
	OutboxPollInterval time.Duration   `env:"OUTBOX_POLL_INTERVAL"`
	OutboxPollTimeout  time.Duration   `env:"OUTBOX_POLL_TIMEOUT"`
	OutboxBatchSize    int             `env:"OUTBOX_BATCH_SIZE"`
	OutboxMaxAttempts  int             `env:"OUTBOX_MAX_ATTEMPTS"`

	KafkaBrokerURL          string `env:"KAFKA_BROKER_URL"`
	KafkaPaymentStatusTopic string `env:"KAFKA_PAYMENT_STATUS_TOPIC"`

	SQSQueueName string `env:"SQS_QUEUE_NAME"`
	AWSRegion    string `env:"AWS_REGION"`
}

func LoadConfig() (*Config, error) {
	// .env is optional; real deployments pass env vars directly.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.DBConfig.Host = getEnvOrDefault("PAYMENTS_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("PAYMENTS_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("PAYMENTS_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("PAYMENTS_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("PAYMENTS_DB_NAME", "payments_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("PAYMENTS_DB_SSLMODE", "disable")
	cfg.MigrationsPath = getEnvOrDefault("MIGRATIONS_PATH", "file:///app/migrations")
	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8082)

	cfg.StripeSecretKey = getEnvOrDefault("STRIPE_SECRET_KEY", "")
	cfg.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", "")
	cfg.StripeAPIURL = getEnvOrDefault("STRIPE_API_URL", "")
	cfg.GatewayTimeout = getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second)
	cfg.CheckoutSuccessURL = getEnvOrDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/payment/success")
	cfg.CheckoutCancelURL = getEnvOrDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/payment/cancel")

	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", "")
	cfg.CORSAllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"})

	cfg.PollMaxAttempts = getEnvAsInt("POLL_MAX_ATTEMPTS", 10)
	cfg.PollBaseDelay = getEnvAsDuration("POLL_BASE_DELAY", 2*time.Second)
	cfg.BulkPollMaxAttempts = getEnvAsInt("BULK_POLL_MAX_ATTEMPTS", 5)
	cfg.BulkPollBaseDelay = getEnvAsDuration("BULK_POLL_BASE_DELAY", 1*time.Second)
	cfg.BulkPollConcurrency = getEnvAsInt("BULK_POLL_CONCURRENCY", 5)
	cfg.PollLockTTL = getEnvAsDuration("POLL_LOCK_TTL", 15*time.Minute)
	cfg.ReconcileInterval = getEnvAsDuration("RECONCILE_SWEEP_INTERVAL", 0)
	cfg.ReconcileMinAge = getEnvAsDuration("RECONCILE_SWEEP_MIN_AGE", 15*time.Minute)
	cfg.ReconcileMaxPayments = getEnvAsInt("RECONCILE_SWEEP_MAX_PAYMENTS", 100)

	cfg.RedisURL = getEnvOrDefault("REDIS_URL", "")

	cfg.OutboxTransport = OutboxTransport(strings.ToLower(getEnvOrDefault("OUTBOX_TRANSPORT", string(OutboxTransportKafka))))
	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxPollTimeout = getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 10*time.Second)
	cfg.OutboxBatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", 10)
	cfg.OutboxMaxAttempts = getEnvAsInt("OUTBOX_MAX_ATTEMPTS", 10)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaPaymentStatusTopic = getEnvOrDefault("KAFKA_PAYMENT_STATUS_TOPIC", "payment_status_updates")

	cfg.SQSQueueName = getEnvOrDefault("SQS_QUEUE_NAME", "PaymentStatusUpdates")
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-1")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.OutboxTransport {
	case OutboxTransportKafka, OutboxTransportSQS:
	default:
		errs = append(errs, fmt.Errorf("OUTBOX_TRANSPORT must be kafka or sqs, got %q", c.OutboxTransport))
	}
	if c.PollMaxAttempts < 1 || c.BulkPollMaxAttempts < 1 {
		errs = append(errs, errors.New("poll max attempts must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetDBMigrationConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
