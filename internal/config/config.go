// Package config loads service settings from the environment (and optionally a
// file named by SAGA_CONFIG) using viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Tables names the DynamoDB tables each service may touch.
type Tables struct {
	Accounts     string
	Transactions string
	Idempotency  string
	Orders       string
	Payments     string
	Deliveries   string
}

// Config is shared by all deployables; each reads the fields it needs.
type Config struct {
	Service         string
	HTTPAddr        string
	RunLocal        bool
	LambdaMode      string // api | sqs
	QueuePrefix     string
	ConsumerWorkers int
	MaxReceiveCount int
	Tables          Tables
	StoreAccount    string
	LossProbability float64
	StageDelay      time.Duration
	ResumeInterval  time.Duration
	IdempotencyTTL  time.Duration
	AlertNamespace  string
}

// Load reads the configuration for service.
func Load(service string) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("RUN_LOCAL", false)
	v.SetDefault("LAMBDA_MODE", "api")
	v.SetDefault("QUEUE_PREFIX", "")
	v.SetDefault("CONSUMER_WORKERS", 4)
	v.SetDefault("MAX_RECEIVE_COUNT", 5)
	v.SetDefault("ACCOUNTS_TABLE", "accounts")
	v.SetDefault("TRANSACTIONS_TABLE", "ledger_transactions")
	v.SetDefault("IDEMPOTENCY_TABLE", "idempotency")
	v.SetDefault("ORDERS_TABLE", "orders")
	v.SetDefault("PAYMENTS_TABLE", "payments")
	v.SetDefault("DELIVERIES_TABLE", "deliveries")
	v.SetDefault("STORE_ACCOUNT", "STORE-001")
	v.SetDefault("DELIVERY_LOSS_PROBABILITY", 0.05)
	v.SetDefault("DELIVERY_STAGE_DELAY", "5s")
	v.SetDefault("DELIVERY_RESUME_INTERVAL", "30s")
	v.SetDefault("IDEMPOTENCY_TTL", "48h")
	v.SetDefault("ALERT_NAMESPACE", "FulfillmentSaga")

	if file := os.Getenv("SAGA_CONFIG"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		Service:         service,
		HTTPAddr:        v.GetString("HTTP_ADDR"),
		RunLocal:        v.GetBool("RUN_LOCAL"),
		LambdaMode:      v.GetString("LAMBDA_MODE"),
		QueuePrefix:     v.GetString("QUEUE_PREFIX"),
		ConsumerWorkers: v.GetInt("CONSUMER_WORKERS"),
		MaxReceiveCount: v.GetInt("MAX_RECEIVE_COUNT"),
		Tables: Tables{
			Accounts:     v.GetString("ACCOUNTS_TABLE"),
			Transactions: v.GetString("TRANSACTIONS_TABLE"),
			Idempotency:  v.GetString("IDEMPOTENCY_TABLE"),
			Orders:       v.GetString("ORDERS_TABLE"),
			Payments:     v.GetString("PAYMENTS_TABLE"),
			Deliveries:   v.GetString("DELIVERIES_TABLE"),
		},
		StoreAccount:    v.GetString("STORE_ACCOUNT"),
		LossProbability: v.GetFloat64("DELIVERY_LOSS_PROBABILITY"),
		StageDelay:      v.GetDuration("DELIVERY_STAGE_DELAY"),
		ResumeInterval:  v.GetDuration("DELIVERY_RESUME_INTERVAL"),
		IdempotencyTTL:  v.GetDuration("IDEMPOTENCY_TTL"),
		AlertNamespace:  v.GetString("ALERT_NAMESPACE"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.LossProbability < 0 || c.LossProbability > 1 {
		errs = append(errs, fmt.Errorf("DELIVERY_LOSS_PROBABILITY must be within [0,1], got %v", c.LossProbability))
	}
	if c.ConsumerWorkers < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_WORKERS must be positive, got %d", c.ConsumerWorkers))
	}
	if c.MaxReceiveCount < 1 {
		errs = append(errs, fmt.Errorf("MAX_RECEIVE_COUNT must be positive, got %d", c.MaxReceiveCount))
	}
	if c.LambdaMode != "api" && c.LambdaMode != "sqs" {
		errs = append(errs, fmt.Errorf("LAMBDA_MODE must be api or sqs, got %q", c.LambdaMode))
	}
	return errors.Join(errs...)
}
