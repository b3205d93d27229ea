// Package config provides configuration management for the relayer.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	relayerrors "github.com/cctp-relayer/internal/errors"
)

// Supported job store drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Supported alert webhook payload shapes
const (
	WebhookKindSlack   = "slack"
	WebhookKindGeneric = "generic"
)

// Config holds all application configuration
type Config struct {
	Chains   ChainsConfig
	Iris     IrisConfig
	Relay    RelayConfig
	Alert    AlertConfig
	Database DatabaseConfig
	API      APIConfig
	Logging  LoggingConfig
}

// ChainsConfig holds both sides of the bridge
type ChainsConfig struct {
	L1 ChainConfig
	L2 ChainConfig
}

// ChainConfig holds configuration for one chain role
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string
	Domain        uint32
	Confirmations uint64
	// ScanContract emits the transfer events scanned on this chain
	ScanContract string
	// RelayContract receives relayed messages on this chain
	RelayContract string
	// RPCRatePerSecond bounds RPC calls to this chain (0 disables)
	RPCRatePerSecond float64
}

// IrisConfig holds attestation service configuration
type IrisConfig struct {
	BaseURL      string
	PollInterval time.Duration
	// RatePerSecond bounds requests from this process
	RatePerSecond float64
	// BudgetPerMinute bounds requests across processes sharing Redis (0 disables)
	BudgetPerMinute int
}

// RelayConfig holds job engine configuration
type RelayConfig struct {
	Enabled             bool
	MaxRetries          int
	BlockBatch          uint64
	ScanInterval        time.Duration
	ReceiptPollInterval time.Duration
}

// AlertConfig holds alert webhook configuration
type AlertConfig struct {
	WebhookURL              string
	WebhookKind             string
	AttestationPendingAfter time.Duration
	RelayPendingAfter       time.Duration
}

// DatabaseConfig holds job store configuration
type DatabaseConfig struct {
	Driver     string
	SQLitePath string
	Postgres   PostgresConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	SSLMode        string
	MaxConnections int
}

// URL returns the connection URL used by the migration tool
func (c PostgresConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// RedisConfig holds Redis configuration. An empty Addr disables Redis.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	MaxConnections int
}

// APIConfig holds the ops HTTP server configuration
type APIConfig struct {
	Enabled bool
	Host    string
	Port    string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Chains: ChainsConfig{
			L1: ChainConfig{
				RPCURL:        getEnv("RPC_L1", ""),
				PrivateKey:    getEnv("PK_L1", ""),
				Domain:        getEnvAsUint32("DOMAIN_L1", 0),
				Confirmations: getEnvAsUint64("L1_CONFIRMATIONS", 3),
				ScanContract:  getEnv("L1_WITHDRAW_ROUTER", ""),
				RelayContract: getEnv("L1_EXECUTOR", ""),

				RPCRatePerSecond: getEnvAsFloat("L1_RPC_RATE_PER_SEC", 0),
			},
			L2: ChainConfig{
				RPCURL:        getEnv("RPC_L2", ""),
				PrivateKey:    getEnv("PK_L2", ""),
				Domain:        getEnvAsUint32("DOMAIN_L2", 6),
				Confirmations: getEnvAsUint64("L2_CONFIRMATIONS", 3),
				ScanContract:  getEnv("L2_GATEWAY", ""),
				RelayContract: getEnv("CCTP_MESSAGE_TRANSMITTER_V2", ""),

				RPCRatePerSecond: getEnvAsFloat("L2_RPC_RATE_PER_SEC", 0),
			},
		},
		Iris: IrisConfig{
			BaseURL:         strings.TrimRight(getEnv("IRIS_BASE", ""), "/"),
			PollInterval:    getEnvAsMillis("IRIS_POLL_MS", 5*time.Second),
			RatePerSecond:   getEnvAsFloat("IRIS_RATE_PER_SEC", 10),
			BudgetPerMinute: getEnvAsInt("IRIS_BUDGET_PER_MIN", 600),
		},
		Relay: RelayConfig{
			Enabled:             getEnv("RELAY_ENABLED", "1") != "0",
			MaxRetries:          getEnvAsInt("MAX_RETRIES", 12),
			BlockBatch:          getEnvAsUint64("BLOCK_BATCH", 2000),
			ScanInterval:        getEnvAsMillis("SCAN_INTERVAL_MS", 10*time.Second),
			ReceiptPollInterval: getEnvAsMillis("RECEIPT_POLL_MS", 7*time.Second),
		},
		Alert: AlertConfig{
			WebhookURL:              getEnv("ALERT_WEBHOOK_URL", ""),
			WebhookKind:             strings.ToLower(getEnv("ALERT_WEBHOOK_KIND", WebhookKindSlack)),
			AttestationPendingAfter: getEnvAsMinutes("ALERT_ATTESTATION_PENDING_MIN", 30*time.Minute),
			RelayPendingAfter:       getEnvAsMinutes("ALERT_RELAY_PENDING_MIN", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
			SQLitePath: getEnv("DB_PATH", "./relayer.sqlite"),
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "relayer"),
				User:           getEnv("POSTGRES_USER", "relayer"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 10),
			},
			Redis: RedisConfig{
				Addr:           getEnv("REDIS_ADDR", ""),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 10),
			},
		},
		API: APIConfig{
			Enabled: getEnv("API_ENABLED", "1") != "0",
			Host:    getEnv("API_HOST", "0.0.0.0"),
			Port:    getEnv("API_PORT", "8081"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config, nil
}

// Validate reports every missing required setting and invalid value at once
func (c *Config) Validate() error {
	required := map[string]string{
		"RPC_L1":                      c.Chains.L1.RPCURL,
		"RPC_L2":                      c.Chains.L2.RPCURL,
		"PK_L1":                       c.Chains.L1.PrivateKey,
		"PK_L2":                       c.Chains.L2.PrivateKey,
		"IRIS_BASE":                   c.Iris.BaseURL,
		"L1_EXECUTOR":                 c.Chains.L1.RelayContract,
		"L1_WITHDRAW_ROUTER":          c.Chains.L1.ScanContract,
		"L2_GATEWAY":                  c.Chains.L2.ScanContract,
		"CCTP_MESSAGE_TRANSMITTER_V2": c.Chains.L2.RelayContract,
	}

	var problems []string
	for _, key := range requiredKeys {
		if required[key] == "" {
			problems = append(problems, "missing "+key)
		}
	}

	switch c.Alert.WebhookKind {
	case WebhookKindSlack, WebhookKindGeneric:
	default:
		problems = append(problems, fmt.Sprintf("ALERT_WEBHOOK_KIND must be %q or %q", WebhookKindSlack, WebhookKindGeneric))
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		problems = append(problems, fmt.Sprintf("DB_DRIVER must be %q or %q", DriverSQLite, DriverPostgres))
	}

	if c.Relay.MaxRetries < 1 {
		problems = append(problems, "MAX_RETRIES must be at least 1")
	}
	if c.Relay.BlockBatch < 1 {
		problems = append(problems, "BLOCK_BATCH must be at least 1")
	}
	if c.Database.Postgres.MaxConnections < 1 || c.Database.Postgres.MaxConnections > 1000 {
		problems = append(problems, "POSTGRES_MAX_CONNECTIONS must be between 1 and 1000")
	}

	if len(problems) > 0 {
		return relayerrors.NewConfigError("invalid configuration: "+strings.Join(problems, "; "), nil)
	}
	return nil
}

// requiredKeys fixes the order problems are reported in
var requiredKeys = []string{
	"RPC_L1",
	"RPC_L2",
	"PK_L1",
	"PK_L2",
	"IRIS_BASE",
	"L1_EXECUTOR",
	"L1_WITHDRAW_ROUTER",
	"L2_GATEWAY",
	"CCTP_MESSAGE_TRANSMITTER_V2",
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsUint64 gets an environment variable as an unsigned integer with a default value
func getEnvAsUint64(key string, defaultValue uint64) uint64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsUint32 gets an environment variable as a domain id with a default value
func getEnvAsUint32(key string, defaultValue uint32) uint32 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseUint(valueStr, 10, 32)
	if err != nil {
		return defaultValue
	}
	return uint32(value)
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsMillis reads an integer number of milliseconds
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvAsInt(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// getEnvAsMinutes reads an integer number of minutes
func getEnvAsMinutes(key string, defaultValue time.Duration) time.Duration {
	minutes := getEnvAsInt(key, -1)
	if minutes < 0 {
		return defaultValue
	}
	return time.Duration(minutes) * time.Minute
}
