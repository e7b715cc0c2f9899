// Package config loads the gateway node configuration: a YAML file, then an
// optional .env file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/R3E-Network/contract_gateway/platform/contracts/types"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config is the full node configuration.
type Config struct {
	Gateway GatewayConfig    `yaml:"gateway"`
	Genesis []GenesisAccount `yaml:"genesis"`
	Tokens  []TokenConfig    `yaml:"tokens"`
	Storage StorageConfig    `yaml:"storage"`
	Server  ServerConfig     `yaml:"server"`
	Logging LoggingConfig    `yaml:"logging"`
}

// GatewayConfig describes the gateway account and its policy. Amounts are
// decimal yocto strings.
type GatewayConfig struct {
	AccountID            string `yaml:"account_id" env:"GATEWAY_ACCOUNT_ID"`
	Balance              string `yaml:"balance" env:"GATEWAY_BALANCE"`
	MaintenanceNamespace string `yaml:"maintenance_namespace" env:"GATEWAY_MAINTENANCE_NAMESPACE"`
	TrustedNamespace     string `yaml:"trusted_namespace" env:"GATEWAY_TRUSTED_NAMESPACE"`
	StorageByteCost      string `yaml:"storage_byte_cost" env:"GATEWAY_STORAGE_BYTE_COST"`
	DeployOverhead       string `yaml:"deploy_overhead" env:"GATEWAY_DEPLOY_OVERHEAD"`
	FTStorageDeposit     string `yaml:"ft_storage_deposit" env:"GATEWAY_FT_STORAGE_DEPOSIT"`
}

// GenesisAccount is an account created when the ledger starts empty.
type GenesisAccount struct {
	AccountID string `yaml:"account_id"`
	Balance   string `yaml:"balance"`
}

// TokenConfig deploys a fungible token issuer at genesis.
type TokenConfig struct {
	AccountID   string `yaml:"account_id"`
	Owner       string `yaml:"owner"`
	TotalSupply string `yaml:"total_supply"`
	Balance     string `yaml:"balance"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver        string `yaml:"driver" env:"STORAGE_DRIVER"`
	PostgresDSN   string `yaml:"postgres_dsn" env:"DATABASE_URL"`
	AutoMigrate   bool   `yaml:"auto_migrate" env:"STORAGE_AUTO_MIGRATE"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// ServerConfig configures the sandbox HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"HTTP_ADDR"`
	APIKey          string        `yaml:"api_key" env:"API_KEY"`
	RateLimit       float64       `yaml:"rate_limit" env:"RATE_LIMIT_RPS"`
	RateBurst       int           `yaml:"rate_burst" env:"RATE_LIMIT_BURST"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS"`
	EventBuffer     int           `yaml:"event_buffer" env:"EVENT_BUFFER"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Output string `yaml:"output" env:"LOG_OUTPUT"`
}

// Default returns a configuration that runs an in-memory sandbox.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			AccountID:            "gateway.testnet",
			Balance:              "100000000000000000000000000",
			MaintenanceNamespace: "dev3_contracts.testnet",
			TrustedNamespace:     "dev3_contracts.testnet",
			StorageByteCost:      "10000000000000000000",
			DeployOverhead:       "90000000000000000000000",
			FTStorageDeposit:     "1250000000000000000000",
		},
		Storage: StorageConfig{
			Driver:      DriverMemory,
			RedisPrefix: "gateway",
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       20,
			RateBurst:       40,
			EventBuffer:     1000,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads path (optional), then envFile (optional), then the environment.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks identities, amounts and the storage selection.
func (c *Config) Validate() error {
	var problems []string
	check := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	check(account("gateway.account_id", c.Gateway.AccountID))
	check(account("gateway.maintenance_namespace", c.Gateway.MaintenanceNamespace))
	check(account("gateway.trusted_namespace", c.Gateway.TrustedNamespace))
	check(amount("gateway.balance", c.Gateway.Balance))
	check(amount("gateway.storage_byte_cost", c.Gateway.StorageByteCost))
	check(amount("gateway.deploy_overhead", c.Gateway.DeployOverhead))
	check(amount("gateway.ft_storage_deposit", c.Gateway.FTStorageDeposit))

	for i, g := range c.Genesis {
		check(account(fmt.Sprintf("genesis[%d].account_id", i), g.AccountID))
		check(amount(fmt.Sprintf("genesis[%d].balance", i), g.Balance))
	}
	for i, t := range c.Tokens {
		check(account(fmt.Sprintf("tokens[%d].account_id", i), t.AccountID))
		check(account(fmt.Sprintf("tokens[%d].owner", i), t.Owner))
		check(amount(fmt.Sprintf("tokens[%d].total_supply", i), t.TotalSupply))
		check(amount(fmt.Sprintf("tokens[%d].balance", i), t.Balance))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Storage.RedisAddr == "" {
			problems = append(problems, "storage.redis_addr is required for the redis driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.driver %q is not one of memory, postgres, redis", c.Storage.Driver))
	}

	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.RateLimit < 0 {
		problems = append(problems, "server.rate_limit must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func account(field, value string) error {
	if _, err := types.ParseAccountID(value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func amount(field, value string) error {
	if value == "" {
		return nil
	}
	if _, err := types.ParseU128(value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// Amount parses a decimal yocto string; empty means zero.
func Amount(value string) (types.U128, error) {
	if value == "" {
		return types.U128{}, nil
	}
	return types.ParseU128(value)
}
