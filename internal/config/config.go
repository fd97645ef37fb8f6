package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clinic/billing/internal/domain/billing"
	"github.com/clinic/billing/pkg/money"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	BoltPath    string `mapstructure:"BOLT_PATH"`

	PatientDirectory string `mapstructure:"PATIENT_DIRECTORY"`
	MySQLHost        string `mapstructure:"MYSQL_HOST"`
	MySQLPort        int    `mapstructure:"MYSQL_PORT"`
	MySQLUser        string `mapstructure:"MYSQL_USER"`
	MySQLPassword    string `mapstructure:"MYSQL_PASSWORD"`
	MySQLDatabase    string `mapstructure:"MYSQL_DATABASE"`

	RedisURL          string        `mapstructure:"REDIS_URL"`
	InsuranceCacheTTL time.Duration `mapstructure:"INSURANCE_CACHE_TTL"`

	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`

	CopayStandardAmount string `mapstructure:"COPAY_STANDARD_AMOUNT"`
	CopayAnnualMaximum  string `mapstructure:"COPAY_ANNUAL_MAXIMUM"`
	CopayClampToTotal   bool   `mapstructure:"COPAY_CLAMP_TO_TOTAL"`
	InvoiceDueDays      int    `mapstructure:"INVOICE_DUE_DAYS"`
	InvoiceNumberPrefix string `mapstructure:"INVOICE_NUMBER_PREFIX"`

	// Demo data loaded into the memory store at startup.
	SandboxPatients int   `mapstructure:"SANDBOX_PATIENTS"`
	SandboxSeed     int64 `mapstructure:"SANDBOX_SEED"`
}

const (
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
	StoreMemory   = "memory"

	DirectoryStore = "store"
	DirectoryMySQL = "mysql"
)

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "REQUEST_TIMEOUT",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "BOLT_PATH",
	"PATIENT_DIRECTORY", "MYSQL_HOST", "MYSQL_PORT", "MYSQL_USER", "MYSQL_PASSWORD", "MYSQL_DATABASE",
	"REDIS_URL", "INSURANCE_CACHE_TTL", "AMQP_URL", "AMQP_EXCHANGE",
	"COPAY_STANDARD_AMOUNT", "COPAY_ANNUAL_MAXIMUM", "COPAY_CLAMP_TO_TOTAL",
	"INVOICE_DUE_DAYS", "INVOICE_NUMBER_PREFIX", "SANDBOX_PATIENTS", "SANDBOX_SEED",
}

// Load reads .env (if present) and the environment. It does not validate;
// call Validate before using the result.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("BOLT_PATH", "billing.db")
	v.SetDefault("PATIENT_DIRECTORY", DirectoryStore)
	v.SetDefault("MYSQL_PORT", 3306)
	v.SetDefault("INSURANCE_CACHE_TTL", "5m")
	v.SetDefault("AMQP_EXCHANGE", "billing")
	v.SetDefault("COPAY_STANDARD_AMOUNT", "50000.00")
	v.SetDefault("COPAY_ANNUAL_MAXIMUM", "1000000.00")
	v.SetDefault("COPAY_CLAMP_TO_TOTAL", false)
	v.SetDefault("INVOICE_DUE_DAYS", billing.DefaultInvoiceDueDays)
	v.SetDefault("INVOICE_NUMBER_PREFIX", "INV")
	v.SetDefault("SANDBOX_PATIENTS", 10)
	v.SetDefault("SANDBOX_SEED", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE, or "development" in a development
// environment and "jwt" elsewhere.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// CopaymentPolicy parses the COPAY_* settings.
func (c *Config) CopaymentPolicy() (billing.CopaymentPolicy, error) {
	standard, err := money.Parse(c.CopayStandardAmount)
	if err != nil {
		return billing.CopaymentPolicy{}, fmt.Errorf("COPAY_STANDARD_AMOUNT: %w", err)
	}
	maximum, err := money.Parse(c.CopayAnnualMaximum)
	if err != nil {
		return billing.CopaymentPolicy{}, fmt.Errorf("COPAY_ANNUAL_MAXIMUM: %w", err)
	}
	policy := billing.CopaymentPolicy{
		StandardCopaymentAmount: standard,
		MaximumAnnualCopayment:  maximum,
		ClampToTotal:            c.CopayClampToTotal,
	}
	if err := policy.Validate(); err != nil {
		return billing.CopaymentPolicy{}, err
	}
	return policy, nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "jwt":
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
	case StoreBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORE_DRIVER is %q", StoreBolt)
		}
	case StoreMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_DRIVER %q is only allowed in development", StoreMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres, bolt or memory, got %q", c.StoreDriver)
	}

	switch c.PatientDirectory {
	case DirectoryStore:
	case DirectoryMySQL:
		if c.MySQLHost == "" || c.MySQLDatabase == "" {
			return fmt.Errorf("MYSQL_HOST and MYSQL_DATABASE are required when PATIENT_DIRECTORY is %q", DirectoryMySQL)
		}
	default:
		return fmt.Errorf("PATIENT_DIRECTORY must be store or mysql, got %q", c.PatientDirectory)
	}

	if c.InvoiceDueDays <= 0 {
		return fmt.Errorf("INVOICE_DUE_DAYS must be positive, got %d", c.InvoiceDueDays)
	}
	if _, err := c.CopaymentPolicy(); err != nil {
		return err
	}
	return nil
}

// MySQL returns the patient registry connection settings.
func (c *Config) MySQL() billing.MySQLDirectoryConfig {
	return billing.MySQLDirectoryConfig{
		Host:     c.MySQLHost,
		Port:     c.MySQLPort,
		User:     c.MySQLUser,
		Password: c.MySQLPassword,
		Database: c.MySQLDatabase,
	}
}
