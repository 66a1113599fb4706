// Package config provides configuration loading and management for the recovery service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the
// process environment always wins over .env files.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the recovery service.
type Config struct {
	Env            string `validate:"required,oneof=dev staging prod"` // Deployment environment
	Address        string `validate:"required"`                        // HTTP server address (e.g., ":8080")
	MetricsAddress string `validate:"required"`                        // Metrics server address (e.g., ":9090")

	StoreBackend string `validate:"oneof=memory badger postgres"`     // Ledger backend
	DatabaseDSN  string `validate:"required_if=StoreBackend postgres"` // PostgreSQL connection string
	BadgerPath   string `validate:"required_if=StoreBackend badger"`   // Badger data directory

	// ChainID and ModuleAddress bind approvals to one deployment. The module
	// address is also the EIP-712 verifying contract.
	ChainID        uint64 `validate:"gt=0"`
	ModuleAddress  common.Address
	DomainName     string `validate:"required"`
	DomainVersion  string `validate:"required"`
	RecoveryPeriod time.Duration

	JWTPrivateKey []byte        `validate:"len=64"` // ed25519 private key used to sign session tokens
	JWTAudience   string        `validate:"required"`
	JWTIssuer     string        `validate:"required"`
	SessionTTL    time.Duration `validate:"gt=0"`
	NonceTTL      time.Duration `validate:"gt=0"`

	// CORSOrigins lists browser origins allowed to call the API; "*" allows
	// any. Empty disables cross-origin access.
	CORSOrigins []string `validate:"dive,eq=*|http_url"`

	DevAccounts bool   // Exposes POST /v1/dev/accounts
	AdminToken  string // Bearer token for admin endpoints; empty disables them
	OTelEnabled bool   // Installs OpenTelemetry providers
	OTelStdout  bool   // Exports spans and metrics to stdout
}

// Default configuration values used when environment variables are not set
const (
	defaultAddress        = ":8080"
	defaultMetricsAddress = ":9090"
	defaultBackend        = "memory"
	defaultBadgerPath     = "data/recovery"
	defaultChainID        = 1
	defaultDomainName     = "Social Recovery Module"
	defaultDomainVersion  = "0.0.1"
	defaultModuleAddress  = "0x0000000000000000000000000000000000005e11"
	defaultRecoveryPeriod = 24 * time.Hour
	defaultAudience       = "registryaccord-local"
	defaultIssuer         = "registryaccord-recovery"
	defaultSessionTTL     = 10 * time.Minute
	defaultNonceTTL       = 5 * time.Minute
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("RECOVERY_ENV", "dev"),
		Address:        getEnv("RECOVERY_HTTP_ADDR", defaultAddress),
		MetricsAddress: getEnv("RECOVERY_METRICS_ADDR", defaultMetricsAddress),
		StoreBackend:   strings.ToLower(getEnv("RECOVERY_STORE_BACKEND", defaultBackend)),
		DatabaseDSN:    os.Getenv("RECOVERY_DB_DSN"),
		BadgerPath:     getEnv("RECOVERY_BADGER_PATH", defaultBadgerPath),
		DomainName:     getEnv("RECOVERY_DOMAIN_NAME", defaultDomainName),
		DomainVersion:  getEnv("RECOVERY_DOMAIN_VERSION", defaultDomainVersion),
		JWTAudience:    getEnv("RECOVERY_JWT_AUD", defaultAudience),
		JWTIssuer:      getEnv("RECOVERY_JWT_ISS", defaultIssuer),
		AdminToken:     os.Getenv("RECOVERY_ADMIN_TOKEN"),
		DevAccounts:    parseBool(os.Getenv("RECOVERY_DEV_ACCOUNTS")),
		OTelEnabled:    parseBool(os.Getenv("RECOVERY_OTEL_ENABLED")),
		OTelStdout:     parseBool(os.Getenv("RECOVERY_OTEL_STDOUT")),
		CORSOrigins:    parseList(os.Getenv("RECOVERY_CORS_ORIGINS")),
	}

	chainID, err := strconv.ParseUint(getEnv("RECOVERY_CHAIN_ID", strconv.Itoa(defaultChainID)), 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid RECOVERY_CHAIN_ID: %w", err)
	}
	cfg.ChainID = chainID

	moduleAddr := getEnv("RECOVERY_MODULE_ADDRESS", defaultModuleAddress)
	if !common.IsHexAddress(moduleAddr) {
		return Config{}, fmt.Errorf("invalid RECOVERY_MODULE_ADDRESS %q", moduleAddr)
	}
	cfg.ModuleAddress = common.HexToAddress(moduleAddr)

	// A zero period is allowed: finalization then only waits for the next second.
	cfg.RecoveryPeriod = defaultRecoveryPeriod
	if raw, exists := os.LookupEnv("RECOVERY_PERIOD_SECONDS"); exists {
		seconds, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RECOVERY_PERIOD_SECONDS: %w", err)
		}
		cfg.RecoveryPeriod = time.Duration(seconds) * time.Second
	}

	if ttl, exists := os.LookupEnv("RECOVERY_SESSION_TTL_SECONDS"); exists {
		d, err := parseSeconds(ttl)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RECOVERY_SESSION_TTL_SECONDS: %w", err)
		}
		cfg.SessionTTL = d
	} else {
		cfg.SessionTTL = defaultSessionTTL
	}

	if ttl, exists := os.LookupEnv("RECOVERY_NONCE_TTL_SECONDS"); exists {
		d, err := parseSeconds(ttl)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RECOVERY_NONCE_TTL_SECONDS: %w", err)
		}
		cfg.NonceTTL = d
	} else {
		cfg.NonceTTL = defaultNonceTTL
	}

	// Handle required JWT signing key
	signingKey, exists := os.LookupEnv("RECOVERY_JWT_SIGNING_KEY")
	if !exists {
		return Config{}, errors.New("RECOVERY_JWT_SIGNING_KEY is required")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(signingKey)
	if err != nil {
		return Config{}, fmt.Errorf("invalid RECOVERY_JWT_SIGNING_KEY base64: %w", err)
	}
	cfg.JWTPrivateKey = keyBytes

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ModuleAddress == (common.Address{}) {
		return errors.New("invalid config: ModuleAddress must be set")
	}
	return nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// parseList splits a comma separated value, dropping empty entries
func parseList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool converts a string to a boolean value, returning false if parsing fails
func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// parseSeconds converts a string representation of seconds to a time.Duration
// Returns an error if the value is not a valid positive integer
func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, errors.New("value must be > 0")
	}
	return time.Duration(seconds) * time.Second, nil
}
