package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func setSigningKey(t *testing.T) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv("RECOVERY_JWT_SIGNING_KEY", base64.StdEncoding.EncodeToString(priv))
}

func TestLoadDefaults(t *testing.T) {
	setSigningKey(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "dev" || cfg.Address != defaultAddress || cfg.StoreBackend != "memory" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RecoveryPeriod != defaultRecoveryPeriod {
		t.Fatalf("expected default period, got %s", cfg.RecoveryPeriod)
	}
	if cfg.ModuleAddress != common.HexToAddress(defaultModuleAddress) {
		t.Fatalf("unexpected module address %s", cfg.ModuleAddress.Hex())
	}
	if cfg.ChainID != 1 || cfg.DomainName != "Social Recovery Module" {
		t.Fatalf("unexpected domain settings: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	setSigningKey(t)
	t.Setenv("RECOVERY_STORE_BACKEND", "Badger")
	t.Setenv("RECOVERY_BADGER_PATH", "/tmp/ledger")
	t.Setenv("RECOVERY_CHAIN_ID", "11155111")
	t.Setenv("RECOVERY_MODULE_ADDRESS", "0x00000000000000000000000000000000000abcde")
	t.Setenv("RECOVERY_PERIOD_SECONDS", "0")
	t.Setenv("RECOVERY_SESSION_TTL_SECONDS", "60")
	t.Setenv("RECOVERY_DEV_ACCOUNTS", "true")
	t.Setenv("RECOVERY_CORS_ORIGINS", "https://app.example.org, http://localhost:3000,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != "badger" || cfg.BadgerPath != "/tmp/ledger" {
		t.Fatalf("unexpected backend %q at %q", cfg.StoreBackend, cfg.BadgerPath)
	}
	if cfg.ChainID != 11155111 {
		t.Fatalf("unexpected chain id %d", cfg.ChainID)
	}
	if cfg.RecoveryPeriod != 0 {
		t.Fatalf("expected zero period, got %s", cfg.RecoveryPeriod)
	}
	if cfg.SessionTTL != time.Minute || !cfg.DevAccounts {
		t.Fatalf("unexpected session settings: %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://app.example.org" || cfg.CORSOrigins[1] != "http://localhost:3000" {
		t.Fatalf("unexpected cors origins %q", cfg.CORSOrigins)
	}
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing signing key": {},
		"bad base64":          {"RECOVERY_JWT_SIGNING_KEY": "%%%"},
		"short key":           {"RECOVERY_JWT_SIGNING_KEY": base64.StdEncoding.EncodeToString([]byte("short"))},
		"bad chain id":        {"RECOVERY_CHAIN_ID": "mainnet"},
		"zero chain id":       {"RECOVERY_CHAIN_ID": "0"},
		"bad module address":  {"RECOVERY_MODULE_ADDRESS": "0x123"},
		"unknown backend":     {"RECOVERY_STORE_BACKEND": "mongo"},
		"postgres needs dsn":  {"RECOVERY_STORE_BACKEND": "postgres"},
		"bad nonce ttl":       {"RECOVERY_NONCE_TTL_SECONDS": "-1"},
		"bad env":             {"RECOVERY_ENV": "qa"},
		"bad cors origin":     {"RECOVERY_CORS_ORIGINS": "https://ok.example,not an origin"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, ok := env["RECOVERY_JWT_SIGNING_KEY"]; !ok && name != "missing signing key" {
				setSigningKey(t)
			}
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateReportsFields(t *testing.T) {
	err := Config{StoreBackend: "postgres"}.Validate()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, field := range []string{"Env", "DatabaseDSN", "ChainID", "JWTPrivateKey"} {
		if !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %s in %q", field, err.Error())
		}
	}
}
