// cmd/recoveryd/main_test.go
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/config"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return config.Config{
		Env:            "dev",
		Address:        ":8080",
		MetricsAddress: ":9090",
		StoreBackend:   backend,
		BadgerPath:     t.TempDir(),
		ChainID:        1,
		ModuleAddress:  common.HexToAddress("0x0000000000000000000000000000000000005e11"),
		DomainName:     "Social Recovery Module",
		DomainVersion:  "0.0.1",
		RecoveryPeriod: time.Hour,
		JWTPrivateKey:  priv,
		JWTAudience:    "test",
		JWTIssuer:      "test",
		SessionTTL:     10 * time.Minute,
		NonceTTL:       5 * time.Minute,
		DevAccounts:    true,
	}
}

// This is an integration-style test that wires the same components main() uses
// but runs them under httptest.Server.
func TestRecoveryd_Integration(t *testing.T) {
	for _, backend := range []string{"memory", "badger"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			if err := cfg.Validate(); err != nil {
				t.Fatalf("config invalid: %v", err)
			}
			a, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			defer a.Close()
			ts := httptest.NewServer(a.handler.Router())
			defer ts.Close()

			resp, err := http.Get(ts.URL + "/ready")
			if err != nil {
				t.Fatalf("ready request error: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("ready status = %d", resp.StatusCode)
			}

			owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
			body, _ := json.Marshal(map[string]any{"owners": []string{owner.Hex()}, "threshold": 1})
			resp, err = http.Post(ts.URL+"/v1/dev/accounts", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("create account error: %v", err)
			}
			if resp.StatusCode != http.StatusCreated {
				b, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				t.Fatalf("create status = %d body=%s", resp.StatusCode, string(b))
			}
			var env struct {
				Data struct {
					Address common.Address `json:"address"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				resp.Body.Close()
				t.Fatalf("decode create: %v", err)
			}
			resp.Body.Close()

			resp, err = http.Get(ts.URL + "/v1/accounts/" + env.Data.Address.Hex() + "/guardians")
			if err != nil {
				t.Fatalf("guardians error: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("guardians status = %d", resp.StatusCode)
			}
			var guardians struct {
				Data struct {
					Count uint64 `json:"count"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&guardians); err != nil {
				t.Fatalf("decode guardians: %v", err)
			}
			if guardians.Data.Count != 0 {
				t.Fatalf("new account has %d guardians", guardians.Data.Count)
			}

			// Cleanup must not fail on an empty store.
			if err := a.store.CleanupExpired(context.Background(), time.Now()); err != nil {
				t.Fatalf("cleanup: %v", err)
			}
		})
	}
}

func TestBuild_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, "sqlite")
	if _, err := build(context.Background(), cfg, slog.Default()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
