// cmd/recoveryd/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/RegistryAccord/registryaccord-recovery-go/internal/config"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/recovery"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/server"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/typeddata"
	"github.com/RegistryAccord/registryaccord-recovery-go/internal/wallet"
)

var version = "dev"

// walletFactory is the deployer address dev wallets are derived from.
var walletFactory = common.HexToAddress("0x00000000000000000000000000000000000fac70")

const cleanupInterval = time.Minute

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Enabled:     cfg.OTelEnabled,
		Stdout:      cfg.OTelStdout,
		ServiceName: "recoveryd",
		Version:     version,
	})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build service", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           a.handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           server.NewMetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("recoveryd starting", "addr", srv.Addr, "backend", cfg.StoreBackend, "module", cfg.ModuleAddress.Hex(), "chainId", cfg.ChainID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		logger.Info("metrics server starting", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go a.cleanupLoop(ctx, cleanupInterval)

	<-ctx.Done()

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// app is the wired service minus its listeners.
type app struct {
	store   storage.Store
	handler *server.Handler
	logger  *slog.Logger
	closers []io.Closer
}

// build opens the configured store and wires the module and HTTP handler.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	base, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = telemetry.WrapStore(base, cfg.OTelEnabled)

	// Accounts are in-process wallets; on-chain accounts would plug in here
	// through another recovery.AccountResolver.
	wallets := wallet.NewDirectory(walletFactory)

	domain := typeddata.NewDomain(cfg.ChainID, cfg.ModuleAddress)
	domain.Name = cfg.DomainName
	domain.Version = cfg.DomainVersion

	module, err := recovery.New(recovery.Config{
		Address:        cfg.ModuleAddress,
		Domain:         domain,
		RecoveryPeriod: cfg.RecoveryPeriod,
	}, a.store, wallets,
		recovery.WithLogger(logger),
		recovery.WithEventSink(server.NewEventRecorder(a.store, logger)),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("recovery module: %w", err)
	}

	h, err := server.New(ctx, cfg, server.Deps{
		Store:    a.store,
		Module:   module,
		Accounts: wallets,
		Wallets:  wallets,
		Logger:   logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("server: %w", err)
	}
	a.handler = h
	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := storage.NewPostgres(ctx, cfg.DatabaseDSN, a.logger)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, pg)
		return pg, nil
	case "badger":
		bcfg := storage.DefaultBadgerConfig(cfg.BadgerPath)
		bcfg.Logger = a.logger
		db, err := storage.NewBadger(bcfg)
		if err != nil {
			return nil, fmt.Errorf("badger: %w", err)
		}
		a.closers = append(a.closers, db)
		return db, nil
	case "memory", "":
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// cleanupLoop drops expired session nonces until ctx is done.
func (a *app) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := a.store.CleanupExpired(ctx, now.UTC()); err != nil {
				a.logger.Warn("cleanup expired nonces failed", "error", err)
			}
		}
	}
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close store failed", "error", err)
		}
	}
}
