package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Package-level logger
var logger *slog.Logger

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		initLogger("info")
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	initLogger(cfg.LogLevel)
	ownerFanout = cfg.OwnerFanout

	signer, err := buildSigner(cfg)
	if err != nil {
		logger.Error("Failed to initialize signing key", "error", err)
		os.Exit(1)
	}

	var store *nodeStore
	if cfg.DataDir != "" {
		store, err = OpenNodeStore(cfg.DataDir)
		if err != nil {
			logger.Error("Failed to open state store", "dataDir", cfg.DataDir, "error", err)
			os.Exit(1)
		}
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var router http.Handler
	switch cfg.Role {
	case RoleBank:
		router, err = setupBank(ctx, cfg, signer, store)
	case RoleMintette:
		router, err = setupMintette(cfg, signer, store)
	}
	if err != nil {
		logger.Error("Failed to initialize node", "role", cfg.Role, "error", err)
		os.Exit(1)
	}

	handler := RecoveryMiddleware(
		RequestIDMiddleware(
			MetricsMiddleware(
				BodySizeLimitMiddleware(cfg.MaxBodySizeBytes)(
					RateLimitMiddleware(NewIPRateLimiter(cfg.RateLimitPerMinute))(router)))))
	handler = otelhttp.NewHandler(handler, "rscoin."+cfg.Role)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown did not complete cleanly", "error", err)
		}
	}()

	logger.Info("Starting rscoin node",
		"role", cfg.Role,
		"port", cfg.Port,
		"dataDir", cfg.DataDir,
		"ownerFanout", cfg.OwnerFanout)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Shut down cleanly")
}

// buildSigner picks the signing backend: HSM when configured, a key
// file when given, an ephemeral key otherwise.
func buildSigner(cfg *Config) (Signer, error) {
	if cfg.HSMModule != "" {
		logger.Info("Using PKCS#11 signing key", "module", cfg.HSMModule, "label", cfg.HSMKeyLabel)
		return NewHSMSigner(cfg.HSMModule, cfg.HSMPin, cfg.HSMKeyLabel)
	}
	if cfg.SecretKeyFile != "" {
		return LoadSignerFromFile(cfg.SecretKeyFile)
	}
	logger.Warn("No secret key configured, generating an ephemeral keypair")
	return GenerateSigner()
}

// setupMintette builds the mintette node, recovering persisted state
// when a store is present.
func setupMintette(cfg *Config, signer Signer, store *nodeStore) (http.Handler, error) {
	node := NewMintetteNode(signer, store)
	node.logRetention = uint64(cfg.LogRetentionPeriods)
	if err := node.Recover(); err != nil {
		return nil, err
	}
	return NewMintetteServer(node, cfg).Router(), nil
}

// setupBank builds the bank node and starts its period loop.
func setupBank(ctx context.Context, cfg *Config, signer Signer, store *nodeStore) (http.Handler, error) {
	node, err := NewBankNode(signer, store)
	if err != nil {
		return nil, err
	}
	if err := node.Recover(); err != nil {
		return nil, err
	}

	client := NewPeerClient(cfg.PeriodTimeout, cfg.NodeAuthSecret)
	go runPeriodLoop(ctx, node, client, cfg)

	return NewBankServer(node, cfg).Router(), nil
}

// runPeriodLoop drives the bank's period state machine: collect
// results from the roster under the period timeout, finalize, and
// push NewPeriodData back out.
func runPeriodLoop(ctx context.Context, bank *BankNode, client *PeerClient, cfg *Config) {
	ticker := time.NewTicker(cfg.PeriodInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		bank.mu.RLock()
		mintettes := append([]Mintette(nil), bank.mintettes...)
		periodID := bank.periodID
		bank.mu.RUnlock()

		results := client.CollectPeriodResults(ctx, mintettes, periodID, cfg.PeriodTimeout)

		npds, err := bank.StartNewPeriod(ctx, results)
		if err != nil {
			logger.Error("Period finalization failed", "period", periodID, "error", err)
			continue
		}

		bank.mu.RLock()
		newRoster := append([]Mintette(nil), bank.mintettes...)
		bank.mu.RUnlock()

		client.AnnounceAll(ctx, newRoster, npds, cfg.PeriodTimeout)
	}
}
