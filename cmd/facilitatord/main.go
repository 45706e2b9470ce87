// Command facilitatord runs the payment facilitator daemon: the HTTP API,
// the settlement coordinator, and the background reconciliation sweeper.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Dream-Voyage/v402-sub000/chain"
	"github.com/Dream-Voyage/v402-sub000/chain/evm"
	"github.com/Dream-Voyage/v402-sub000/chain/svm"
	"github.com/Dream-Voyage/v402-sub000/config"
	"github.com/Dream-Voyage/v402-sub000/httpapi"
	"github.com/Dream-Voyage/v402-sub000/ledger"
	"github.com/Dream-Voyage/v402-sub000/nonce"
	"github.com/Dream-Voyage/v402-sub000/registry"
	"github.com/Dream-Voyage/v402-sub000/retry"
	"github.com/Dream-Voyage/v402-sub000/settle"
	"github.com/Dream-Voyage/v402-sub000/verify"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}
	cfg := config.Load()

	adapters, err := buildAdapters(cfg, log)
	if err != nil {
		log.Error("configure chain adapters", "error", err)
		os.Exit(1)
	}
	if len(adapters) == 0 {
		log.Error("no networks configured; set RPC_URL_<NETWORK> and the matching signing key")
		os.Exit(1)
	}
	chains := chain.NewRegistry(adapters...)
	log.Info("chain adapters initialized", "networks", chains.Networks())

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		log.Error("open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	records, err := ledger.NewSQLiteStore(db)
	if err != nil {
		log.Error("init ledger", "error", err)
		os.Exit(1)
	}
	nonces, err := nonce.NewSQLiteStore(db)
	if err != nil {
		log.Error("init nonce store", "error", err)
		os.Exit(1)
	}
	log.Info("storage initialized", "path", cfg.DBPath)

	verifier, err := verify.NewVerifier()
	if err != nil {
		log.Error("init verifier", "error", err)
		os.Exit(1)
	}

	retryConfig := retry.DefaultConfig
	retryConfig.MaxAttempts = cfg.MaxSubmitAttempts

	coordinator, err := settle.NewCoordinator(
		settle.WithVerifier(verifier),
		settle.WithLedger(records),
		settle.WithNonceStore(nonces),
		settle.WithChains(chains),
		settle.WithRetryConfig(retryConfig),
		settle.WithPollInterval(cfg.ConfirmPollInterval),
		settle.WithLogger(log),
	)
	if err != nil {
		log.Error("init coordinator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reconcile anything a previous process left in flight before serving.
	if err := coordinator.Recover(ctx); err != nil {
		log.Error("recover in-flight payments", "error", err)
		os.Exit(1)
	}
	go coordinator.Run(ctx, cfg.SweepInterval)

	api, err := httpapi.NewServer(
		httpapi.WithFacilitator(coordinator),
		httpapi.WithChainRegistry(chains),
		httpapi.WithRequirements(registry.NewRegistry()),
		httpapi.WithLogger(log),
	)
	if err != nil {
		log.Error("init http api", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info("shutting down...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}

// buildAdapters constructs one breaker-wrapped adapter per configured chain
// family.
func buildAdapters(cfg *config.Config, log *slog.Logger) ([]chain.Adapter, error) {
	var adapters []chain.Adapter

	if len(cfg.EVMEndpoints) > 0 {
		if cfg.EVMPrivateKey == "" {
			return nil, errors.New("EVM networks configured but EVM_PRIVATE_KEY is empty")
		}
		opts := []evm.AdapterOption{
			evm.WithPrivateKey(cfg.EVMPrivateKey),
			evm.WithGasLimitCap(cfg.GasLimitCap),
			evm.WithLogger(log),
		}
		var networks []string
		for network, rpcURL := range cfg.EVMEndpoints {
			opts = append(opts, evm.WithNetwork(network, rpcURL))
			networks = append(networks, network)
		}
		adapter, err := evm.NewAdapter(opts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, chain.NewBreaker(adapter, networks, chain.DefaultBreakerConfig, log))
	}

	if len(cfg.SVMEndpoints) > 0 {
		if cfg.SolanaFeePayerKey == "" {
			return nil, errors.New("Solana networks configured but SOLANA_FEE_PAYER_KEY is empty")
		}
		opts := []svm.AdapterOption{
			svm.WithFeePayer(cfg.SolanaFeePayerKey),
			svm.WithLogger(log),
		}
		var networks []string
		for network, rpcURL := range cfg.SVMEndpoints {
			opts = append(opts, svm.WithNetwork(network, rpcURL))
			networks = append(networks, network)
		}
		adapter, err := svm.NewAdapter(opts...)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, chain.NewBreaker(adapter, networks, chain.DefaultBreakerConfig, log))
	}

	return adapters, nil
}
