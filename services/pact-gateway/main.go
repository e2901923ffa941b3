package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pactledger/audit"
	"pactledger/native/agreement"
	"pactledger/native/dispute"
	"pactledger/native/proof"
	"pactledger/observability/logging"
	"pactledger/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		logging.Setup("pact-gateway", "", nil).Error("load config", "error", err)
		os.Exit(1)
	}
	var fileCfg *logging.FileConfig
	if cfg.LogFile != "" {
		fileCfg = &logging.FileConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}
	}
	logger := logging.Setup("pact-gateway", cfg.Environment, fileCfg)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	aggregates := storage.NewStore()
	if err := aggregates.Load(cfg.SnapshotPath); err != nil {
		logger.Error("load snapshot", "path", cfg.SnapshotPath, "error", err)
		os.Exit(1)
	}

	auditLog := audit.NewLedger(store)

	engine := agreement.NewEngine()
	engine.SetState(aggregates)
	engine.SetAudit(auditLog)
	engine.SetSecret(cfg.LedgerSecret)

	disputes := dispute.NewManager(engine, aggregates)
	disputes.SetAudit(auditLog)

	proofs := proof.NewBuilder(engine)
	proofs.SetConfirmations(store)

	var external ExternalLedger
	if cfg.ExternalLedgerURL != "" {
		external = NewHTTPExternalLedger(cfg.ExternalLedgerURL)
	}
	watcher := NewConfirmationWatcher(proofs, store, aggregates, engine, external, logger, cfg.SignatureDeadline.std(), cfg.ConfirmPollInterval.std())

	queue := NewWebhookQueue(
		WithWebhookTaskCapacity(cfg.WebhookQueueCapacity),
		WithWebhookHistoryCapacity(cfg.WebhookHistorySize),
		WithWebhookTTL(cfg.WebhookQueueTTL.std()),
	)
	emitter := newGatewayEmitter(queue, watcher)
	engine.SetEmitter(emitter)
	disputes.SetEmitter(emitter)

	auth := NewAuthenticator(cfg.APIKeys, cfg.SessionSecret, cfg.SessionTTL.std(), cfg.AllowedTimestampSkew.std(), cfg.NonceTTL.std(), store)
	server := NewServer(auth, engine, disputes, proofs, auditLog, store, queue, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker := NewWebhookWorker(store, queue, logger)
	go worker.Run(ctx)
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("pact gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down pact gateway")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	if err := aggregates.Save(cfg.SnapshotPath); err != nil {
		logger.Error("save snapshot", "path", cfg.SnapshotPath, "error", err)
	}
}
