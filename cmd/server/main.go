package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgallion1/clinfacts/internal/api"
	"github.com/dgallion1/clinfacts/internal/config"
	"github.com/dgallion1/clinfacts/internal/factstore"
	"github.com/dgallion1/clinfacts/internal/llm"
	"github.com/dgallion1/clinfacts/internal/pathstore"
	"github.com/dgallion1/clinfacts/internal/pipeline"
	"github.com/dgallion1/clinfacts/internal/store"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients.
	model, err := llm.New(cfg.LLMConfig(), llm.NewStats(time.Hour))
	if err != nil {
		log.Error("creating model client", "error", err)
		os.Exit(1)
	}

	deps := api.Deps{
		Facts:  factstore.New(cfg.OutputDir),
		Model:  model,
		APIKey: cfg.Server.APIKey,
		Log:    log,
	}
	driverCfg := pipeline.DriverConfig{
		Model:    model,
		Settings: pipeline.SettingsFromConfig(cfg),
		Facts:    deps.Facts,
		Log:      log,
	}

	var ledger *store.Store
	if cfg.SQLitePath != "" {
		ledger, err = store.Open(cfg.SQLitePath)
		if err != nil {
			log.Error("opening run ledger", "path", cfg.SQLitePath, "error", err)
			os.Exit(1)
		}
		driverCfg.Ledger = ledger
		deps.Ledger = ledger
	}

	var ps *pathstore.Client
	if cfg.Pathstore.URL != "" {
		ps = pathstore.NewClient(cfg.Pathstore.URL, cfg.Pathstore.APIKey)
		driverCfg.Publisher = pipeline.NewPublisher(ps, cfg.Pipeline.DedupWorkers)
		deps.Published = ps
	}

	// Initialize pipeline.
	orch := pipeline.NewOrchestrator(pipeline.NewDriver(driverCfg),
		cfg.Server.WorkerCount, cfg.Server.MaxQueueSize, cfg.Server.JobTTL, log)
	orch.Start(ctx)
	deps.Runs = orch

	// Initialize HTTP server.
	srv := api.NewServer(deps)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)

		orch.Stop()
		model.Close()
		if ps != nil {
			ps.Close()
		}
		if ledger != nil {
			ledger.Close()
		}
	}()

	log.Info("starting clinfacts", "port", cfg.Server.Port, "provider", cfg.LLM.Provider, "model", model.Model())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	<-stopped
}
