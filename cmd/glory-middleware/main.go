package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/api"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/command"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/config"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/core"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/delivery"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/device"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/forward"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/frame"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/jobs"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/listener"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/pos"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/settings"
)

func main() {
	logger := goeen_log.NewContext(os.Stdout, "", goeen_log.LevelInfo).GetLogger("glory-middleware", goeen_log.LevelInfo)
	logger.Info("Starting Glory middleware...")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	dataDir := cfg.Storage.DataDir
	if dataDir == "" {
		dataDir = core.GetDataDirectory()
	}
	logger.Infof("Using data directory: %s", dataDir)

	jobStore, err := jobs.NewStore(filepath.Join(dataDir, "jobs_db"), cfg.Jobs.RetryCeiling, int(cfg.Storage.MaxDatabaseSizeGB), logger)
	if err != nil {
		logger.Fatalf("Failed to open job store: %v", err)
	}
	defer func() {
		if err := jobStore.Close(); err != nil {
			logger.Errorf("Failed to close job store: %v", err)
		}
	}()

	settingsManager := settings.NewManager(logger, cfg.POS.ConnectTimeout, cfg.POS.ReadTimeout)
	settingsManager.SetUpdateCallback(func(terminals []settings.TerminalConfig) {
		metrics.TerminalsConfigured.Set(float64(len(terminals)))
	})
	if len(cfg.Terminals) > 0 {
		settingsManager.ReplaceTerminals(cfg.Terminals)
	}

	posClient := pos.NewClient(settingsManager, logger)
	deliveryService := delivery.NewService(posClient, jobStore, jobStore, &core.Sequence{}, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	hub := command.NewHub(logger)
	go hub.Run(rootCtx)

	runner := device.NewClient(cfg.Device.OpsURL, cfg.Device.Timeout, logger)
	coordinator, err := command.NewCoordinator(filepath.Join(dataDir, "commands_db"), runner, hub,
		cfg.Commands.Workers, cfg.Commands.QueueSize, cfg.Commands.OperationTimeout, logger)
	if err != nil {
		logger.Fatalf("Failed to start command coordinator: %v", err)
	}
	defer func() {
		if err := coordinator.Close(); err != nil {
			logger.Errorf("Failed to close command coordinator: %v", err)
		}
	}()

	auditLogger := core.NewAuditLogger(filepath.Join(dataDir, "audit_logs"), 100, logger)
	forwarder := forward.NewForwarder(cfg.Relay.URL, cfg.Relay.Timeout, logger)

	server := api.NewServer(cfg.API.Addr, logger, settingsManager, deliveryService, jobStore, coordinator, hub)

	controllerHandler := func(doc frame.Document) error {
		server.RecordDocument(doc)
		return forwarder.Forward(doc)
	}
	controllerListener := listener.NewListener(cfg.Controller.ListenAddr, controllerHandler, auditLogger,
		cfg.Controller.MaxBufferBytes, cfg.Controller.BufferStaleAfter, logger)
	if err := controllerListener.Start(); err != nil {
		logger.Fatalf("Failed to start controller listener: %v", err)
	}

	replayWorker := delivery.NewWorker(deliveryService, cfg.Jobs.ReplayInterval, cfg.Jobs.ReplayLimit, logger)
	go replayWorker.Run(rootCtx)

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("API Server failed: %v", err)
		}
	}()

	go func() {
		for range settingsManager.Changes() {
			logger.Infof("Terminal registry now holds %d endpoints", settingsManager.Count())
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := controllerListener.Stop(ctx); err != nil {
		logger.Errorf("Controller listener stop failed: %v", err)
	}
	if err := server.Stop(ctx); err != nil {
		logger.Errorf("API Server stop failed: %v", err)
	}
	cancel()
	rootCancel()
	logger.Info("Glory middleware stopped")
}
