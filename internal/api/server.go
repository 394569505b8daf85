// Package api exposes the middleware's HTTP surface: terminal registry
// updates, POS deliveries, the retry queue, device commands and status.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/command"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/core"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/delivery"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/jobs"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/settings"
)

// Server handles HTTP communication from POS clients and operators.
type Server struct {
	*http.Server
	Logger          *log.Logger
	SettingsManager *settings.Manager
	Delivery        *delivery.Service
	Jobs            *jobs.Store
	Commands        *command.Coordinator
	Hub             *command.Hub
	Audit           *core.AuditLogger // optional, set when an audit trail is kept
	recent          *recentRing
	started         time.Time
}

// NewServer creates and configures a new server for POS and operator
// communication.
func NewServer(addr string, logger *log.Logger, sm *settings.Manager, del *delivery.Service, jobStore *jobs.Store, coordinator *command.Coordinator, hub *command.Hub) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: &http.Server{
			Addr:           addr,
			Handler:        mux,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Logger:          logger,
		SettingsManager: sm,
		Delivery:        del,
		Jobs:            jobStore,
		Commands:        coordinator,
		Hub:             hub,
		recent:          newRecentRing(maxRecentDocuments),
		started:         time.Now(),
	}

	mux.HandleFunc("/terminal_config", s.terminalConfigHandler)
	mux.HandleFunc("/terminal_config/current", s.currentConfigHandler)
	mux.HandleFunc("/pos/send", s.sendHandler)           // One-shot delivery to a terminal
	mux.HandleFunc("/pos/heartbeat", s.heartbeatHandler) // Liveness probe, never queued
	mux.HandleFunc("/jobs", s.jobsHandler)
	mux.HandleFunc("/jobs/replay", s.replayHandler)
	mux.HandleFunc("/jobs/purge", s.purgeHandler)
	mux.HandleFunc("/commands", s.commandsHandler)
	mux.HandleFunc("/events/ws", s.eventsHandler) // Command status stream for POS clients
	mux.HandleFunc("/controller/recent", s.recentDocumentsHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.Logger.Infof("Starting API Server on %s", s.Addr)
	return s.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info("Shutting down API Server...")
	return s.Shutdown(ctx)
}
