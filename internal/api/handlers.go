package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/command"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/jobs"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/pos"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/settings"
)

func (s *Server) terminalConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Errorf("Error reading terminal config body: %v", err)
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	count, err := s.SettingsManager.UpdateTerminals(body)
	if err != nil {
		s.Logger.Errorf("Invalid terminal config: %v", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"active_terminals": count,
	})
}

func (s *Server) currentConfigHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	terminals := s.SettingsManager.Terminals()
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"terminals": terminals,
		"count":     len(terminals),
	})
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	terminal := r.URL.Query().Get("terminal")
	if terminal == "" {
		http.Error(w, "terminal parameter required", http.StatusBadRequest)
		return
	}

	kind := jobs.KindOther
	if kindParam := r.URL.Query().Get("kind"); kindParam != "" {
		parsed, err := jobs.ParseKind(kindParam)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		kind = parsed
	}
	suppressQueue := r.URL.Query().Get("queue") == "false"

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.Logger.Errorf("Error reading send body: %v", err)
		http.Error(w, "Error reading request body", http.StatusInternalServerError)
		return
	}

	reply, err := s.Delivery.Send(terminal, kind, body, suppressQueue)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
		return
	}

	switch {
	case errors.Is(err, settings.ErrUnknownTerminal):
		http.Error(w, "unknown terminal", http.StatusNotFound)
	case pos.IsOffline(err):
		queued := !suppressQueue && kind != jobs.KindHeartbeat
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  "terminal offline",
			"queued": queued,
		})
	default:
		s.Logger.Errorf("Send to terminal %s failed: %v", terminal, err)
		http.Error(w, "terminal exchange failed", http.StatusInternalServerError)
	}
}

func (s *Server) heartbeatHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	terminal := r.URL.Query().Get("terminal")
	if terminal == "" {
		http.Error(w, "terminal parameter required", http.StatusBadRequest)
		return
	}

	reply, err := s.Delivery.Heartbeat(terminal)
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"terminal": terminal,
			"alive":    true,
			"result":   reply.Result,
		})
		return
	}

	switch {
	case errors.Is(err, settings.ErrUnknownTerminal):
		http.Error(w, "unknown terminal", http.StatusNotFound)
	case pos.IsOffline(err):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"terminal": terminal,
			"alive":    false,
		})
	default:
		s.Logger.Errorf("Heartbeat for terminal %s failed: %v", terminal, err)
		http.Error(w, "terminal exchange failed", http.StatusInternalServerError)
	}
}

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Only GET method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var state jobs.State
	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		parsed, err := jobs.ParseState(stateParam)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state = parsed
	}

	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	list, err := s.Jobs.List(state, limit)
	if err != nil {
		s.Logger.Errorf("Failed to list jobs: %v", err)
		http.Error(w, "Failed to retrieve jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 0
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	stats, err := s.Delivery.Replay(r.Context(), limit)
	if err != nil {
		s.Logger.Errorf("Replay batch aborted: %v", err)
		http.Error(w, "Replay aborted", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) purgeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Only POST method is allowed", http.StatusMethodNotAllowed)
		return
	}

	var state jobs.State
	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		parsed, err := jobs.ParseState(stateParam)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state = parsed
	}

	purged, err := s.Jobs.Purge(state)
	if err != nil {
		s.Logger.Errorf("Failed to purge jobs: %v", err)
		http.Error(w, "Failed to purge jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"purged": purged,
	})
}

func (s *Server) commandsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createCommandHandler(w, r)
	case http.MethodGet:
		s.queryCommandsHandler(w, r)
	default:
		http.Error(w, "Only GET and POST methods are allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) createCommandHandler(w http.ResponseWriter, r *http.Request) {
	var req command.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	ack, err := s.Commands.Create(req)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, command.ErrInvalid):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			s.Logger.Errorf("Failed to create command: %v", err)
			http.Error(w, "Failed to create command", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ack)
}

func (s *Server) queryCommandsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	if id := r.URL.Query().Get("id"); id != "" {
		cmd, err := s.Commands.Get(id)
		if err != nil {
			if errors.Is(err, command.ErrNotFound) {
				http.Error(w, "command not found", http.StatusNotFound)
				return
			}
			s.Logger.Errorf("Failed to get command %s: %v", id, err)
			http.Error(w, "Failed to retrieve command", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(cmd)
		return
	}

	terminal := r.URL.Query().Get("terminal")
	if terminal == "" {
		http.Error(w, "id or terminal parameter required", http.StatusBadRequest)
		return
	}

	limit := 50
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	commands, err := s.Commands.ListByTerminal(terminal, limit)
	if err != nil {
		s.Logger.Errorf("Failed to list commands for terminal %s: %v", terminal, err)
		http.Error(w, "Failed to retrieve commands", http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"commands": commands,
		"count":    len(commands),
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	var jobMetrics map[string]interface{}
	if s.Jobs != nil {
		if db := s.Jobs.GetDB(); db != nil {
			totalKeys, totalSize := db.EstimateSize(nil)
			jobMetrics = map[string]interface{}{
				"db_keys":    totalKeys,
				"db_size_mb": totalSize / 1024 / 1024,
				"status":     "ok",
			}
			if counts, err := s.Jobs.Counts(); err == nil {
				jobMetrics["by_state"] = counts
			}
		} else {
			jobMetrics = map[string]interface{}{
				"status": "unavailable",
			}
		}
	} else {
		jobMetrics = map[string]interface{}{
			"status": "not_initialized",
		}
	}

	var commandMetrics map[string]interface{}
	if s.Commands != nil {
		commandMetrics = map[string]interface{}{
			"status": "ok",
		}
		if counts, err := s.Commands.Counts(); err == nil {
			commandMetrics["by_status"] = counts
		}
		if db := s.Commands.GetDB(); db != nil {
			totalKeys, totalSize := db.EstimateSize(nil)
			commandMetrics["db_keys"] = totalKeys
			commandMetrics["db_size_mb"] = totalSize / 1024 / 1024
		}
	} else {
		commandMetrics = map[string]interface{}{
			"status": "not_initialized",
		}
	}

	hostname, _ := os.Hostname()

	response := map[string]interface{}{
		"service": map[string]interface{}{
			"uptime_seconds": time.Since(s.started).Seconds(),
			"pid":            os.Getpid(),
			"hostname":       hostname,
		},
		"jobs":     jobMetrics,
		"commands": commandMetrics,
		"terminals": map[string]interface{}{
			"configured": s.SettingsManager.Count(),
		},
		"timestamp": time.Now(),
	}

	_ = json.NewEncoder(w).Encode(response)
	s.Logger.Info("Served status")
}
