package delivery

import (
	"context"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
)

// Worker replays the retry queue on a fixed cadence, for deployments that
// want the middleware to drive retries instead of an external scheduler
// hitting the replay endpoint.
type Worker struct {
	service  *Service
	interval time.Duration
	limit    int
	logger   *goeen_log.Logger
}

func NewWorker(service *Service, interval time.Duration, limit int, logger *goeen_log.Logger) *Worker {
	return &Worker{
		service:  service,
		interval: interval,
		limit:    limit,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. An interval of zero disables the worker
// entirely; the replay endpoint remains the only trigger.
func (w *Worker) Run(ctx context.Context) {
	if w.interval <= 0 {
		w.logger.Info("Replay worker disabled; replay runs on demand only")
		return
	}

	w.logger.Infof("Replay worker running every %v (batch size %d)", w.interval, w.limit)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Replay worker stopped")
			return
		case <-ticker.C:
			if _, err := w.service.Replay(ctx, w.limit); err != nil && ctx.Err() == nil {
				w.logger.Warningf("Replay pass failed: %v", err)
			}
		}
	}
}
