// Package delivery is the policy layer between callers and the POS link: it
// stamps sequence numbers, decides what happens on an offline terminal, and
// binds the retry queue to the live transport.
package delivery

import (
	"context"
	"encoding/json"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/core"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/jobs"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/pos"
)

// Sender performs one live exchange with a terminal.
type Sender interface {
	Send(req pos.Request) (*pos.Reply, error)
}

// Queue persists deliveries that failed because the terminal was offline.
type Queue interface {
	Enqueue(job *jobs.Job) error
}

// Replayer re-delivers queued jobs through a send function.
type Replayer interface {
	Replay(ctx context.Context, limit int, send jobs.SendFunc) (jobs.ReplayStats, error)
}

// Service sends business payloads to POS terminals.
type Service struct {
	sender   Sender
	queue    Queue
	replayer Replayer
	seq      *core.Sequence
	logger   *goeen_log.Logger
}

func NewService(sender Sender, queue Queue, replayer Replayer, seq *core.Sequence, logger *goeen_log.Logger) *Service {
	return &Service{
		sender:   sender,
		queue:    queue,
		replayer: replayer,
		seq:      seq,
		logger:   logger,
	}
}

// Send relays one payload to a terminal, stamped with the next sequence
// number. An offline terminal queues the request for replay unless the
// caller suppressed queueing; heartbeats are always suppressed. An NG reply
// is returned to the caller and never queued: the terminal answered.
func (s *Service) Send(terminal string, kind jobs.Kind, data json.RawMessage, suppressQueue bool) (*pos.Reply, error) {
	req := pos.Request{
		Type:     string(kind),
		Seq:      s.seq.Next(),
		Terminal: terminal,
	}
	if len(data) > 0 {
		req.Data = data
	}

	reply, err := s.sender.Send(req)
	if err == nil {
		if reply.OK() {
			metrics.PosSends.WithLabelValues(string(kind), "delivered").Inc()
		} else {
			metrics.PosSends.WithLabelValues(string(kind), "rejected").Inc()
			s.logger.Warningf("Terminal %s rejected %s seq=%d: %s", terminal, kind, req.Seq, reply.Error)
		}
		return reply, nil
	}

	if pos.IsOffline(err) {
		metrics.PosSends.WithLabelValues(string(kind), "offline").Inc()
		if suppressQueue || kind == jobs.KindHeartbeat {
			s.logger.Debugf("Not queueing %s for offline terminal %s", kind, terminal)
			return nil, err
		}

		raw, merr := json.Marshal(req)
		if merr != nil {
			s.logger.Errorf("Could not capture request for retry: %v", merr)
			return nil, err
		}
		job := &jobs.Job{
			Kind:      kind,
			Direction: jobs.DirectionToPOS,
			Terminal:  terminal,
			Request:   raw,
			LastError: err.Error(),
		}
		if qerr := s.queue.Enqueue(job); qerr != nil {
			s.logger.Errorf("Failed to queue %s for terminal %s: %v", kind, terminal, qerr)
		} else {
			metrics.JobsQueued.Inc()
		}
		return nil, err
	}

	// Unknown terminal or protocol failure; there is nothing a retry could
	// reach, so nothing is queued.
	metrics.PosSends.WithLabelValues(string(kind), "error").Inc()
	return nil, err
}

// Heartbeat probes a terminal. It never creates retry work; the next
// heartbeat supersedes a missed one.
func (s *Service) Heartbeat(terminal string) (*pos.Reply, error) {
	return s.Send(terminal, jobs.KindHeartbeat, nil, true)
}

// Replay re-delivers queued jobs through the live transport.
func (s *Service) Replay(ctx context.Context, limit int) (jobs.ReplayStats, error) {
	stats, err := s.replayer.Replay(ctx, limit, s.sender.Send)

	metrics.JobsReplayed.WithLabelValues("delivered").Add(float64(stats.Delivered))
	metrics.JobsReplayed.WithLabelValues("requeued").Add(float64(stats.Requeued))
	metrics.JobsReplayed.WithLabelValues("rejected").Add(float64(stats.Rejected))
	metrics.JobsReplayed.WithLabelValues("failed").Add(float64(stats.Failed))
	metrics.JobsReplayed.WithLabelValues("skipped").Add(float64(stats.Skipped))

	if stats.Selected > 0 {
		s.logger.Infof("Replay batch: %d selected, %d delivered, %d requeued, %d rejected, %d failed, %d skipped",
			stats.Selected, stats.Delivered, stats.Requeued, stats.Rejected, stats.Failed, stats.Skipped)
	}
	return stats, err
}
