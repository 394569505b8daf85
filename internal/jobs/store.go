// Package jobs persists POS deliveries that failed because the terminal was
// offline, and replays them oldest first until they land or exhaust their
// attempts.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/core"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/pos"
)

const (
	// DefaultRetryCeiling bounds how many replay deliveries a job gets
	// before it is marked failed.
	DefaultRetryCeiling = 5

	// DefaultReplayLimit bounds one replay batch.
	DefaultReplayLimit = 50

	maintenanceInterval = 10 * time.Minute
)

// ErrNotFound reports a job id with no stored record.
var ErrNotFound = errors.New("job not found")

// Kind classifies the business meaning of a queued delivery.
type Kind string

const (
	KindHeartbeat  Kind = "heartbeat"
	KindDeposit    Kind = "deposit"
	KindCloseShift Kind = "close_shift"
	KindEndOfDay   Kind = "end_of_day"
	KindOther      Kind = "other"
)

// ParseKind validates a kind coming in over the API.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindHeartbeat, KindDeposit, KindCloseShift, KindEndOfDay, KindOther:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown job kind %q", s)
}

// Direction records which way a queued delivery travels. Everything this
// service queues heads toward a terminal; the field keeps records from a
// controller-bound retry path distinguishable.
type Direction string

const (
	DirectionToPOS   Direction = "to_pos"
	DirectionFromPOS Direction = "from_pos"
)

// State is the lifecycle position of a job.
type State string

const (
	StatePending State = "pending"
	StateRetry   State = "retry"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// ParseState validates a state filter coming in over the API.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StatePending, StateRetry, StateDone, StateFailed:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Job is one queued delivery toward a POS terminal. The original request
// envelope is preserved byte for byte so replay sends exactly what the live
// path would have sent.
type Job struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Direction Direction       `json:"direction"`
	Terminal  string          `json:"terminal"`
	Request   json.RawMessage `json:"request"`
	Response  json.RawMessage `json:"response,omitempty"`
	State     State           `json:"state"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SendFunc re-delivers one stored request during replay.
type SendFunc func(req pos.Request) (*pos.Reply, error)

// ReplayStats summarizes one replay batch.
type ReplayStats struct {
	Selected  int `json:"selected"`
	Delivered int `json:"delivered"`
	Rejected  int `json:"rejected"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Store manages the durable retry queue. Jobs are never removed by the store
// itself; terminal records stay queryable until an operator purges them.
type Store struct {
	db      *badger.DB
	ceiling int
	maxSize int64
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *goeen_log.Logger

	claimMu sync.Mutex
	claims  map[string]bool
}

func NewStore(dir string, ceiling int, maxSizeGB int, logger *goeen_log.Logger) (*Store, error) {
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}

	db, err := core.OpenDatabase(dir, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	store := &Store{
		db:      db,
		ceiling: ceiling,
		maxSize: int64(maxSizeGB) * 1024 * 1024 * 1024,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		claims:  make(map[string]bool),
	}

	go store.maintenanceWorker()

	return store, nil
}

// Ceiling returns the configured attempt ceiling.
func (s *Store) Ceiling() int {
	return s.ceiling
}

// Enqueue records one failed delivery as a pending job. Every failed send
// creates its own job; the store never deduplicates.
func (s *Store) Enqueue(job *Job) error {
	if job.Terminal == "" {
		return fmt.Errorf("job needs a terminal")
	}
	if _, err := ParseKind(string(job.Kind)); err != nil {
		return err
	}
	if len(job.Request) == 0 {
		return fmt.Errorf("job needs the original request")
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Direction == "" {
		job.Direction = DirectionToPOS
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.State = StatePending
	job.Attempts = 0
	job.UpdatedAt = job.CreatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}

	s.logger.Infof("Queued %s job %s for terminal %s: %s", job.Kind, job.ID, job.Terminal, job.LastError)
	return nil
}

// Keys zero-pad the creation stamp so plain prefix iteration walks jobs
// oldest first.
func jobKey(job *Job) []byte {
	return []byte(fmt.Sprintf("job_%020d_%s", job.CreatedAt.UnixNano(), job.ID))
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (*Job, error) {
	var found *Job

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("job_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
				continue
			}
			if job.ID == id {
				found = &job
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// List returns up to limit jobs in creation order. An empty state matches
// every job.
func (s *Store) List(state State, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	var result []Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("job_")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(result) < limit; it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
				continue
			}
			if state != "" && job.State != state {
				continue
			}
			result = append(result, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Counts tallies jobs per state for the status endpoint.
func (s *Store) Counts() (map[State]int, error) {
	counts := make(map[State]int)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("job_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
				continue
			}
			counts[job.State]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Replay walks eligible jobs oldest first and re-delivers each one through
// send. Jobs claimed by an overlapping replay run are skipped, so no job is
// ever in flight twice. One job's outcome never affects the rest of the
// batch.
func (s *Store) Replay(ctx context.Context, limit int, send SendFunc) (ReplayStats, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}

	var stats ReplayStats

	eligible, err := s.eligible(limit)
	if err != nil {
		return stats, err
	}
	stats.Selected = len(eligible)

	for i := range eligible {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		job := eligible[i]
		if !s.claim(job.ID) {
			stats.Skipped++
			continue
		}
		s.replayOne(&job, send, &stats)
		s.release(job.ID)
	}

	return stats, nil
}

func (s *Store) eligible(limit int) ([]Job, error) {
	var result []Job
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("job_")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(result) < limit; it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
				continue
			}
			if job.Direction != DirectionToPOS {
				// A controller-bound record has no terminal to replay toward.
				continue
			}
			if (job.State == StatePending || job.State == StateRetry) && job.Attempts < s.ceiling {
				result = append(result, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) replayOne(job *Job, send SendFunc, stats *ReplayStats) {
	// Re-read under the claim; an overlapping batch may have resolved this
	// job between selection and claim.
	current, err := s.readKey(jobKey(job))
	if err != nil || (current.State != StatePending && current.State != StateRetry) || current.Attempts >= s.ceiling {
		stats.Skipped++
		return
	}

	var req pos.Request
	if err := json.Unmarshal(current.Request, &req); err != nil {
		current.State = StateFailed
		current.LastError = fmt.Sprintf("stored request unreadable: %v", err)
		stats.Failed++
		s.writeBack(current)
		return
	}

	current.Attempts++

	reply, err := send(req)
	switch {
	case err == nil && reply.OK():
		current.State = StateDone
		current.LastError = ""
		if data, merr := json.Marshal(reply); merr == nil {
			current.Response = data
		}
		stats.Delivered++
		s.logger.Infof("Replayed %s job %s to terminal %s (attempt %d)", current.Kind, current.ID, current.Terminal, current.Attempts)

	case err == nil:
		// The terminal answered and said no. Retrying would not change its
		// mind.
		current.State = StateFailed
		current.LastError = fmt.Sprintf("rejected by terminal: %s", reply.Error)
		if data, merr := json.Marshal(reply); merr == nil {
			current.Response = data
		}
		stats.Rejected++

	case pos.IsOffline(err):
		if current.Attempts >= s.ceiling {
			current.State = StateFailed
			current.LastError = fmt.Sprintf("retry limit reached after %d attempts: %v", current.Attempts, err)
			stats.Failed++
			s.logger.Warningf("Job %s for terminal %s exhausted its attempts", current.ID, current.Terminal)
		} else {
			current.State = StateRetry
			current.LastError = err.Error()
			stats.Requeued++
		}

	default:
		// Resolution failures and protocol errors. The endpoint is gone or
		// broken in a way another attempt will not fix.
		current.State = StateFailed
		current.LastError = err.Error()
		stats.Failed++
	}

	current.UpdatedAt = time.Now()
	s.writeBack(current)
}

func (s *Store) readKey(key []byte) (*Job, error) {
	var job Job
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &job) })
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) writeBack(job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		s.logger.Errorf("Failed to marshal job %s: %v", job.ID, err)
		return
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job), data)
	})
	if err != nil {
		s.logger.Errorf("Failed to persist job %s: %v", job.ID, err)
	}
}

// Purge removes jobs on behalf of an operator. An empty state drops the
// whole queue with DropPrefix; otherwise only matching jobs are deleted.
// Returns how many records were removed.
func (s *Store) Purge(state State) (int, error) {
	if state == "" {
		counts, err := s.Counts()
		if err != nil {
			return 0, err
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		if err := s.db.DropPrefix([]byte("job_")); err != nil {
			return 0, err
		}
		s.logger.Infof("PURGED entire job queue: %d records", total)
		return total, nil
	}

	var keysToDelete [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("job_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var job Job
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &job) }); err != nil {
				continue
			}
			if job.State == state {
				keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(keysToDelete) == 0 {
		return 0, nil
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Infof("Purged %d %s jobs", len(keysToDelete), state)
	return len(keysToDelete), nil
}

func (s *Store) claim(id string) bool {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if s.claims[id] {
		return false
	}
	s.claims[id] = true
	return true
}

func (s *Store) release(id string) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	delete(s.claims, id)
}

func (s *Store) maintenanceWorker() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

// runMaintenance reclaims value log space and warns when the queue grows
// toward its disk limit. It never deletes job records; purging is an
// operator action.
func (s *Store) runMaintenance() {
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		s.logger.Errorf("Job store value log GC failed: %v", err)
	}

	if s.maxSize <= 0 {
		return
	}
	lsm, vlog := s.db.Size()
	if current := lsm + vlog; current > s.maxSize*80/100 {
		s.logger.Warningf("Job store at %d MB of %d MB; purge finished jobs", current/1024/1024, s.maxSize/1024/1024)
	}
}

// GetDB returns the underlying Badger database for metrics access
func (s *Store) GetDB() *badger.DB {
	return s.db
}

func (s *Store) Close() error {
	s.cancel()
	return s.db.Close()
}
