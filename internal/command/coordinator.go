package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	goeen_log "github.com/eencloud/goeen/log"
	"github.com/google/uuid"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/core"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/device"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
)

// Action names the device operations the middleware accepts from POS
// clients.
type Action string

const (
	ActionCloseShift Action = "close_shift"
	ActionEndOfDay   Action = "end_of_day"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionCloseShift, ActionEndOfDay:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Status is the lifecycle position of a command. Done and failed are
// terminal; a resolved command never changes again.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Error codes recorded on failed commands.
const (
	ErrCodeBusy        = "busy"
	ErrCodeDevice      = "device_error"
	ErrCodePanic       = "panic"
	ErrCodeInterrupted = "interrupted"
)

var (
	// ErrConflict reports that a command with the same terminal, action
	// and request id already exists.
	ErrConflict = errors.New("command already exists")

	// ErrInvalid reports a create request that failed validation.
	ErrInvalid = errors.New("invalid command")

	ErrNotFound = errors.New("command not found")
)

// commandNamespaceUUID seeds deterministic command ids, so the same
// (terminal, action, request id) triple always maps to the same id.
var commandNamespaceUUID = uuid.MustParse("b1c95a44-9f62-4d1e-8e3a-5c7d2f0a916b")

const (
	DefaultWorkers          = 2
	DefaultQueueSize        = 8
	DefaultOperationTimeout = 90 * time.Second

	keyPrefix           = "cmd_"
	maintenanceInterval = 10 * time.Minute
)

// Command is one device operation requested by a POS client, persisted
// across restarts.
type Command struct {
	ID           string          `json:"id"`
	Action       Action          `json:"action"`
	RequestID    string          `json:"request_id"`
	Terminal     string          `json:"terminal"`
	Operator     string          `json:"operator,omitempty"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Resolved reports whether the command reached a terminal status.
func (c *Command) Resolved() bool {
	return c.Status == StatusDone || c.Status == StatusFailed
}

// CreateRequest is the document accepted when a POS client submits a
// command.
type CreateRequest struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id"`
	Terminal  string          `json:"terminal"`
	Operator  string          `json:"operator,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Coordinator accepts commands, acknowledges them as soon as they are
// durable, and executes them on a bounded worker pool. Status changes are
// persisted and published through the hub.
type Coordinator struct {
	db        *badger.DB
	runner    device.Runner
	hub       *Hub
	logger    *goeen_log.Logger
	opTimeout time.Duration

	queue  chan *Command
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator opens the command database at dir, fails over anything
// left unresolved by a previous run, and starts the worker pool.
func NewCoordinator(dir string, runner device.Runner, hub *Hub, workers, queueSize int, opTimeout time.Duration, logger *goeen_log.Logger) (*Coordinator, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if opTimeout <= 0 {
		opTimeout = DefaultOperationTimeout
	}

	db, err := core.OpenDatabase(dir, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		db:        db,
		runner:    runner,
		hub:       hub,
		logger:    logger,
		opTimeout: opTimeout,
		queue:     make(chan *Command, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	if n, err := c.sweepInterrupted(); err != nil {
		logger.Errorf("Startup sweep failed: %v", err)
	} else if n > 0 {
		logger.Warningf("Failed %d commands interrupted by the previous run", n)
	}

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	go c.maintenanceWorker()

	logger.Infof("Command coordinator started with %d workers (queue %d, op timeout %v)", workers, queueSize, opTimeout)
	return c, nil
}

// Records are keyed by the command id. The id is a UUIDv5 of the (terminal,
// action, request id) triple, so the create-if-absent transaction enforces
// triple uniqueness without ever joining caller-supplied strings into a key
// that another triple could also produce.
func commandKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func commandID(terminal string, action Action, requestID string) string {
	name := fmt.Sprintf("%s\x00%s\x00%s", terminal, action, requestID)
	return uuid.NewSHA1(commandNamespaceUUID, []byte(name)).String()
}

// Create validates and persists a command, hands it to the worker pool and
// returns the acknowledgement snapshot. A duplicate (terminal, action,
// request id) triple returns ErrConflict. When every worker is busy and the
// queue is full the command resolves failed with the busy code instead of
// blocking the caller.
func (c *Coordinator) Create(req CreateRequest) (*Command, error) {
	action, err := ParseAction(req.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return nil, fmt.Errorf("%w: request_id is required", ErrInvalid)
	}
	if strings.TrimSpace(req.Terminal) == "" {
		return nil, fmt.Errorf("%w: terminal is required", ErrInvalid)
	}

	cmd := &Command{
		ID:        commandID(req.Terminal, action, req.RequestID),
		Action:    action,
		RequestID: req.RequestID,
		Terminal:  req.Terminal,
		Operator:  req.Operator,
		Status:    StatusReceived,
		Input:     req.Input,
		CreatedAt: time.Now(),
	}

	key := commandKey(cmd.ID)
	err = c.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		if getErr == nil {
			return ErrConflict
		}
		if getErr != badger.ErrKeyNotFound {
			return getErr
		}
		data, marshalErr := json.Marshal(cmd)
		if marshalErr != nil {
			return marshalErr
		}
		return txn.Set(key, data)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %s %s for terminal %s", ErrConflict, req.Action, req.RequestID, req.Terminal)
		}
		return nil, fmt.Errorf("failed to record command: %w", err)
	}

	metrics.CommandsCreated.WithLabelValues(string(action)).Inc()
	c.logger.Infof("Accepted %s command %s for terminal %s", cmd.Action, cmd.ID, cmd.Terminal)

	c.transition(cmd, StatusProcessing, "", "", nil)
	ack := *cmd
	select {
	case c.queue <- cmd:
		metrics.CommandQueueDepth.Set(float64(len(c.queue)))
	default:
		c.transition(cmd, StatusFailed, ErrCodeBusy, "all command workers busy", nil)
		ack = *cmd
	}
	return &ack, nil
}

func (c *Coordinator) worker() {
	defer c.wg.Done()
	for {
		// Once shutdown begins, queued commands stay in the database for
		// the next start's sweep instead of racing the cancelled context.
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-c.queue:
			metrics.CommandQueueDepth.Set(float64(len(c.queue)))
			c.execute(cmd)
		}
	}
}

func (c *Coordinator) execute(cmd *Command) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Command %s panicked: %v", cmd.ID, r)
			c.transition(cmd, StatusFailed, ErrCodePanic, fmt.Sprintf("device operation panicked: %v", r), nil)
		}
	}()

	ctx, cancel := context.WithTimeout(c.ctx, c.opTimeout)
	defer cancel()

	started := time.Now()
	output, err := c.runner.Run(ctx, string(cmd.Action), cmd.Terminal, cmd.Input)
	if err != nil {
		c.logger.Warningf("Command %s failed after %v: %v", cmd.ID, time.Since(started), err)
		c.transition(cmd, StatusFailed, ErrCodeDevice, err.Error(), nil)
		return
	}
	c.logger.Infof("Command %s completed in %v", cmd.ID, time.Since(started))
	c.transition(cmd, StatusDone, "", "", output)
}

// transition moves cmd forward, persists the new state and publishes it.
// Resolved commands never move again.
func (c *Coordinator) transition(cmd *Command, status Status, code, msg string, output json.RawMessage) {
	if cmd.Resolved() {
		return
	}
	now := time.Now()
	cmd.Status = status
	switch status {
	case StatusProcessing:
		cmd.StartedAt = now
	case StatusDone:
		cmd.Output = output
		cmd.FinishedAt = now
	case StatusFailed:
		cmd.ErrorCode = code
		cmd.ErrorMessage = msg
		cmd.FinishedAt = now
	}
	c.persist(cmd)
	if cmd.Resolved() {
		metrics.CommandsResolved.WithLabelValues(string(cmd.Action), string(status)).Inc()
	}
	c.hub.Publish(Event{
		CommandID:    cmd.ID,
		Terminal:     cmd.Terminal,
		Action:       cmd.Action,
		Status:       status,
		ErrorCode:    code,
		ErrorMessage: msg,
		At:           now,
	})
}

func (c *Coordinator) persist(cmd *Command) {
	data, err := json.Marshal(cmd)
	if err != nil {
		c.logger.Errorf("Failed to marshal command %s: %v", cmd.ID, err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(commandKey(cmd.ID), data)
	})
	if err != nil {
		c.logger.Errorf("Failed to persist command %s: %v", cmd.ID, err)
	}
}

// sweepInterrupted fails over every command a previous run left in a
// non-terminal state. It runs before the workers start.
func (c *Coordinator) sweepInterrupted() (int, error) {
	stale, err := c.collect(func(cmd *Command) bool { return !cmd.Resolved() })
	if err != nil {
		return 0, err
	}
	for _, cmd := range stale {
		c.transition(cmd, StatusFailed, ErrCodeInterrupted, "service restarted during execution", nil)
	}
	return len(stale), nil
}

// Get returns the command with the given id.
func (c *Coordinator) Get(id string) (*Command, error) {
	var cmd Command
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(commandKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &cmd) })
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read command: %w", err)
	}
	return &cmd, nil
}

// ListByTerminal returns the terminal's commands, most recent first. A
// limit <= 0 returns all of them.
func (c *Coordinator) ListByTerminal(terminal string, limit int) ([]*Command, error) {
	commands, err := c.collect(func(cmd *Command) bool { return cmd.Terminal == terminal })
	if err != nil {
		return nil, err
	}

	sort.Slice(commands, func(i, j int) bool { return commands[i].CreatedAt.After(commands[j].CreatedAt) })
	if limit > 0 && len(commands) > limit {
		commands = commands[:limit]
	}
	return commands, nil
}

// Counts returns the number of stored commands per status.
func (c *Coordinator) Counts() (map[Status]int, error) {
	counts := map[Status]int{
		StatusReceived:   0,
		StatusProcessing: 0,
		StatusDone:       0,
		StatusFailed:     0,
	}
	all, err := c.collect(func(*Command) bool { return true })
	if err != nil {
		return nil, err
	}
	for _, cmd := range all {
		counts[cmd.Status]++
	}
	return counts, nil
}

func (c *Coordinator) collect(match func(*Command) bool) ([]*Command, error) {
	prefix := []byte(keyPrefix)
	var commands []*Command
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cmd Command
				if err := json.Unmarshal(val, &cmd); err != nil {
					return err
				}
				if match(&cmd) {
					commands = append(commands, &cmd)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan commands: %w", err)
	}
	return commands, nil
}

func (c *Coordinator) maintenanceWorker() {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
				c.logger.Warningf("Command database GC failed: %v", err)
			}
		}
	}
}

// GetDB exposes the underlying database for status reporting.
func (c *Coordinator) GetDB() *badger.DB {
	return c.db
}

// Close stops the workers and closes the database. Commands still queued
// resolve as interrupted on the next start.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return c.db.Close()
}
