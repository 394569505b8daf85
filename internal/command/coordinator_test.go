package command

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/device"
)

func newTestLogger() *goeen_log.Logger {
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	ctx := goeen_log.NewContext(os.Stderr, customFormat, goeen_log.LevelError)
	return ctx.GetLogger("command-test", goeen_log.LevelError)
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	handler func(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error)
}

func (f *fakeRunner) Run(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(ctx, action, terminal, payload)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCoordinator(t *testing.T, runner device.Runner, workers, queueSize int) (*Coordinator, *Hub, func()) {
	t.Helper()

	dir, err := os.MkdirTemp("", "command_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	logger := newTestLogger()
	hub := NewHub(logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	coord, err := NewCoordinator(dir, runner, hub, workers, queueSize, 5*time.Second, logger)
	if err != nil {
		hubCancel()
		os.RemoveAll(dir)
		t.Fatalf("Failed to create coordinator: %v", err)
	}

	cleanup := func() {
		coord.Close()
		hubCancel()
		os.RemoveAll(dir)
	}
	return coord, hub, cleanup
}

func waitStatus(t *testing.T, coord *Coordinator, id string, want Status) *Command {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last *Command
	for time.Now().Before(deadline) {
		cmd, err := coord.Get(id)
		if err == nil {
			last = cmd
			if cmd.Status == want {
				return cmd
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if last != nil {
		t.Fatalf("Expected command %s to reach %s, stuck at %s (%s: %s)", id, want, last.Status, last.ErrorCode, last.ErrorMessage)
	} else {
		t.Fatalf("Expected command %s to reach %s, never found it", id, want)
	}
	return nil
}

func TestCreateRunsToCompletion(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 2, 8)
	defer cleanup()

	ack, err := coord.Create(CreateRequest{
		Action:    "close_shift",
		RequestID: "req-1",
		Terminal:  "pos-101",
		Operator:  "alice",
		Input:     json.RawMessage(`{"shift":3}`),
	})
	if err != nil {
		t.Fatalf("Failed to create command: %v", err)
	}
	if ack.ID == "" {
		t.Error("Expected acknowledgement to carry an id")
	}
	if ack.Status != StatusProcessing && ack.Status != StatusDone {
		t.Errorf("Expected ack status processing, got %s", ack.Status)
	}

	done := waitStatus(t, coord, ack.ID, StatusDone)
	if string(done.Output) != `{"ok":true}` {
		t.Errorf("Expected runner output on the record, got %s", done.Output)
	}
	if done.StartedAt.IsZero() || done.FinishedAt.IsZero() {
		t.Error("Expected started and finished timestamps on a done command")
	}
	if done.Operator != "alice" {
		t.Errorf("Expected operator alice, got %q", done.Operator)
	}
	if runner.callCount() != 1 {
		t.Errorf("Expected exactly one device call, got %d", runner.callCount())
	}
}

func TestCreateDeterministicID(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 1, 4)
	defer cleanup()

	ack, err := coord.Create(CreateRequest{Action: "end_of_day", RequestID: "eod-7", Terminal: "pos-2"})
	if err != nil {
		t.Fatalf("Failed to create command: %v", err)
	}
	other, err := coord.Get(ack.ID)
	if err != nil {
		t.Fatalf("Failed to get command by id: %v", err)
	}
	if other.RequestID != "eod-7" || other.Terminal != "pos-2" {
		t.Errorf("Expected lookup to return the created command, got %+v", other)
	}
	if other.ID != ack.ID {
		t.Errorf("Expected stable id %s, got %s", ack.ID, other.ID)
	}
}

func TestCreateConflictOnDuplicateTriple(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 2, 8)
	defer cleanup()

	first, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "dup-1", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create first command: %v", err)
	}
	waitStatus(t, coord, first.ID, StatusDone)

	_, err = coord.Create(CreateRequest{Action: "close_shift", RequestID: "dup-1", Terminal: "pos-1"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate triple, got %v", err)
	}

	// Changing any component of the triple makes it a new command.
	if _, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "dup-2", Terminal: "pos-1"}); err != nil {
		t.Errorf("Expected different request id to be accepted, got %v", err)
	}
	if _, err := coord.Create(CreateRequest{Action: "end_of_day", RequestID: "dup-1", Terminal: "pos-1"}); err != nil {
		t.Errorf("Expected different action to be accepted, got %v", err)
	}
	if _, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "dup-1", Terminal: "pos-9"}); err != nil {
		t.Errorf("Expected different terminal to be accepted, got %v", err)
	}
}

func TestCreateDistinguishesUnderscoredTriples(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 2, 8)
	defer cleanup()

	// Terminal names and request ids may themselves contain underscores, so
	// the pieces of two distinct triples can concatenate to the same string.
	// Both commands must be accepted as separate records.
	first, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "b_close_shift_x", Terminal: "a"})
	if err != nil {
		t.Fatalf("Failed to create first command: %v", err)
	}
	second, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "x", Terminal: "a_close_shift_b"})
	if err != nil {
		t.Fatalf("Concatenation-colliding triple rejected as a duplicate: %v", err)
	}
	if first.ID == second.ID {
		t.Errorf("Distinct triples produced the same command id %s", first.ID)
	}
	waitStatus(t, coord, first.ID, StatusDone)
	waitStatus(t, coord, second.ID, StatusDone)

	// A terminal whose name extends another's must not leak into the
	// shorter terminal's listing.
	short, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "r1", Terminal: "pos"})
	if err != nil {
		t.Fatalf("Failed to create command for pos: %v", err)
	}
	long, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "r2", Terminal: "pos_1"})
	if err != nil {
		t.Fatalf("Failed to create command for pos_1: %v", err)
	}
	waitStatus(t, coord, short.ID, StatusDone)
	waitStatus(t, coord, long.ID, StatusDone)

	listed, err := coord.ListByTerminal("pos", 0)
	if err != nil {
		t.Fatalf("Failed to list commands for pos: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("Expected 1 command for pos, got %d", len(listed))
	}
	if listed[0].Terminal != "pos" || listed[0].ID != short.ID {
		t.Errorf("Listing for pos returned a foreign command: %+v", listed[0])
	}
}

func TestCreateValidation(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 1, 4)
	defer cleanup()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown action", CreateRequest{Action: "reboot", RequestID: "r1", Terminal: "pos-1"}},
		{"missing request id", CreateRequest{Action: "close_shift", Terminal: "pos-1"}},
		{"missing terminal", CreateRequest{Action: "close_shift", RequestID: "r1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := coord.Create(tc.req); err == nil {
				t.Errorf("Expected %s to be rejected", tc.name)
			}
		})
	}
	if runner.callCount() != 0 {
		t.Errorf("Expected no device calls for rejected commands, got %d", runner.callCount())
	}
}

func TestDeviceErrorResolvesFailed(t *testing.T) {
	runner := &fakeRunner{
		handler: func(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("shutter jammed")
		},
	}
	coord, _, cleanup := newTestCoordinator(t, runner, 1, 4)
	defer cleanup()

	ack, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "err-1", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create command: %v", err)
	}

	failed := waitStatus(t, coord, ack.ID, StatusFailed)
	if failed.ErrorCode != ErrCodeDevice {
		t.Errorf("Expected error code %s, got %s", ErrCodeDevice, failed.ErrorCode)
	}
	if !strings.Contains(failed.ErrorMessage, "shutter jammed") {
		t.Errorf("Expected device error message to be recorded, got %q", failed.ErrorMessage)
	}
}

func TestPanicResolvesFailedAndWorkerSurvives(t *testing.T) {
	var first sync.Once
	runner := &fakeRunner{}
	runner.handler = func(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
		panicked := false
		first.Do(func() { panicked = true })
		if panicked {
			panic("simulated device driver bug")
		}
		return json.RawMessage(`{"ok":true}`), nil
	}
	coord, _, cleanup := newTestCoordinator(t, runner, 1, 4)
	defer cleanup()

	ack, err := coord.Create(CreateRequest{Action: "end_of_day", RequestID: "boom-1", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create command: %v", err)
	}
	failed := waitStatus(t, coord, ack.ID, StatusFailed)
	if failed.ErrorCode != ErrCodePanic {
		t.Errorf("Expected error code %s, got %s", ErrCodePanic, failed.ErrorCode)
	}

	// The single worker must still be alive to run the next command.
	second, err := coord.Create(CreateRequest{Action: "end_of_day", RequestID: "boom-2", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create follow-up command: %v", err)
	}
	waitStatus(t, coord, second.ID, StatusDone)
}

func TestBusyOverflowResolvesFailed(t *testing.T) {
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	runner := &fakeRunner{
		handler: func(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return json.RawMessage(`{"ok":true}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	coord, _, cleanup := newTestCoordinator(t, runner, 1, 1)
	defer cleanup()

	hold, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "hold", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create first command: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected worker to pick up the first command")
	}

	queued, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "queued", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create second command: %v", err)
	}

	overflow, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "overflow", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Expected overflow command to be accepted with a failed resolution, got %v", err)
	}
	if overflow.Status != StatusFailed {
		t.Errorf("Expected overflow ack to be failed, got %s", overflow.Status)
	}
	if overflow.ErrorCode != ErrCodeBusy {
		t.Errorf("Expected error code %s, got %s", ErrCodeBusy, overflow.ErrorCode)
	}

	close(release)
	waitStatus(t, coord, hold.ID, StatusDone)
	waitStatus(t, coord, queued.ID, StatusDone)

	// The overflow command stays failed even after capacity frees up.
	stuck, err := coord.Get(overflow.ID)
	if err != nil {
		t.Fatalf("Failed to get overflow command: %v", err)
	}
	if stuck.Status != StatusFailed {
		t.Errorf("Expected overflow command to remain failed, got %s", stuck.Status)
	}
}

func TestSweepFailsInterruptedCommands(t *testing.T) {
	dir, err := os.MkdirTemp("", "command_sweep_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	logger := newTestLogger()
	hub := NewHub(logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	entered := make(chan struct{}, 1)
	blocking := &fakeRunner{
		handler: func(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
			entered <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	coord, err := NewCoordinator(dir, blocking, hub, 1, 4, 5*time.Second, logger)
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}

	held, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "held", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create held command: %v", err)
	}
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected worker to pick up the held command")
	}
	queued, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "stranded", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create stranded command: %v", err)
	}

	if err := coord.Close(); err != nil {
		t.Fatalf("Failed to close coordinator: %v", err)
	}

	reopened, err := NewCoordinator(dir, &fakeRunner{}, hub, 1, 4, 5*time.Second, logger)
	if err != nil {
		t.Fatalf("Failed to reopen coordinator: %v", err)
	}
	defer reopened.Close()

	// The command stranded in the queue never ran; the sweep fails it.
	stranded, err := reopened.Get(queued.ID)
	if err != nil {
		t.Fatalf("Failed to get stranded command: %v", err)
	}
	if stranded.Status != StatusFailed {
		t.Errorf("Expected stranded command to be failed, got %s", stranded.Status)
	}
	if stranded.ErrorCode != ErrCodeInterrupted {
		t.Errorf("Expected error code %s, got %s", ErrCodeInterrupted, stranded.ErrorCode)
	}

	// The held command resolved on shutdown and keeps its own failure.
	resolved, err := reopened.Get(held.ID)
	if err != nil {
		t.Fatalf("Failed to get held command: %v", err)
	}
	if resolved.Status != StatusFailed {
		t.Errorf("Expected held command to be failed, got %s", resolved.Status)
	}
	if resolved.ErrorCode != ErrCodeDevice {
		t.Errorf("Expected held command to keep its device error, got %s", resolved.ErrorCode)
	}
}

func TestListByTerminal(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 2, 8)
	defer cleanup()

	for i := 0; i < 3; i++ {
		ack, err := coord.Create(CreateRequest{
			Action:    "close_shift",
			RequestID: "list-" + string(rune('a'+i)),
			Terminal:  "pos-1",
		})
		if err != nil {
			t.Fatalf("Failed to create command %d: %v", i, err)
		}
		waitStatus(t, coord, ack.ID, StatusDone)
	}
	other, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "list-x", Terminal: "pos-2"})
	if err != nil {
		t.Fatalf("Failed to create other-terminal command: %v", err)
	}
	waitStatus(t, coord, other.ID, StatusDone)

	commands, err := coord.ListByTerminal("pos-1", 0)
	if err != nil {
		t.Fatalf("Failed to list commands: %v", err)
	}
	if len(commands) != 3 {
		t.Fatalf("Expected 3 commands for pos-1, got %d", len(commands))
	}
	for _, cmd := range commands {
		if cmd.Terminal != "pos-1" {
			t.Errorf("Expected only pos-1 commands, got one for %s", cmd.Terminal)
		}
	}

	limited, err := coord.ListByTerminal("pos-1", 2)
	if err != nil {
		t.Fatalf("Failed to list with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected limit to cap the list at 2, got %d", len(limited))
	}

	counts, err := coord.Counts()
	if err != nil {
		t.Fatalf("Failed to count commands: %v", err)
	}
	if counts[StatusDone] != 4 {
		t.Errorf("Expected 4 done commands, got %d", counts[StatusDone])
	}
}

func TestGetUnknownCommand(t *testing.T) {
	runner := &fakeRunner{}
	coord, _, cleanup := newTestCoordinator(t, runner, 1, 4)
	defer cleanup()

	if _, err := coord.Get("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStatusEventsPublished(t *testing.T) {
	proceed := make(chan struct{})
	runner := &fakeRunner{
		handler: func(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
			<-proceed
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	coord, hub, cleanup := newTestCoordinator(t, runner, 1, 4)
	defer cleanup()

	sub := hub.Subscribe("pos-1")
	defer hub.Unsubscribe(sub)
	offTopic := hub.Subscribe("pos-other")
	defer hub.Unsubscribe(offTopic)

	ack, err := coord.Create(CreateRequest{Action: "close_shift", RequestID: "ev-1", Terminal: "pos-1"})
	if err != nil {
		t.Fatalf("Failed to create command: %v", err)
	}
	close(proceed)
	waitStatus(t, coord, ack.ID, StatusDone)

	var got []Status
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.Events():
			if ev.CommandID != ack.ID {
				t.Errorf("Expected events for command %s, got %s", ack.ID, ev.CommandID)
			}
			got = append(got, ev.Status)
		case <-timeout:
			t.Fatalf("Expected processing and done events, got %v", got)
		}
	}
	if got[0] != StatusProcessing || got[1] != StatusDone {
		t.Errorf("Expected [processing done], got %v", got)
	}

	select {
	case ev := <-offTopic.Events():
		t.Errorf("Expected no events for pos-other, got %s", ev.Status)
	case <-time.After(100 * time.Millisecond):
	}
}
