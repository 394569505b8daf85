package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/pos"
)

// Configuration
var (
	controllerAddr = flag.String("controller", "127.0.0.1:7601", "Middleware listener to stream controller documents to (empty disables the feed)")
	terminalAddr   = flag.String("terminal", "127.0.0.1:7655", "Listen address for the fake POS terminal (empty disables it)")
	interval       = flag.Duration("interval", 2*time.Second, "Base pause between controller documents")
	jitter         = flag.Duration("jitter", 750*time.Millisecond, "Random extra pause added on top of -interval")
	chunkMax       = flag.Int("chunk", 24, "Largest slice per TCP write, chosen at random per write (0 writes whole documents)")
	docLimit       = flag.Int("count", 0, "Documents to stream before exiting (0 streams until interrupted)")
	ngEvery        = flag.Int("ng-every", 0, "Answer NG to every Nth POS request (0 always answers OK)")
)

func main() {
	flag.Parse()

	logger := goeen_log.NewContext(os.Stderr, "", goeen_log.LevelInfo).GetLogger("glory-sim", goeen_log.LevelInfo)

	var terminal *terminalSim
	if *terminalAddr != "" {
		terminal = newTerminalSim(logger, *terminalAddr, *ngEvery)
		if err := terminal.Start(); err != nil {
			logger.Fatalf("Failed to start POS terminal: %v", err)
		}
	}

	feedDone := make(chan struct{})
	var feed *controllerFeed
	if *controllerAddr != "" {
		feed = newControllerFeed(logger, *controllerAddr, *interval, *jitter, *chunkMax, *docLimit)
		go func() {
			feed.Run()
			close(feedDone)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("Received signal %v, shutting down", sig)
	case <-feedDone:
		if terminal != nil {
			logger.Info("Controller feed finished, POS terminal still answering. Interrupt to exit.")
			<-sigChan
		}
	}

	if feed != nil {
		feed.Stop()
	}
	if terminal != nil {
		terminal.Stop()
	}
	logger.Info("Simulator stopped")
}

// controllerFeed impersonates the cash controller: it dials the middleware's
// inbound listener and streams framed XML documents at a jittered pace.
type controllerFeed struct {
	logger    *goeen_log.Logger
	addr      string
	interval  time.Duration
	jitter    time.Duration
	chunkMax  int
	limit     int
	stopChan  chan struct{}
	stopped   bool
	stopMutex sync.Mutex
}

func newControllerFeed(logger *goeen_log.Logger, addr string, interval, jitter time.Duration, chunkMax, limit int) *controllerFeed {
	return &controllerFeed{
		logger:   logger,
		addr:     addr,
		interval: interval,
		jitter:   jitter,
		chunkMax: chunkMax,
		limit:    limit,
		stopChan: make(chan struct{}),
	}
}

// Run streams documents until the limit is reached or Stop is called,
// reconnecting whenever a write fails.
func (f *controllerFeed) Run() {
	sent := 0
	for {
		select {
		case <-f.stopChan:
			return
		default:
		}

		conn, err := f.dial()
		if err != nil {
			f.logger.Errorf("Giving up on controller feed: %v", err)
			return
		}
		f.logger.Infof("Controller feed connected to %s", f.addr)

		for {
			select {
			case <-f.stopChan:
				_ = conn.Close()
				return
			default:
			}

			burst := 1
			if rand.Intn(5) == 0 {
				burst = 2
			}
			var doc string
			for i := 0; i < burst; i++ {
				doc += buildDocument(sent + i)
			}

			if err := f.writeDocument(conn, doc); err != nil {
				f.logger.Errorf("Controller feed write failed, reconnecting: %v", err)
				_ = conn.Close()
				break
			}
			sent += burst
			if sent%20 < burst {
				f.logger.Infof("Streamed %d documents", sent)
			}
			if f.limit > 0 && sent >= f.limit {
				_ = conn.Close()
				f.logger.Infof("Sent all %d documents", sent)
				return
			}

			delay := f.interval
			if f.jitter > 0 {
				delay += time.Duration(rand.Int63n(int64(f.jitter)))
			}
			select {
			case <-f.stopChan:
				_ = conn.Close()
				return
			case <-time.After(delay):
			}
		}
	}
}

func (f *controllerFeed) dial() (net.Conn, error) {
	maxRetries := 5
	initialDelay := 200 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		conn, err := net.DialTimeout("tcp", f.addr, 2*time.Second)
		if err == nil {
			return conn, nil
		}

		f.logger.Errorf("Attempt %d to reach %s failed: %v. Retrying in %v...", i+1, f.addr, err, initialDelay*time.Duration(1<<i))
		select {
		case <-f.stopChan:
			return nil, fmt.Errorf("stopped while dialing %s", f.addr)
		case <-time.After(initialDelay * time.Duration(1 << i)):
		}
	}
	return nil, fmt.Errorf("failed to reach %s after %d attempts", f.addr, maxRetries)
}

// writeDocument slices the payload into random chunks so the far side sees
// the same fragmentation a serial-to-TCP bridge produces.
func (f *controllerFeed) writeDocument(conn net.Conn, doc string) error {
	payload := []byte(doc)
	if f.chunkMax <= 0 || f.chunkMax >= len(payload) {
		_, err := conn.Write(payload)
		return err
	}

	for start := 0; start < len(payload); {
		end := start + 1 + rand.Intn(f.chunkMax)
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := conn.Write(payload[start:end]); err != nil {
			return err
		}
		start = end
		time.Sleep(time.Duration(1+rand.Intn(10)) * time.Millisecond)
	}
	return nil
}

var statusValues = []string{"idle", "counting", "storing", "door_open", "door_closed"}

func buildDocument(seq int) string {
	switch {
	case seq%7 == 6:
		return fmt.Sprintf("<alarm><code>%d</code><severity>warning</severity><seq>%d</seq></alarm>", 1+rand.Intn(40), seq)
	case seq%3 == 2:
		status := statusValues[rand.Intn(len(statusValues))]
		return fmt.Sprintf("<statusChange><status>%s</status><seq>%d</seq></statusChange>", status, seq)
	default:
		amount := (5 + rand.Intn(200)) * 100
		return fmt.Sprintf("<notification><event>deposit</event><amount>%d</amount><currency>JPY</currency><seq>%d</seq></notification>", amount, seq)
	}
}

// terminalSim answers the middleware's one-shot line protocol the way a POS
// terminal does: read one JSON line, answer one JSON line, close.
type terminalSim struct {
	logger    *goeen_log.Logger
	addr      string
	ngEvery   int
	ln        net.Listener
	requests  int64
	stopChan  chan struct{}
	stopped   bool
	stopMutex sync.Mutex
}

func newTerminalSim(logger *goeen_log.Logger, addr string, ngEvery int) *terminalSim {
	return &terminalSim{
		logger:   logger,
		addr:     addr,
		ngEvery:  ngEvery,
		stopChan: make(chan struct{}),
	}
}

func (t *terminalSim) Start() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.ln = ln
	t.logger.Infof("POS terminal listening on %s", ln.Addr())
	go t.acceptLoop()
	return nil
}

func (t *terminalSim) acceptLoop() {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Errorf("POS terminal accept failed: %v", err)
			}
			return
		}
		go t.handleConn(conn)
	}
}

func (t *terminalSim) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.logger.Warningf("POS terminal dropped a connection: %v", err)
		return
	}

	var req pos.Request
	if err := json.Unmarshal(line, &req); err != nil {
		t.logger.Warningf("POS terminal received an unreadable frame: %v", err)
		reply, _ := json.Marshal(pos.Reply{Result: pos.ResultNG, Error: "unreadable frame"})
		_, _ = conn.Write(append(reply, '\n'))
		return
	}

	n := atomic.AddInt64(&t.requests, 1)
	out := pos.Reply{Result: pos.ResultOK}
	if t.ngEvery > 0 && n%int64(t.ngEvery) == 0 {
		out = pos.Reply{Result: pos.ResultNG, Error: "printer out of paper"}
	}

	reply, _ := json.Marshal(out)
	if _, err := conn.Write(append(reply, '\n')); err != nil {
		t.logger.Warningf("POS terminal reply write failed: %v", err)
		return
	}
	t.logger.Infof("POS terminal answered %s for %s seq=%d (request %d)", out.Result, req.Type, req.Seq, n)
}

// Stop closes the listener and refuses further connections.
func (t *terminalSim) Stop() {
	t.stopMutex.Lock()
	defer t.stopMutex.Unlock()

	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopChan)
	if t.ln != nil {
		_ = t.ln.Close()
	}
}

// Stop ends the feed; safe to call more than once.
func (f *controllerFeed) Stop() {
	f.stopMutex.Lock()
	defer f.stopMutex.Unlock()

	if f.stopped {
		return
	}
	f.stopped = true
	close(f.stopChan)
}
