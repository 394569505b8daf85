// Package listener terminates the controller's TCP link and turns its byte
// stream into framed documents.
package listener

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/frame"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
)

const (
	DefaultMaxBuffer  = 1 << 20
	DefaultStaleAfter = 5 * time.Minute

	readPollInterval = time.Second
)

// Handler consumes one framed document. A handler error drops that
// document only; the connection keeps reading.
type Handler func(doc frame.Document) error

// Auditor records every framed document before it is handed downstream.
type Auditor interface {
	Log(source, root string, document []byte) error
}

// Listener accepts controller connections and reassembles the closing-tag
// delimited XML documents each one streams.
type Listener struct {
	addr       string
	handler    Handler
	audit      Auditor
	logger     *goeen_log.Logger
	maxBuffer  int
	staleAfter time.Duration

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	errMu   sync.Mutex
	lastErr error
}

// NewListener builds a listener bound to addr. Zero maxBuffer and
// staleAfter take the defaults; audit may be nil.
func NewListener(addr string, handler Handler, audit Auditor, maxBuffer int, staleAfter time.Duration, logger *goeen_log.Logger) *Listener {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		addr:       addr,
		handler:    handler,
		audit:      audit,
		logger:     logger,
		maxBuffer:  maxBuffer,
		staleAfter: staleAfter,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the port and begins accepting connections.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}
	l.ln = ln
	l.logger.Infof("Controller listener started on %s", ln.Addr())

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Err returns the accept error that stopped the listener, if any.
func (l *Listener) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.lastErr
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
			default:
				l.errMu.Lock()
				l.lastErr = err
				l.errMu.Unlock()
				l.logger.Errorf("Controller listener stopped accepting: %v", err)
			}
			return
		}

		metrics.ControllerConnections.Inc()
		l.logger.Infof("Controller connected from %s", conn.RemoteAddr())

		l.track(conn)
		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.wg.Done()
	defer l.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	lastData := time.Now()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			lastData = time.Now()
			buf = l.drain(remote, buf)
			if len(buf) > l.maxBuffer {
				l.discard(remote, buf, "overflow")
				buf = buf[:0]
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// The deadline doubles as the staleness check interval.
				if len(buf) > 0 && time.Since(lastData) > l.staleAfter {
					l.discard(remote, buf, "stale")
					buf = buf[:0]
					lastData = time.Now()
				}
				continue
			}
			if err != io.EOF {
				l.logger.Warningf("Controller connection from %s dropped: %v", remote, err)
			} else {
				l.logger.Infof("Controller from %s disconnected", remote)
			}
			return
		}
	}
}

// drain extracts every complete document currently in buf and returns the
// remainder. A handler failure consumes the document anyway; raw bytes are
// never replayed downstream.
func (l *Listener) drain(remote string, buf []byte) []byte {
	for {
		doc, consumed, ok := frame.ExtractDocument(buf)
		if !ok {
			return buf
		}
		buf = append(buf[:0], buf[consumed:]...)

		metrics.ControllerDocuments.WithLabelValues(doc.Root).Inc()
		if l.audit != nil {
			if err := l.audit.Log(remote, doc.Root, doc.Raw); err != nil {
				l.logger.Warningf("Failed to audit %s document from %s: %v", doc.Root, remote, err)
			}
		}
		if err := l.handler(doc); err != nil {
			l.logger.Warningf("Dropped %s document from %s: %v", doc.Root, remote, err)
		}
	}
}

func (l *Listener) discard(remote string, buf []byte, reason string) {
	metrics.BufferDiscards.WithLabelValues(reason).Inc()
	l.logger.Warningf("Discarding %d buffered controller bytes from %s (%s)", len(buf), remote, reason)
}

func (l *Listener) track(conn net.Conn) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conns[conn] = struct{}{}
}

func (l *Listener) untrack(conn net.Conn) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	delete(l.conns, conn)
}

// Stop closes the listener and every live connection, then waits for the
// connection handlers up to ctx's deadline.
func (l *Listener) Stop(ctx context.Context) error {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}

	l.connMu.Lock()
	for conn := range l.conns {
		conn.Close()
	}
	l.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Controller listener stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("controller listener shutdown timed out: %w", ctx.Err())
	}
}
