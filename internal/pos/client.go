// Package pos implements the outbound line-protocol link to POS terminals:
// one JSON frame out, one reply back, one TCP connection per exchange.
package pos

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/frame"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/settings"
)

// Result values a terminal can answer with.
const (
	ResultOK = "OK"
	ResultNG = "NG"
)

// Request is the envelope written to a terminal as a single line frame.
type Request struct {
	Type     string      `json:"type"`
	Seq      int64       `json:"seq"`
	Terminal string      `json:"terminal"`
	Data     interface{} `json:"data,omitempty"`
}

// Reply is the single line frame a terminal answers with.
type Reply struct {
	Result string      `json:"result"`
	Error  string      `json:"error,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// OK reports whether the terminal accepted the request.
func (r *Reply) OK() bool {
	return r.Result == ResultOK
}

// OfflineError marks a transport-level failure toward a POS terminal: the
// connect, write, or read failed or timed out. A reply that arrives with
// result NG is an application-level rejection, never an OfflineError.
type OfflineError struct {
	Terminal string
	Addr     string
	Err      error
}

func (e *OfflineError) Error() string {
	return fmt.Sprintf("terminal %s offline (%s): %v", e.Terminal, e.Addr, e.Err)
}

func (e *OfflineError) Unwrap() error { return e.Err }

// IsOffline reports whether err is, or wraps, a transport failure toward POS.
func IsOffline(err error) bool {
	var offline *OfflineError
	return errors.As(err, &offline)
}

// Resolver maps a terminal name to its current dial target.
type Resolver interface {
	Resolve(name string) (settings.Endpoint, error)
}

// Client performs one request/one reply exchanges with POS terminals.
type Client struct {
	resolver Resolver
	logger   *goeen_log.Logger
}

func NewClient(resolver Resolver, logger *goeen_log.Logger) *Client {
	return &Client{
		resolver: resolver,
		logger:   logger,
	}
}

// Send resolves the terminal, dials it, writes the request and reads exactly
// one reply line. Resolution failures pass through untouched so callers can
// tell a missing registry entry from an unreachable terminal.
func (c *Client) Send(req Request) (*Reply, error) {
	ep, err := c.resolver.Resolve(req.Terminal)
	if err != nil {
		return nil, err
	}
	return c.sendTo(ep, req)
}

func (c *Client) sendTo(ep settings.Endpoint, req Request) (*Reply, error) {
	line, err := frame.EncodeLine(req)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", ep.Addr, ep.ConnectTimeout)
	if err != nil {
		return nil, &OfflineError{Terminal: ep.Terminal, Addr: ep.Addr, Err: err}
	}
	defer func() { _ = conn.Close() }()

	// The whole exchange must finish inside the read timeout.
	if err := conn.SetDeadline(time.Now().Add(ep.ReadTimeout)); err != nil {
		return nil, &OfflineError{Terminal: ep.Terminal, Addr: ep.Addr, Err: err}
	}

	if _, err := conn.Write(line); err != nil {
		return nil, &OfflineError{Terminal: ep.Terminal, Addr: ep.Addr, Err: err}
	}

	raw, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, &OfflineError{Terminal: ep.Terminal, Addr: ep.Addr, Err: err}
	}

	var reply Reply
	if err := frame.DecodeLine(raw, &reply); err != nil {
		return nil, fmt.Errorf("terminal %s sent an unreadable reply: %w", ep.Terminal, err)
	}

	c.logger.Debugf("Terminal %s answered %s for %s seq=%d", ep.Terminal, reply.Result, req.Type, req.Seq)
	return &reply, nil
}
