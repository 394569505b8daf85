// Package device talks to the controller-side service that drives physical
// cash operations. The middleware orchestrates and records; the actual
// device conversation happens behind this boundary.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
)

const defaultOpTimeout = 90 * time.Second

// Runner executes one device operation and returns its result document.
type Runner interface {
	Run(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error)
}

// Client is the HTTP implementation of Runner.
type Client struct {
	opsURL string
	client *http.Client
	logger *goeen_log.Logger
}

func NewClient(opsURL string, timeout time.Duration, logger *goeen_log.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Client{
		opsURL: opsURL,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type opRequest struct {
	Action   string          `json:"action"`
	Terminal string          `json:"terminal"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Run posts the operation and returns the responder's body on success.
// Device operations are slow by nature (counting drawers, printing), so the
// generous client timeout is the only bound besides ctx.
func (c *Client) Run(ctx context.Context, action, terminal string, payload json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(opRequest{Action: action, Terminal: terminal, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to encode device operation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opsURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build device request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device operation %s failed: %w", action, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("device operation %s response unreadable: %w", action, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := string(out)
		if len(detail) > 200 {
			detail = detail[:200]
		}
		return nil, fmt.Errorf("device operation %s returned %d: %s", action, resp.StatusCode, detail)
	}

	c.logger.Infof("Device operation %s for %s finished in %v", action, terminal, time.Since(start).Round(time.Millisecond))
	return out, nil
}
