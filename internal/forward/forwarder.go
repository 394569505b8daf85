// Package forward relays framed controller documents to the upstream
// collector.
package forward

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	goeen_log "github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/frame"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/metrics"
)

const defaultTimeout = 10 * time.Second

// Forwarder delivers each document upstream with a single HTTP POST. A
// document is attempted at most once; the controller owns retransmission.
type Forwarder struct {
	url    string
	client *http.Client
	logger *goeen_log.Logger
}

// NewForwarder builds a forwarder for the given relay URL. An empty URL
// disables relaying.
func NewForwarder(url string, timeout time.Duration, logger *goeen_log.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Forwarder{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enabled reports whether a relay URL is configured.
func (f *Forwarder) Enabled() bool {
	return f.url != ""
}

// Forward posts the document's raw XML upstream and reports any transport
// or status failure. The caller decides whether to keep reading.
func (f *Forwarder) Forward(doc frame.Document) error {
	if !f.Enabled() {
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, f.url, bytes.NewReader(doc.Raw))
	if err != nil {
		return fmt.Errorf("failed to build relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Document-Root", doc.Root)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.ForwardFailures.Inc()
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ForwardFailures.Inc()
		return fmt.Errorf("relay returned status %d for %s document", resp.StatusCode, doc.Root)
	}

	f.logger.Debugf("Forwarded %s document (%d bytes)", doc.Root, len(doc.Raw))
	return nil
}
