// Package report delivers failure telemetry to an external HTTP sink.
//
// Delivery is strictly best-effort: Report returns immediately, retries
// happen in a background goroutine, and exhausted retries are logged
// and forgotten. A Reporter with no sink configured is a no-op, as is a
// nil *Reporter, so call sites need no guards.
package report

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citaflow/wagate/internal/httpkit"
)

// maxAttempts is the delivery retry budget per event.
const maxAttempts = 3

// defaultBaseDelay is the wait before the second attempt; it doubles
// for each subsequent one.
const defaultBaseDelay = 500 * time.Millisecond

// Event is the JSON payload posted to the sink.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Tenant    string         `json:"tenant"`
	Kind      string         `json:"kind"`
	Error     string         `json:"error"`
	Context   map[string]any `json:"context,omitempty"`
}

// Reporter posts failure events to a configured sink.
type Reporter struct {
	url       string
	token     string
	client    *http.Client
	logger    *slog.Logger
	baseDelay time.Duration
	wg        sync.WaitGroup
}

// Option tunes a Reporter.
type Option func(*Reporter)

// WithBaseDelay overrides the first retry delay. Tests use this to keep
// the backoff schedule fast.
func WithBaseDelay(d time.Duration) Option {
	return func(r *Reporter) { r.baseDelay = d }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Reporter) { r.client = c }
}

// New creates a Reporter posting to url with a bearer token. An empty
// url disables the reporter entirely.
func New(url, token string, logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		url:   url,
		token: token,
		// Dial-level retry sits underneath the payload retry loop, so a
		// transient connect failure does not burn a delivery attempt.
		client: httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, 200*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		logger:    logger,
		baseDelay: defaultBaseDelay,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report queues one failure event for delivery and returns immediately.
// Safe on a nil receiver and when no sink is configured (no-op).
func (r *Reporter) Report(tenant, kind string, reportErr error, context map[string]any) {
	if r == nil || r.url == "" {
		return
	}

	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Tenant:    tenant,
		Kind:      kind,
		Context:   context,
	}
	if reportErr != nil {
		ev.Error = reportErr.Error()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(ev)
	}()
}

// Flush blocks until every queued event has finished its delivery
// attempts. Used on shutdown and in tests.
func (r *Reporter) Flush() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

// deliver posts ev with bounded retries and exponential backoff.
// Failure to deliver after all attempts is logged only.
func (r *Reporter) deliver(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("telemetry event marshal failed", "error", err)
		return
	}

	delay := r.baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if r.post(body) {
			return
		}
		if attempt < maxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}

	r.logger.Warn("telemetry delivery failed, giving up",
		"tenant", ev.Tenant,
		"kind", ev.Kind,
		"attempts", maxAttempts,
	)
}

// post performs one delivery attempt. Any 2xx status counts as success.
func (r *Reporter) post(body []byte) bool {
	req, err := http.NewRequest(http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		r.logger.Error("telemetry request build failed", "error", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("telemetry post failed", "error", err)
		return false
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("telemetry sink rejected event",
			"status", resp.StatusCode,
			"body", httpkit.ReadErrorBody(resp.Body, 512),
		)
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return true
}
