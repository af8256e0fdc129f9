package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/citaflow/wagate/internal/creds"
	"github.com/citaflow/wagate/internal/events"
	"github.com/citaflow/wagate/internal/msglog"
	"github.com/citaflow/wagate/internal/qr"
	"github.com/citaflow/wagate/internal/report"
	"github.com/citaflow/wagate/internal/transport"
)

// Defaults for the reconnection controller and transport dialing.
const (
	DefaultMaxReconnectAttempts = 2
	DefaultFirstReconnectDelay  = 2 * time.Second
	DefaultNextReconnectDelay   = 5 * time.Second
	DefaultRetryReconnectDelay  = 1 * time.Second
	DefaultDialTimeout          = 20 * time.Second
)

// Options configures a Registry. Dialer and Creds are required; the
// rest default sensibly or degrade to no-ops when nil.
type Options struct {
	Dialer   transport.Dialer
	Creds    *creds.Store
	Renderer Renderer
	Reporter *report.Reporter
	Bus      *events.Bus
	// Deliveries, when set, records every outbound send.
	Deliveries *msglog.Store
	Logger     *slog.Logger

	MaxReconnectAttempts int
	FirstReconnectDelay  time.Duration
	NextReconnectDelay   time.Duration
	RetryReconnectDelay  time.Duration
	DialTimeout          time.Duration
}

// Registry maps normalized tenant ids to live sessions. All lifecycle
// operations (create, close, evict) go through it; sessions never
// outlive their registry entry except during teardown.
type Registry struct {
	dialer     transport.Dialer
	creds      *creds.Store
	renderer   Renderer
	reporter   *report.Reporter
	bus        *events.Bus
	deliveries *msglog.Store
	logger     *slog.Logger

	maxReconnectAttempts int
	firstReconnectDelay  time.Duration
	nextReconnectDelay   time.Duration
	retryReconnectDelay  time.Duration
	dialTimeout          time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry. Panics when Dialer or Creds is
// missing; those are programming errors, not runtime conditions.
func NewRegistry(opts Options) *Registry {
	if opts.Dialer == nil {
		panic("session: Options.Dialer is required")
	}
	if opts.Creds == nil {
		panic("session: Options.Creds is required")
	}
	if opts.Renderer == nil {
		opts.Renderer = qr.Renderer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.FirstReconnectDelay <= 0 {
		opts.FirstReconnectDelay = DefaultFirstReconnectDelay
	}
	if opts.NextReconnectDelay <= 0 {
		opts.NextReconnectDelay = DefaultNextReconnectDelay
	}
	if opts.RetryReconnectDelay <= 0 {
		opts.RetryReconnectDelay = DefaultRetryReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}

	return &Registry{
		dialer:               opts.Dialer,
		creds:                opts.Creds,
		renderer:             opts.Renderer,
		reporter:             opts.Reporter,
		bus:                  opts.Bus,
		deliveries:           opts.Deliveries,
		logger:               opts.Logger,
		maxReconnectAttempts: opts.MaxReconnectAttempts,
		firstReconnectDelay:  opts.FirstReconnectDelay,
		nextReconnectDelay:   opts.NextReconnectDelay,
		retryReconnectDelay:  opts.RetryReconnectDelay,
		dialTimeout:          opts.DialTimeout,
	}
}

// Normalize reduces a raw tenant identifier to its digits. Phone-style
// ids in any decoration ("+54 9 11 1234-5678", "549...@s.whatsapp.net")
// collapse to the same canonical key.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", ErrInvalidTenant
	}
	return b.String(), nil
}

// GetOrCreate returns the live session for the tenant, creating and
// connecting one if none exists. Concurrent callers for the same new
// tenant observe exactly one session: the entry is inserted under the
// registry lock before the transport dial, and a failed dial removes
// it again.
func (r *Registry) GetOrCreate(ctx context.Context, rawTenant string) (*Session, error) {
	id, err := Normalize(rawTenant)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	s, err := newSession(r, id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.sessions == nil {
		r.sessions = make(map[string]*Session)
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if err := s.connect(ctx); err != nil {
		r.mu.Lock()
		if cur, ok := r.sessions[id]; ok && cur == s {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		s.Shutdown()
		return nil, fmt.Errorf("initialize session for %s: %w", id, err)
	}

	r.logger.Info("session created", "tenant", id)
	return s, nil
}

// Get returns the live session for the tenant, or nil when none exists.
func (r *Registry) Get(rawTenant string) *Session {
	id, err := Normalize(rawTenant)
	if err != nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// ListAll snapshots every live session's observable state.
func (r *Registry) ListAll() []Snapshot {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.GetState())
	}
	return out
}

// Close disconnects the tenant's session and removes it from the
// registry, keeping stored credentials so a later GetOrCreate resumes
// without re-pairing. No-op when the tenant has no session.
func (r *Registry) Close(rawTenant string) error {
	id, err := Normalize(rawTenant)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	s.Shutdown()
	r.logger.Info("session closed", "tenant", id)
	return nil
}

// RemoveCompletely closes the tenant's session (if any) and deletes its
// stored credentials. The next GetOrCreate starts a fresh pairing.
func (r *Registry) RemoveCompletely(rawTenant string) error {
	id, err := Normalize(rawTenant)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if ok {
		s.Shutdown()
	}
	if err := r.creds.Delete(id); err != nil {
		return fmt.Errorf("delete credentials for %s: %w", id, err)
	}

	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRegistry,
		Kind:      events.KindEvicted,
		Data:      map[string]any{"tenant": id},
	})
	r.logger.Info("session evicted", "tenant", id)
	return nil
}

// CloseAll disconnects every session concurrently and waits for all of
// them. Credentials are preserved. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.sessions = nil
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Shutdown()
		}(s)
	}
	wg.Wait()

	if len(live) > 0 {
		r.logger.Info("all sessions closed", "count", len(live))
	}
}

// LoadExisting starts a session for every tenant with stored
// credentials. Individual failures are logged and skipped so one bad
// tenant cannot block the rest from coming up.
func (r *Registry) LoadExisting(ctx context.Context) error {
	ids, err := r.creds.List()
	if err != nil {
		return fmt.Errorf("list stored credentials: %w", err)
	}

	for _, id := range ids {
		if _, err := r.GetOrCreate(ctx, id); err != nil {
			r.logger.Warn("stored session not restored", "tenant", id, "error", err)
			continue
		}
	}

	r.logger.Info("stored sessions restored", "found", len(ids))
	return nil
}
