// Package session owns the per-tenant connection lifecycle: the state
// machine driven by transport events, the bounded reconnection
// controller, the demand-driven pairing-code cache, and the registry
// mapping tenants to live sessions.
//
// Each session processes its transport events on a single goroutine,
// preserving upstream ordering per tenant while tenants proceed
// independently of one another.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/citaflow/wagate/internal/creds"
	"github.com/citaflow/wagate/internal/events"
	"github.com/citaflow/wagate/internal/msglog"
	"github.com/citaflow/wagate/internal/template"
	"github.com/citaflow/wagate/internal/transport"
)

// State labels one tenant's connection lifecycle position.
type State string

// Session states. LoggedOut and Failed are terminal: LoggedOut evicts
// the tenant entirely, Failed waits for an operator close+recreate.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateQRReady      State = "qr_ready"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateLoggedOut    State = "logged_out"
	StateFailed       State = "failed"
)

// Errors surfaced to the command surface.
var (
	// ErrInvalidTenant rejects tenant ids that normalize to nothing.
	ErrInvalidTenant = errors.New("session: tenant id must contain at least one digit")

	// ErrNotConnected rejects sends while the transport link is down.
	ErrNotConnected = errors.New("session: not connected")

	// ErrClosed rejects operations on a session that has been shut down.
	ErrClosed = errors.New("session: session closed")

	// ErrAlreadyPaired rejects pairing-code requests on a connected
	// session; there is nothing left to pair.
	ErrAlreadyPaired = errors.New("session: already connected, no pairing required")
)

// Renderer turns a raw pairing code into its displayable form.
// Implementations must be safe for concurrent use.
type Renderer interface {
	Render(raw string) string
}

// Snapshot is a point-in-time projection of a session's observable
// state, safe to serialize.
type Snapshot struct {
	TenantID          string `json:"tenant_id"`
	Connected         bool   `json:"connected"`
	State             State  `json:"state"`
	PairingCode       string `json:"pairing_code,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Reconnecting      bool   `json:"reconnecting"`
	Business          bool   `json:"business"`
}

// envelope carries one unit of work into the session's run loop:
// either a transport event tagged with its connection generation, or an
// internal function (reconnect timer firings).
type envelope struct {
	gen int
	ev  transport.Event
	fn  func()
}

// Session manages one tenant's connection. Created and owned
// exclusively by the Registry.
type Session struct {
	tenantID string
	reg      *Registry
	logger   *slog.Logger

	inbox    chan envelope
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}

	mu                sync.Mutex
	state             State
	rawCode           string
	renderedCode      string
	pendingRender     bool
	reconnectAttempts int
	isReconnecting    bool
	business          bool
	closing           bool

	// gen increments every time the current transport connection is
	// replaced or abandoned; events from older connections are stale
	// and ignored.
	gen            int
	conn           transport.Conn
	handle         *creds.Handle
	reconnectTimer *time.Timer
}

// newSession builds a session with its credential handle open and its
// run loop started. The transport is not yet connected.
func newSession(reg *Registry, tenantID string) (*Session, error) {
	handle, err := reg.creds.Open(tenantID)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	s := &Session{
		tenantID: tenantID,
		reg:      reg,
		logger:   reg.logger.With("tenant", tenantID),
		inbox:    make(chan envelope, 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateDisconnected,
		handle:   handle,
	}
	go s.run()
	return s, nil
}

// TenantID returns the normalized tenant identifier.
func (s *Session) TenantID() string {
	return s.tenantID
}

// GetState returns a snapshot of the session's observable state.
func (s *Session) GetState() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TenantID:          s.tenantID,
		Connected:         s.state == StateConnected,
		State:             s.state,
		PairingCode:       s.renderedCode,
		ReconnectAttempts: s.reconnectAttempts,
		Reconnecting:      s.isReconnecting,
		Business:          s.business,
	}
}

// RequestPairingCode returns the rendered pairing code when one is
// available. When no raw code has arrived yet, the request is recorded
// and an empty string returned; the code renders the moment the
// transport emits one. A repeated request for an unchanged raw code is
// served from the rendered cache without re-rendering.
func (s *Session) RequestPairingCode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return "", ErrClosed
	}
	if s.state == StateConnected {
		return "", ErrAlreadyPaired
	}

	if s.rawCode != "" {
		if s.renderedCode == "" {
			s.renderPairingCodeLocked()
		}
		return s.renderedCode, nil
	}

	s.pendingRender = true
	return "", nil
}

// SendMessage delivers plain text to a recipient. Rejected immediately
// when the session is not connected; delivery failures are returned to
// the caller and reported asynchronously.
func (s *Session) SendMessage(ctx context.Context, to, content string) error {
	conn, err := s.connForSend()
	if err != nil {
		s.reg.reporter.Report(s.tenantID, "send_failure", err, map[string]any{
			"recipient": to,
		})
		return err
	}

	if err := conn.Send(ctx, to, transport.Message{Text: content}); err != nil {
		s.recordDelivery(to, "message", false, msglog.StatusFailed, err.Error())
		s.publishSendFailed(to, err)
		s.reg.reporter.Report(s.tenantID, "send_failure", err, map[string]any{
			"recipient": to,
		})
		return err
	}

	s.recordDelivery(to, "message", false, msglog.StatusSent, "")
	s.publishSent(to, "message", false)
	return nil
}

// SendTemplate generates the notification payload for req and delivers
// it. Business-capable sessions attempt the buttoned form first; an
// upstream button rejection falls back to the plain-text rendering of
// the same data, and only the fallback's failure propagates.
func (s *Session) SendTemplate(ctx context.Context, to string, req template.Request) error {
	s.mu.Lock()
	business := s.business
	s.mu.Unlock()

	payload, err := template.Generate(req, business)
	if err != nil {
		return err
	}

	conn, err := s.connForSend()
	if err != nil {
		s.reg.reporter.Report(s.tenantID, "send_failure", err, map[string]any{
			"recipient": to,
			"kind":      string(req.Kind),
		})
		return err
	}

	msg, buttoned := toTransportMessage(payload)
	err = conn.Send(ctx, to, msg)

	if err != nil && buttoned && errors.Is(err, transport.ErrButtonsRejected) {
		s.logger.Info("buttoned send rejected, retrying as plain text",
			"recipient", to,
			"kind", req.Kind,
		)
		plain, genErr := template.Generate(req, false)
		if genErr != nil {
			return genErr
		}
		msg, _ = toTransportMessage(plain)
		if err = conn.Send(ctx, to, msg); err == nil {
			s.recordDelivery(to, string(req.Kind), true, msglog.StatusFallback, "")
			s.publishSent(to, string(req.Kind), true)
			return nil
		}
	}

	if err != nil {
		s.recordDelivery(to, string(req.Kind), buttoned, msglog.StatusFailed, err.Error())
		s.publishSendFailed(to, err)
		s.reg.reporter.Report(s.tenantID, "send_failure", err, map[string]any{
			"recipient": to,
			"kind":      string(req.Kind),
		})
		return err
	}

	s.recordDelivery(to, string(req.Kind), buttoned, msglog.StatusSent, "")
	s.publishSent(to, string(req.Kind), false)
	return nil
}

// Shutdown closes the transport connection, cancels any pending
// reconnection, stops the run loop, and waits for it to exit. The
// credential store is left intact. Idempotent.
func (s *Session) Shutdown() {
	s.mu.Lock()
	s.closing = true
	s.cancelReconnectTimerLocked()
	s.isReconnecting = false
	conn := s.dropConnLocked()
	if s.state != StateLoggedOut && s.state != StateFailed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done
}

// connect performs the initial transport dial. Called by the registry
// after the session is visible in the mapping.
func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, s.reg.dialTimeout)
	defer cancel()
	conn, err := s.reg.dialer.Dial(dialCtx, s.tenantID, s.handle)
	if err != nil {
		return fmt.Errorf("dial transport: %w", err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.adoptConnLocked(conn)
	s.mu.Unlock()
	return nil
}

// run is the session's single consumer loop. Transport events and
// timer firings are processed strictly in arrival order.
func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case env := <-s.inbox:
			if env.fn != nil {
				env.fn()
				continue
			}
			s.handleTransportEvent(env.gen, env.ev)
		}
	}
}

// forward pumps one connection's events into the inbox until the
// connection's stream ends or the session quits.
func (s *Session) forward(gen int, conn transport.Conn) {
	for ev := range conn.Events() {
		select {
		case s.inbox <- envelope{gen: gen, ev: ev}:
		case <-s.quit:
			return
		}
	}
}

// post queues an internal action for the run loop.
func (s *Session) post(fn func()) {
	select {
	case s.inbox <- envelope{fn: fn}:
	case <-s.quit:
	}
}

// handleTransportEvent applies one upstream event to the state machine.
// Events from a superseded connection generation are stale and dropped.
func (s *Session) handleTransportEvent(gen int, ev transport.Event) {
	s.mu.Lock()
	if s.closing || gen != s.gen {
		s.mu.Unlock()
		return
	}

	switch ev.Kind {
	case transport.KindPairingCode:
		// A replacement code invalidates the rendered cache. When a
		// render was already served there is a live consumer, so the
		// fresh code renders immediately rather than leaving qr_ready
		// with nothing to show.
		rerender := s.renderedCode != ""
		s.rawCode = ev.PairingCode
		s.renderedCode = ""
		s.logger.Debug("pairing code received")
		if s.pendingRender || rerender {
			s.renderPairingCodeLocked()
		}
		s.mu.Unlock()

	case transport.KindOpened:
		s.rawCode = ""
		s.renderedCode = ""
		s.pendingRender = false
		s.reconnectAttempts = 0
		s.isReconnecting = false
		s.cancelReconnectTimerLocked()
		s.business = ev.Meta.BusinessCapable()
		s.setStateLocked(StateConnected)
		s.mu.Unlock()
		s.logger.Info("transport link established",
			"jid", ev.Meta.JID,
			"business", ev.Meta.BusinessCapable(),
		)

	case transport.KindCredsUpdate:
		handle := s.handle
		s.mu.Unlock()
		if err := handle.Save(ev.Creds); err != nil {
			s.logger.Warn("credential update not persisted", "error", err)
		}

	case transport.KindClosed:
		s.handleClosedLocked(ev.Reason)

	default:
		s.mu.Unlock()
		s.logger.Debug("unhandled transport event", "kind", ev.Kind)
	}
}

// handleClosedLocked routes a transport closure by reason. Called with
// the mutex held; releases it.
func (s *Session) handleClosedLocked(reason transport.CloseReason) {
	switch {
	case reason == transport.ReasonLoggedOut:
		s.rawCode = ""
		s.renderedCode = ""
		s.pendingRender = false
		s.reconnectAttempts = 0
		s.isReconnecting = false
		s.cancelReconnectTimerLocked()
		s.closing = true
		conn := s.dropConnLocked()
		s.setStateLocked(StateLoggedOut)
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		s.logger.Info("tenant revoked pairing, evicting")
		// Eviction re-enters the registry and waits for this session's
		// run loop, so it must not run on the loop goroutine.
		go func() {
			if err := s.reg.RemoveCompletely(s.tenantID); err != nil {
				s.logger.Error("eviction after logout failed", "error", err)
			}
		}()

	case transport.Recoverable(reason):
		s.rawCode = ""
		s.renderedCode = ""
		conn := s.dropConnLocked()
		// The reconnect task that produced this connection (if any) is
		// complete; allow the controller to run again.
		s.isReconnecting = false
		s.setStateLocked(StateReconnecting)
		s.scheduleReconnectLocked()
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		s.logger.Warn("transport closed, reconnecting", "reason", reason)

	default:
		s.rawCode = ""
		s.renderedCode = ""
		s.pendingRender = false
		s.cancelReconnectTimerLocked()
		conn := s.dropConnLocked()
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		s.logger.Warn("transport closed with unrecoverable reason", "reason", reason)
		s.reg.reporter.Report(s.tenantID, "unrecoverable_disconnect",
			fmt.Errorf("transport closed: %s", reason), nil)
	}
}

// scheduleReconnectLocked is the reconnection controller entry point.
// Caller holds the mutex.
func (s *Session) scheduleReconnectLocked() {
	if s.isReconnecting {
		return
	}
	if s.reconnectAttempts >= s.reg.maxReconnectAttempts {
		s.failLocked()
		return
	}

	s.reconnectAttempts++
	s.isReconnecting = true
	attempt := s.reconnectAttempts

	delay := s.reg.firstReconnectDelay
	if attempt > 1 {
		delay = s.reg.nextReconnectDelay
	}

	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.post(s.reconnectNow)
	})

	s.reg.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindReconnectScheduled,
		Data: map[string]any{
			"tenant":   s.tenantID,
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
		},
	})
	s.logger.Info("reconnect scheduled",
		"attempt", attempt,
		"max_attempts", s.reg.maxReconnectAttempts,
		"delay", delay.String(),
	)
}

// reconnectNow tears down the previous transport handle and dials
// again. Runs on the session's loop goroutine.
func (s *Session) reconnectNow() {
	s.mu.Lock()
	if s.closing || !s.isReconnecting {
		s.mu.Unlock()
		return
	}
	oldConn := s.dropConnLocked()
	attempt := s.reconnectAttempts
	s.mu.Unlock()

	if oldConn != nil {
		oldConn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.reg.dialTimeout)
	conn, err := s.reg.dialer.Dial(ctx, s.tenantID, s.handle)
	cancel()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		s.isReconnecting = false
		if s.reconnectAttempts >= s.reg.maxReconnectAttempts {
			s.failLocked()
			s.mu.Unlock()
			s.logger.Error("reconnect attempts exhausted",
				"attempts", attempt,
				"error", err,
			)
			s.reg.reporter.Report(s.tenantID, "reconnect_exhausted", err, map[string]any{
				"attempts": attempt,
			})
			return
		}
		// Re-enter the controller after a short fixed delay.
		s.reconnectTimer = time.AfterFunc(s.reg.retryReconnectDelay, func() {
			s.post(func() {
				s.mu.Lock()
				if !s.closing && s.state == StateReconnecting {
					s.scheduleReconnectLocked()
				}
				s.mu.Unlock()
			})
		})
		s.mu.Unlock()
		s.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"error", err,
		)
		return
	}

	// Dial succeeded; the opened event clears isReconnecting and moves
	// the state to connected.
	s.adoptConnLocked(conn)
	s.mu.Unlock()
	s.logger.Debug("reconnect dial succeeded, awaiting open", "attempt", attempt)
}

// failLocked moves the session to the terminal failed state. Caller
// holds the mutex.
func (s *Session) failLocked() {
	s.isReconnecting = false
	s.cancelReconnectTimerLocked()
	s.setStateLocked(StateFailed)
}

// adoptConnLocked installs a new transport connection and starts its
// event forwarder. Caller holds the mutex.
func (s *Session) adoptConnLocked(conn transport.Conn) {
	s.gen++
	s.conn = conn
	go s.forward(s.gen, conn)
}

// dropConnLocked detaches the current connection (if any), bumping the
// generation so its remaining events are ignored. Caller holds the
// mutex; caller closes the returned conn outside the lock.
func (s *Session) dropConnLocked() transport.Conn {
	conn := s.conn
	if conn != nil {
		s.conn = nil
		s.gen++
	}
	return conn
}

// cancelReconnectTimerLocked stops any pending reconnect timer. Caller
// holds the mutex. Unconditional on every terminal transition so a
// stale timer can never mutate a torn-down session.
func (s *Session) cancelReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

// renderPairingCodeLocked renders the cached raw code and moves the
// session to qr_ready. Caller holds the mutex and has checked that a
// raw code is present.
func (s *Session) renderPairingCodeLocked() {
	s.renderedCode = s.reg.renderer.Render(s.rawCode)
	s.pendingRender = false
	s.setStateLocked(StateQRReady)
	s.reg.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindPairingCode,
		Data:      map[string]any{"tenant": s.tenantID},
	})
}

// setStateLocked records a state transition and publishes it. Caller
// holds the mutex.
func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.logger.Debug("state transition", "from", from, "to", to)
	s.reg.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindStateChanged,
		Data: map[string]any{
			"tenant": s.tenantID,
			"from":   string(from),
			"to":     string(to),
		},
	})
}

// connForSend returns the live connection or the appropriate rejection.
func (s *Session) connForSend() (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrClosed
	}
	if s.state != StateConnected || s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// recordDelivery appends to the delivery log, best-effort.
func (s *Session) recordDelivery(to, kind string, buttoned bool, status, detail string) {
	if s.reg.deliveries == nil {
		return
	}
	err := s.reg.deliveries.Record(msglog.Entry{
		Tenant:    s.tenantID,
		Recipient: to,
		Kind:      kind,
		Buttoned:  buttoned,
		Status:    status,
		Detail:    detail,
	})
	if err != nil {
		s.logger.Warn("delivery log write failed", "error", err)
	}
}

func (s *Session) publishSent(to, kind string, fallback bool) {
	s.reg.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindMessageSent,
		Data: map[string]any{
			"tenant":        s.tenantID,
			"recipient":     to,
			"template_kind": kind,
			"fallback":      fallback,
		},
	})
}

func (s *Session) publishSendFailed(to string, err error) {
	s.reg.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindSendFailed,
		Data: map[string]any{
			"tenant":    s.tenantID,
			"recipient": to,
			"error":     err.Error(),
		},
	})
}

// toTransportMessage flattens a template payload into the wire shape,
// reporting whether it carries buttons.
func toTransportMessage(p template.Payload) (transport.Message, bool) {
	switch v := p.(type) {
	case template.ButtonedText:
		msg := transport.Message{Text: v.Body}
		for _, a := range v.Actions {
			msg.Buttons = append(msg.Buttons, transport.Button{
				Index: a.Index,
				Label: a.Label,
				URL:   a.URL,
			})
		}
		return msg, true
	case template.PlainText:
		return transport.Message{Text: v.Body}, false
	default:
		// Unreachable: Payload is a closed variant.
		return transport.Message{}, false
	}
}
