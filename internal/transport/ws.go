package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/citaflow/wagate/internal/creds"
)

// sendTimeout bounds how long a Send waits for the upstream ack when
// the caller's context has no earlier deadline.
const sendTimeout = 30 * time.Second

// frame is the newline-JSON message exchanged with the bridge daemon.
// Exactly one shape per Type; unused fields stay empty.
type frame struct {
	Type      string          `json:"type"`
	ID        int64           `json:"id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Account   *AccountMeta    `json:"account,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Creds     json.RawMessage `json:"creds,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Message   *Message        `json:"message,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ack pairs an upstream send result with its pending channel.
type ack struct {
	ok  bool
	err string
}

// WSDialer opens websocket connections to the bridge daemon. One
// dialer is shared by every session; each Dial yields an independent
// Conn.
type WSDialer struct {
	// BaseURL is the bridge base URL (http or https scheme).
	BaseURL string
	// Token is presented as a bearer credential on dial.
	Token string
	// DialTimeout bounds the socket dial plus the init exchange.
	// Zero means 20 seconds.
	DialTimeout time.Duration
	// Logger for connection diagnostics. slog.Default() if nil.
	Logger *slog.Logger
}

// Dial opens the tenant's connection, presenting stored credentials so
// a previously paired tenant resumes without a new pairing code.
func (d *WSDialer) Dial(ctx context.Context, tenantID string, credentials Credentials) (Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant", tenantID)

	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path, err = url.JoinPath(u.Path, "ws", "tenants", tenantID)
	if err != nil {
		return nil, fmt.Errorf("build bridge URL: %w", err)
	}

	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	sock, _, err := dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	// Present stored credentials so the upstream resumes the pairing.
	// ErrNoCredentials means a fresh pairing: send a null payload and
	// expect pairing_code events.
	var stored json.RawMessage
	if credentials != nil {
		data, err := credentials.Load()
		switch {
		case err == nil:
			stored = data
		case errors.Is(err, creds.ErrNoCredentials):
			// fresh pairing
		default:
			sock.Close()
			return nil, fmt.Errorf("load credentials: %w", err)
		}
	}

	init := frame{Type: "init", Creds: stored}
	sock.SetWriteDeadline(time.Now().Add(timeout))
	if err := sock.WriteJSON(init); err != nil {
		sock.Close()
		return nil, fmt.Errorf("send init: %w", err)
	}
	sock.SetWriteDeadline(time.Time{})

	c := &wsConn{
		sock:    sock,
		logger:  logger,
		events:  make(chan Event, 32),
		pending: make(map[int64]chan ack),
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	logger.Debug("bridge connection established", "url", u.String())
	return c, nil
}

// wsConn is one live websocket connection to the bridge.
type wsConn struct {
	sock   *websocket.Conn
	logger *slog.Logger

	events chan Event

	nextID  atomic.Int64
	mu      sync.Mutex // protects pending + socket writes
	pending map[int64]chan ack

	closeOnce sync.Once
	closed    chan struct{}

	// sawClosed records that the upstream already delivered a closed
	// frame, so a subsequent read error is not reported a second time.
	sawClosed atomic.Bool
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

// Send writes a send frame and waits for the correlated ack.
func (c *wsConn) Send(ctx context.Context, recipient string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sendTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan ack, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return ErrConnClosed
	default:
	}
	c.pending[id] = ch
	err := c.sock.WriteJSON(frame{
		Type:      "send",
		ID:        id,
		Recipient: recipient,
		Message:   &msg,
	})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("write send frame: %w", err)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return ErrConnClosed
	case a := <-ch:
		if a.ok {
			return nil
		}
		if a.err == "buttons_unsupported" {
			return ErrButtonsRejected
		}
		return fmt.Errorf("upstream rejected send: %s", a.err)
	}
}

// Close tears down the socket. The readLoop notices and finishes the
// event stream. Idempotent.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.sock.Close()
	})
	return err
}

// readLoop routes incoming frames until the socket dies, then fails all
// pending sends and finishes the event stream. A read error without a
// prior closed frame is surfaced as a connection_lost close so the
// session always observes a terminal event.
func (c *wsConn) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			ch <- ack{ok: false, err: "connection closed"}
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	}()

	for {
		var f frame
		if err := c.sock.ReadJSON(&f); err != nil {
			select {
			case <-c.closed:
				// Local Close; no synthetic event.
				return
			default:
			}
			if !c.sawClosed.Load() {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Warn("bridge read error", "error", err)
				}
				c.emit(Event{Kind: KindClosed, Reason: ReasonConnectionLost})
			}
			return
		}

		switch f.Type {
		case "pairing_code":
			c.emit(Event{Kind: KindPairingCode, PairingCode: f.Code})

		case "open":
			var meta AccountMeta
			if f.Account != nil {
				meta = *f.Account
			}
			c.emit(Event{Kind: KindOpened, Meta: meta})

		case "closed":
			c.sawClosed.Store(true)
			c.emit(Event{Kind: KindClosed, Reason: CloseReason(f.Reason)})

		case "creds":
			c.emit(Event{Kind: KindCredsUpdate, Creds: append([]byte(nil), f.Creds...)})

		case "ack":
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- ack{ok: f.OK, err: f.Error}
			} else {
				c.logger.Debug("bridge ack for unknown id", "id", f.ID)
			}

		default:
			c.logger.Debug("bridge unknown frame type", "type", f.Type)
		}
	}
}

// emit delivers a lifecycle event, giving up if the connection was
// closed locally while the consumer stopped reading.
func (c *wsConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closed:
	}
}
