// Package transport defines the wire-protocol connection contract the
// session layer consumes, plus the production websocket implementation
// that speaks to the bridge daemon.
//
// A Conn delivers lifecycle events in the order the upstream emitted
// them; the session layer relies on that ordering for its state
// machine. Sends are request/response correlated over the same socket.
package transport

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by Conn implementations.
var (
	// ErrButtonsRejected indicates the upstream refused a structured
	// button send. Callers fall back to plain text.
	ErrButtonsRejected = errors.New("transport: structured buttons rejected")

	// ErrConnClosed indicates the connection is gone; no further sends
	// will succeed on this Conn.
	ErrConnClosed = errors.New("transport: connection closed")
)

// CloseReason is the upstream's stated cause for dropping a connection.
type CloseReason string

// Close reasons emitted by the bridge.
const (
	ReasonLoggedOut          CloseReason = "logged_out"
	ReasonConnectionLost     CloseReason = "connection_lost"
	ReasonConnectionClosed   CloseReason = "connection_closed"
	ReasonRestartRequired    CloseReason = "restart_required"
	ReasonServiceUnavailable CloseReason = "service_unavailable"
	ReasonTimedOut           CloseReason = "timed_out"
)

// recoverable is the fixed allow-list of close reasons worth an
// automatic reconnection attempt. Everything else either terminates the
// session (logged_out) or waits for operator intervention.
var recoverable = map[CloseReason]bool{
	ReasonConnectionLost:     true,
	ReasonConnectionClosed:   true,
	ReasonRestartRequired:    true,
	ReasonServiceUnavailable: true,
	ReasonTimedOut:           true,
}

// Recoverable reports whether r warrants an automatic reconnection.
func Recoverable(r CloseReason) bool {
	return recoverable[r]
}

// EventKind tags a connection lifecycle event.
type EventKind string

// Lifecycle event kinds, in rough connection order.
const (
	KindPairingCode EventKind = "pairing_code"
	KindOpened      EventKind = "opened"
	KindClosed      EventKind = "closed"
	KindCredsUpdate EventKind = "creds_update"
)

// AccountMeta describes the authenticated account, delivered with the
// opened event.
type AccountMeta struct {
	JID      string `json:"jid"`
	PushName string `json:"push_name"`
	Platform string `json:"platform"`
	Business bool   `json:"business"`
}

// BusinessCapable reports whether the account supports structured
// interactive actions in outbound messages.
func (m AccountMeta) BusinessCapable() bool {
	return m.Business || m.Platform == "smb"
}

// Event is one lifecycle notification from the upstream. Exactly one
// payload field is meaningful, selected by Kind.
type Event struct {
	Kind        EventKind
	PairingCode string      // KindPairingCode
	Meta        AccountMeta // KindOpened
	Reason      CloseReason // KindClosed
	Creds       []byte      // KindCredsUpdate
}

// Button is one interactive action attached to an outbound message.
type Button struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Message is an outbound send. Buttons empty means plain text.
type Message struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Credentials abstracts the per-tenant credential handle the dialer
// needs. Satisfied by *creds.Handle.
type Credentials interface {
	// Load returns the persisted pairing credentials, or an error when
	// none exist yet (fresh pairing).
	Load() ([]byte, error)
	// Save atomically replaces the persisted credentials.
	Save(data []byte) error
}

// Conn is one live tenant connection.
type Conn interface {
	// Events returns the lifecycle event stream. The channel is closed
	// after a final KindClosed event once the connection is dead.
	Events() <-chan Event

	// Send delivers an outbound message to a recipient. Returns
	// ErrButtonsRejected when the upstream refuses structured buttons,
	// ErrConnClosed once the connection is down.
	Send(ctx context.Context, recipient string, msg Message) error

	// Close tears the connection down. Idempotent.
	Close() error
}

// Dialer opens tenant connections. The production implementation is
// WSDialer; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, tenantID string, creds Credentials) (Conn, error)
}
