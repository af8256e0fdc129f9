// Package template generates outbound appointment notification payloads.
//
// Generation is a pure transformation from appointment data plus a
// message kind to a payload. No I/O, no clock access beyond the
// reference time handed in, so the engine is trivially testable and
// safe to call from any goroutine.
package template

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects the notification wording.
type Kind string

// Supported message kinds.
const (
	KindConfirmation Kind = "confirmation"
	KindReminder     Kind = "reminder"
	KindUrgent       Kind = "urgent"
)

// ErrInvalidKind is returned for an unrecognized message kind.
var ErrInvalidKind = errors.New("template: invalid message kind")

// Appointment holds the fields rendered into every notification.
type Appointment struct {
	Patient         string
	Service         string
	Professional    string
	Date            time.Time
	TimeOfDay       string // display form, e.g. "15:30"
	DurationMin     int
	LocationName    string
	LocationAddress string
}

// Request is one template-generation request.
type Request struct {
	Kind        Kind
	Appointment Appointment
	ConfirmURL  string
	CancelURL   string
}

// Payload is the tagged outbound message variant. Exactly PlainText or
// ButtonedText.
type Payload interface {
	isPayload()
}

// PlainText is a body-only message.
type PlainText struct {
	Body string
}

// ButtonedText is a message carrying interactive URL actions. Only
// business-capable accounts may send these.
type ButtonedText struct {
	Body    string
	Actions []Action
}

// Action is one interactive button, indexed sequentially from 1.
type Action struct {
	Index int
	Label string
	URL   string
}

func (PlainText) isPayload()    {}
func (ButtonedText) isPayload() {}

// Button labels, in the fixed [confirm, cancel] order.
const (
	confirmLabel = "Confirmar cita"
	cancelLabel  = "Cancelar cita"
)

var weekdayNames = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "lunes",
	time.Tuesday:   "martes",
	time.Wednesday: "miércoles",
	time.Thursday:  "jueves",
	time.Friday:    "viernes",
	time.Saturday:  "sábado",
}

var monthNames = [...]string{
	time.January:   "enero",
	time.February:  "febrero",
	time.March:     "marzo",
	time.April:     "abril",
	time.May:       "mayo",
	time.June:      "junio",
	time.July:      "julio",
	time.August:    "agosto",
	time.September: "septiembre",
	time.October:   "octubre",
	time.November:  "noviembre",
	time.December:  "diciembre",
}

// Generate produces the payload for req. business selects the buttoned
// form when at least one action URL is present. The current day is
// taken from the local clock; see GenerateAt for an injectable clock.
func Generate(req Request, business bool) (Payload, error) {
	return GenerateAt(req, business, time.Now())
}

// GenerateAt is Generate with an explicit reference time for the
// TODAY/TOMORROW classification.
func GenerateAt(req Request, business bool, now time.Time) (Payload, error) {
	body, err := renderBody(req.Kind, req.Appointment, now)
	if err != nil {
		return nil, err
	}

	if business && (req.ConfirmURL != "" || req.CancelURL != "") {
		actions := make([]Action, 0, 2)
		if req.ConfirmURL != "" {
			actions = append(actions, Action{Index: len(actions) + 1, Label: confirmLabel, URL: req.ConfirmURL})
		}
		if req.CancelURL != "" {
			actions = append(actions, Action{Index: len(actions) + 1, Label: cancelLabel, URL: req.CancelURL})
		}
		return ButtonedText{Body: body, Actions: actions}, nil
	}

	var b strings.Builder
	b.WriteString(body)
	if req.ConfirmURL != "" || req.CancelURL != "" {
		b.WriteString("\n")
		if req.ConfirmURL != "" {
			fmt.Fprintf(&b, "\n%s: %s", confirmLabel, req.ConfirmURL)
		}
		if req.CancelURL != "" {
			fmt.Fprintf(&b, "\n%s: %s", cancelLabel, req.CancelURL)
		}
	}
	return PlainText{Body: b.String()}, nil
}

// renderBody builds the kind-specific message text.
func renderBody(kind Kind, a Appointment, now time.Time) (string, error) {
	var header string
	switch kind {
	case KindConfirmation:
		header = "✅ Cita confirmada"
	case KindReminder:
		header = "🔔 Recordatorio de cita"
	case KindUrgent:
		header = "⚠️ Aviso urgente sobre su cita"
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	fmt.Fprintf(&b, "\nPaciente: %s", a.Patient)
	fmt.Fprintf(&b, "\nServicio: %s", a.Service)
	fmt.Fprintf(&b, "\nProfesional: %s", a.Professional)
	fmt.Fprintf(&b, "\nFecha: %s", DateLabel(a.Date, now))
	fmt.Fprintf(&b, "\nHora: %s", a.TimeOfDay)
	if a.DurationMin > 0 {
		fmt.Fprintf(&b, "\nDuración: %d min", a.DurationMin)
	}
	fmt.Fprintf(&b, "\nLugar: %s", a.LocationName)
	if kind != KindUrgent && a.LocationAddress != "" {
		fmt.Fprintf(&b, "\nDirección: %s", a.LocationAddress)
	}
	return b.String(), nil
}

// DateLabel formats d relative to now. Same calendar day yields a
// "TODAY — " prefix, the next calendar day "TOMORROW — ". The
// comparison uses local calendar components only; time of day and
// offsets never affect the classification.
func DateLabel(d, now time.Time) string {
	base := fmt.Sprintf("%s %d de %s",
		weekdayNames[d.Weekday()], d.Day(), monthNames[d.Month()])

	switch {
	case sameDate(d, now):
		return "TODAY — " + base
	case sameDate(d, now.AddDate(0, 0, 1)):
		return "TOMORROW — " + base
	default:
		return base
	}
}

// sameDate compares calendar components, ignoring clock time.
func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
