// Package api exposes the gateway's HTTP command surface: session
// lifecycle, pairing-code retrieval, and outbound message commands.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/citaflow/wagate/internal/msglog"
	"github.com/citaflow/wagate/internal/session"
	"github.com/citaflow/wagate/internal/template"
)

// Server routes gateway commands to the session registry.
type Server struct {
	registry   *session.Registry
	deliveries *msglog.Store
	token      string
	logger     *slog.Logger
	mux        *http.ServeMux
}

// NewServer builds the HTTP surface. An empty token disables
// authentication; deliveries may be nil, which disables the message
// history endpoint's backing store.
func NewServer(reg *session.Registry, deliveries *msglog.Store, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   reg,
		deliveries: deliveries,
		token:      token,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.mux.Handle("POST /v1/sessions/{tenant}", s.authed(s.handleCreateSession))
	s.mux.Handle("GET /v1/sessions", s.authed(s.handleListSessions))
	s.mux.Handle("GET /v1/sessions/{tenant}", s.authed(s.handleGetSession))
	s.mux.Handle("DELETE /v1/sessions/{tenant}", s.authed(s.handleDeleteSession))
	s.mux.Handle("GET /v1/sessions/{tenant}/qr", s.authed(s.handlePairingCode))
	s.mux.Handle("POST /v1/sessions/{tenant}/messages", s.authed(s.handleSendMessage))
	s.mux.Handle("GET /v1/sessions/{tenant}/messages", s.authed(s.handleMessageHistory))
	s.mux.Handle("POST /v1/sessions/{tenant}/notifications", s.authed(s.handleSendNotification))

	return s
}

// Handler returns the fully wired HTTP handler, with request-id
// tagging and access logging outermost.
func (s *Server) Handler() http.Handler {
	return s.withRequestLog(s.mux)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", reqID,
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		h(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.registry.ListAll()),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.GetOrCreate(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.GetState())
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.registry.ListAll()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Get(r.PathValue("tenant"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "no session for tenant")
		return
	}
	writeJSON(w, http.StatusOK, sess.GetState())
}

// handleDeleteSession disconnects the tenant. With ?purge=true the
// stored credentials are deleted too, forcing a fresh pairing next
// time.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	var err error
	if r.URL.Query().Get("purge") == "true" {
		err = s.registry.RemoveCompletely(tenant)
	} else {
		err = s.registry.Close(tenant)
	}
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.GetOrCreate(r.Context(), r.PathValue("tenant"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	code, err := sess.RequestPairingCode()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if code == "" {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "pending",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"code":   code,
	})
}

type sendMessageRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Get(r.PathValue("tenant"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "no session for tenant")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.To == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	if err := sess.SendMessage(r.Context(), req.To, req.Text); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

type notificationRequest struct {
	To          string `json:"to"`
	Kind        string `json:"kind"`
	Appointment struct {
		Patient         string `json:"patient"`
		Service         string `json:"service"`
		Professional    string `json:"professional"`
		Date            string `json:"date"`
		Time            string `json:"time"`
		DurationMin     int    `json:"duration_min"`
		LocationName    string `json:"location_name"`
		LocationAddress string `json:"location_address"`
	} `json:"appointment"`
	ConfirmURL string `json:"confirm_url"`
	CancelURL  string `json:"cancel_url"`
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.Get(r.PathValue("tenant"))
	if sess == nil {
		writeError(w, http.StatusNotFound, "no session for tenant")
		return
	}

	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	date, err := parseDate(req.Appointment.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid appointment date: "+err.Error())
		return
	}

	tmplReq := template.Request{
		Kind: template.Kind(req.Kind),
		Appointment: template.Appointment{
			Patient:         req.Appointment.Patient,
			Service:         req.Appointment.Service,
			Professional:    req.Appointment.Professional,
			Date:            date,
			TimeOfDay:       req.Appointment.Time,
			DurationMin:     req.Appointment.DurationMin,
			LocationName:    req.Appointment.LocationName,
			LocationAddress: req.Appointment.LocationAddress,
		},
		ConfirmURL: req.ConfirmURL,
		CancelURL:  req.CancelURL,
	}

	if err := sess.SendTemplate(r.Context(), req.To, tmplReq); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}

func (s *Server) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	if s.deliveries == nil {
		writeError(w, http.StatusNotFound, "message history is not enabled")
		return
	}
	tenant, err := session.Normalize(r.PathValue("tenant"))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	entries, err := s.deliveries.ListByTenant(tenant, limit)
	if err != nil {
		s.logger.Error("message history query failed", "tenant", tenant, "error", err)
		writeError(w, http.StatusInternalServerError, "message history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": entries})
}

// writeSessionError maps domain errors to HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTenant):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, template.ErrInvalidKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAlreadyPaired),
		errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// parseDate accepts RFC 3339 timestamps or bare dates.
func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD: %w", err)
	}
	return t, nil
}
