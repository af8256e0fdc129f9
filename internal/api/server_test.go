package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/citaflow/wagate/internal/creds"
	"github.com/citaflow/wagate/internal/msglog"
	"github.com/citaflow/wagate/internal/session"
	"github.com/citaflow/wagate/internal/transport"
)

const testToken = "sekrit"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubConn struct {
	events chan transport.Event
	mu     sync.Mutex
	sent   []transport.Message
}

func newStubConn() *stubConn {
	return &stubConn{events: make(chan transport.Event, 8)}
}

func (c *stubConn) Events() <-chan transport.Event { return c.events }

func (c *stubConn) Send(_ context.Context, _ string, msg transport.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *stubConn) Close() error { return nil }

type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (d *stubDialer) Dial(_ context.Context, _ string, _ transport.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newStubConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *stubDialer) last() *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestServer(t *testing.T) (*httptest.Server, *stubDialer, *session.Registry) {
	t.Helper()
	store, err := creds.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("creds store: %v", err)
	}
	d := &stubDialer{}
	reg := session.NewRegistry(session.Options{
		Dialer:      d,
		Creds:       store,
		Logger:      testLogger(),
		DialTimeout: time.Second,
	})
	t.Cleanup(reg.CloseAll)

	srv := httptest.NewServer(NewServer(reg, nil, testToken, testLogger()).Handler())
	t.Cleanup(srv.Close)
	return srv, d, reg
}

func doReq(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return m
}

func connectTenant(t *testing.T, srv *httptest.Server, d *stubDialer, reg *session.Registry, tenant string) {
	t.Helper()
	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/"+tenant, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	d.last().events <- transport.Event{Kind: transport.KindOpened}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := reg.Get(tenant); s != nil && s.GetState().Connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tenant never connected")
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated list: status %d, want 401", resp.StatusCode)
	}

	// Health check stays open.
	resp2, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("healthz: status %d, want 200", resp2.StatusCode)
	}
}

func TestCreateAndGetSession(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/+54 9 11 1234-5678", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["tenant_id"] != "5491112345678" {
		t.Errorf("tenant_id = %v", body["tenant_id"])
	}
	if body["state"] != string(session.StateConnecting) {
		t.Errorf("state = %v", body["state"])
	}

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/sessions/5491112345678", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get: status %d", resp.StatusCode)
	}

	resp = doReq(t, http.MethodGet, srv.URL+"/v1/sessions/5499999999999", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get absent: status %d, want 404", resp.StatusCode)
	}
}

func TestCreateSessionInvalidTenant(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/not-a-number", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestPairingCodeFlow(t *testing.T) {
	t.Parallel()
	srv, d, _ := newTestServer(t)

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/sessions/5491112345678/qr", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("qr before code: status %d, want 202", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "pending" {
		t.Errorf("status field = %v", body["status"])
	}

	d.last().events <- transport.Event{Kind: transport.KindPairingCode, PairingCode: "abc123"}

	var body map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp = doReq(t, http.MethodGet, srv.URL+"/v1/sessions/5491112345678/qr", "")
		if resp.StatusCode == http.StatusOK {
			body = decodeBody(t, resp)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if body == nil {
		t.Fatal("pairing code never became ready")
	}
	code, _ := body["code"].(string)
	if !strings.HasPrefix(code, "data:image/png;base64,") {
		t.Errorf("code = %.40q, want data URI", code)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	srv, d, reg := newTestServer(t)
	connectTenant(t, srv, d, reg, "5491112345678")

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678/messages",
		`{"to":"5491198765432","text":"hola"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: status %d", resp.StatusCode)
	}

	conn := d.last()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 1 || conn.sent[0].Text != "hola" {
		t.Errorf("sent = %+v", conn.sent)
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678", "")
	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678/messages",
		`{"to":"5491198765432","text":"hola"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status %d, want 409", resp.StatusCode)
	}
}

func TestSendMessageValidation(t *testing.T) {
	t.Parallel()
	srv, d, reg := newTestServer(t)
	connectTenant(t, srv, d, reg, "5491112345678")

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678/messages",
		`{"to":"","text":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty fields: status %d, want 400", resp.StatusCode)
	}

	resp = doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678/messages", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad json: status %d, want 400", resp.StatusCode)
	}
}

func TestSendNotification(t *testing.T) {
	t.Parallel()
	srv, d, reg := newTestServer(t)
	connectTenant(t, srv, d, reg, "5491112345678")

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678/notifications",
		`{"to":"5491198765432","kind":"reminder","appointment":{
			"patient":"Ana","service":"Limpieza","professional":"Dr. Ruiz",
			"date":"2027-03-20","time":"10:30","duration_min":30,
			"location_name":"Clínica Centro","location_address":"Av. Siempreviva 742"
		},"confirm_url":"https://citas.example/c/1","cancel_url":"https://citas.example/x/1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("notification: status %d", resp.StatusCode)
	}

	conn := d.last()
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(conn.sent))
	}
	text := conn.sent[0].Text
	for _, want := range []string{"Recordatorio", "Ana", "10:30", "https://citas.example/c/1"} {
		if !strings.Contains(text, want) {
			t.Errorf("body missing %q:\n%s", want, text)
		}
	}
}

func TestSendNotificationInvalidKind(t *testing.T) {
	t.Parallel()
	srv, d, reg := newTestServer(t)
	connectTenant(t, srv, d, reg, "5491112345678")

	resp := doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678/notifications",
		`{"to":"5491198765432","kind":"party","appointment":{"date":"2027-03-20"}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	srv, _, reg := newTestServer(t)

	doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491112345678", "")
	resp := doReq(t, http.MethodDelete, srv.URL+"/v1/sessions/5491112345678", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	if reg.Get("5491112345678") != nil {
		t.Error("session still present after delete")
	}

	// Purge of an absent tenant still clears credentials, no error.
	resp = doReq(t, http.MethodDelete, srv.URL+"/v1/sessions/5491112345678?purge=true", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("purge: status %d", resp.StatusCode)
	}
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5491111111111", "")
	doReq(t, http.MethodPost, srv.URL+"/v1/sessions/5492222222222", "")

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/sessions", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	sessions, _ := body["sessions"].([]any)
	if len(sessions) != 2 {
		t.Errorf("sessions = %d, want 2", len(sessions))
	}
}

func TestMessageHistory(t *testing.T) {
	t.Parallel()

	store, err := creds.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := msglog.NewStore(filepath.Join(t.TempDir(), "deliveries.db"))
	if err != nil {
		t.Fatalf("msglog store: %v", err)
	}
	t.Cleanup(func() { deliveries.Close() })

	if err := deliveries.Record(msglog.Entry{
		Tenant:    "5491112345678",
		Recipient: "5491198765432",
		Kind:      "reminder",
		Status:    msglog.StatusSent,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	reg := session.NewRegistry(session.Options{
		Dialer: &stubDialer{},
		Creds:  store,
		Logger: testLogger(),
	})
	t.Cleanup(reg.CloseAll)

	srv := httptest.NewServer(NewServer(reg, deliveries, testToken, testLogger()).Handler())
	t.Cleanup(srv.Close)

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/sessions/5491112345678/messages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
}

func TestHistoryDisabled(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t)

	resp := doReq(t, http.MethodGet, srv.URL+"/v1/sessions/5491112345678/messages", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}
