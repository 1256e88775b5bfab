package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ticketflow/internal/archive"
	"ticketflow/internal/cache"
	"ticketflow/internal/dispatch"
	"ticketflow/internal/log"
	"ticketflow/internal/queue"
	"ticketflow/internal/service"
	"ticketflow/internal/ticket"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v4"
)

const secret = "test-secret"

type memArchive struct {
	records map[string]archive.Record
	pingErr error
}

func (m *memArchive) Archive(_ context.Context, t ticket.Ticket, closedBy string) error {
	t.ClosedBy = closedBy
	m.records[t.ID] = archive.Record{Ticket: t, ArchivedAt: time.Now()}
	return nil
}

func (m *memArchive) Get(_ context.Context, id string) (archive.Record, bool, error) {
	r, ok := m.records[id]
	return r, ok, nil
}

func (m *memArchive) Ping(context.Context) error { return m.pingErr }

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, ticket.Ticket) error { return nil }

type env struct {
	handler http.Handler
	svc     *service.Service
	store   *cache.Store
	arch    *memArchive
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := log.NewNop()
	b := queue.NewMemoryBroker(nil, time.Minute)
	c := queue.NewConsumer(b, queue.ConsumerOptions{Topic: "tickets"}, nil, logger)
	t.Cleanup(c.Close)
	s := cache.NewStore(nil, cache.Options{Prefix: "http:"}, logger)
	arch := &memArchive{records: map[string]archive.Record{}}
	svc := service.New(s, queue.NewMemoryPublisher(b, "tickets"), c, nopNotifier{}, arch, service.Options{}, nil, logger)
	d := dispatch.NewDispatcher(c, s, nopNotifier{}, dispatch.Options{}, nil, logger)

	r := chi.NewRouter()
	SetupRouter(r, Deps{Tickets: svc, Dispatcher: d, Cache: s, Archive: arch}, secret, logger)
	return &env{handler: r, svc: svc, store: s, arch: arch}
}

func token(t *testing.T, email, role string) string {
	t.Helper()
	tok, err := IssueToken(secret, email, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) createAs(t *testing.T, email, priority string) ticket.Ticket {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/tickets", token(t, email, RoleUser),
		map[string]string{"title": "Keyboard sticky", "priority": priority})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var tk ticket.Ticket
	if err := json.Unmarshal(rec.Body.Bytes(), &tk); err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestHealthIsPublic(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["cache"] != "degraded" {
		t.Errorf("a store without redis reports degraded, got %q", body["cache"])
	}

	e.arch.pingErr = errors.New("db gone")
	if rec := e.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with the archive down, got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t)
	if rec := e.do(t, http.MethodGet, "/tickets/open", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/tickets/open", "garbage", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with a bad token, got %d", rec.Code)
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{Email: "x@example.com", Role: RoleAdmin}).
		SignedString([]byte("other-secret"))
	if rec := e.do(t, http.MethodGet, "/tickets/open", forged, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with a forged token, got %d", rec.Code)
	}
}

func TestRoleChecks(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		method string
		path   string
		role   string
		want   int
	}{
		{"user cannot list open", http.MethodGet, "/tickets/open", RoleUser, http.StatusForbidden},
		{"technician lists open", http.MethodGet, "/tickets/open", RoleTechnician, http.StatusOK},
		{"user cannot process", http.MethodPost, "/process-tickets", RoleUser, http.StatusForbidden},
		{"technician cannot reset cache", http.MethodPost, "/cache/reset", RoleTechnician, http.StatusForbidden},
		{"admin resets cache", http.MethodPost, "/cache/reset", RoleAdmin, http.StatusOK},
		{"admin passes technician routes", http.MethodGet, "/cache/test", RoleAdmin, http.StatusOK},
		{"bad tier", http.MethodGet, "/tickets/priority/urgent", RoleTechnician, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.path, token(t, "someone@example.com", tt.role), nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestSubmitterSeesOnlyOwnTickets(t *testing.T) {
	e := newEnv(t)
	tk := e.createAs(t, "ann@example.com", "low")
	if tk.Submitter != "ann@example.com" {
		t.Errorf("submitter should come from the token, got %q", tk.Submitter)
	}

	if rec := e.do(t, http.MethodGet, "/tickets/"+tk.ID, token(t, "ann@example.com", RoleUser), nil); rec.Code != http.StatusOK {
		t.Errorf("owner should read the ticket, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/tickets/"+tk.ID, token(t, "bob@example.com", RoleUser), nil); rec.Code != http.StatusForbidden {
		t.Errorf("other users must be refused, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/tickets/"+tk.ID, token(t, "tech@example.com", RoleTechnician), nil); rec.Code != http.StatusOK {
		t.Errorf("technicians read any ticket, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/tickets/missing", token(t, "tech@example.com", RoleTechnician), nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/tickets", token(t, "ann@example.com", RoleUser),
		map[string]string{"title": "x", "priority": "urgent"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestProcessAndCloseFlow(t *testing.T) {
	e := newEnv(t)
	tk := e.createAs(t, "ann@example.com", "high")
	tech := token(t, "tech@example.com", RoleTechnician)

	rec := e.do(t, http.MethodPost, "/process-tickets", tech, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process: %d %s", rec.Code, rec.Body.String())
	}
	var cycle map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &cycle)
	if cycle["tier"] != "high" || cycle["processed"] != float64(1) {
		t.Errorf("unexpected cycle response %v", cycle)
	}

	rec = e.do(t, http.MethodGet, "/manual-trigger", tech, nil)
	json.Unmarshal(rec.Body.Bytes(), &cycle)
	if cycle["handled"] != false {
		t.Errorf("second cycle should find no work, got %v", cycle)
	}

	rec = e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/close", tech, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: %d %s", rec.Code, rec.Body.String())
	}
	var closed struct {
		Ticket ticket.Ticket `json:"ticket"`
		Acked  bool          `json:"acked"`
	}
	json.Unmarshal(rec.Body.Bytes(), &closed)
	if !closed.Acked || closed.Ticket.Status != ticket.Closed || closed.Ticket.ClosedBy != "tech@example.com" {
		t.Errorf("unexpected close response %+v", closed)
	}

	rec = e.do(t, http.MethodGet, "/tickets/priority/high", tech, nil)
	var high []ticket.Ticket
	json.Unmarshal(rec.Body.Bytes(), &high)
	if len(high) != 1 {
		t.Errorf("expected the closed ticket to stay in its priority set, got %d", len(high))
	}
}

func TestOwnerMayCloseButNotOthers(t *testing.T) {
	e := newEnv(t)
	tk := e.createAs(t, "ann@example.com", "medium")
	if rec := e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/close", token(t, "bob@example.com", RoleUser), nil); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another user, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/tickets/"+tk.ID+"/close", token(t, "ann@example.com", RoleUser), nil); rec.Code != http.StatusOK {
		t.Errorf("owner should close their ticket, got %d", rec.Code)
	}
}

func TestArchiveLookup(t *testing.T) {
	e := newEnv(t)
	tech := token(t, "tech@example.com", RoleTechnician)
	e.arch.records["old"] = archive.Record{Ticket: ticket.Ticket{ID: "old", Priority: ticket.Low, Status: ticket.Closed}}

	if rec := e.do(t, http.MethodGet, "/archive/old", tech, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodGet, "/archive/nope", tech, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := e.do(t, http.MethodPost, "/sweep", tech, nil); rec.Code != http.StatusOK {
		t.Errorf("sweep: expected 200, got %d", rec.Code)
	}
}
