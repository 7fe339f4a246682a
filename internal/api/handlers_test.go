package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mobiliza/disparo/internal/config"
	"github.com/mobiliza/disparo/internal/db"
	"github.com/mobiliza/disparo/internal/dispatch"
	"github.com/mobiliza/disparo/internal/gateway"
	"github.com/mobiliza/disparo/internal/metrics"
	"github.com/mobiliza/disparo/internal/models"
	"github.com/mobiliza/disparo/internal/schedule"
	"github.com/mobiliza/disparo/internal/store"
)

// fakeSender accepts every send unless fail lists the address.
type fakeSender struct {
	mu       sync.Mutex
	requests []*gateway.SendRequest
	fail     map[string]error
}

func (f *fakeSender) Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.fail[req.To]; ok {
		return nil, err
	}
	return &gateway.SendResponse{Success: true, MessageID: "m1"}, nil
}

type testEnv struct {
	server *Server
	sender *fakeSender
	db     *db.DB
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	// In-memory sqlite gives every connection its own database; pin
	// the pool to one connection so migrations stay visible.
	database.SetMaxOpenConns(1)
	if err := database.Migrate(); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	outbox, err := schedule.NewOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("failed to open outbox: %v", err)
	}
	t.Cleanup(func() { outbox.Close() })

	cfg := &config.Config{}
	cfg.Server.APIKey = apiKey
	cfg.Dispatch.BatchSize = 20
	cfg.Dispatch.LinkBaseURL = "https://mobiliza.example"
	cfg.Dispatch.VerificationTemplate = "link_verificacao"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	sender := &fakeSender{}

	recipients := store.NewRecipientStore(database.DB)
	events := store.NewEventStore(database.DB)
	templates := store.NewTemplateStore(database.DB)
	if err := templates.Upsert(context.Background(), &models.Template{Key: "boas_vindas", Name: "Boas-vindas"}); err != nil {
		t.Fatalf("failed to seed template: %v", err)
	}
	issuer := dispatch.NewCodeIssuer(recipients)
	// Delays long enough that a run with a few recipients is still
	// sending when the test issues its next request.
	dispatcher := dispatch.NewDispatcher(sender, issuer, recipients, dispatch.Config{
		MinDelay:             20 * time.Millisecond,
		MaxDelay:             30 * time.Millisecond,
		LinkBaseURL:          cfg.Dispatch.LinkBaseURL,
		VerificationTemplate: cfg.Dispatch.VerificationTemplate,
	}, m, logger)
	runner := dispatch.NewRunner(dispatch.NewResolver(recipients), events, dispatcher, m, logger)
	scheduler := dispatch.NewScheduler(dispatch.NewResolver(recipients), events, outbox, cfg.Dispatch.LinkBaseURL, m, logger)

	server := NewServer(runner, scheduler, outbox, recipients, templates, cfg, logger)
	return &testEnv{server: server, sender: sender, db: database}
}

func (e *testEnv) seedContacts(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.db.Exec(
			`INSERT INTO contacts (id, name, phone) VALUES (?, ?, ?)`,
			fmt.Sprintf("c%02d", i), fmt.Sprintf("Contact %02d", i), fmt.Sprintf("+5511%07d", i),
		)
		if err != nil {
			t.Fatalf("failed to seed contact: %v", err)
		}
	}
}

func (e *testEnv) seedLeader(t *testing.T, id, name string) {
	t.Helper()
	if _, err := e.db.Exec(
		`INSERT INTO leaders (id, name, phone, affiliate_token) VALUES (?, ?, ?, ?)`,
		id, name, "+55"+id, "tok-"+id,
	); err != nil {
		t.Fatalf("failed to seed leader: %v", err)
	}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reqBody)
	rec := httptest.NewRecorder()
	e.server.router.ServeHTTP(rec, req)
	return rec
}

// waitForTerminal polls until the run leaves the sending state.
func (e *testEnv) waitForTerminal(t *testing.T) dispatch.RunState {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		state := e.server.runner.Snapshot()
		if state.Status != dispatch.StatusSending {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run never left the sending state")
	return dispatch.RunState{}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return v
}

func TestStartRunLifecycle(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedContacts(t, 3)

	rec := env.request(t, http.MethodPost, "/api/v1/runs", StartRunRequest{
		Strategy:    StrategyRequest{Type: "all", Kind: "contact"},
		TemplateKey: "boas_vindas",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs status = %d, body %s", rec.Code, rec.Body)
	}
	state := decode[dispatch.RunState](t, rec)
	if state.Status != dispatch.StatusSending || state.TotalCount != 3 {
		t.Fatalf("start state = %+v", state)
	}

	// A second start while the run is active conflicts.
	rec = env.request(t, http.MethodPost, "/api/v1/runs", StartRunRequest{
		Strategy:    StrategyRequest{Type: "all", Kind: "contact"},
		TemplateKey: "boas_vindas",
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("second POST /runs status = %d, want 409", rec.Code)
	}

	final := env.waitForTerminal(t)
	if final.Status != dispatch.StatusDone || final.SentCount != 3 {
		t.Fatalf("final state = %+v", final)
	}

	rec = env.request(t, http.MethodGet, "/api/v1/runs/current", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /runs/current status = %d", rec.Code)
	}
	got := decode[dispatch.RunState](t, rec)
	if got.Status != dispatch.StatusDone || got.SentCount != 3 {
		t.Errorf("status response = %+v", got)
	}

	rec = env.request(t, http.MethodDelete, "/api/v1/runs/current", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE /runs/current status = %d", rec.Code)
	}
	if state := env.server.runner.Snapshot(); state.Status != dispatch.StatusIdle {
		t.Errorf("status after clear = %s", state.Status)
	}
}

func TestStartRunValidation(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedContacts(t, 1)

	negative := -1
	tests := []struct {
		name string
		body StartRunRequest
	}{
		{
			name: "missing template key",
			body: StartRunRequest{Strategy: StrategyRequest{Type: "all", Kind: "contact"}},
		},
		{
			name: "unknown template key",
			body: StartRunRequest{Strategy: StrategyRequest{Type: "all", Kind: "contact"}, TemplateKey: "nao_existe"},
		},
		{
			name: "unknown strategy type",
			body: StartRunRequest{Strategy: StrategyRequest{Type: "everyone"}, TemplateKey: "boas_vindas"},
		},
		{
			name: "invalid kind",
			body: StartRunRequest{Strategy: StrategyRequest{Type: "all", Kind: "robot"}, TemplateKey: "boas_vindas"},
		},
		{
			name: "negative batch size",
			body: StartRunRequest{Strategy: StrategyRequest{Type: "all", Kind: "contact"}, TemplateKey: "boas_vindas", BatchSize: &negative},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/api/v1/runs", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
			}
		})
	}
}

func TestStartRunNoRecipients(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.request(t, http.MethodPost, "/api/v1/runs", StartRunRequest{
		Strategy:    StrategyRequest{Type: "single", Kind: "contact", ID: "missing"},
		TemplateKey: "boas_vindas",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body %s)", rec.Code, rec.Body)
	}
}

func TestResumeAndCancelConflicts(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.request(t, http.MethodPost, "/api/v1/runs/some-id/resume", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("resume with no run status = %d, want 409", rec.Code)
	}
	rec = env.request(t, http.MethodPost, "/api/v1/runs/some-id/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel with no run status = %d, want 409", rec.Code)
	}
	rec = env.request(t, http.MethodDelete, "/api/v1/runs/current", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("clear with no run status = %d, want 409", rec.Code)
	}
}

func TestBatchCheckpointOverHTTP(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedContacts(t, 4)

	batchSize := 2
	rec := env.request(t, http.MethodPost, "/api/v1/runs", StartRunRequest{
		Strategy:    StrategyRequest{Type: "all", Kind: "contact"},
		TemplateKey: "boas_vindas",
		BatchSize:   &batchSize,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs status = %d, body %s", rec.Code, rec.Body)
	}
	state := decode[dispatch.RunState](t, rec)

	paused := env.waitForTerminal(t)
	if paused.Status != dispatch.StatusAwaitingConfirmation || paused.SentCount != 2 {
		t.Fatalf("checkpoint state = %+v", paused)
	}

	// Resuming under the wrong run id is rejected.
	rec = env.request(t, http.MethodPost, "/api/v1/runs/wrong-id/resume", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("resume with wrong id status = %d, want 409", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/api/v1/runs/"+state.RunID+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, body %s", rec.Code, rec.Body)
	}

	final := env.waitForTerminal(t)
	if final.Status != dispatch.StatusDone || final.SentCount != 4 {
		t.Fatalf("final state = %+v", final)
	}
}

func TestCoordinatorSearch(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedLeader(t, "l1", "Marta Silva")
	env.seedLeader(t, "l2", "Marcos Souza")
	env.seedLeader(t, "l3", "Paula Lima")

	rec := env.request(t, http.MethodGet, "/api/v1/coordinators?q=mar", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	results := decode[[]CoordinatorSummary](t, rec)
	if len(results) != 2 {
		t.Fatalf("search returned %d results, want 2: %+v", len(results), results)
	}

	// Under two characters the search is rejected, not run.
	rec = env.request(t, http.MethodGet, "/api/v1/coordinators?q=m", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("short query status = %d, want 400", rec.Code)
	}
}

func TestScheduleAndClaimDue(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedContacts(t, 3)

	rec := env.request(t, http.MethodPost, "/api/v1/schedules", ScheduleRequest{
		Strategy:    StrategyRequest{Type: "all", Kind: "contact"},
		TemplateKey: "boas_vindas",
		SendAt:      time.Now().Add(-time.Minute),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /schedules status = %d, body %s", rec.Code, rec.Body)
	}
	created := decode[ScheduleResponse](t, rec)
	if len(created.JobIDs) != 3 {
		t.Fatalf("scheduled %d jobs, want 3", len(created.JobIDs))
	}

	rec = env.request(t, http.MethodGet, "/api/v1/schedules/due", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /schedules/due status = %d", rec.Code)
	}
	due := decode[DueJobsResponse](t, rec)
	if len(due.Jobs) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(due.Jobs))
	}
	for _, j := range due.Jobs {
		if j.Status != models.JobClaimed {
			t.Errorf("job %s status = %s, want claimed", j.ID, j.Status)
		}
	}

	// A repeat poll returns nothing; the jobs are already claimed.
	rec = env.request(t, http.MethodGet, "/api/v1/schedules/due", nil)
	again := decode[DueJobsResponse](t, rec)
	if len(again.Jobs) != 0 {
		t.Errorf("second poll claimed %d jobs, want 0", len(again.Jobs))
	}
}

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedContacts(t, 1)

	rec := env.request(t, http.MethodPost, "/api/v1/schedules", ScheduleRequest{
		Strategy:    StrategyRequest{Type: "all", Kind: "contact"},
		TemplateKey: "boas_vindas",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing send_at status = %d, want 400", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/api/v1/schedules", ScheduleRequest{
		Strategy: StrategyRequest{Type: "all", Kind: "contact"},
		SendAt:   time.Now(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing template_key status = %d, want 400", rec.Code)
	}

	// A key the templates table does not know is rejected before any
	// recipients are resolved.
	rec = env.request(t, http.MethodPost, "/api/v1/schedules", ScheduleRequest{
		Strategy:    StrategyRequest{Type: "all", Kind: "contact"},
		TemplateKey: "nao_existe",
		SendAt:      time.Now(),
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown template_key status = %d, want 400", rec.Code)
	}
}

func TestTemplateList(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.request(t, http.MethodGet, "/api/v1/templates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /templates status = %d", rec.Code)
	}
	templates := decode[[]TemplateSummary](t, rec)
	if len(templates) != 1 {
		t.Fatalf("listed %d templates, want 1: %+v", len(templates), templates)
	}
	if templates[0].Key != "boas_vindas" || templates[0].Name != "Boas-vindas" {
		t.Errorf("template = %+v", templates[0])
	}
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "sekret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/current", nil)
	rec := httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/current", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	rec = httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer token status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/current", nil)
	req.Header.Set("X-API-Key", "sekret")
	rec = httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("X-API-Key status = %d, want 200", rec.Code)
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	env.server.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d, want 200", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.request(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	health := decode[HealthResponse](t, rec)
	if health.Status != "ok" || health.RunStatus != dispatch.StatusIdle {
		t.Errorf("health = %+v", health)
	}
}
