package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/definition"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/mq"
	"github.com/shaiso/Stagehand/internal/orchestrator"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/worker"
)

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

func testPipeline(name string) *domain.PipelineDef {
	return &domain.PipelineDef{
		Name:     name,
		Version:  "1",
		Defaults: &domain.StageDefaults{MaxRetries: intPtr(0)},
		Stages: []domain.StageDef{
			{ID: "plan", Type: "test"},
			{ID: "build", Type: "test", Dependencies: []string{"plan"}},
		},
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	reqs []mq.RunRequest
}

func (f *fakePublisher) PublishRunRequest(_ context.Context, req mq.RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return nil
}

type fakeSchedules []domain.Schedule

func (f fakeSchedules) List(context.Context) ([]domain.Schedule, error) { return f, nil }

type testEnv struct {
	handler   *Handler
	mux       *http.ServeMux
	orch      *orchestrator.Orchestrator
	catalog   *definition.Catalog
	approvals *approval.Manual
	store     *repo.MemoryStore
	registry  *prometheus.Registry
}

func newTestEnv(t *testing.T, exec worker.ExecutorFunc, mutate func(*Config)) *testEnv {
	t.Helper()

	reg := worker.NewRegistry()
	reg.Register("test", exec)

	store := repo.NewMemoryStore()
	orch := orchestrator.New(orchestrator.Config{
		Executor: reg,
		Store:    store,
		Logger:   testLogger(),
	})
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	catalog := definition.NewCatalog(definition.CatalogConfig{Logger: testLogger()})
	require.NoError(t, catalog.Register(testPipeline("feature")))

	manual := approval.NewManual(testLogger())
	promReg := prometheus.NewRegistry()

	cfg := Config{
		Orchestrator: orch,
		Catalog:      catalog,
		Approvals:    manual,
		Runs:         store,
		Registerer:   promReg,
		Logger:       testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := NewHandler(cfg)
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	return &testEnv{
		handler:   h,
		mux:       mux,
		orch:      orch,
		catalog:   catalog,
		approvals: manual,
		store:     store,
		registry:  promReg,
	}
}

func succeed(_ context.Context, req *worker.Request) (map[string]any, error) {
	return map[string]any{"unit": req.UnitID}, nil
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var resp struct {
		Data  T   `json:"data"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

// --- Run Tests ---

func TestSubmitRun_FromCatalog(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{
		Pipeline: "feature",
		Inputs:   map[string]any{"ticket": "ST-1"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	run := decodeData[RunResponse](t, rec)
	assert.Equal(t, "feature", run.Pipeline)
	require.NotEmpty(t, run.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.orch.Wait(ctx, run.ID)
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	st := decodeData[orchestrator.Status](t, rec)
	assert.Equal(t, domain.RunStatusCompleted, st.State)
	assert.Equal(t, []string{"build", "plan"}, st.CompletedUnits)
	assert.InDelta(t, 100.0, st.Progress, 0.001)
}

func TestSubmitRun_IdempotencyKey(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}, nil)
	defer close(release)

	body := SubmitRunRequest{Pipeline: "feature", IdempotencyKey: "feature_1700000000"}

	first := decodeData[RunResponse](t, env.do(t, http.MethodPost, "/api/v1/runs", body))
	second := decodeData[RunResponse](t, env.do(t, http.MethodPost, "/api/v1/runs", body))

	assert.Equal(t, first.ID, second.ID)
}

func TestSubmitRun_Errors(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	cyclic := testPipeline("cyclic")
	cyclic.Stages[0].Dependencies = []string{"build"}

	tests := []struct {
		name string
		body any
		code int
		err  ErrorCode
	}{
		{"invalid body", "{", http.StatusBadRequest, ErrCodeBadRequest},
		{"no pipeline", SubmitRunRequest{}, http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown pipeline", SubmitRunRequest{Pipeline: "missing"}, http.StatusNotFound, ErrCodeNotFound},
		{"cyclic definition", SubmitRunRequest{Definition: cyclic}, http.StatusBadRequest, ErrCodeInvalidDef},
		{"async without queue", SubmitRunRequest{Pipeline: "feature", Async: true}, http.StatusServiceUnavailable, ErrCodeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.err, decodeError(t, rec).Code)
		})
	}
}

func TestSubmitRun_Async(t *testing.T) {
	pub := &fakePublisher{}
	env := newTestEnv(t, succeed, func(cfg *Config) { cfg.Publisher = pub })

	rec := env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{
		Pipeline:       "feature",
		IdempotencyKey: "k1",
		Async:          true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	queued := decodeData[QueuedRunResponse](t, rec)
	assert.True(t, queued.Queued)

	require.Len(t, pub.reqs, 1)
	assert.Equal(t, "feature", pub.reqs[0].Pipeline)
	assert.Equal(t, "k1", pub.reqs[0].IdempotencyKey)
	assert.Equal(t, "api", pub.reqs[0].RequestedBy)

	rec = env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{Pipeline: "missing", Async: true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, pub.reqs, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ErrCodeNotFound, decodeError(t, rec).Code)
}

func TestRunControl(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil)

	run := decodeData[RunResponse](t, env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{Pipeline: "feature"}))
	<-started

	base := "/api/v1/runs/" + run.ID

	rec := env.do(t, http.MethodPost, base+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.RunStatusPaused, decodeData[orchestrator.Status](t, rec).State)

	rec = env.do(t, http.MethodPost, base+"/pause", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.RunStatusRunning, decodeData[orchestrator.Status](t, rec).State)

	rec = env.do(t, http.MethodPost, base+"/resume", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/units/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, _ := env.orch.Wait(ctx, run.ID)
	require.NotNil(t, st)
	assert.Equal(t, domain.RunStatusCancelled, st.State)

	rec = env.do(t, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCancelUnit_Pending(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	env := newTestEnv(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		started <- struct{}{}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, nil)
	defer close(release)

	run := decodeData[RunResponse](t, env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{Pipeline: "feature"}))
	<-started

	rec := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/units/build/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decodeData[orchestrator.Status](t, rec)
	for _, u := range st.Units {
		if u.ID == "build" {
			assert.Equal(t, domain.UnitStateCancelled, u.State)
		}
	}
}

func TestListRuns_MergesStore(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	old := time.Now().Add(-time.Hour).UTC()
	require.NoError(t, env.store.Save(context.Background(), "archived", &domain.Snapshot{
		Run: domain.Run{
			ID:        "archived",
			Pipeline:  "legacy",
			Status:    domain.RunStatusCompleted,
			CreatedAt: old,
		},
	}))

	run := decodeData[RunResponse](t, env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{Pipeline: "feature"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := env.orch.Wait(ctx, run.ID)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeData[[]RunResponse](t, rec)
	require.Len(t, runs, 2)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, "archived", runs[1].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?pipeline=legacy", nil)
	runs = decodeData[[]RunResponse](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "archived", runs[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?limit=1&offset=1", nil)
	runs = decodeData[[]RunResponse](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "archived", runs[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Approval Tests ---

func TestApprovals(t *testing.T) {
	env := newTestEnv(t, succeed, nil)
	ctx := context.Background()

	id, err := env.approvals.RequestApproval(ctx, domain.ApprovalRequest{RunID: "r1", UnitID: "design"})
	require.NoError(t, err)
	otherID, err := env.approvals.RequestApproval(ctx, domain.ApprovalRequest{RunID: "r2", UnitID: "design"})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/approvals?run_id=r1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[[]domain.ApprovalRequest](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)

	rec = env.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", DecisionRequest{Approver: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeData[domain.ApprovalRequest](t, rec)
	assert.Equal(t, domain.ApprovalStatusApproved, decided.Status)
	require.NotNil(t, decided.Decision)
	assert.Equal(t, "alice", decided.Decision.Approver)

	rec = env.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", DecisionRequest{Approver: "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/approvals/"+otherID+"/reject", DecisionRequest{Approver: "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/approvals/"+otherID+"/reject", DecisionRequest{Approver: "bob", Reason: "missing tests"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ApprovalStatusRejected, decodeData[domain.ApprovalRequest](t, rec).Status)

	rec = env.do(t, http.MethodGet, "/api/v1/approvals?status=PENDING", nil)
	assert.Empty(t, decodeData[[]domain.ApprovalRequest](t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/approvals/missing/approve", DecisionRequest{Approver: "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", DecisionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovals_Disabled(t *testing.T) {
	env := newTestEnv(t, succeed, func(cfg *Config) { cfg.Approvals = nil })

	rec := env.do(t, http.MethodGet, "/api/v1/approvals", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalGate_ThroughAPI(t *testing.T) {
	manual := approval.NewManual(testLogger())

	reg := worker.NewRegistry()
	reg.Register("test", worker.ExecutorFunc(succeed))
	orch := orchestrator.New(orchestrator.Config{
		Executor:  reg,
		Approvals: manual,
		Logger:    testLogger(),
	})
	require.NoError(t, orch.Start(context.Background()))
	t.Cleanup(orch.Stop)

	h := NewHandler(Config{Orchestrator: orch, Approvals: manual, Logger: testLogger()})
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	env := &testEnv{handler: h, mux: mux, orch: orch}

	def := testPipeline("gated")
	def.Stages[0].ApprovalRequired = true

	run := decodeData[RunResponse](t, env.do(t, http.MethodPost, "/api/v1/runs", SubmitRunRequest{Definition: def}))

	var pending []domain.ApprovalRequest
	require.Eventually(t, func() bool {
		reqs, err := manual.List(context.Background(), repo.ApprovalFilter{})
		if err != nil || len(reqs) != 1 {
			return false
		}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/approvals?status=PENDING", nil))
		var resp ListResponse
		resp.Data = &pending
		return json.Unmarshal(rec.Body.Bytes(), &resp) == nil && len(pending) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, run.ID, pending[0].RunID)
	assert.Equal(t, "plan", pending[0].UnitID)

	rec := env.do(t, http.MethodPost, "/api/v1/approvals/"+pending[0].ID+"/approve", DecisionRequest{Approver: "lead"})
	require.Equal(t, http.StatusOK, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := orch.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, st.State)
}

// --- Pipeline Tests ---

func TestPipelines(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	rec := env.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeData[[]PipelineSummary](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, PipelineSummary{Name: "feature", Version: "1", Stages: 2}, list[0])

	rec = env.do(t, http.MethodGet, "/api/v1/pipelines/feature", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	def := decodeData[domain.PipelineDef](t, rec)
	assert.Len(t, def.Stages, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/pipelines/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidatePipeline(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	tests := []struct {
		name  string
		query string
		body  string
		valid bool
		order []string
		err   string
	}{
		{
			name:  "valid yaml",
			body:  "name: x\nversion: '1'\nstages:\n  - id: b\n    type: http\n    dependencies: [a]\n  - id: a\n    type: http\n",
			valid: true,
			order: []string{"a", "b"},
		},
		{
			name:  "valid json",
			query: "?format=json",
			body:  `{"name":"x","version":"1","stages":[{"id":"a","type":"http"}]}`,
			valid: true,
			order: []string{"a"},
		},
		{
			name: "cycle",
			body: "name: x\nversion: '1'\nstages:\n  - id: a\n    type: http\n    dependencies: [a]\n",
			err:  "circular",
		},
		{
			name: "unknown field",
			body: "name: x\nversion: '1'\nstagez: []\n",
			err:  "decode",
		},
		{
			name:  "unsupported format",
			query: "?format=toml",
			body:  "x",
			err:   "unsupported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/pipelines/validate"+tt.query, tt.body)
			require.Equal(t, http.StatusOK, rec.Code)

			res := decodeData[ValidateResponse](t, rec)
			assert.Equal(t, tt.valid, res.Valid)
			if tt.valid {
				assert.Equal(t, tt.order, res.Order)
			} else {
				assert.Contains(t, res.Error, tt.err)
			}
		})
	}
}

// --- Schedule Tests ---

func TestListSchedules(t *testing.T) {
	env := newTestEnv(t, succeed, func(cfg *Config) {
		cfg.Schedules = fakeSchedules{
			{Pipeline: "nightly", CronExpr: "0 2 * * *", Enabled: true},
			{Pipeline: "weekly", CronExpr: "0 3 * * 1", Enabled: false},
		}
	})

	rec := env.do(t, http.MethodGet, "/api/v1/schedules", nil)
	assert.Len(t, decodeData[[]domain.Schedule](t, rec), 2)

	rec = env.do(t, http.MethodGet, "/api/v1/schedules?enabled=true", nil)
	list := decodeData[[]domain.Schedule](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "nightly", list[0].Pipeline)
}

// --- Middleware Tests ---

func TestMetricsMiddleware(t *testing.T) {
	env := newTestEnv(t, succeed, nil)

	env.do(t, http.MethodGet, "/api/v1/runs/a", nil)
	env.do(t, http.MethodGet, "/api/v1/runs/b", nil)

	got := testutil.ToFloat64(env.handler.metrics.requests.WithLabelValues("GET /api/v1/runs/{id}", "404"))
	assert.Equal(t, 2.0, got)
}

func TestRecovery(t *testing.T) {
	h := Recovery(testLogger())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decodeError(t, rec).Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mark("first"), mark("second"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}
