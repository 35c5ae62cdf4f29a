package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaiso/Stagehand/internal/approval"
	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/repo"
	"github.com/shaiso/Stagehand/internal/worker"
)

// --- Helpers ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

func stage(id string, deps ...string) domain.StageDef {
	return domain.StageDef{ID: id, Type: "test", Dependencies: deps}
}

func pipeline(stages ...domain.StageDef) *domain.PipelineDef {
	return &domain.PipelineDef{
		Name:     "test-pipeline",
		Version:  "1",
		Defaults: &domain.StageDefaults{MaxRetries: intPtr(0)},
		Stages:   stages,
	}
}

func newTestOrchestrator(t *testing.T, exec worker.ExecutorFunc, mutate func(*Config)) *Orchestrator {
	t.Helper()

	reg := worker.NewRegistry()
	reg.Register("test", exec)

	cfg := Config{
		Executor:    reg,
		BackoffBase: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
		Logger:      testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	o := New(cfg)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func succeed(_ context.Context, req *worker.Request) (map[string]any, error) {
	return map[string]any{"unit": req.UnitID}, nil
}

func runAndWait(t *testing.T, o *Orchestrator, def *domain.PipelineDef) (*Status, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := o.Run(ctx, def, SubmitOptions{})
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run did not terminate")
	}
	return st, err
}

func unitOf(t *testing.T, st *Status, id string) domain.Unit {
	t.Helper()
	for _, u := range st.Units {
		if u.ID == id {
			return u
		}
	}
	t.Fatalf("unit %s not found in status", id)
	return domain.Unit{}
}

// waitFor опрашивает cond до истечения таймаута.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func unitState(o *Orchestrator, runID, unitID string) domain.UnitState {
	st, err := o.GetStatus(context.Background(), runID)
	if err != nil {
		return ""
	}
	for _, u := range st.Units {
		if u.ID == unitID {
			return u.State
		}
	}
	return ""
}

// inflight считает одновременно выполняющиеся вызовы.
type inflight struct {
	cur, max atomic.Int32
}

func (f *inflight) enter() {
	n := f.cur.Add(1)
	for {
		m := f.max.Load()
		if n <= m || f.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (f *inflight) leave() { f.cur.Add(-1) }

// --- Scheduling Tests ---

func TestRun_BranchingPipeline(t *testing.T) {
	var track inflight
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		track.enter()
		defer track.leave()
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"unit": req.UnitID}, nil
	}, func(c *Config) { c.ConcurrencyLimit = 2 })

	st, err := runAndWait(t, o, pipeline(stage("A"), stage("B", "A"), stage("C", "A")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Fatalf("state = %s, want COMPLETED", st.State)
	}
	for _, id := range []string{"A", "B", "C"} {
		if u := unitOf(t, st, id); u.State != domain.UnitStateCompleted {
			t.Errorf("unit %s state = %s, want COMPLETED", id, u.State)
		}
	}
	if st.Progress != 100 {
		t.Errorf("progress = %v, want 100", st.Progress)
	}
	if got := track.max.Load(); got > 2 {
		t.Errorf("max concurrent = %d, want <= 2", got)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var track inflight
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		track.enter()
		defer track.leave()
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}, func(c *Config) { c.ConcurrencyLimit = 3 })

	var stages []domain.StageDef
	for i := 0; i < 12; i++ {
		stages = append(stages, stage(fmt.Sprintf("u%02d", i)))
	}

	st, err := runAndWait(t, o, pipeline(stages...))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Fatalf("state = %s, want COMPLETED", st.State)
	}
	if got := track.max.Load(); got > 3 || got == 0 {
		t.Errorf("max concurrent = %d, want 1..3", got)
	}
}

func TestRun_DependencyOutputsVisible(t *testing.T) {
	var got map[string]any
	var mu sync.Mutex

	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if req.UnitID == "B" {
			mu.Lock()
			got = req.Inputs
			mu.Unlock()
		}
		return map[string]any{"answer": 42}, nil
	}, nil)

	def := pipeline(stage("A"), stage("B", "A"))
	def.Metadata = map[string]any{"project": "demo"}

	if _, err := runAndWait(t, o, def); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out, ok := got["A_output"].(map[string]any)
	if !ok || out["answer"] != 42 {
		t.Fatalf("A_output = %v, want answer=42", got["A_output"])
	}
	if meta, _ := got["project_metadata"].(map[string]any); meta["project"] != "demo" {
		t.Errorf("project_metadata = %v", got["project_metadata"])
	}
}

func TestRun_ConfigRenderedFromContext(t *testing.T) {
	var url string
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if req.UnitID == "B" {
			url, _ = req.Config["url"].(string)
		}
		return map[string]any{"id": "abc"}, nil
	}, nil)

	b := stage("B", "A")
	b.Config = map[string]any{"url": "https://example.com/{{ .Inputs.env }}/{{ (index .Units \"A\").Outputs.id }}"}

	def := pipeline(stage("A"), b)
	def.Inputs = map[string]any{"env": "staging"}

	if _, err := runAndWait(t, o, def); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if url != "https://example.com/staging/abc" {
		t.Errorf("url = %q", url)
	}
}

func TestRun_TemplatesSeeOnlyDependencies(t *testing.T) {
	var calls sync.Map
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		calls.Store(req.UnitID, true)
		return map[string]any{"id": req.UnitID}, nil
	}, nil)

	c := stage("C", "B")
	c.Config = map[string]any{"from": "{{ (index .Units \"A\").Outputs.id }}"}

	_, err := runAndWait(t, o, pipeline(stage("A"), stage("B", "A"), c))
	if !errors.Is(err, ErrUnitExecution) {
		t.Fatalf("error = %v, want render failure for non-dependency A", err)
	}
	if _, ok := calls.Load("C"); ok {
		t.Error("C must not run with an unrendered config")
	}
}

// --- Failure Tests ---

func TestRun_RetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		n := attempts.Add(1)
		return nil, fmt.Errorf("boom %d", n)
	}, nil)

	a := stage("A")
	a.MaxRetries = intPtr(2)

	st, err := runAndWait(t, o, pipeline(a))
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", err)
	}
	if !errors.Is(err, ErrUnitExecution) {
		t.Errorf("error = %v, want to wrap ErrUnitExecution", err)
	}

	u := unitOf(t, st, "A")
	if u.State != domain.UnitStateFailed {
		t.Errorf("state = %s, want FAILED", u.State)
	}
	if u.Attempts != 3 || attempts.Load() != 3 {
		t.Errorf("attempts = %d (executor %d), want 3", u.Attempts, attempts.Load())
	}
	if u.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3 (max_retries+1)", u.RetryCount)
	}
	if !strings.Contains(u.ErrorMessage, "boom 3") {
		t.Errorf("error_message = %q, want last failure", u.ErrorMessage)
	}
	if st.State != domain.RunStatusFailed || st.FailedUnit != "A" {
		t.Errorf("run = %s/%s, want FAILED/A", st.State, st.FailedUnit)
	}
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	}, nil)

	a := stage("A")
	a.MaxRetries = intPtr(3)

	st, err := runAndWait(t, o, pipeline(a))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	u := unitOf(t, st, "A")
	if u.State != domain.UnitStateCompleted || u.Attempts != 3 {
		t.Errorf("unit = %s after %d attempts, want COMPLETED after 3", u.State, u.Attempts)
	}
	if u.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", u.ErrorMessage)
	}
}

func TestRun_Timeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		<-block // игнорирует ctx
		return nil, nil
	}, nil)

	a := stage("A")
	a.TimeoutSec = 1

	start := time.Now()
	st, err := runAndWait(t, o, pipeline(a))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrUnitTimeout) {
		t.Fatalf("error = %v, want ErrUnitTimeout", err)
	}
	if elapsed < time.Second || elapsed > 3*time.Second {
		t.Errorf("elapsed = %v, want about 1s", elapsed)
	}

	u := unitOf(t, st, "A")
	if u.State != domain.UnitStateFailed {
		t.Errorf("state = %s, want FAILED", u.State)
	}
	if u.ErrorMessage != "timed out after 1s" {
		t.Errorf("error_message = %q", u.ErrorMessage)
	}
	if u.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (retry_on_timeout off)", u.Attempts)
	}
}

func TestRun_SkipOnFailure(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if req.UnitID == "A" {
			return nil, errors.New("broken")
		}
		return nil, nil
	}, nil)

	st, err := runAndWait(t, o, pipeline(stage("A"), stage("B", "A"), stage("C", "B"), stage("D")))
	if err == nil {
		t.Fatal("expected error")
	}

	var ue *UnitError
	if !errors.As(err, &ue) || ue.UnitID != "A" {
		t.Errorf("error = %v, want UnitError for A", err)
	}

	want := map[string]domain.UnitState{
		"A": domain.UnitStateFailed,
		"B": domain.UnitStateSkipped,
		"C": domain.UnitStateSkipped,
		"D": domain.UnitStateCompleted,
	}
	for id, state := range want {
		if got := unitOf(t, st, id).State; got != state {
			t.Errorf("unit %s = %s, want %s", id, got, state)
		}
	}
	if st.State != domain.RunStatusFailed {
		t.Errorf("run state = %s, want FAILED", st.State)
	}
}

func TestRun_ExecutorPanic(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		panic("kaboom")
	}, nil)

	st, err := runAndWait(t, o, pipeline(stage("A")))
	if !errors.Is(err, ErrUnitExecution) {
		t.Fatalf("error = %v, want ErrUnitExecution", err)
	}
	if !strings.Contains(unitOf(t, st, "A").ErrorMessage, "kaboom") {
		t.Errorf("error_message = %q", unitOf(t, st, "A").ErrorMessage)
	}
}

func TestRun_RenderErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}, nil)

	a := stage("A")
	a.MaxRetries = intPtr(3)
	a.PromptTemplate = "{{ .Broken"

	_, err := runAndWait(t, o, pipeline(a))
	if !errors.Is(err, ErrUnitExecution) {
		t.Fatalf("error = %v, want ErrUnitExecution", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("render errors must not be retried")
	}
	if calls.Load() != 0 {
		t.Errorf("executor called %d times, want 0", calls.Load())
	}
}

// --- Quality Tests ---

func todoRule() domain.Rule {
	return domain.Rule{
		Name:       "no-todo",
		Type:       "contains_text",
		Severity:   domain.SeverityError,
		Parameters: map[string]any{"text": "TODO", "key": "content"},
	}
}

func TestRun_QualityGateFailed(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		return map[string]any{"content": "done, no TODO left"}, nil
	}, nil)

	a := stage("A")
	a.ValidationRules = []domain.Rule{todoRule()}

	st, err := runAndWait(t, o, pipeline(a, stage("B", "A")))
	if !errors.Is(err, ErrQualityGateFailed) {
		t.Fatalf("error = %v, want ErrQualityGateFailed", err)
	}
	if errors.Is(err, ErrRetriesExhausted) {
		t.Error("quality failure without retry flag must fail directly")
	}
	if u := unitOf(t, st, "A"); !strings.Contains(u.ErrorMessage, "score 80.00") {
		t.Errorf("error_message = %q, want score 80.00", u.ErrorMessage)
	}
	if unitOf(t, st, "B").State != domain.UnitStateSkipped {
		t.Error("dependent of quality failure must be SKIPPED")
	}
}

func TestRun_QualityRetry(t *testing.T) {
	var attempts atomic.Int32
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if attempts.Add(1) == 1 {
			return map[string]any{"content": "TODO: finish"}, nil
		}
		return map[string]any{"content": "finished"}, nil
	}, nil)

	a := stage("A")
	a.MaxRetries = intPtr(1)
	a.RetryOnQualityFailure = true
	a.ValidationRules = []domain.Rule{todoRule()}

	run, err := o.Submit(context.Background(), pipeline(a), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	st, err := o.Wait(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if u := unitOf(t, st, "A"); u.State != domain.UnitStateCompleted || u.Attempts != 2 {
		t.Errorf("unit = %s after %d attempts, want COMPLETED after 2", u.State, u.Attempts)
	}

	state := o.getActiveRun(run.ID)
	entry, ok := state.Context.Get("A")
	if !ok {
		t.Fatal("context entry for A missing")
	}
	if entry.Validation == nil || !entry.Validation.Passed || entry.Validation.Score != 100 {
		t.Errorf("validation = %+v, want passed with score 100", entry.Validation)
	}
}

func TestRun_ArtifactsExtracted(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		return map[string]any{"code": "```go\npackage main\n```"}, nil
	}, nil)

	a := stage("A")
	a.Artifacts = []domain.ArtifactMapping{
		{OutputKey: "code", Name: "main.go", Type: "code", Transform: "strip_code_fences"},
		{OutputKey: "code", Name: "raw", Transform: "no_such_transform"},
	}

	run, err := o.Submit(context.Background(), pipeline(a), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := o.Wait(context.Background(), run.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	entry, _ := o.getActiveRun(run.ID).Context.Get("A")
	if len(entry.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(entry.Artifacts))
	}
	if entry.Artifacts[0].Content != "package main" {
		t.Errorf("artifact content = %q", entry.Artifacts[0].Content)
	}
	if entry.Artifacts[1].Content != "```go\npackage main\n```" {
		t.Errorf("failed transform must keep content, got %q", entry.Artifacts[1].Content)
	}
}

// --- Approval Tests ---

type fakeApprovals struct {
	mu        sync.Mutex
	requests  []domain.ApprovalRequest
	decisions chan domain.ApprovalDecision
}

func newFakeApprovals(decisions ...domain.ApprovalDecision) *fakeApprovals {
	ch := make(chan domain.ApprovalDecision, len(decisions))
	for _, d := range decisions {
		ch <- d
	}
	return &fakeApprovals{decisions: ch}
}

func (f *fakeApprovals) RequestApproval(_ context.Context, req domain.ApprovalRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return fmt.Sprintf("apr-%d", len(f.requests)), nil
}

func (f *fakeApprovals) AwaitDecision(ctx context.Context, id string) (domain.ApprovalDecision, error) {
	select {
	case d := <-f.decisions:
		d.ApprovalID = id
		return d, nil
	case <-ctx.Done():
		return domain.ApprovalDecision{}, ctx.Err()
	}
}

func TestRun_ApprovalApproved(t *testing.T) {
	approvals := newFakeApprovals(domain.ApprovalDecision{Approved: true, Approver: "alice"})
	o := newTestOrchestrator(t, succeed, func(c *Config) { c.Approvals = approvals })

	a := stage("A")
	a.ApprovalRequired = true
	a.Reviewers = []string{"alice"}

	st, err := runAndWait(t, o, pipeline(a))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}

	approvals.mu.Lock()
	defer approvals.mu.Unlock()
	if len(approvals.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(approvals.requests))
	}
	req := approvals.requests[0]
	if req.UnitID != "A" || req.Payload["unit"] != "A" || len(req.Reviewers) != 1 {
		t.Errorf("request = %+v", req)
	}
}

func TestRun_ApprovalRejected(t *testing.T) {
	approvals := newFakeApprovals(domain.ApprovalDecision{Approved: false, Reason: "needs work"})
	o := newTestOrchestrator(t, succeed, func(c *Config) { c.Approvals = approvals })

	a := stage("A")
	a.ApprovalRequired = true

	st, err := runAndWait(t, o, pipeline(a, stage("B", "A")))
	if !errors.Is(err, ErrApprovalRejected) {
		t.Fatalf("error = %v, want ErrApprovalRejected", err)
	}
	if u := unitOf(t, st, "A"); !strings.Contains(u.ErrorMessage, "needs work") {
		t.Errorf("error_message = %q", u.ErrorMessage)
	}
	if unitOf(t, st, "B").State != domain.UnitStateSkipped {
		t.Error("B must be SKIPPED after rejection")
	}
}

func TestRun_ApprovalRejectedThenRetried(t *testing.T) {
	approvals := newFakeApprovals(
		domain.ApprovalDecision{Approved: false, Reason: "needs work"},
		domain.ApprovalDecision{Approved: true, Approver: "alice"},
	)
	var attempts atomic.Int32
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		attempts.Add(1)
		return map[string]any{"unit": req.UnitID}, nil
	}, func(c *Config) { c.Approvals = approvals })

	a := stage("A")
	a.ApprovalRequired = true
	a.MaxRetries = intPtr(1)

	st, err := runAndWait(t, o, pipeline(a))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	u := unitOf(t, st, "A")
	if u.State != domain.UnitStateCompleted || u.Attempts != 2 {
		t.Errorf("unit = %s after %d attempts, want COMPLETED after 2", u.State, u.Attempts)
	}
	if u.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", u.RetryCount)
	}
	if attempts.Load() != 2 {
		t.Errorf("executor calls = %d, want 2 (rejection re-runs the work)", attempts.Load())
	}

	approvals.mu.Lock()
	defer approvals.mu.Unlock()
	if len(approvals.requests) != 2 {
		t.Errorf("requests = %d, want 2", len(approvals.requests))
	}
}

func TestRun_ApprovalTimeoutExpiresRequest(t *testing.T) {
	manual := approval.NewManual(testLogger())
	o := newTestOrchestrator(t, succeed, func(c *Config) { c.Approvals = manual })

	a := stage("A")
	a.ApprovalRequired = true
	a.TimeoutSec = 1

	st, err := runAndWait(t, o, pipeline(a))
	if !errors.Is(err, ErrUnitTimeout) {
		t.Fatalf("error = %v, want ErrUnitTimeout", err)
	}
	if len(st.PendingApprovals) != 0 {
		t.Errorf("pending approvals = %v, want none", st.PendingApprovals)
	}

	all, err := manual.List(context.Background(), repo.ApprovalFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("requests = %d, want 1", len(all))
	}
	if all[0].Status != domain.ApprovalStatusExpired {
		t.Errorf("status = %s, want EXPIRED", all[0].Status)
	}

	pending := domain.ApprovalStatusPending
	open, err := manual.List(context.Background(), repo.ApprovalFilter{Status: &pending})
	if err != nil {
		t.Fatalf("List(pending) error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("pending requests = %d, want 0", len(open))
	}

	err = manual.Decide(context.Background(), domain.ApprovalDecision{ApprovalID: all[0].ID, Approved: true})
	if !errors.Is(err, approval.ErrExpired) {
		t.Errorf("Decide() error = %v, want ErrExpired", err)
	}
}

func TestRun_ApprovalWithoutProvider(t *testing.T) {
	o := newTestOrchestrator(t, succeed, nil)

	a := stage("A")
	a.ApprovalRequired = true
	a.MaxRetries = intPtr(2)

	st, err := runAndWait(t, o, pipeline(a))
	if !errors.Is(err, ErrNoApprovalProvider) {
		t.Fatalf("error = %v, want ErrNoApprovalProvider", err)
	}
	if u := unitOf(t, st, "A"); u.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", u.Attempts)
	}
}

// --- Condition Tests ---

func TestRun_ConditionFalseSkips(t *testing.T) {
	o := newTestOrchestrator(t, succeed, nil)

	a := stage("A")
	a.Condition = `{{ eq .Inputs.env "prod" }}`

	def := pipeline(a, stage("B", "A"), stage("C"))
	def.Inputs = map[string]any{"env": "dev"}

	st, err := runAndWait(t, o, def)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}
	if u := unitOf(t, st, "A"); u.State != domain.UnitStateSkipped || u.ErrorMessage != "condition not met" {
		t.Errorf("A = %s (%q)", u.State, u.ErrorMessage)
	}
	if unitOf(t, st, "B").State != domain.UnitStateSkipped {
		t.Error("B must be SKIPPED")
	}
	if unitOf(t, st, "C").State != domain.UnitStateCompleted {
		t.Error("C must be COMPLETED")
	}
}

// --- Status API Tests ---

func TestPauseResume(t *testing.T) {
	release := make(chan struct{})
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if req.UnitID == "A" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, nil
	}, nil)

	ctx := context.Background()
	run, err := o.Submit(ctx, pipeline(stage("A"), stage("B", "A")), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "A running", func() bool { return unitState(o, run.ID, "A") == domain.UnitStateRunning })

	if err := o.Pause(ctx, run.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if err := o.Pause(ctx, run.ID); !errors.Is(err, ErrRunNotRunning) {
		t.Errorf("second Pause() error = %v, want ErrRunNotRunning", err)
	}

	close(release)
	waitFor(t, "A completed", func() bool { return unitState(o, run.ID, "A") == domain.UnitStateCompleted })

	time.Sleep(30 * time.Millisecond)
	st, _ := o.GetStatus(ctx, run.ID)
	if st.State != domain.RunStatusPaused {
		t.Errorf("state = %s, want PAUSED", st.State)
	}
	if u := unitOf(t, st, "B"); u.State != domain.UnitStatePending {
		t.Errorf("B = %s, want PENDING while paused", u.State)
	}

	if err := o.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	st, err = o.Wait(ctx, run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}
	if err := o.Resume(ctx, run.ID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("Resume() on finished run error = %v, want ErrRunFinished", err)
	}
}

func TestCancel(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	ctx := context.Background()
	run, err := o.Submit(ctx, pipeline(stage("A"), stage("B", "A")), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "A running", func() bool { return unitState(o, run.ID, "A") == domain.UnitStateRunning })

	if err := o.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if err := o.Cancel(ctx, run.ID); err != nil && !errors.Is(err, ErrRunFinished) {
		t.Errorf("second Cancel() error = %v", err)
	}

	st, err := o.Wait(ctx, run.ID)
	if !errors.Is(err, ErrRunCancelled) {
		t.Fatalf("Wait() error = %v, want ErrRunCancelled", err)
	}
	if st.State != domain.RunStatusCancelled {
		t.Errorf("state = %s, want CANCELLED", st.State)
	}
	for _, id := range []string{"A", "B"} {
		if u := unitOf(t, st, id); u.State != domain.UnitStateCancelled {
			t.Errorf("unit %s = %s, want CANCELLED", id, u.State)
		}
	}
}

func TestCancelUnit(t *testing.T) {
	release := make(chan struct{})
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if req.UnitID == "A" {
			<-release
		}
		return nil, nil
	}, nil)

	ctx := context.Background()
	run, err := o.Submit(ctx, pipeline(stage("A"), stage("B", "A"), stage("C", "B")), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "A running", func() bool { return unitState(o, run.ID, "A") == domain.UnitStateRunning })

	if err := o.CancelUnit(ctx, run.ID, "B"); err != nil {
		t.Fatalf("CancelUnit() error = %v", err)
	}
	if err := o.CancelUnit(ctx, run.ID, "nope"); !errors.Is(err, ErrUnitNotFound) {
		t.Errorf("CancelUnit(unknown) error = %v, want ErrUnitNotFound", err)
	}
	if err := o.CancelUnit(ctx, run.ID, "B"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("CancelUnit(cancelled) error = %v, want ErrInvalidTransition", err)
	}

	close(release)

	st, err := o.Wait(ctx, run.ID)
	if !errors.Is(err, ErrUnitCancelled) {
		t.Fatalf("Wait() error = %v, want ErrUnitCancelled", err)
	}
	if st.State != domain.RunStatusFailed || st.FailedUnit != "B" {
		t.Errorf("run = %s/%s, want FAILED/B", st.State, st.FailedUnit)
	}
	if unitOf(t, st, "A").State != domain.UnitStateCompleted {
		t.Error("A must complete")
	}
	if unitOf(t, st, "C").State != domain.UnitStateSkipped {
		t.Error("C must be SKIPPED")
	}
}

func TestCancelUnit_Running(t *testing.T) {
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	ctx := context.Background()
	a := stage("A")
	a.MaxRetries = intPtr(3)
	run, err := o.Submit(ctx, pipeline(a), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	waitFor(t, "A running", func() bool { return unitState(o, run.ID, "A") == domain.UnitStateRunning })

	if err := o.CancelUnit(ctx, run.ID, "A"); err != nil {
		t.Fatalf("CancelUnit() error = %v", err)
	}

	st, _ := o.Wait(ctx, run.ID)
	u := unitOf(t, st, "A")
	if u.State != domain.UnitStateCancelled || u.Attempts != 1 {
		t.Errorf("A = %s after %d attempts, want CANCELLED after 1", u.State, u.Attempts)
	}
}

func TestStatusAPI_UnknownRun(t *testing.T) {
	o := newTestOrchestrator(t, succeed, nil)
	ctx := context.Background()

	if _, err := o.GetStatus(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetStatus() error = %v, want ErrRunNotFound", err)
	}
	if err := o.Pause(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Pause() error = %v, want ErrRunNotFound", err)
	}
	if err := o.Resume(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Resume() error = %v, want ErrRunNotFound", err)
	}
	if err := o.Cancel(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Cancel() error = %v, want ErrRunNotFound", err)
	}
}

// --- Store Tests ---

type fakeStore struct {
	mu    sync.Mutex
	snaps map[string]*domain.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]*domain.Snapshot)}
}

func (s *fakeStore) Save(_ context.Context, runID string, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[runID] = snap
	return nil
}

func (s *fakeStore) Load(_ context.Context, runID string) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[runID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return snap, nil
}

func TestGetStatus_FallsBackToStore(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator(t, succeed, func(c *Config) {
		c.Store = store
		c.RetainFinished = time.Millisecond
	})

	st, err := runAndWait(t, o, pipeline(stage("A"), stage("B", "A")))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if n := o.cleanup(time.Now()); n != 1 {
		t.Fatalf("cleanup() = %d, want 1", n)
	}
	if o.isRunActive(st.RunID) {
		t.Fatal("run still in registry after cleanup")
	}

	got, err := o.GetStatus(context.Background(), st.RunID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if got.State != domain.RunStatusCompleted || got.Progress != 100 {
		t.Errorf("status = %s/%v, want COMPLETED/100", got.State, got.Progress)
	}
	if len(got.CompletedUnits) != 2 {
		t.Errorf("completed units = %v", got.CompletedUnits)
	}
}

func TestRestore(t *testing.T) {
	var calls sync.Map
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		calls.Store(req.UnitID, req.Inputs)
		return map[string]any{"from": req.UnitID}, nil
	}, nil)

	def := pipeline(stage("A"), stage("B", "A"))
	now := time.Now().UTC()
	snap := &domain.Snapshot{
		Run: domain.Run{ID: "run-1", Pipeline: def.Name, Status: domain.RunStatusRunning, CreatedAt: now},
		Units: []domain.Unit{
			{ID: "A", State: domain.UnitStateCompleted, Attempts: 1},
			{ID: "B", State: domain.UnitStateRunning, Attempts: 1},
		},
		Context: map[string]domain.ContextEntry{
			"A": {UnitID: "A", Outputs: map[string]any{"from": "snapshot"}, Status: domain.UnitStateCompleted},
		},
	}

	run, err := o.Restore(context.Background(), def, snap)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	st, err := o.Wait(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}
	if _, ok := calls.Load("A"); ok {
		t.Error("completed unit A must not run again")
	}
	in, ok := calls.Load("B")
	if !ok {
		t.Fatal("B did not run")
	}
	if out := in.(map[string]any)["A_output"].(map[string]any); out["from"] != "snapshot" {
		t.Errorf("A_output = %v, want restored outputs", out)
	}
}

func TestRestore_KeepsFailedUnit(t *testing.T) {
	var calls sync.Map
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		calls.Store(req.UnitID, true)
		return map[string]any{"unit": req.UnitID}, nil
	}, nil)

	def := pipeline(stage("A"), stage("B", "A"), stage("C"))
	now := time.Now().UTC()
	snap := &domain.Snapshot{
		Run: domain.Run{ID: "run-failed", Pipeline: def.Name, Status: domain.RunStatusRunning, CreatedAt: now},
		Units: []domain.Unit{
			{ID: "A", State: domain.UnitStateFailed, Attempts: 1, ErrorMessage: "unit execution error: boom"},
			{ID: "B", State: domain.UnitStatePending},
			{ID: "C", State: domain.UnitStateRunning, Attempts: 1},
		},
	}

	run, err := o.Restore(context.Background(), def, snap)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	st, err := o.Wait(context.Background(), run.ID)
	if !errors.Is(err, ErrUnitExecution) {
		t.Fatalf("Wait() error = %v, want ErrUnitExecution", err)
	}
	if st.State != domain.RunStatusFailed || st.FailedUnit != "A" {
		t.Errorf("run = %s/%s, want FAILED/A", st.State, st.FailedUnit)
	}
	if st.Error != "unit execution error: boom" {
		t.Errorf("error = %q, want saved message", st.Error)
	}
	if unitOf(t, st, "B").State != domain.UnitStateSkipped {
		t.Error("B must be SKIPPED after restored failure of A")
	}
	if unitOf(t, st, "C").State != domain.UnitStateCompleted {
		t.Error("interrupted C must run again")
	}
	if _, ok := calls.Load("A"); ok {
		t.Error("failed unit A must not run again")
	}
}

func TestStop_KeepsRunResumable(t *testing.T) {
	store := newFakeStore()
	started := make(chan struct{})
	var once sync.Once

	reg := worker.NewRegistry()
	reg.Register("test", worker.ExecutorFunc(func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if req.UnitID == "B" {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"unit": req.UnitID}, nil
	}))
	o := New(Config{Executor: reg, Store: store, Logger: testLogger()})
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	def := pipeline(stage("A"), stage("B", "A"))
	run, err := o.Submit(context.Background(), def, SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("B did not start")
	}
	o.Stop()

	snap, err := store.Load(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snap.Run.IsFinished() {
		t.Fatalf("saved run status = %s, want unfinished", snap.Run.Status)
	}
	for _, u := range snap.Units {
		switch u.ID {
		case "A":
			if u.State != domain.UnitStateCompleted {
				t.Errorf("A = %s, want COMPLETED", u.State)
			}
		case "B":
			if u.State != domain.UnitStatePending {
				t.Errorf("B = %s, want PENDING", u.State)
			}
			if u.RetryCount != 0 {
				t.Errorf("B retry_count = %d, interruption must not count", u.RetryCount)
			}
		}
	}

	o2 := newTestOrchestrator(t, succeed, func(c *Config) { c.Store = store })
	restored, err := o2.Restore(context.Background(), def, snap)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	st, err := o2.Wait(context.Background(), restored.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if st.State != domain.RunStatusCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}
}

// --- Submit Tests ---

func TestSubmit_InvalidPipeline(t *testing.T) {
	o := newTestOrchestrator(t, succeed, nil)

	tests := []struct {
		name    string
		def     *domain.PipelineDef
		wantErr error
	}{
		{"cycle", pipeline(stage("A", "B"), stage("B", "A")), engine.ErrCyclicDependency},
		{"missing dependency", pipeline(stage("A", "ghost")), engine.ErrInvalidDependency},
		{"unknown executor", pipeline(domain.StageDef{ID: "A", Type: "teleport"}), worker.ErrUnknownExecutor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), tt.def, SubmitOptions{})
			if !errors.Is(err, ErrInvalidPipeline) {
				t.Fatalf("error = %v, want ErrInvalidPipeline", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	bad := stage("A")
	bad.ValidationRules = []domain.Rule{{Type: "vibes_check"}}
	if _, err := o.Submit(context.Background(), pipeline(bad), SubmitOptions{}); !errors.Is(err, ErrInvalidPipeline) {
		t.Errorf("unknown rule type error = %v, want ErrInvalidPipeline", err)
	}
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		<-release
		return nil, nil
	}, nil)

	def := pipeline(stage("A"))
	first, err := o.Submit(context.Background(), def, SubmitOptions{IdempotencyKey: "nightly_1700000000"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	second, err := o.Submit(context.Background(), def, SubmitOptions{IdempotencyKey: "nightly_1700000000"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("run IDs differ: %s vs %s", first.ID, second.ID)
	}
	if len(o.Runs()) != 1 {
		t.Errorf("runs = %d, want 1", len(o.Runs()))
	}
}

func TestSubmit_IdempotencyKeyFromStore(t *testing.T) {
	store := repo.NewMemoryStore()
	finished := time.Now().UTC()
	err := store.Save(context.Background(), "run-old", &domain.Snapshot{
		Run: domain.Run{
			ID:             "run-old",
			Pipeline:       "test",
			Status:         domain.RunStatusCompleted,
			IdempotencyKey: "nightly_1700000000",
			CreatedAt:      finished,
			FinishedAt:     &finished,
		},
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	o := newTestOrchestrator(t, succeed, func(c *Config) { c.Store = store })

	run, err := o.Submit(context.Background(), pipeline(stage("A")), SubmitOptions{IdempotencyKey: "nightly_1700000000"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if run.ID != "run-old" {
		t.Errorf("run ID = %s, want run-old", run.ID)
	}
	if len(o.Runs()) != 0 {
		t.Errorf("runs = %d, want no new run", len(o.Runs()))
	}
}

func TestSubmit_AfterStop(t *testing.T) {
	o := New(Config{Executor: worker.NewRegistry(), Logger: testLogger()})
	o.Stop()

	if _, err := o.Submit(context.Background(), pipeline(stage("A")), SubmitOptions{}); !errors.Is(err, ErrOrchestratorStopped) {
		t.Errorf("error = %v, want ErrOrchestratorStopped", err)
	}
}

// --- Events Tests ---

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingSink) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestEvents_Lifecycle(t *testing.T) {
	sink := &recordingSink{}
	var attempts atomic.Int32
	o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("first try fails")
		}
		return nil, nil
	}, func(c *Config) { c.Events = sink })

	a := stage("A")
	a.MaxRetries = intPtr(1)

	if _, err := runAndWait(t, o, pipeline(a)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []domain.EventType{
		domain.EventRunCreated,
		domain.EventRunStarted,
		domain.EventUnitStarted,
		domain.EventUnitRetrying,
		domain.EventUnitStarted,
		domain.EventUnitCompleted,
		domain.EventRunCompleted,
	}
	got := sink.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

type failingSink struct{}

func (failingSink) Publish(context.Context, domain.Event) error { return errors.New("broker down") }

func TestEvents_SinkErrorsIgnored(t *testing.T) {
	o := newTestOrchestrator(t, succeed, func(c *Config) { c.Events = failingSink{} })

	st, err := runAndWait(t, o, pipeline(stage("A")))
	if err != nil || st.State != domain.RunStatusCompleted {
		t.Errorf("run = %v/%v, want COMPLETED", st, err)
	}
}

// --- Property Tests ---

func TestDrive_RandomGraphsTerminate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 25; iter++ {
		n := 2 + rng.Intn(10)
		failing := map[string]bool{}
		var stages []domain.StageDef
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("s%02d", i)
			var deps []string
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%02d", j))
				}
			}
			if rng.Intn(5) == 0 {
				failing[id] = true
			}
			stages = append(stages, stage(id, deps...))
		}

		var track inflight
		limit := 1 + rng.Intn(3)
		o := newTestOrchestrator(t, func(ctx context.Context, req *worker.Request) (map[string]any, error) {
			track.enter()
			defer track.leave()
			if failing[req.UnitID] {
				return nil, errors.New("injected")
			}
			return nil, nil
		}, func(c *Config) { c.ConcurrencyLimit = limit })

		st, _ := runAndWait(t, o, pipeline(stages...))

		if !st.State.IsTerminal() {
			t.Fatalf("iter %d: state = %s, want terminal", iter, st.State)
		}
		if got := int(track.max.Load()); got > limit {
			t.Errorf("iter %d: max concurrent = %d, limit %d", iter, got, limit)
		}

		states := map[string]domain.UnitState{}
		for _, u := range st.Units {
			if !u.State.IsTerminal() {
				t.Errorf("iter %d: unit %s not terminal: %s", iter, u.ID, u.State)
			}
			states[u.ID] = u.State
		}
		for _, s := range stages {
			for _, dep := range s.Dependencies {
				if states[dep] != domain.UnitStateCompleted && states[s.ID] != domain.UnitStateSkipped {
					t.Errorf("iter %d: %s = %s with dependency %s = %s", iter, s.ID, states[s.ID], dep, states[dep])
				}
			}
		}
	}
}

func TestBackoff(t *testing.T) {
	o := New(Config{Executor: worker.NewRegistry(), Logger: testLogger()})
	defer o.Stop()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := o.backoff(tt.retry); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Timeout: 1500 * time.Millisecond}
	if err.Error() != "timed out after 1.5s" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrUnitTimeout) {
		t.Error("TimeoutError must match ErrUnitTimeout")
	}
}
