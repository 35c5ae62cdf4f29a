package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaiso/Stagehand/internal/domain"
	"github.com/shaiso/Stagehand/internal/engine"
	"github.com/shaiso/Stagehand/internal/telemetry"
	"github.com/shaiso/Stagehand/internal/worker"
)

// attemptResult — результат успешной попытки.
type attemptResult struct {
	outputs    map[string]any
	validation *domain.ValidationResult
	artifacts  []domain.Artifact
}

// permanentError — ошибка, к которой retry не применяется
// (например, ошибка рендеринга шаблона).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// runUnit выполняет одну попытку unit и применяет её результат к RunState.
func (o *Orchestrator) runUnit(s *RunState, l unitLaunch) {
	defer l.cancel(nil)

	ctx, span := tracer.Start(l.ctx, "orchestrator.unit",
		trace.WithAttributes(
			attribute.String("run.id", s.RunID()),
			attribute.String("unit.id", l.unitID),
			attribute.String("unit.type", l.stage.Type),
			attribute.Int("attempt", l.attempt),
		),
	)
	defer span.End()

	logger := telemetry.WithUnitID(telemetry.WithRunID(o.logger, s.RunID()), l.unitID)
	ctx = telemetry.WithLogger(ctx, logger)

	start := time.Now()
	res, err := o.attempt(ctx, s, l)

	o.metrics.unitsRunning.Dec()
	if o.metrics.activeUnits != nil {
		o.metrics.activeUnits.Add(context.WithoutCancel(ctx), -1)
	}
	o.metrics.unitDuration.WithLabelValues(l.stage.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.finish(ctx, s, l, res, err)
}

// attempt выполняет работу unit, quality gate, извлечение артефактов
// и approval gate. Вся попытка ограничена таймаутом unit.
func (o *Orchestrator) attempt(ctx context.Context, s *RunState, l unitLaunch) (*attemptResult, error) {
	stage := l.stage

	attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	req, err := o.buildRequest(s, l)
	if err != nil {
		return nil, permanent(fmt.Errorf("%w: %w", ErrUnitExecution, err))
	}

	outputs, err := o.execute(attemptCtx, req)
	if err != nil {
		return nil, classify(ctx, attemptCtx, l.timeout, err)
	}
	if outputs == nil {
		outputs = map[string]any{}
	}

	res := &attemptResult{outputs: outputs}

	if len(stage.ValidationRules) > 0 || len(stage.QualityGates) > 0 {
		v := o.quality.EvaluateWithPolicy(outputs, stage.ValidationRules, stage.QualityGates, s.policy)
		res.validation = &v
		o.metrics.qualityScore.WithLabelValues(string(stage.StageType)).Observe(v.Score)
		if !v.Passed {
			return res, fmt.Errorf("%w: score %.2f: %s",
				ErrQualityGateFailed, v.Score, strings.Join(v.Errors, "; "))
		}
	}

	if len(stage.Artifacts) > 0 {
		artifacts, errs := o.transforms.Extract(outputs, stage.Artifacts)
		for _, e := range errs {
			telemetry.LoggerOr(ctx, o.logger).Warn("artifact transform failed", "error", e)
		}
		res.artifacts = artifacts
	}

	if stage.ApprovalRequired {
		if err := o.awaitApproval(attemptCtx, s, l, res); err != nil {
			if errors.Is(err, ErrApprovalRejected) || errors.Is(err, ErrNoApprovalProvider) {
				return res, err
			}
			return res, classify(ctx, attemptCtx, l.timeout, err)
		}
	}

	return res, nil
}

// buildRequest рендерит конфигурацию и промпт стадии против Orchestration Context.
func (o *Orchestrator) buildRequest(s *RunState, l unitLaunch) (*worker.Request, error) {
	stage := l.stage

	data := s.Context.TemplateDataFor(stage.Dependencies)
	data.Unit = map[string]any{
		"id":         stage.ID,
		"name":       stage.DisplayName(),
		"stage_type": string(stage.StageType),
		"attempt":    l.attempt,
	}

	config, err := engine.RenderConfig(stage.Config, data)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}

	var prompt string
	if stage.PromptTemplate != "" {
		prompt, err = engine.Render(stage.PromptTemplate, data)
		if err != nil {
			return nil, fmt.Errorf("render prompt: %w", err)
		}
	}

	return &worker.Request{
		RunID:     s.RunID(),
		UnitID:    stage.ID,
		Name:      stage.DisplayName(),
		Type:      stage.Type,
		StageType: stage.StageType,
		Config:    config,
		Prompt:    prompt,
		Inputs:    stageInputs(s.Context, stage, config),
		Attempt:   l.attempt,
	}, nil
}

// stageInputs собирает входы стадии: stage_type, user_inputs,
// project_metadata, <dep>_output и config.additional_inputs.
func stageInputs(c *engine.Context, stage *domain.StageDef, config map[string]any) map[string]any {
	inputs := map[string]any{
		"stage_type":       string(stage.StageType),
		"user_inputs":      c.Inputs(),
		"project_metadata": c.Metadata(),
	}
	for _, dep := range stage.Dependencies {
		inputs[dep+"_output"] = c.Outputs(dep)
	}
	if extra, ok := config["additional_inputs"].(map[string]any); ok {
		for k, v := range extra {
			inputs[k] = v
		}
	}
	return inputs
}

// execute вызывает executor и гонит его результат против ctx.
// Executor, игнорирующий отмену, не блокирует unit: попытка
// завершается по ctx, а его результат отбрасывается.
func (o *Orchestrator) execute(ctx context.Context, req *worker.Request) (map[string]any, error) {
	type result struct {
		outputs map[string]any
		err     error
	}

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		out, err := o.executor.Execute(ctx, req)
		ch <- result{outputs: out, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return r.outputs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify приводит ошибку попытки к таксономии unit.
func classify(unitCtx, attemptCtx context.Context, timeout time.Duration, err error) error {
	if unitCtx.Err() != nil {
		return cancelledError(unitCtx)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout}
	}
	return fmt.Errorf("%w: %w", ErrUnitExecution, err)
}

// awaitApproval запрашивает решение и ждёт его.
func (o *Orchestrator) awaitApproval(ctx context.Context, s *RunState, l unitLaunch, res *attemptResult) error {
	if o.approvals == nil {
		return permanent(ErrNoApprovalProvider)
	}

	req := domain.ApprovalRequest{
		RunID:      s.RunID(),
		UnitID:     l.unitID,
		UnitName:   l.stage.DisplayName(),
		Payload:    res.outputs,
		Validation: res.validation,
		Reviewers:  l.stage.Reviewers,
		Status:     domain.ApprovalStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	id, err := o.approvals.RequestApproval(ctx, req)
	if err != nil {
		return fmt.Errorf("request approval: %w", err)
	}

	s.mu.Lock()
	s.approvals[l.unitID] = id
	s.mu.Unlock()

	logger := telemetry.LoggerOr(ctx, o.logger)
	logger.Info("approval requested", "approval_id", id)
	o.emit(ctx, s, domain.Event{
		Type:    domain.EventApprovalRequested,
		UnitID:  l.unitID,
		Attempt: l.attempt,
		Data:    map[string]any{"approval_id": id, "reviewers": l.stage.Reviewers},
	})

	decision, err := o.approvals.AwaitDecision(ctx, id)
	if err != nil {
		o.withdraw(ctx, id)
		return fmt.Errorf("await approval %s: %w", id, err)
	}
	if !decision.Approved {
		reason := decision.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrApprovalRejected, reason)
	}

	logger.Info("stage approved", "approver", decision.Approver)
	return nil
}

// withdraw отзывает запрос, который больше никто не ждёт. ctx попытки
// к этому моменту обычно уже отменён.
func (o *Orchestrator) withdraw(ctx context.Context, approvalID string) {
	w, ok := o.approvals.(ApprovalWithdrawer)
	if !ok {
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), withdrawTimeout)
	defer cancel()

	if err := w.Withdraw(wctx, approvalID); err != nil {
		telemetry.LoggerOr(ctx, o.logger).Warn("approval withdraw failed", "approval_id", approvalID, "error", err)
	}
}

// retryEligible проверяет, применяется ли к ошибке retry-политика.
func retryEligible(stage *domain.StageDef, err error) bool {
	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, ErrUnitTimeout):
		return stage.RetryOnTimeout
	case errors.Is(err, ErrQualityGateFailed):
		return stage.RetryOnQualityFailure
	}
	return true
}

// finish применяет результат попытки к unit и будит drive.
func (o *Orchestrator) finish(ctx context.Context, s *RunState, l unitLaunch, res *attemptResult, err error) {
	now := time.Now()
	logger := telemetry.LoggerOr(ctx, o.logger)

	s.mu.Lock()
	delete(s.unitCancel, l.unitID)
	delete(s.approvals, l.unitID)
	s.running--

	u := s.units[l.unitID]
	end := now
	u.EndTime = &end

	ev := domain.Event{UnitID: l.unitID, Attempt: l.attempt}
	outcome := "failed"

	switch {
	case err == nil:
		entry := domain.ContextEntry{
			UnitID:      l.unitID,
			Outputs:     res.outputs,
			Validation:  res.validation,
			Artifacts:   res.artifacts,
			Status:      domain.UnitStateCompleted,
			StartedAt:   u.StartTime,
			CompletedAt: now.UTC(),
		}
		if perr := s.Context.Put(entry); perr != nil {
			logger.Error("context entry rejected", "error", perr)
		}
		u.State, _ = engine.Transition(u.State, engine.EventSucceed)
		u.ErrorMessage = ""
		ev.Type = domain.EventUnitCompleted
		if res.validation != nil {
			ev.Data = map[string]any{"score": res.validation.Score}
		}
		outcome = "completed"

	case isCancellation(err) && errors.Is(context.Cause(l.ctx), ErrOrchestratorStopped):
		// Попытка не засчитывается как отказ: после Restore unit начнётся заново.
		u.State, _ = engine.Transition(u.State, engine.EventRetry)
		u.ErrorMessage = ""
		u.EndTime = nil
		s.interrupted = true
		outcome = "interrupted"

	case isCancellation(err):
		u.State, _ = engine.Transition(u.State, engine.EventCancel)
		u.ErrorMessage = err.Error()
		if !s.cancelled {
			s.recordFailure(l.unitID, err)
		}
		ev.Type = domain.EventUnitCancelled
		ev.Error = u.ErrorMessage
		outcome = "cancelled"

	case retryEligible(l.stage, err) && u.RetryCount < u.MaxRetries && !s.cancelled:
		u.State, _ = engine.Transition(u.State, engine.EventRetry)
		u.RetryCount++
		delay := o.backoff(u.RetryCount)
		notBefore := now.Add(delay)
		u.NotBefore = &notBefore
		ev.Type = domain.EventUnitRetrying
		ev.Error = err.Error()
		ev.Data = map[string]any{"retry_count": u.RetryCount, "backoff_ms": delay.Milliseconds()}
		outcome = "retrying"

	default:
		final := err
		if retryEligible(l.stage, err) {
			// retry_count считает и последнюю неуспешную попытку: max_retries+1.
			u.RetryCount++
			final = fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, u.Attempts, err)
		}
		u.State, _ = engine.Transition(u.State, engine.EventFail)
		u.ErrorMessage = final.Error()
		s.recordFailure(l.unitID, final)
		ev.Type = domain.EventUnitFailed
		ev.Error = u.ErrorMessage
	}

	ev.State = string(u.State)
	retryCount, maxRetries := u.RetryCount, u.MaxRetries
	s.mu.Unlock()

	o.metrics.unitResults.WithLabelValues(l.stage.Type, outcome).Inc()

	switch outcome {
	case "completed":
		logger.Info("unit completed", "attempt", l.attempt)
	case "retrying":
		logger.Warn("unit failed, retrying",
			"retry_count", retryCount,
			"max_retries", maxRetries,
			"error", err,
		)
	case "interrupted":
		logger.Info("unit interrupted by shutdown", "attempt", l.attempt)
		s.notify()
		return
	default:
		logger.Error("unit "+outcome,
			"attempt", l.attempt,
			"error", ev.Error,
		)
	}

	o.emit(ctx, s, ev)
	s.notify()
}
