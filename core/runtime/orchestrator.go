// Package runtime provides the Orchestrator - the state machine that drives
// a run through its stages, enforces the simulation gate and the shared
// retry ceiling, and invokes reflection on termination.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/mrX1007/FusionBrain/core/config"
	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/experts"
	"github.com/mrX1007/FusionBrain/core/memory"
	"github.com/mrX1007/FusionBrain/core/observability"
	"github.com/mrX1007/FusionBrain/core/reflection"
)

// EventSink receives run lifecycle events. All methods are fire-and-forget;
// a slow or broken sink must never stall a run.
type EventSink interface {
	EmitRunStarted(runID, request string)
	EmitStageStarted(runID string, stage envelope.StageName)
	EmitStageCompleted(runID string, result envelope.StageResult)
	EmitVerdict(runID string, verdict envelope.SimulationVerdict)
	EmitRunCompleted(runID string, rc *envelope.RunContext)
	EmitLessonStored(runID string, lesson envelope.Lesson)
}

// Stages is the closed set of stage variants the orchestrator dispatches
// over. One field per variant keeps the state machine exhaustive.
type Stages struct {
	Mode       *experts.ModeStage
	Research   *experts.ResearchStage
	Reasoning  *experts.ReasoningStage
	WorldModel *experts.WorldModelStage
	Code       *experts.CodeStage
	Critic     *experts.CriticStage
}

func (s Stages) validate() error {
	switch {
	case s.Mode == nil:
		return fmt.Errorf("mode stage is required")
	case s.Research == nil:
		return fmt.Errorf("research stage is required")
	case s.Reasoning == nil:
		return fmt.Errorf("reasoning stage is required")
	case s.WorldModel == nil:
		return fmt.Errorf("world model stage is required")
	case s.Code == nil:
		return fmt.Errorf("code stage is required")
	case s.Critic == nil:
		return fmt.Errorf("critic stage is required")
	}
	return nil
}

// Orchestrator executes runs. It is the sole mutator of a RunContext: each
// stage reads the context and returns a result, and the orchestrator applies
// that result to the context after the transition.
type Orchestrator struct {
	cfg        *config.Config
	stages     Stages
	store      memory.LessonStore
	reflection *reflection.Engine
	events     EventSink
	logger     experts.Logger
}

// NewOrchestrator wires the orchestrator from its collaborators. events may
// be nil; store and reflect may be nil for memoryless operation.
func NewOrchestrator(cfg *config.Config, stages Stages, store memory.LessonStore, reflect *reflection.Engine, events EventSink, logger experts.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:        cfg,
		stages:     stages,
		store:      store,
		reflection: reflect,
		events:     events,
		logger:     logger.Bind("component", "orchestrator"),
	}, nil
}

// NewRun builds a fresh RunContext for a request under this orchestrator's
// retry configuration.
func (o *Orchestrator) NewRun(request string) *envelope.RunContext {
	return envelope.NewRunContext(request, o.cfg.Runtime.MaxRetries)
}

// Execute drives a run to termination. observe, when non-nil, is called
// after every applied transition so callers can expose progress snapshots.
// The returned error is non-nil only for cancellation; domain failures
// terminate the run with a reason instead.
func (o *Orchestrator) Execute(ctx context.Context, rc *envelope.RunContext, observe func(*envelope.RunContext)) (*envelope.RunContext, error) {
	start := time.Now()
	o.emit(func(e EventSink) { e.EmitRunStarted(rc.RunID, rc.Request) })
	o.logger.Info("run_started", "run_id", rc.RunID, "request", truncate(rc.Request, 120))

	err := o.loop(ctx, rc, observe)

	durationMS := int(time.Since(start).Milliseconds())
	outcome := "failure"
	switch {
	case err != nil:
		outcome = "cancelled"
	case rc.State == envelope.RunStateSuccess:
		outcome = "success"
	}
	observability.RecordRun(string(rc.Mode), outcome, durationMS)

	// Synchronous terminal hook: lesson storage is ordered strictly after
	// run completion, before the result is surfaced. Cancelled runs teach
	// nothing.
	if err == nil && o.reflection != nil {
		if lesson, rerr := o.reflection.Reflect(ctx, rc); rerr != nil {
			o.logger.Warn("reflection_failed", "run_id", rc.RunID, "error", rerr.Error())
		} else if lesson != nil {
			o.emit(func(e EventSink) { e.EmitLessonStored(rc.RunID, *lesson) })
		}
	}

	o.emit(func(e EventSink) { e.EmitRunCompleted(rc.RunID, rc) })
	o.logger.Info("run_completed",
		"run_id", rc.RunID,
		"state", string(rc.State),
		"retries", rc.RetryCount,
		"duration_ms", durationMS,
	)
	o.notify(rc, observe)
	return rc, err
}

// loop is the state machine. Each iteration handles exactly one state and
// applies exactly one transition.
func (o *Orchestrator) loop(ctx context.Context, rc *envelope.RunContext, observe func(*envelope.RunContext)) error {
	for !rc.Terminated {
		// Cancellation is honored at every state boundary.
		if cerr := ctx.Err(); cerr != nil {
			rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonCancelled, cerr.Error())
			return cerr
		}

		switch rc.State {
		case envelope.RunStateStarted:
			o.transitionStarted(ctx, rc)
		case envelope.RunStateResearching:
			o.transitionResearching(ctx, rc)
		case envelope.RunStateReasoning:
			o.transitionReasoning(ctx, rc)
		case envelope.RunStateSimulating:
			o.transitionSimulating(ctx, rc)
		case envelope.RunStateExecuting:
			o.transitionExecuting(ctx, rc)
		case envelope.RunStateCritiquing:
			o.transitionCritiquing(ctx, rc)
		default:
			rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonStageFailed,
				fmt.Sprintf("unknown state %q", rc.State))
		}
		o.notify(rc, observe)
	}

	if rc.TerminalReason != nil && *rc.TerminalReason == envelope.TerminalReasonCancelled {
		return context.Canceled
	}
	return nil
}

// transitionStarted draws the run's mode and retrieves relevant lessons.
func (o *Orchestrator) transitionStarted(ctx context.Context, rc *envelope.RunContext) {
	result := o.runStage(ctx, o.stages.Mode, rc)
	rc.Append(result)
	if o.applyFailure(rc, result) {
		return
	}

	rc.FixMode(result.ModeDraw.Mode)

	if o.store != nil {
		lessons, err := o.store.Query(ctx, rc.Request, o.cfg.Memory.MaxLessons)
		if err != nil {
			o.logger.Warn("lesson_retrieval_failed", "run_id", rc.RunID, "error", err.Error())
		} else {
			rc.Lessons = lessons
			observability.RecordLessonsRetrieved(len(lessons))
		}
	}
	rc.State = envelope.RunStateResearching
}

// transitionResearching gathers facts. A degraded collaborator only
// annotates history; the run proceeds regardless.
func (o *Orchestrator) transitionResearching(ctx context.Context, rc *envelope.RunContext) {
	result := o.runStage(ctx, o.stages.Research, rc)
	rc.Append(result)
	if o.applyFailure(rc, result) {
		return
	}
	if result.OK() && result.Research != nil {
		rc.Facts = append(rc.Facts, result.Research.Facts...)
	}
	rc.State = envelope.RunStateReasoning
}

// transitionReasoning synthesizes the next proposed action.
func (o *Orchestrator) transitionReasoning(ctx context.Context, rc *envelope.RunContext) {
	result := o.runStage(ctx, o.stages.Reasoning, rc)
	rc.Append(result)
	if o.applyFailure(rc, result) {
		return
	}

	action := result.Reasoning.Action
	rc.CurrentAction = &action
	rc.CurrentVerdict = nil
	rc.State = envelope.RunStateSimulating
}

// transitionSimulating evaluates the proposal. Rejection loops back to
// Reasoning with feedback, subject to the shared retry ceiling.
func (o *Orchestrator) transitionSimulating(ctx context.Context, rc *envelope.RunContext) {
	result := o.runStage(ctx, o.stages.WorldModel, rc)
	rc.Append(result)
	if o.applyFailure(rc, result) {
		return
	}

	verdict := result.WorldModel.Verdict
	rc.CurrentVerdict = &verdict
	o.emit(func(e EventSink) { e.EmitVerdict(rc.RunID, verdict) })

	if verdict.Accepted {
		rc.State = envelope.RunStateExecuting
		return
	}
	o.retryOrFail(rc, fmt.Sprintf("%s (risk %.2f over %.2f)", verdict.Reason, verdict.RiskScore, verdict.Threshold))
}

// transitionExecuting runs the Code stage. The gate is re-checked here as
// well as inside the stage: execution without an accepted verdict is a
// protocol violation wherever it is caught.
func (o *Orchestrator) transitionExecuting(ctx context.Context, rc *envelope.RunContext) {
	if !rc.GateOpen() {
		rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonGateViolation,
			"executing state entered without accepted verdict")
		return
	}

	result := o.runStage(ctx, o.stages.Code, rc)
	rc.Append(result)
	if o.applyFailure(rc, result) {
		return
	}

	rc.FinalResponse = result.Code.Response
	rc.State = envelope.RunStateCritiquing
}

// transitionCritiquing reviews the result. Critic failure retries exactly
// like a rejected verdict, against the same counter.
func (o *Orchestrator) transitionCritiquing(ctx context.Context, rc *envelope.RunContext) {
	result := o.runStage(ctx, o.stages.Critic, rc)
	rc.Append(result)
	if o.applyFailure(rc, result) {
		return
	}

	if result.Critic.Passed {
		rc.Terminate(envelope.RunStateSuccess, envelope.TerminalReasonCompleted, "")
		return
	}
	rc.FinalResponse = ""
	o.retryOrFail(rc, "critic: "+truncate(result.Critic.Critique, 200))
}

// retryOrFail loops back to Reasoning with rejection feedback, or
// terminates when the ceiling is hit.
func (o *Orchestrator) retryOrFail(rc *envelope.RunContext, reason string) {
	if rc.RetriesExhausted() {
		rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonMaxRetries,
			fmt.Sprintf("retry ceiling %d reached: %s", rc.MaxRetries, reason))
		return
	}
	rc.RecordRejection(reason)
	observability.RecordRetry()
	o.logger.Info("run_retrying",
		"run_id", rc.RunID,
		"retry", rc.RetryCount,
		"max_retries", rc.MaxRetries,
		"reason", reason,
	)
	rc.State = envelope.RunStateReasoning
}

// applyFailure terminates the run on a hard-failed result. Soft failures
// stay in history as annotations only. Returns true when the run
// terminated.
func (o *Orchestrator) applyFailure(rc *envelope.RunContext, result envelope.StageResult) bool {
	if !result.HardFailed() {
		return false
	}
	rc.Terminate(envelope.RunStateFailure, terminalReasonFor(result),
		fmt.Sprintf("stage %s: %s", result.Stage, result.FailReason))
	return true
}

// runStage executes a stage against a snapshot of the context, bounded by
// the per-stage timeout. The snapshot keeps an abandoned (timed-out) stage
// goroutine from racing later context mutations.
func (o *Orchestrator) runStage(ctx context.Context, stage experts.Stage, rc *envelope.RunContext) envelope.StageResult {
	o.emit(func(e EventSink) { e.EmitStageStarted(rc.RunID, stage.Name()) })

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.Runtime.StageTimeout)
	defer cancel()

	snapshot := rc.Clone()
	done := make(chan envelope.StageResult, 1)
	go func() {
		done <- experts.Run(stageCtx, stage, snapshot)
	}()

	var result envelope.StageResult
	select {
	case result = <-done:
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			result = envelope.HardFail(stage.Name(), string(envelope.TerminalReasonCancelled))
		} else {
			o.logger.Error("stage_timeout",
				"run_id", rc.RunID,
				"stage", string(stage.Name()),
				"timeout", o.cfg.Runtime.StageTimeout.String(),
			)
			result = envelope.HardFail(stage.Name(), string(envelope.TerminalReasonStageTimeout))
		}
	}

	o.emit(func(e EventSink) { e.EmitStageCompleted(rc.RunID, result) })
	return result
}

func (o *Orchestrator) emit(fn func(EventSink)) {
	if o.events != nil {
		fn(o.events)
	}
}

func (o *Orchestrator) notify(rc *envelope.RunContext, observe func(*envelope.RunContext)) {
	if observe != nil {
		observe(rc)
	}
}

// terminalReasonFor maps a hard-failed stage result to the run's terminal
// reason. Stage-level protocol reasons pass through; anything else is a
// generic stage failure.
func terminalReasonFor(result envelope.StageResult) envelope.TerminalReason {
	switch result.FailReason {
	case string(envelope.TerminalReasonStageTimeout):
		return envelope.TerminalReasonStageTimeout
	case string(envelope.TerminalReasonGateViolation):
		return envelope.TerminalReasonGateViolation
	case string(envelope.TerminalReasonNoAlternative):
		return envelope.TerminalReasonNoAlternative
	case string(envelope.TerminalReasonCancelled):
		return envelope.TerminalReasonCancelled
	}
	return envelope.TerminalReasonStageFailed
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
