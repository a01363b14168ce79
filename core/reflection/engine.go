// Package reflection turns terminated runs into lessons. A lesson captures
// the failed action pattern and an avoidance strategy, persisted so future
// runs can bias reasoning and simulation away from the same mistake.
package reflection

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/experts"
	"github.com/mrX1007/FusionBrain/core/memory"
	"github.com/mrX1007/FusionBrain/core/observability"
)

const reflectionSystem = `You distill lessons from failed automation runs.
Given the failure below, answer in two short lines:
CAUSE: <one-sentence root cause>
AVOID: <one-sentence strategy to avoid repeating it>`

// Engine synthesizes and persists lessons from terminated runs.
type Engine struct {
	store  memory.LessonStore
	llm    experts.CompletionClient
	logger experts.Logger
}

// New builds a reflection engine. llm may be nil; lessons then use the
// deterministic template.
func New(store memory.LessonStore, llm experts.CompletionClient, logger experts.Logger) *Engine {
	return &Engine{
		store:  store,
		llm:    llm,
		logger: logger.Bind("component", "reflection"),
	}
}

// Reflect inspects a terminated run and stores at most one lesson for it.
// Triggered on failure, or on success where a retry occurred (to capture
// the eventually discarded bad attempt). Cancelled runs teach nothing.
// Calling Reflect twice for the same run stores exactly one lesson.
func (e *Engine) Reflect(ctx context.Context, rc *envelope.RunContext) (*envelope.Lesson, error) {
	if !rc.Terminated {
		return nil, fmt.Errorf("run %s has not terminated", rc.RunID)
	}
	if rc.TerminalReason != nil && *rc.TerminalReason == envelope.TerminalReasonCancelled {
		return nil, nil
	}
	if !rc.Failed() && !rc.Retried() {
		// Clean success: nothing to learn.
		return nil, nil
	}

	exists, err := e.store.HasLessonForRun(ctx, rc.RunID)
	if err != nil {
		return nil, fmt.Errorf("reflect on run %s: %w", rc.RunID, err)
	}
	if exists {
		return nil, nil
	}

	pattern := e.failurePattern(rc)
	cause, strategy := e.synthesize(ctx, rc, pattern)
	lesson := envelope.NewLesson(rc.RunID, cause, pattern, strategy)

	stored, err := e.store.Store(ctx, lesson)
	if err != nil {
		return nil, fmt.Errorf("store lesson for run %s: %w", rc.RunID, err)
	}
	if !stored {
		// Lost the race with a concurrent Reflect for the same run.
		return nil, nil
	}

	observability.RecordLessonStored()
	e.logger.Info("lesson_stored",
		"run_id", rc.RunID,
		"lesson_id", lesson.ID,
		"pattern", truncateStr(pattern, 120),
	)
	return &lesson, nil
}

// failurePattern extracts the action pattern that characterizes the
// failure: the last rejected or failed proposal, falling back to the
// request itself.
func (e *Engine) failurePattern(rc *envelope.RunContext) string {
	if n := len(rc.PriorActions); n > 0 {
		return rc.PriorActions[n-1].Pattern()
	}
	if rc.CurrentAction != nil {
		return rc.CurrentAction.Pattern()
	}
	for i := len(rc.History) - 1; i >= 0; i-- {
		if r := rc.History[i].Reasoning; r != nil {
			return r.Action.Pattern()
		}
	}
	return strings.ToLower(strings.TrimSpace(rc.Request))
}

func (e *Engine) synthesize(ctx context.Context, rc *envelope.RunContext, pattern string) (cause, strategy string) {
	cause, strategy = e.templateLesson(rc)
	if e.llm == nil {
		return cause, strategy
	}

	prompt := e.buildPrompt(rc, pattern)
	raw, err := e.llm.Complete(ctx, experts.CompletionRequest{
		System:      reflectionSystem,
		Prompt:      prompt,
		Temperature: 0.3,
	})
	if err != nil {
		e.logger.Warn("reflection_llm_failed", "run_id", rc.RunID, "error", err.Error())
		return cause, strategy
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "CAUSE:"):
			if v := strings.TrimSpace(line[len("CAUSE:"):]); v != "" {
				cause = v
			}
		case strings.HasPrefix(upper, "AVOID:"):
			if v := strings.TrimSpace(line[len("AVOID:"):]); v != "" {
				strategy = v
			}
		}
	}
	return cause, strategy
}

func (e *Engine) buildPrompt(rc *envelope.RunContext, pattern string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nMode: %s\nFailed pattern: %s\n", rc.Request, rc.Mode, pattern)
	if rc.TerminalReason != nil {
		fmt.Fprintf(&b, "Terminal reason: %s\n", *rc.TerminalReason)
	}
	for _, r := range rc.PreviousRejections {
		fmt.Fprintf(&b, "Rejection: %s\n", r)
	}
	if rc.TerminalDetail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", rc.TerminalDetail)
	}
	return b.String()
}

// templateLesson is the deterministic no-LLM synthesis.
func (e *Engine) templateLesson(rc *envelope.RunContext) (cause, strategy string) {
	reason := "unknown failure"
	if rc.TerminalReason != nil {
		reason = string(*rc.TerminalReason)
	}
	if !rc.Failed() {
		reason = "accepted only after " + fmt.Sprint(rc.RetryCount) + " retries"
	}

	cause = fmt.Sprintf("run for %q ended with %s", truncateStr(rc.Request, 100), reason)
	if len(rc.PreviousRejections) > 0 {
		cause += " after rejections: " + strings.Join(rc.PreviousRejections, ", ")
	}
	strategy = "propose a lower-magnitude, reversible alternative before anything resembling this pattern"
	return cause, strategy
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
