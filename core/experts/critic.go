package experts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

const criticSystem = `You are the critic stage of a decision pipeline. Review
the run history below: the request, the proposed action, the safety verdict
and the execution outcome. Judge whether the outcome actually serves the
request. End your review with exactly one line:
[VERDICT]: PASS
or
[VERDICT]: FAIL`

// CriticStage reviews the full run history and passes or fails the result.
// A fail triggers the orchestrator's retry path exactly like a rejected
// verdict.
type CriticStage struct {
	llm    CompletionClient
	logger Logger
}

// NewCriticStage builds the critic. llm may be nil; the stage then applies
// a structural review only.
func NewCriticStage(llm CompletionClient, logger Logger) *CriticStage {
	return &CriticStage{
		llm:    llm,
		logger: logger.Bind("stage", string(envelope.StageCritic)),
	}
}

func (s *CriticStage) Name() envelope.StageName { return envelope.StageCritic }

func (s *CriticStage) Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult {
	passed, critique, fallback := s.review(ctx, rc)

	if passed {
		s.logger.Info("critic_passed", "run_id", rc.RunID)
	} else {
		s.logger.Warn("critic_failed", "run_id", rc.RunID, "critique", truncate(critique, 200))
	}

	result := envelope.StageResult{
		Status: envelope.StageStatusOK,
		Critic: &envelope.CriticOutput{
			Passed:   passed,
			Critique: critique,
		},
	}
	if fallback {
		result.Annotate("critic", "heuristic-fallback")
	}
	return result
}

func (s *CriticStage) review(ctx context.Context, rc *envelope.RunContext) (passed bool, critique string, fallback bool) {
	if s.llm == nil {
		passed, critique = s.structuralReview(rc)
		return passed, critique, true
	}

	raw, err := s.llm.Complete(ctx, CompletionRequest{
		System:      criticSystem,
		Prompt:      s.buildPrompt(rc),
		Temperature: 0.2,
	})
	if err != nil {
		s.logger.Warn("critic_llm_failed", "run_id", rc.RunID, "error", err.Error())
		passed, critique = s.structuralReview(rc)
		return passed, critique, true
	}

	verdict, found := parseVerdict(raw)
	if !found {
		s.logger.Warn("critic_verdict_missing", "run_id", rc.RunID)
		passed, critique = s.structuralReview(rc)
		return passed, critique, true
	}
	return verdict, strings.TrimSpace(raw), false
}

func (s *CriticStage) buildPrompt(rc *envelope.RunContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nMode: %s\n", rc.Request, rc.Mode)
	for _, r := range rc.History {
		switch {
		case r.Reasoning != nil:
			fmt.Fprintf(&b, "Proposed (attempt %d): %s\n", r.Reasoning.Attempt, r.Reasoning.Action.Summary)
		case r.WorldModel != nil:
			v := r.WorldModel.Verdict
			fmt.Fprintf(&b, "Verdict: accepted=%v risk=%.2f\n", v.Accepted, v.RiskScore)
		case r.Code != nil:
			fmt.Fprintf(&b, "Outcome: %s\nResponse: %s\n", r.Code.Outcome, truncate(r.Code.Response, 500))
		}
	}
	return b.String()
}

// structuralReview is the no-LLM fallback: pass when an accepted verdict
// exists and execution produced a non-empty outcome.
func (s *CriticStage) structuralReview(rc *envelope.RunContext) (bool, string) {
	var executed *envelope.CodeOutput
	for i := len(rc.History) - 1; i >= 0; i-- {
		if rc.History[i].Code != nil {
			executed = rc.History[i].Code
			break
		}
	}
	switch {
	case executed == nil:
		return false, "no execution output to review"
	case strings.TrimSpace(executed.Outcome) == "" && strings.TrimSpace(executed.Response) == "":
		return false, "execution produced no outcome"
	default:
		return true, "structural review: accepted verdict and non-empty outcome"
	}
}

// parseVerdict finds the trailing [VERDICT] line. found is false when the
// marker is absent.
func parseVerdict(text string) (passed bool, found bool) {
	upper := strings.ToUpper(text)
	idx := strings.LastIndex(upper, "[VERDICT]")
	if idx < 0 {
		return false, false
	}
	rest := upper[idx:]
	switch {
	case strings.Contains(rest, "PASS"):
		return true, true
	case strings.Contains(rest, "FAIL"):
		return false, true
	}
	return false, false
}
