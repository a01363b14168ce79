package experts

import (
	"context"
	"fmt"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

const codeSystem = `You are the execution stage of a decision pipeline. Given
the approved action, produce the concrete response or artifact it calls for.
Answer directly, no preamble.`

// CodeStage carries out the approved action. It may only run behind an
// accepted verdict for the current action; reaching it without one is a
// protocol violation, not a recoverable condition.
type CodeStage struct {
	exec   ActionExecutor
	llm    CompletionClient
	logger Logger
}

// NewCodeStage builds the execution stage. llm is used to materialize
// response payloads and may be nil.
func NewCodeStage(exec ActionExecutor, llm CompletionClient, logger Logger) *CodeStage {
	return &CodeStage{
		exec:   exec,
		llm:    llm,
		logger: logger.Bind("stage", string(envelope.StageCode)),
	}
}

func (s *CodeStage) Name() envelope.StageName { return envelope.StageCode }

func (s *CodeStage) Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult {
	// Protocol invariant: no execution without an accepted verdict for the
	// current action.
	if !rc.GateOpen() {
		s.logger.Error("simulation_gate_violation", "run_id", rc.RunID)
		return envelope.HardFail(envelope.StageCode, string(envelope.TerminalReasonGateViolation))
	}

	action := *rc.CurrentAction

	response := action.Payload
	if response == "" {
		response = s.materialize(ctx, rc, action)
		action.Payload = response
	}

	outcome, err := s.exec.Execute(ctx, action)
	if err != nil {
		s.logger.Error("execution_failed", "run_id", rc.RunID, "kind", action.Kind, "error", err.Error())
		result := envelope.HardFail(envelope.StageCode, "execution failed")
		result.Annotate("error", err.Error())
		return result
	}

	s.logger.Info("execution_completed", "run_id", rc.RunID, "kind", action.Kind)
	return envelope.StageResult{
		Status: envelope.StageStatusOK,
		Code: &envelope.CodeOutput{
			Action:   action,
			Outcome:  outcome,
			Response: response,
		},
	}
}

// materialize fills in the action's payload when reasoning proposed one
// without a concrete artifact.
func (s *CodeStage) materialize(ctx context.Context, rc *envelope.RunContext, action envelope.ProposedAction) string {
	if s.llm == nil {
		return action.Summary
	}

	prompt := fmt.Sprintf("Request: %s\nApproved action: %s\nRationale: %s\n",
		rc.Request, action.Summary, action.Rationale)
	for _, f := range rc.Facts {
		prompt += fmt.Sprintf("Fact: %s - %s\n", f.Title, truncate(f.Snippet, 200))
	}

	raw, err := s.llm.Complete(ctx, CompletionRequest{
		System:      codeSystem,
		Prompt:      prompt,
		Temperature: 0.3,
	})
	if err != nil {
		s.logger.Warn("materialize_llm_failed", "run_id", rc.RunID, "error", err.Error())
		return action.Summary
	}
	return extractArtifact(raw)
}

// extractArtifact strips a fenced code block down to its contents when the
// whole response is one block; otherwise the response is the artifact.
func extractArtifact(text string) string {
	trimmed := text
	if len(trimmed) > 7 && trimmed[:3] == "```" {
		// Drop the opening fence line.
		for i := 0; i < len(trimmed); i++ {
			if trimmed[i] == '\n' {
				trimmed = trimmed[i+1:]
				break
			}
		}
		// Drop the closing fence.
		if idx := lastFence(trimmed); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		return trimmed
	}
	return text
}

func lastFence(s string) int {
	for i := len(s) - 3; i >= 0; i-- {
		if s[i:i+3] == "```" {
			return i
		}
	}
	return -1
}
