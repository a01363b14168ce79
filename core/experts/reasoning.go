package experts

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

const reasoningSystem = `You are the reasoning stage of a decision pipeline.
Given a user request, retrieved facts and lessons from past failures,
propose exactly one action as a JSON object with the fields:
kind (respond|execute_code|execute_command|commit_change|spend_resource),
target, summary, payload, magnitude (0.0-1.0 blast radius estimate),
irreversible (boolean), rationale.
If previous proposals were rejected, the new proposal must take a
materially different approach. Respond with the JSON object only.`

// destructiveHints classify a request as asking for broad or destructive
// effect. Mirrors the simulator's markers so the two stages agree on what
// "dangerous" means.
var destructiveHints = []string{
	"delete", "remove", "destroy", "wipe", "erase", "drop", "truncate",
	"format", "kill", "shutdown", "rm -rf",
}

var codeHints = []string{
	"write", "implement", "code", "script", "program", "function", "build",
}

// retryApproaches are the fallback synthesizer's alternative framings, one
// per retry attempt.
var retryApproaches = []string{
	"dry-run first, then apply",
	"scoped to a reviewed subset",
	"staged with checkpoints and rollback",
	"deferred pending explicit confirmation",
}

// ReasoningStage synthesizes a proposed action from the request, retrieved
// facts and lessons. On retry it consumes the rejection feedback and must
// produce a materially different proposal. LLM failure degrades to a
// rule-based synthesizer rather than failing the run.
type ReasoningStage struct {
	llm       CompletionClient
	logicTemp float64
	chaosTemp float64
	logger    Logger
}

// NewReasoningStage builds the reasoning stage. llm may be nil; the stage
// then always uses the rule-based synthesizer.
func NewReasoningStage(llm CompletionClient, logicTemp, chaosTemp float64, logger Logger) *ReasoningStage {
	return &ReasoningStage{
		llm:       llm,
		logicTemp: logicTemp,
		chaosTemp: chaosTemp,
		logger:    logger.Bind("stage", string(envelope.StageReasoning)),
	}
}

func (s *ReasoningStage) Name() envelope.StageName { return envelope.StageReasoning }

func (s *ReasoningStage) Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult {
	attempt := rc.RetryCount + 1

	action, fallback := s.synthesize(ctx, rc, attempt)

	// A retry that reproduces an already-rejected proposal is not an
	// alternative. One variation pass, then give up.
	if attempt > 1 && matchesPrior(action, rc.PriorActions) {
		action = vary(action, attempt)
		if matchesPrior(action, rc.PriorActions) {
			s.logger.Error("reasoning_no_alternative", "run_id", rc.RunID, "attempt", attempt)
			return envelope.HardFail(envelope.StageReasoning, string(envelope.TerminalReasonNoAlternative))
		}
	}

	s.logger.Info("reasoning_completed",
		"run_id", rc.RunID,
		"attempt", attempt,
		"kind", action.Kind,
		"magnitude", action.Magnitude,
		"fallback", fallback,
	)

	result := envelope.StageResult{
		Status: envelope.StageStatusOK,
		Reasoning: &envelope.ReasoningOutput{
			Action:    action,
			Rationale: action.Rationale,
			Attempt:   attempt,
		},
	}
	if fallback {
		result.Annotate("reasoning", "heuristic-fallback")
	}
	return result
}

// synthesize asks the LLM for a proposal, degrading to the rule-based
// synthesizer on any failure. The second return value reports whether the
// fallback produced the action.
func (s *ReasoningStage) synthesize(ctx context.Context, rc *envelope.RunContext, attempt int) (envelope.ProposedAction, bool) {
	if s.llm == nil {
		return s.ruleAction(rc, attempt), true
	}

	temp := s.logicTemp
	if rc.Mode == envelope.ModeChaos {
		temp = s.chaosTemp
	}

	raw, err := s.llm.Complete(ctx, CompletionRequest{
		System:      reasoningSystem,
		Prompt:      s.buildPrompt(rc, attempt),
		Temperature: temp,
	})
	if err != nil {
		s.logger.Warn("reasoning_llm_failed", "run_id", rc.RunID, "error", err.Error())
		return s.ruleAction(rc, attempt), true
	}

	s.logger.Debug("reasoning_llm_response",
		"run_id", rc.RunID,
		"response_preview", truncate(raw, 200),
	)

	parsed, err := extractAndParseJSON(raw)
	if err != nil {
		s.logger.Warn("reasoning_parse_failed", "run_id", rc.RunID, "error", err.Error())
		return s.ruleAction(rc, attempt), true
	}

	action := actionFromJSON(parsed)
	// The model does not get to launder danger out of a destructive
	// request by under-reporting its metadata.
	if destructive(rc.Request) {
		action.Irreversible = true
		if action.Magnitude < 0.9 {
			action.Magnitude = 0.95
		}
	}
	return action, false
}

func (s *ReasoningStage) buildPrompt(rc *envelope.RunContext, attempt int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\nMode: %s\nAttempt: %d\n", rc.Request, rc.Mode, attempt)

	if len(rc.Facts) > 0 {
		b.WriteString("\nRetrieved facts:\n")
		for _, f := range rc.Facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Title, truncate(f.Snippet, 300))
		}
	}
	if len(rc.Lessons) > 0 {
		b.WriteString("\nLessons from past failures:\n")
		for _, l := range rc.Lessons {
			fmt.Fprintf(&b, "- %s (avoid: %s)\n", l.Summary, l.Strategy)
		}
	}
	if len(rc.PreviousRejections) > 0 {
		b.WriteString("\nPrevious proposals were rejected for these reasons:\n")
		for _, r := range rc.PreviousRejections {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("Propose a materially different action.\n")
	}
	for _, prior := range rc.PriorActions {
		fmt.Fprintf(&b, "Already rejected: %s\n", prior.Summary)
	}
	return b.String()
}

// ruleAction is the deterministic fallback synthesizer used when no LLM is
// reachable. Classification is intentionally conservative: anything that
// smells destructive keeps honest metadata and lets the simulator decide.
func (s *ReasoningStage) ruleAction(rc *envelope.RunContext, attempt int) envelope.ProposedAction {
	request := strings.ToLower(rc.Request)

	var action envelope.ProposedAction
	switch {
	case destructive(request):
		action = envelope.ProposedAction{
			Kind:         "execute_command",
			Target:       inferTarget(rc.Request),
			Summary:      "carry out destructive request: " + truncate(rc.Request, 120),
			Magnitude:    0.95,
			Irreversible: true,
			Rationale:    "request explicitly asks for a destructive operation",
		}
	case containsAny(request, codeHints):
		action = envelope.ProposedAction{
			Kind:      "execute_code",
			Target:    "sandbox",
			Summary:   "generate and run code for: " + truncate(rc.Request, 120),
			Magnitude: 0.4,
			Rationale: "request asks for code; sandbox execution is reversible",
		}
	default:
		action = envelope.ProposedAction{
			Kind:      "respond",
			Target:    "user",
			Summary:   "answer directly: " + truncate(rc.Request, 120),
			Magnitude: 0.1,
			Rationale: "informational request with no side effects",
		}
	}

	if attempt > 1 {
		action = vary(action, attempt)
	}
	return action
}

// vary produces the next framing of an action for a retry. Risk metadata is
// never softened to sneak past the gate: an irreversible action stays
// irreversible at full magnitude, only the approach changes.
func vary(action envelope.ProposedAction, attempt int) envelope.ProposedAction {
	approach := retryApproaches[(attempt-2)%len(retryApproaches)]
	action.Summary = action.Summary + " (" + approach + ")"
	action.Rationale = "retry with alternative approach: " + approach
	if !action.Irreversible && action.Magnitude > 0.1 {
		action.Magnitude *= 0.8
	}
	return action
}

func matchesPrior(action envelope.ProposedAction, priors []envelope.ProposedAction) bool {
	pattern := action.Pattern()
	for _, p := range priors {
		if p.Pattern() == pattern {
			return true
		}
	}
	return false
}

func actionFromJSON(m map[string]any) envelope.ProposedAction {
	action := envelope.ProposedAction{
		Kind:         asString(m, "kind"),
		Target:       asString(m, "target"),
		Summary:      asString(m, "summary"),
		Payload:      asString(m, "payload"),
		Irreversible: asBool(m, "irreversible"),
		Rationale:    asString(m, "rationale"),
	}
	if mag, ok := asFloat(m, "magnitude"); ok {
		action.Magnitude = mag
	}
	return action
}

func destructive(request string) bool {
	return containsAny(strings.ToLower(request), destructiveHints)
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// inferTarget pulls a path-looking token out of the request, defaulting to
// the filesystem at large.
func inferTarget(request string) string {
	for _, tok := range strings.Fields(request) {
		if strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "~") {
			return tok
		}
	}
	return "filesystem"
}
