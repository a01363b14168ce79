package envelope

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProposedAction is a structured, not-yet-executed description of an
// effectful operation awaiting a safety verdict. Produced by the Reasoning
// stage, consumed (and never mutated) by the consequence simulator.
type ProposedAction struct {
	// Kind classifies the operation: "respond", "execute_code",
	// "commit_change", "spend_resource".
	Kind    string `json:"kind"`
	Target  string `json:"target"`
	Summary string `json:"summary"`
	// Payload carries the concrete artifact (generated code, command text,
	// draft response).
	Payload string `json:"payload,omitempty"`
	// Magnitude estimates blast radius / resource cost in [0,1].
	Magnitude    float64 `json:"magnitude"`
	Irreversible bool    `json:"irreversible"`
	Rationale    string  `json:"rationale,omitempty"`
}

// Pattern returns the normalized token pattern used for lesson matching.
func (a ProposedAction) Pattern() string {
	parts := []string{a.Kind, a.Target, a.Summary}
	return strings.ToLower(strings.TrimSpace(strings.Join(parts, " ")))
}

// SimulationVerdict is the consequence simulator's accept/reject decision.
// Immutable once produced; attached to the run history.
type SimulationVerdict struct {
	Accepted  bool      `json:"accepted"`
	RiskScore float64   `json:"risk_score"`
	Threshold float64   `json:"threshold"`
	Mode      Mode      `json:"mode"`
	Reason    string    `json:"reason,omitempty"` // set when rejected
	IssuedAt  time.Time `json:"issued_at"`
}

// Fact is a single knowledge-retrieval result.
type Fact struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Source  string `json:"source"`
}

// Lesson is a persisted summary of a past failure pattern used to bias
// future reasoning and simulation. Lessons are never mutated after
// creation; corrections are new Lessons.
type Lesson struct {
	ID          string    `json:"id"`
	SourceRunID string    `json:"source_run_id"`
	Summary     string    `json:"summary"`
	Pattern     string    `json:"pattern"`
	Strategy    string    `json:"strategy"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewLesson creates a Lesson keyed to the run it was learned from.
func NewLesson(sourceRunID, summary, pattern, strategy string) Lesson {
	return Lesson{
		ID:          "les_" + uuid.New().String()[:16],
		SourceRunID: sourceRunID,
		Summary:     summary,
		Pattern:     strings.ToLower(strings.TrimSpace(pattern)),
		Strategy:    strategy,
		CreatedAt:   time.Now().UTC(),
	}
}

// =============================================================================
// Stage outputs - one payload type per stage variant
// =============================================================================

// ModeOutput reports the entropy draw that fixed the run's mode.
type ModeOutput struct {
	Mode        Mode    `json:"mode"`
	SetBits     int     `json:"set_bits"`
	TotalBits   int     `json:"total_bits"`
	SetFraction float64 `json:"set_fraction"`
	Degraded    bool    `json:"degraded"`
}

// ResearchOutput carries retrieved facts.
type ResearchOutput struct {
	Facts []Fact `json:"facts"`
}

// ReasoningOutput carries the synthesized action and its rationale.
type ReasoningOutput struct {
	Action    ProposedAction `json:"action"`
	Rationale string         `json:"rationale"`
	// Attempt is 1-based; attempts after the first consumed rejection
	// feedback.
	Attempt int `json:"attempt"`
}

// WorldModelOutput wraps the simulation verdict for the history.
type WorldModelOutput struct {
	Verdict SimulationVerdict `json:"verdict"`
}

// CodeOutput carries the executed action's outcome.
type CodeOutput struct {
	Action   ProposedAction `json:"action"`
	Outcome  string         `json:"outcome"`
	Response string         `json:"response,omitempty"`
}

// CriticOutput carries the critic's pass/fail review.
type CriticOutput struct {
	Passed   bool   `json:"passed"`
	Critique string `json:"critique"`
}

// StageResult is the tagged union over the stage variants' outputs. Exactly
// one payload field is set, matching Stage.
type StageResult struct {
	Stage       StageName      `json:"stage"`
	Status      StageStatus    `json:"status"`
	FailReason  string         `json:"fail_reason,omitempty"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMS  int            `json:"duration_ms"`

	ModeDraw   *ModeOutput       `json:"mode_draw,omitempty"`
	Research   *ResearchOutput   `json:"research,omitempty"`
	Reasoning  *ReasoningOutput  `json:"reasoning,omitempty"`
	WorldModel *WorldModelOutput `json:"world_model,omitempty"`
	Code       *CodeOutput       `json:"code,omitempty"`
	Critic     *CriticOutput     `json:"critic,omitempty"`
}

// OK returns true when the stage produced a usable result.
func (r StageResult) OK() bool { return r.Status == StageStatusOK }

// HardFailed returns true for protocol-terminating failures.
func (r StageResult) HardFailed() bool { return r.Status == StageStatusHardFail }

// Annotate records a diagnostics entry, allocating the map on first use.
func (r *StageResult) Annotate(key string, value any) {
	if r.Diagnostics == nil {
		r.Diagnostics = make(map[string]any)
	}
	r.Diagnostics[key] = value
}

// HardFail builds a hard failure result for a stage.
func HardFail(stage StageName, reason string) StageResult {
	return StageResult{
		Stage:      stage,
		Status:     StageStatusHardFail,
		FailReason: reason,
		StartedAt:  time.Now().UTC(),
	}
}

// SoftFail builds a soft failure result for a stage.
func SoftFail(stage StageName, reason string) StageResult {
	return StageResult{
		Stage:      stage,
		Status:     StageStatusSoftFail,
		FailReason: reason,
		StartedAt:  time.Now().UTC(),
	}
}
