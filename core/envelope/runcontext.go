package envelope

import (
	"time"

	"github.com/google/uuid"
)

// RunContext is the per-run state owned exclusively by the orchestrator for
// the run's lifetime. Stages read it and return results; only the
// orchestrator mutates it, appending to the ordered history after each
// transition. The history is append-only - never reordered or deleted - and
// is the audit trail the reflection engine works from.
type RunContext struct {
	// Identification
	RunID      string    `json:"run_id"`
	Request    string    `json:"request"`
	ReceivedAt time.Time `json:"received_at"`

	// Behavioral mode - fixed once drawn.
	Mode      Mode `json:"mode"`
	ModeFixed bool `json:"mode_fixed"`

	// Accumulated inputs
	Facts   []Fact   `json:"facts"`
	Lessons []Lesson `json:"lessons"`

	// Current proposal under evaluation
	CurrentAction  *ProposedAction    `json:"current_action,omitempty"`
	CurrentVerdict *SimulationVerdict `json:"current_verdict,omitempty"`

	// Retry tracking - shared between simulation rejections and critic
	// failures. Monotonically non-decreasing, bounded by MaxRetries.
	RetryCount         int      `json:"retry_count"`
	MaxRetries         int      `json:"max_retries"`
	PreviousRejections []string `json:"previous_rejections"`
	PriorActions       []ProposedAction `json:"prior_actions"`

	// Ordered audit trail
	History []StageResult `json:"history"`

	// State machine position
	State RunState `json:"state"`

	// Terminal bookkeeping
	Terminated     bool            `json:"terminated"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`
	TerminalDetail string          `json:"terminal_detail,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`

	// Final user-facing response (success runs)
	FinalResponse string `json:"final_response,omitempty"`
}

// NewRunContext creates a RunContext for a request.
func NewRunContext(request string, maxRetries int) *RunContext {
	return &RunContext{
		RunID:              "run_" + uuid.New().String()[:16],
		Request:            request,
		ReceivedAt:         time.Now().UTC(),
		Facts:              []Fact{},
		Lessons:            []Lesson{},
		PreviousRejections: []string{},
		PriorActions:       []ProposedAction{},
		History:            []StageResult{},
		MaxRetries:         maxRetries,
		State:              RunStateStarted,
	}
}

// FixMode fixes the run's mode. Subsequent calls are no-ops: one mode per
// run is an invariant, not a preference.
func (rc *RunContext) FixMode(m Mode) {
	if rc.ModeFixed {
		return
	}
	rc.Mode = m
	rc.ModeFixed = true
}

// Append adds a stage result to the ordered history.
func (rc *RunContext) Append(result StageResult) {
	rc.History = append(rc.History, result)
}

// LastResult returns the most recent history entry, or nil when empty.
func (rc *RunContext) LastResult() *StageResult {
	if len(rc.History) == 0 {
		return nil
	}
	return &rc.History[len(rc.History)-1]
}

// GateOpen reports whether the simulation gate is open: an accepted verdict
// exists for the run's current proposed action.
func (rc *RunContext) GateOpen() bool {
	return rc.CurrentAction != nil && rc.CurrentVerdict != nil && rc.CurrentVerdict.Accepted
}

// RecordRejection notes a rejection reason, archives the rejected action and
// closes the gate for it. The retry counter only moves forward.
func (rc *RunContext) RecordRejection(reason string) {
	rc.RetryCount++
	rc.PreviousRejections = append(rc.PreviousRejections, reason)
	if rc.CurrentAction != nil {
		rc.PriorActions = append(rc.PriorActions, *rc.CurrentAction)
	}
	rc.CurrentAction = nil
	rc.CurrentVerdict = nil
}

// RetriesExhausted reports whether another retry would exceed the ceiling.
func (rc *RunContext) RetriesExhausted() bool {
	return rc.RetryCount >= rc.MaxRetries
}

// Retried reports whether the run went through at least one retry. Successful
// runs that retried still feed the reflection engine, so the eventually
// discarded bad attempt is captured.
func (rc *RunContext) Retried() bool {
	return rc.RetryCount > 0
}

// Terminate moves the run to a terminal state. First terminal transition
// wins; later calls are ignored.
func (rc *RunContext) Terminate(state RunState, reason TerminalReason, detail string) {
	if rc.Terminated {
		return
	}
	if !state.Terminal() {
		state = RunStateFailure
	}
	rc.State = state
	rc.Terminated = true
	rc.TerminalReason = &reason
	rc.TerminalDetail = detail
	now := time.Now().UTC()
	rc.CompletedAt = &now
}

// Failed reports whether the run terminated unsuccessfully.
func (rc *RunContext) Failed() bool {
	return rc.Terminated && rc.State == RunStateFailure
}

// Clone produces a deep copy safe to hand to readers outside the run's
// goroutine.
func (rc *RunContext) Clone() *RunContext {
	clone := *rc

	clone.Facts = append([]Fact(nil), rc.Facts...)
	clone.Lessons = append([]Lesson(nil), rc.Lessons...)
	clone.PreviousRejections = append([]string(nil), rc.PreviousRejections...)
	clone.PriorActions = append([]ProposedAction(nil), rc.PriorActions...)

	clone.History = make([]StageResult, len(rc.History))
	for i, r := range rc.History {
		clone.History[i] = cloneStageResult(r)
	}

	if rc.CurrentAction != nil {
		a := *rc.CurrentAction
		clone.CurrentAction = &a
	}
	if rc.CurrentVerdict != nil {
		v := *rc.CurrentVerdict
		clone.CurrentVerdict = &v
	}
	if rc.TerminalReason != nil {
		r := *rc.TerminalReason
		clone.TerminalReason = &r
	}
	if rc.CompletedAt != nil {
		t := *rc.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

func cloneStageResult(r StageResult) StageResult {
	out := r
	if r.Diagnostics != nil {
		out.Diagnostics = make(map[string]any, len(r.Diagnostics))
		for k, v := range r.Diagnostics {
			out.Diagnostics[k] = v
		}
	}
	if r.ModeDraw != nil {
		m := *r.ModeDraw
		out.ModeDraw = &m
	}
	if r.Research != nil {
		res := *r.Research
		res.Facts = append([]Fact(nil), r.Research.Facts...)
		out.Research = &res
	}
	if r.Reasoning != nil {
		re := *r.Reasoning
		out.Reasoning = &re
	}
	if r.WorldModel != nil {
		w := *r.WorldModel
		out.WorldModel = &w
	}
	if r.Code != nil {
		c := *r.Code
		out.Code = &c
	}
	if r.Critic != nil {
		c := *r.Critic
		out.Critic = &c
	}
	return out
}

// TotalDurationMS sums stage durations from the history.
func (rc *RunContext) TotalDurationMS() int {
	total := 0
	for _, r := range rc.History {
		total += r.DurationMS
	}
	return total
}

// ToResultDict converts the run to a result dictionary for API responses.
func (rc *RunContext) ToResultDict() map[string]any {
	result := map[string]any{
		"run_id":          rc.RunID,
		"request":         rc.Request,
		"state":           string(rc.State),
		"mode":            string(rc.Mode),
		"terminated":      rc.Terminated,
		"retry_count":     rc.RetryCount,
		"history_length":  len(rc.History),
		"final_response":  rc.FinalResponse,
		"duration_ms":     rc.TotalDurationMS(),
		"terminal_detail": rc.TerminalDetail,
	}
	if rc.TerminalReason != nil {
		result["terminal_reason"] = string(*rc.TerminalReason)
	}
	return result
}
