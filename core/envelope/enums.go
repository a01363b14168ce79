// Package envelope provides the RunContext and the closed set of types that
// flow through the pipeline: modes, proposed actions, simulation verdicts,
// stage results and lessons.
//
// Stage outputs are typed variants rather than free-form maps so the
// orchestrator's dispatch stays exhaustive and compiler-checkable.
package envelope

// Mode is the run-wide behavioral setting. Exactly one Mode is drawn per run
// and it is immutable once fixed.
type Mode string

const (
	// ModeLogic biases the run toward deterministic, low-risk behavior.
	ModeLogic Mode = "logic"
	// ModeChaos biases the run toward exploratory, higher-risk behavior.
	ModeChaos Mode = "chaos"
)

// IsValid returns true for a known mode.
func (m Mode) IsValid() bool {
	return m == ModeLogic || m == ModeChaos
}

// StageName identifies a pipeline stage variant.
type StageName string

const (
	StageMode       StageName = "mode"
	StageResearch   StageName = "research"
	StageReasoning  StageName = "reasoning"
	StageWorldModel StageName = "world_model"
	StageCode       StageName = "code"
	StageCritic     StageName = "critic"
)

// StageStatus is the common status carried by every stage result.
type StageStatus string

const (
	// StageStatusOK indicates the stage produced a usable result.
	StageStatusOK StageStatus = "ok"
	// StageStatusSoftFail indicates the stage could not produce a useful
	// result but the run may continue (degraded or via retry).
	StageStatusSoftFail StageStatus = "soft_fail"
	// StageStatusHardFail indicates the stage violated a protocol invariant
	// or exhausted its options; the run terminates.
	StageStatusHardFail StageStatus = "hard_fail"
)

// RunState is the orchestrator state machine position.
type RunState string

const (
	RunStateStarted     RunState = "started"
	RunStateResearching RunState = "researching"
	RunStateReasoning   RunState = "reasoning"
	RunStateSimulating  RunState = "simulating"
	RunStateExecuting   RunState = "executing"
	RunStateCritiquing  RunState = "critiquing"
	// RunStateSuccess and RunStateFailure are terminal.
	RunStateSuccess RunState = "terminated_success"
	RunStateFailure RunState = "terminated_failure"
)

// Terminal returns true for the two terminal states.
func (s RunState) Terminal() bool {
	return s == RunStateSuccess || s == RunStateFailure
}

// TerminalReason explains why a run terminated - exactly one per run.
type TerminalReason string

const (
	// TerminalReasonCompleted indicates successful completion.
	TerminalReasonCompleted TerminalReason = "completed"
	// TerminalReasonMaxRetries indicates the shared retry ceiling was hit.
	TerminalReasonMaxRetries TerminalReason = "max-retries-exceeded"
	// TerminalReasonStageTimeout indicates a stage exceeded its timeout.
	TerminalReasonStageTimeout TerminalReason = "stage-timeout"
	// TerminalReasonGateViolation indicates the Code stage was reached
	// without an accepted verdict for the current action.
	TerminalReasonGateViolation TerminalReason = "simulation-gate-violation"
	// TerminalReasonNoAlternative indicates Reasoning could not produce a
	// materially different action after a rejection.
	TerminalReasonNoAlternative TerminalReason = "no-alternative-action"
	// TerminalReasonStageFailed indicates an unrecoverable stage failure.
	TerminalReasonStageFailed TerminalReason = "stage-hard-failure"
	// TerminalReasonCancelled indicates caller cancellation. Cancelled runs
	// do not feed the reflection engine.
	TerminalReasonCancelled TerminalReason = "cancelled"
)

// RejectReason values carried by rejected simulation verdicts.
const (
	// RejectReasonMalformed is the fail-closed verdict for actions with
	// missing or unusable metadata.
	RejectReasonMalformed = "malformed-action"
	// RejectReasonSafetyCeiling marks the absolute, mode-independent
	// rejection of irreversible high-risk actions.
	RejectReasonSafetyCeiling = "safety-ceiling"
	// RejectReasonRiskThreshold marks a risk score above the mode-adjusted
	// acceptance threshold.
	RejectReasonRiskThreshold = "risk-above-threshold"
)
