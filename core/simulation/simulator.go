// Package simulation estimates the consequences of proposed actions before
// anything effectful runs. The simulator scores static action metadata,
// biases the score with lessons learned from past failures, and issues a
// mandatory accept/reject verdict under the run's behavioral mode.
package simulation

import (
	"fmt"
	"strings"
	"time"

	"github.com/mrX1007/FusionBrain/core/config"
	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/observability"
)

// destructiveMarkers bump the base risk of actions whose summary or target
// suggests broad or destructive effect.
var destructiveMarkers = []string{
	"delete", "remove", "destroy", "wipe", "erase", "drop", "truncate",
	"format", "kill", "shutdown", "rm -rf", "overwrite",
}

// Simulator evaluates proposed actions against mode-dependent risk
// thresholds. Stateless between calls; safe for concurrent use.
type Simulator struct {
	cfg config.SimulationConfig
}

// New builds a simulator from risk-scoring configuration.
func New(cfg config.SimulationConfig) *Simulator {
	return &Simulator{cfg: cfg}
}

// Threshold returns the rejection threshold the given mode operates under.
// Chaos is the more permissive of the two.
func (s *Simulator) Threshold(mode envelope.Mode) float64 {
	if mode == envelope.ModeChaos {
		return s.cfg.ChaosThreshold
	}
	return s.cfg.LogicThreshold
}

// Evaluate scores an action and returns a verdict. The action is never
// mutated. Rejection is mandatory: the orchestrator must not execute past a
// rejected verdict without a revised action.
//
// Malformed input is rejected fail-closed rather than erroring, so a broken
// reasoning output can never slip past the gate.
func (s *Simulator) Evaluate(action *envelope.ProposedAction, mode envelope.Mode, lessons []envelope.Lesson) envelope.SimulationVerdict {
	threshold := s.Threshold(mode)

	if reason := validate(action); reason != "" {
		return s.reject(0, threshold, mode, envelope.RejectReasonMalformed)
	}

	risk := s.score(action, lessons)

	// Hard safety floor: irreversible actions at or above the absolute
	// ceiling are rejected regardless of mode.
	if action.Irreversible && risk >= s.cfg.SafetyCeiling {
		return s.reject(risk, threshold, mode, envelope.RejectReasonSafetyCeiling)
	}

	if risk > threshold {
		return s.reject(risk, threshold, mode, envelope.RejectReasonRiskThreshold)
	}

	verdict := envelope.SimulationVerdict{
		Accepted:  true,
		RiskScore: risk,
		Threshold: threshold,
		Mode:      mode,
		IssuedAt:  time.Now().UTC(),
	}
	observability.RecordVerdict(string(mode), true, risk)
	return verdict
}

// score computes the risk estimate in [0,1] from static metadata plus the
// lesson-matching penalty.
func (s *Simulator) score(action *envelope.ProposedAction, lessons []envelope.Lesson) float64 {
	risk := clamp01(action.Magnitude)

	text := strings.ToLower(action.Summary + " " + action.Target + " " + action.Payload)
	for _, marker := range destructiveMarkers {
		if strings.Contains(text, marker) {
			risk += 0.3
			break
		}
	}

	if action.Irreversible {
		risk += s.cfg.IrreversiblePenalty
	}

	risk += s.lessonPenalty(action, lessons)
	return clamp01(risk)
}

// lessonPenalty raises risk when a retrieved lesson flags a similar past
// failure, capped so stale memories cannot dominate fresh metadata.
func (s *Simulator) lessonPenalty(action *envelope.ProposedAction, lessons []envelope.Lesson) float64 {
	if len(lessons) == 0 {
		return 0
	}
	pattern := action.Pattern()
	penalty := 0.0
	for _, lesson := range lessons {
		if tokenOverlap(pattern, lesson.Pattern) >= 0.3 {
			penalty += s.cfg.LessonPenalty
		}
	}
	if penalty > s.cfg.LessonPenaltyCap {
		penalty = s.cfg.LessonPenaltyCap
	}
	return penalty
}

func (s *Simulator) reject(risk, threshold float64, mode envelope.Mode, reason string) envelope.SimulationVerdict {
	observability.RecordVerdict(string(mode), false, risk)
	return envelope.SimulationVerdict{
		Accepted:  false,
		RiskScore: risk,
		Threshold: threshold,
		Mode:      mode,
		Reason:    reason,
		IssuedAt:  time.Now().UTC(),
	}
}

// validate returns a non-empty description when scoring inputs are
// malformed.
func validate(action *envelope.ProposedAction) string {
	switch {
	case action == nil:
		return "nil action"
	case strings.TrimSpace(action.Kind) == "":
		return "missing kind"
	case strings.TrimSpace(action.Target) == "":
		return "missing target"
	case action.Magnitude < 0 || action.Magnitude > 1:
		return fmt.Sprintf("magnitude %v outside [0,1]", action.Magnitude)
	}
	return ""
}

// tokenOverlap measures the fraction of tokens in a that also occur in b.
// Cheap symmetric-enough similarity for short action patterns.
func tokenOverlap(a, b string) float64 {
	aTokens := strings.Fields(a)
	if len(aTokens) == 0 {
		return 0
	}
	bSet := make(map[string]struct{})
	for _, t := range strings.Fields(b) {
		bSet[t] = struct{}{}
	}
	matched := 0
	for _, t := range aTokens {
		if _, ok := bSet[t]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(aTokens))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
