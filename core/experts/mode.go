package experts

import (
	"context"

	"github.com/mrX1007/FusionBrain/core/entropy"
	"github.com/mrX1007/FusionBrain/core/envelope"
)

// ModeStage draws entropy and fixes the run's behavioral mode. Runs once,
// first, before any reasoning happens.
type ModeStage struct {
	source   entropy.Source
	selector entropy.Selector
	logger   Logger
}

// NewModeStage builds the mode-drawing stage.
func NewModeStage(source entropy.Source, selector entropy.Selector, logger Logger) *ModeStage {
	return &ModeStage{
		source:   source,
		selector: selector,
		logger:   logger.Bind("stage", string(envelope.StageMode)),
	}
}

func (s *ModeStage) Name() envelope.StageName { return envelope.StageMode }

// Run draws a bit sequence and maps it to a mode. A degraded draw still
// produces a valid mode; the degradation is only noted in diagnostics.
func (s *ModeStage) Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult {
	bits, degraded := s.source.Draw()
	mode := s.selector.Select(bits)

	setBits := 0
	for _, b := range bits {
		if b != 0 {
			setBits++
		}
	}

	s.logger.Info("mode_drawn",
		"run_id", rc.RunID,
		"mode", string(mode),
		"set_fraction", bits.SetFraction(),
		"degraded", degraded,
	)

	result := envelope.StageResult{
		Status: envelope.StageStatusOK,
		ModeDraw: &envelope.ModeOutput{
			Mode:        mode,
			SetBits:     setBits,
			TotalBits:   len(bits),
			SetFraction: bits.SetFraction(),
			Degraded:    degraded,
		},
	}
	if degraded {
		result.Annotate("entropy", "degraded")
	}
	return result
}
