package experts

import (
	"context"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/simulation"
)

// WorldModelStage wraps the consequence simulator, turning its verdict into
// a stage result for the history. The verdict itself - accept or reject -
// is an OK stage outcome; rejection is routed by the orchestrator, not
// treated as a stage failure.
type WorldModelStage struct {
	sim    *simulation.Simulator
	logger Logger
}

// NewWorldModelStage builds the simulation wrapper stage.
func NewWorldModelStage(sim *simulation.Simulator, logger Logger) *WorldModelStage {
	return &WorldModelStage{
		sim:    sim,
		logger: logger.Bind("stage", string(envelope.StageWorldModel)),
	}
}

func (s *WorldModelStage) Name() envelope.StageName { return envelope.StageWorldModel }

func (s *WorldModelStage) Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult {
	verdict := s.sim.Evaluate(rc.CurrentAction, rc.Mode, rc.Lessons)

	if verdict.Accepted {
		s.logger.Info("simulation_accepted",
			"run_id", rc.RunID,
			"risk", verdict.RiskScore,
			"threshold", verdict.Threshold,
		)
	} else {
		s.logger.Warn("simulation_rejected",
			"run_id", rc.RunID,
			"risk", verdict.RiskScore,
			"threshold", verdict.Threshold,
			"reason", verdict.Reason,
		)
	}

	return envelope.StageResult{
		Status:     envelope.StageStatusOK,
		WorldModel: &envelope.WorldModelOutput{Verdict: verdict},
	}
}
