package experts

import (
	"context"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

// ResearchStage queries the knowledge collaborator for facts about the
// request. Collaborator unavailability is a soft failure: the pipeline
// proceeds without facts.
type ResearchStage struct {
	search     KnowledgeSearcher
	maxResults int
	logger     Logger
}

// NewResearchStage builds the research stage. search may be nil, in which
// case every run proceeds degraded.
func NewResearchStage(search KnowledgeSearcher, maxResults int, logger Logger) *ResearchStage {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &ResearchStage{
		search:     search,
		maxResults: maxResults,
		logger:     logger.Bind("stage", string(envelope.StageResearch)),
	}
}

func (s *ResearchStage) Name() envelope.StageName { return envelope.StageResearch }

func (s *ResearchStage) Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult {
	if s.search == nil {
		result := envelope.SoftFail(envelope.StageResearch, "no knowledge collaborator configured")
		result.Annotate("research", "degraded")
		return result
	}

	facts, err := s.search.Search(ctx, rc.Request, s.maxResults)
	if err != nil {
		s.logger.Warn("research_degraded", "run_id", rc.RunID, "error", err.Error())
		result := envelope.SoftFail(envelope.StageResearch, "knowledge collaborator unavailable")
		result.Annotate("research", "degraded")
		result.Annotate("error", err.Error())
		return result
	}

	s.logger.Info("research_completed", "run_id", rc.RunID, "facts", len(facts))
	return envelope.StageResult{
		Status:   envelope.StageStatusOK,
		Research: &envelope.ResearchOutput{Facts: facts},
	}
}
