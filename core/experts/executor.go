package experts

import (
	"context"
	"fmt"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

// SimulatedExecutor is the default ActionExecutor: respond actions are
// delivered as-is, everything effectful is dry-run and reported, never
// actually performed. Deployments with a real sandbox inject their own
// executor.
type SimulatedExecutor struct{}

func (SimulatedExecutor) Execute(_ context.Context, action envelope.ProposedAction) (string, error) {
	switch action.Kind {
	case "respond":
		return "response delivered", nil
	default:
		return fmt.Sprintf("dry-run: %s against %s completed", action.Kind, action.Target), nil
	}
}
