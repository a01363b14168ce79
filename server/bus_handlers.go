package server

import (
	"context"
	"fmt"

	"github.com/mrX1007/FusionBrain/commbus"
	"github.com/mrX1007/FusionBrain/core/memory"
	"github.com/mrX1007/FusionBrain/core/runtime"
)

// RegisterBusHandlers wires the engine-facing commands and queries onto
// the bus: run cancellation, engine stats, and health checks.
func RegisterBusHandlers(bus commbus.CommBus, engine *runtime.Engine, store memory.LessonStore) error {
	if err := bus.RegisterHandler("CancelRun", func(ctx context.Context, msg commbus.Message) (any, error) {
		cmd, ok := msg.(*commbus.CancelRun)
		if !ok {
			return nil, fmt.Errorf("unexpected message type for CancelRun")
		}
		return nil, engine.Cancel(cmd.RunID)
	}); err != nil {
		return err
	}

	if err := bus.RegisterHandler("GetEngineStats", func(ctx context.Context, msg commbus.Message) (any, error) {
		runs := engine.List()
		inFlight := 0
		for _, rc := range runs {
			if !rc.Terminated {
				inFlight++
			}
		}
		lessons, err := store.Count(ctx)
		if err != nil {
			return nil, err
		}
		return &commbus.EngineStatsResponse{
			RunsTotal:     len(runs),
			RunsInFlight:  inFlight,
			LessonsStored: lessons,
		}, nil
	}); err != nil {
		return err
	}

	return bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg commbus.Message) (any, error) {
		req, ok := msg.(*commbus.HealthCheckRequest)
		if !ok {
			return nil, fmt.Errorf("unexpected message type for HealthCheckRequest")
		}
		switch req.Component {
		case "", "engine":
			return &commbus.HealthCheckResponse{
				Component: "engine",
				Status:    commbus.HealthStatusHealthy,
			}, nil
		case "memory":
			status := commbus.HealthStatusHealthy
			if _, err := store.Count(ctx); err != nil {
				status = commbus.HealthStatusUnhealthy
			}
			return &commbus.HealthCheckResponse{
				Component: "memory",
				Status:    status,
			}, nil
		default:
			return &commbus.HealthCheckResponse{
				Component: req.Component,
				Status:    commbus.HealthStatusUnknown,
			}, nil
		}
	})
}
