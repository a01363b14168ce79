package runtime

import (
	"context"

	"github.com/mrX1007/FusionBrain/commbus"
	"github.com/mrX1007/FusionBrain/core/envelope"
)

// BusEventSink publishes run lifecycle events onto the communication bus so
// telemetry and WebSocket subscribers can follow runs in flight. Publish
// errors are swallowed: event delivery never affects a run.
type BusEventSink struct {
	bus commbus.CommBus
}

// NewBusEventSink wraps a bus as an EventSink.
func NewBusEventSink(bus commbus.CommBus) *BusEventSink {
	return &BusEventSink{bus: bus}
}

func (s *BusEventSink) EmitRunStarted(runID, request string) {
	_ = s.bus.Publish(context.Background(), &commbus.RunStarted{
		RunID:   runID,
		Request: request,
	})
}

func (s *BusEventSink) EmitStageStarted(runID string, stage envelope.StageName) {
	_ = s.bus.Publish(context.Background(), &commbus.StageStarted{
		RunID: runID,
		Stage: string(stage),
	})
}

func (s *BusEventSink) EmitStageCompleted(runID string, result envelope.StageResult) {
	_ = s.bus.Publish(context.Background(), &commbus.StageCompleted{
		RunID:      runID,
		Stage:      string(result.Stage),
		Status:     string(result.Status),
		FailReason: result.FailReason,
		DurationMS: result.DurationMS,
		Payload:    result.Diagnostics,
	})
}

func (s *BusEventSink) EmitVerdict(runID string, verdict envelope.SimulationVerdict) {
	_ = s.bus.Publish(context.Background(), &commbus.VerdictIssued{
		RunID:     runID,
		Accepted:  verdict.Accepted,
		RiskScore: verdict.RiskScore,
		Threshold: verdict.Threshold,
		Mode:      string(verdict.Mode),
		Reason:    verdict.Reason,
	})
}

func (s *BusEventSink) EmitRunCompleted(runID string, rc *envelope.RunContext) {
	event := &commbus.RunCompleted{
		RunID:         runID,
		State:         string(rc.State),
		RetryCount:    rc.RetryCount,
		DurationMS:    rc.TotalDurationMS(),
		FinalResponse: rc.FinalResponse,
	}
	if rc.TerminalReason != nil {
		event.TerminalReason = string(*rc.TerminalReason)
	}
	_ = s.bus.Publish(context.Background(), event)
}

func (s *BusEventSink) EmitLessonStored(runID string, lesson envelope.Lesson) {
	_ = s.bus.Publish(context.Background(), &commbus.LessonStored{
		RunID:    runID,
		LessonID: lesson.ID,
		Summary:  lesson.Summary,
		Pattern:  lesson.Pattern,
	})
}

var _ EventSink = (*BusEventSink)(nil)
