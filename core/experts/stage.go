// Package experts contains the pipeline's stage implementations. Each stage
// reads the shared run context and returns a structured result; it never
// mutates the context directly - the orchestrator applies results.
package experts

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/observability"
)

// Collaborator sentinel errors. Stages use these to distinguish a degraded
// collaborator (soft-fail, pipeline proceeds) from a broken one.
var (
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrRateLimited        = errors.New("rate limited")
)

// CompletionRequest is a single LLM generation request.
type CompletionRequest struct {
	System      string
	Prompt      string
	Temperature float64
}

// CompletionClient is the interface for LLM backends.
type CompletionClient interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// KnowledgeSearcher is the interface for external knowledge lookup.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]envelope.Fact, error)
}

// ActionExecutor carries out an accepted action. Implementations own the
// actual side effects; the engine only ever hands them gate-approved
// actions.
type ActionExecutor interface {
	Execute(ctx context.Context, action envelope.ProposedAction) (outcome string, err error)
}

// Logger is the interface for logging.
type Logger interface {
	Info(msg string, fields ...any)
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
	Bind(fields ...any) Logger
}

// Stage is the polymorphic unit of work. Run reads the context and returns
// a result; the orchestrator dispatches over the closed set of variants and
// applies each result to the context.
type Stage interface {
	Name() envelope.StageName
	Run(ctx context.Context, rc *envelope.RunContext) envelope.StageResult
}

var tracer = otel.Tracer("fusionbrain/experts")

// Run executes a stage with tracing, metrics and timing applied uniformly.
// The returned result always carries StartedAt and DurationMS.
func Run(ctx context.Context, stage Stage, rc *envelope.RunContext) envelope.StageResult {
	name := stage.Name()
	ctx, span := tracer.Start(ctx, "stage.run", trace.WithAttributes(
		attribute.String("fusionbrain.stage", string(name)),
		attribute.String("fusionbrain.run.id", rc.RunID),
	))
	defer span.End()

	start := time.Now()
	result := stage.Run(ctx, rc)
	durationMS := int(time.Since(start).Milliseconds())

	result.Stage = name
	result.StartedAt = start.UTC()
	result.DurationMS = durationMS

	span.SetAttributes(attribute.Int("duration_ms", durationMS))
	switch result.Status {
	case envelope.StageStatusHardFail:
		span.SetStatus(codes.Error, result.FailReason)
	default:
		span.SetStatus(codes.Ok, string(result.Status))
	}
	observability.RecordStageExecution(string(name), string(result.Status), durationMS)

	return result
}
