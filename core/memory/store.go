// Package memory is the engine's long-term store of lessons learned from
// failed or retried runs. Writes are append-only; reads are best-effort
// similarity lookups that may race with concurrent writes.
package memory

import (
	"context"

	"github.com/mrX1007/FusionBrain/core/envelope"
)

// LessonStore persists lessons and retrieves the ones relevant to a new
// request. Implementations must be safe under concurrent writers.
type LessonStore interface {
	// Store appends a lesson. Storing a second lesson for the same source
	// run is a no-op; the return value reports whether a row was written.
	Store(ctx context.Context, lesson envelope.Lesson) (bool, error)

	// Query returns up to limit lessons ranked by similarity to the given
	// pattern text, most similar first. A run that misses a just-written
	// lesson is accepted behavior, not an error.
	Query(ctx context.Context, pattern string, limit int) ([]envelope.Lesson, error)

	// HasLessonForRun reports whether a lesson from the given run already
	// exists.
	HasLessonForRun(ctx context.Context, runID string) (bool, error)

	// Count returns the number of stored lessons.
	Count(ctx context.Context) (int, error)

	Close() error
}
