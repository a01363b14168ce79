package reflection

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/testutil"
)

func failedRun() *envelope.RunContext {
	rc := envelope.NewRunContext("delete all files under /var/data", 3)
	rc.PriorActions = []envelope.ProposedAction{{
		Kind: "execute_command", Target: "/var/data",
		Summary: "carry out destructive request", Magnitude: 0.95, Irreversible: true,
	}}
	rc.PreviousRejections = []string{"safety-ceiling", "safety-ceiling", "safety-ceiling"}
	rc.RetryCount = 3
	rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonMaxRetries, "retry ceiling hit")
	return rc
}

func cleanSuccessRun() *envelope.RunContext {
	rc := envelope.NewRunContext("summarize the report", 3)
	rc.Terminate(envelope.RunStateSuccess, envelope.TerminalReasonCompleted, "")
	return rc
}

// ============================================================================
// Triggering
// ============================================================================

func TestReflect_FailedRunStoresLesson(t *testing.T) {
	store := &testutil.MockLessonStore{}
	engine := New(store, nil, testutil.NewMockLogger())

	lesson, err := engine.Reflect(context.Background(), failedRun())
	require.NoError(t, err)
	require.NotNil(t, lesson)

	assert.Contains(t, lesson.ID, "les_")
	assert.Equal(t, "execute_command /var/data carry out destructive request", lesson.Pattern)
	assert.Contains(t, lesson.Summary, "max-retries-exceeded")
	assert.NotEmpty(t, lesson.Strategy)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReflect_RetriedSuccessStoresLesson(t *testing.T) {
	// A success that needed retries still captures the discarded bad
	// attempt.
	store := &testutil.MockLessonStore{}
	engine := New(store, nil, testutil.NewMockLogger())

	rc := envelope.NewRunContext("reorganize the archive", 3)
	rc.PriorActions = []envelope.ProposedAction{{
		Kind: "commit_change", Target: "archive", Summary: "bulk move", Magnitude: 0.7,
	}}
	rc.RetryCount = 1
	rc.Terminate(envelope.RunStateSuccess, envelope.TerminalReasonCompleted, "")

	lesson, err := engine.Reflect(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, lesson)
	assert.Contains(t, lesson.Summary, "1 retries")
}

func TestReflect_CleanSuccessTeachesNothing(t *testing.T) {
	store := &testutil.MockLessonStore{}
	engine := New(store, nil, testutil.NewMockLogger())

	lesson, err := engine.Reflect(context.Background(), cleanSuccessRun())
	require.NoError(t, err)
	assert.Nil(t, lesson)

	count, _ := store.Count(context.Background())
	assert.Zero(t, count)
}

func TestReflect_CancelledRunTeachesNothing(t *testing.T) {
	store := &testutil.MockLessonStore{}
	engine := New(store, nil, testutil.NewMockLogger())

	rc := envelope.NewRunContext("summarize", 3)
	rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonCancelled, "caller cancelled")

	lesson, err := engine.Reflect(context.Background(), rc)
	require.NoError(t, err)
	assert.Nil(t, lesson)
}

func TestReflect_NonTerminatedRunErrors(t *testing.T) {
	engine := New(&testutil.MockLessonStore{}, nil, testutil.NewMockLogger())

	rc := envelope.NewRunContext("summarize", 3)
	_, err := engine.Reflect(context.Background(), rc)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not terminated")
}

// ============================================================================
// Idempotence
// ============================================================================

func TestReflect_SecondCallIsNoOp(t *testing.T) {
	store := &testutil.MockLessonStore{}
	engine := New(store, nil, testutil.NewMockLogger())
	rc := failedRun()

	first, err := engine.Reflect(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := engine.Reflect(context.Background(), rc)
	require.NoError(t, err)
	assert.Nil(t, second)

	count, _ := store.Count(context.Background())
	assert.Equal(t, 1, count)
}

// ============================================================================
// Synthesis
// ============================================================================

func TestReflect_LLMSynthesisParsed(t *testing.T) {
	llm := testutil.NewMockCompletionClient()
	llm.DefaultResponse = "CAUSE: the proposal was irreversible at full magnitude\nAVOID: stage the change behind a dry run"
	engine := New(&testutil.MockLessonStore{}, llm, testutil.NewMockLogger())

	lesson, err := engine.Reflect(context.Background(), failedRun())
	require.NoError(t, err)
	require.NotNil(t, lesson)

	assert.Equal(t, "the proposal was irreversible at full magnitude", lesson.Summary)
	assert.Equal(t, "stage the change behind a dry run", lesson.Strategy)
	assert.Equal(t, 1, llm.CallCount())
}

func TestReflect_LLMFailureFallsBackToTemplate(t *testing.T) {
	llm := testutil.NewMockCompletionClient()
	llm.Error = fmt.Errorf("backend down")
	engine := New(&testutil.MockLessonStore{}, llm, testutil.NewMockLogger())

	lesson, err := engine.Reflect(context.Background(), failedRun())
	require.NoError(t, err)
	require.NotNil(t, lesson)

	// Template synthesis carries the terminal reason and the rejections.
	assert.Contains(t, lesson.Summary, "max-retries-exceeded")
	assert.Contains(t, lesson.Summary, "safety-ceiling")
}

func TestReflect_MalformedLLMOutputKeepsTemplate(t *testing.T) {
	llm := testutil.NewMockCompletionClient()
	llm.DefaultResponse = "that run sure did fail"
	engine := New(&testutil.MockLessonStore{}, llm, testutil.NewMockLogger())

	lesson, err := engine.Reflect(context.Background(), failedRun())
	require.NoError(t, err)
	require.NotNil(t, lesson)
	assert.Contains(t, lesson.Summary, "max-retries-exceeded")
}

// ============================================================================
// Pattern extraction
// ============================================================================

func TestReflect_PatternFallsBackToRequest(t *testing.T) {
	store := &testutil.MockLessonStore{}
	engine := New(store, nil, testutil.NewMockLogger())

	rc := envelope.NewRunContext("Summarize The Report", 3)
	rc.RetryCount = 1
	rc.Terminate(envelope.RunStateFailure, envelope.TerminalReasonStageFailed, "")

	lesson, err := engine.Reflect(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, lesson)
	assert.Equal(t, "summarize the report", lesson.Pattern)
}

func TestReflect_StoreErrorPropagates(t *testing.T) {
	store := &testutil.MockLessonStore{StoreError: fmt.Errorf("disk full")}
	engine := New(store, nil, testutil.NewMockLogger())

	_, err := engine.Reflect(context.Background(), failedRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
