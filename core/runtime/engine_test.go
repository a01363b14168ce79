package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrX1007/FusionBrain/commbus"
	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/experts"
	"github.com/mrX1007/FusionBrain/core/testutil"
)

func newTestEngine(t *testing.T, opts harnessOptions, maxConcurrent int) (*Engine, *harness) {
	t.Helper()
	h := newHarness(t, opts)
	return NewEngine(h.orch, maxConcurrent, testutil.NewMockLogger()), h
}

// blockingLLM parks every completion until released.
func blockingLLM() (*testutil.MockCompletionClient, func()) {
	release := make(chan struct{})
	var once sync.Once
	llm := testutil.NewMockCompletionClient()
	llm.CompleteFunc = func(ctx context.Context, req experts.CompletionRequest) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", ctx.Err()
	}
	return llm, func() { once.Do(func() { close(release) }) }
}

// ============================================================================
// Submit / Wait / Get
// ============================================================================

func TestEngine_SubmitAndWait(t *testing.T) {
	engine, _ := newTestEngine(t, harnessOptions{}, 0)

	runID, err := engine.Submit(context.Background(), "summarize the quarterly report")
	require.NoError(t, err)
	assert.Contains(t, runID, "run_")

	engine.Wait(runID)

	rc, err := engine.Get(runID)
	require.NoError(t, err)
	assert.True(t, rc.Terminated)
	assert.Equal(t, envelope.RunStateSuccess, rc.State)
}

func TestEngine_ExecuteIsSynchronous(t *testing.T) {
	engine, _ := newTestEngine(t, harnessOptions{}, 0)

	rc, err := engine.Execute(context.Background(), "summarize the quarterly report")
	require.NoError(t, err)
	require.NotNil(t, rc)
	assert.True(t, rc.Terminated)
}

func TestEngine_GetUnknownRun(t *testing.T) {
	engine, _ := newTestEngine(t, harnessOptions{}, 0)

	_, err := engine.Get("run_missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestEngine_GetReturnsSnapshot(t *testing.T) {
	// Snapshots are decoupled from the live context: mutating one must not
	// leak into the engine's copy.
	engine, _ := newTestEngine(t, harnessOptions{}, 0)

	runID, err := engine.Submit(context.Background(), "summarize the quarterly report")
	require.NoError(t, err)
	engine.Wait(runID)

	first, err := engine.Get(runID)
	require.NoError(t, err)
	first.Request = "tampered"

	second, err := engine.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, "summarize the quarterly report", second.Request)
}

// ============================================================================
// Cancellation
// ============================================================================

func TestEngine_CancelInFlightRun(t *testing.T) {
	llm, release := blockingLLM()
	defer release()
	engine, _ := newTestEngine(t, harnessOptions{reasoningLLM: llm}, 0)

	runID, err := engine.Submit(context.Background(), "summarize the quarterly report")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, engine.Cancel(runID))
	engine.Wait(runID)

	rc, err := engine.Get(runID)
	require.NoError(t, err)
	require.NotNil(t, rc.TerminalReason)
	assert.Equal(t, envelope.TerminalReasonCancelled, *rc.TerminalReason)
}

func TestEngine_CancelUnknownRun(t *testing.T) {
	engine, _ := newTestEngine(t, harnessOptions{}, 0)
	assert.ErrorIs(t, engine.Cancel("run_missing"), ErrRunNotFound)
}

func TestEngine_CancelCompletedRunIsNoOp(t *testing.T) {
	engine, _ := newTestEngine(t, harnessOptions{}, 0)

	runID, err := engine.Submit(context.Background(), "summarize the quarterly report")
	require.NoError(t, err)
	engine.Wait(runID)

	require.NoError(t, engine.Cancel(runID))

	rc, _ := engine.Get(runID)
	assert.Equal(t, envelope.RunStateSuccess, rc.State)
}

// ============================================================================
// Concurrency bound
// ============================================================================

func TestEngine_TooManyRuns(t *testing.T) {
	llm, release := blockingLLM()
	defer release()
	engine, _ := newTestEngine(t, harnessOptions{reasoningLLM: llm}, 1)

	first, err := engine.Submit(context.Background(), "summarize the quarterly report")
	require.NoError(t, err)

	_, err = engine.Submit(context.Background(), "another request")
	assert.ErrorIs(t, err, ErrTooManyRuns)

	// Finishing the first run frees the slot. The slot is released just
	// after the done signal, so give the goroutine a beat.
	release()
	engine.Wait(first)
	time.Sleep(20 * time.Millisecond)

	second, err := engine.Submit(context.Background(), "another request")
	require.NoError(t, err)
	engine.Wait(second)
}

func TestEngine_List(t *testing.T) {
	engine, _ := newTestEngine(t, harnessOptions{}, 0)

	first, err := engine.Submit(context.Background(), "first request")
	require.NoError(t, err)
	engine.Wait(first)

	time.Sleep(5 * time.Millisecond)

	second, err := engine.Submit(context.Background(), "second request")
	require.NoError(t, err)
	engine.Wait(second)

	runs := engine.List()
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].RunID)
	assert.Equal(t, first, runs[1].RunID)
}

// ============================================================================
// Bus event sink
// ============================================================================

func TestBusEventSink_PublishesLifecycle(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(5 * time.Second)
	defer bus.Clear()

	var mu sync.Mutex
	var completed []*commbus.RunCompleted
	var verdicts int
	bus.Subscribe("RunCompleted", func(ctx context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		completed = append(completed, msg.(*commbus.RunCompleted))
		mu.Unlock()
		return nil, nil
	})
	bus.Subscribe("VerdictIssued", func(ctx context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		verdicts++
		mu.Unlock()
		return nil, nil
	})

	h := newHarness(t, harnessOptions{})
	orch, err := NewOrchestrator(h.orch.cfg, h.orch.stages, h.store, h.orch.reflection, NewBusEventSink(bus), testutil.NewMockLogger())
	require.NoError(t, err)

	rc, err := orch.Execute(context.Background(), orch.NewRun("summarize the quarterly report"), nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completed, 1)
	assert.Equal(t, rc.RunID, completed[0].RunID)
	assert.Equal(t, string(envelope.RunStateSuccess), completed[0].State)
	assert.Equal(t, string(envelope.TerminalReasonCompleted), completed[0].TerminalReason)
	assert.Equal(t, 1, verdicts)
}
