package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mrX1007/FusionBrain/core/envelope"
	"github.com/mrX1007/FusionBrain/core/experts"
)

// ErrRunNotFound is returned for unknown run identifiers.
var ErrRunNotFound = fmt.Errorf("run not found")

// ErrTooManyRuns is returned when the concurrent-run bound is hit.
var ErrTooManyRuns = fmt.Errorf("too many concurrent runs")

// runHandle tracks one in-flight or completed run. The run goroutine owns
// the live RunContext exclusively; readers only ever see snapshots taken
// under the handle's lock.
type runHandle struct {
	mu       sync.RWMutex
	snapshot *envelope.RunContext
	cancel   context.CancelFunc
	done     chan struct{}
}

func (h *runHandle) update(rc *envelope.RunContext) {
	clone := rc.Clone()
	h.mu.Lock()
	h.snapshot = clone
	h.mu.Unlock()
}

func (h *runHandle) view() *envelope.RunContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.snapshot
}

// Engine is the concurrent run registry on top of the Orchestrator: it
// accepts runs, bounds how many execute at once, and serves progress
// snapshots and cancellation by run ID.
type Engine struct {
	orch   *Orchestrator
	logger experts.Logger

	mu   sync.RWMutex
	runs map[string]*runHandle
	sem  chan struct{}
}

// NewEngine builds the registry. maxConcurrent <= 0 means unbounded.
func NewEngine(orch *Orchestrator, maxConcurrent int, logger experts.Logger) *Engine {
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &Engine{
		orch:   orch,
		logger: logger.Bind("component", "engine"),
		runs:   make(map[string]*runHandle),
		sem:    sem,
	}
}

// Execute runs a request synchronously and returns the terminated context.
func (e *Engine) Execute(ctx context.Context, request string) (*envelope.RunContext, error) {
	runID, err := e.Submit(ctx, request)
	if err != nil {
		return nil, err
	}
	e.Wait(runID)
	rc, _ := e.Get(runID)
	return rc, nil
}

// Submit starts a run asynchronously and returns its ID immediately. The
// run detaches from the caller's context: cancellation goes through
// Cancel, not through ctx.
func (e *Engine) Submit(_ context.Context, request string) (string, error) {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
		default:
			return "", ErrTooManyRuns
		}
	}

	rc := e.orch.NewRun(request)
	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	handle.update(rc)

	e.mu.Lock()
	e.runs[rc.RunID] = handle
	e.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(handle.done)
			if e.sem != nil {
				<-e.sem
			}
		}()
		if _, err := e.orch.Execute(runCtx, rc, handle.update); err != nil {
			e.logger.Info("run_aborted", "run_id", rc.RunID, "error", err.Error())
		}
	}()

	return rc.RunID, nil
}

// Get returns a snapshot of a run's context.
func (e *Engine) Get(runID string) (*envelope.RunContext, error) {
	e.mu.RLock()
	handle, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return handle.view(), nil
}

// Cancel aborts an in-flight run at its next state boundary. Cancelling a
// completed run is a no-op.
func (e *Engine) Cancel(runID string) error {
	e.mu.RLock()
	handle, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return ErrRunNotFound
	}
	handle.cancel()
	return nil
}

// Wait blocks until the run terminates.
func (e *Engine) Wait(runID string) {
	e.mu.RLock()
	handle, ok := e.runs[runID]
	e.mu.RUnlock()
	if !ok {
		return
	}
	<-handle.done
}

// List returns snapshots of all known runs, newest first.
func (e *Engine) List() []*envelope.RunContext {
	e.mu.RLock()
	out := make([]*envelope.RunContext, 0, len(e.runs))
	for _, handle := range e.runs {
		out = append(out, handle.view())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out
}
