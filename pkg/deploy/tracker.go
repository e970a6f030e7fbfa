package deploy

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/freitascorp/modswap/pkg/cluster"
)

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")

// Tracker persists pipeline execution state and exposes it for the
// API. Implementations must be safe for concurrent use.
type Tracker interface {
	// SaveState upserts the full state of an execution.
	SaveState(ctx context.Context, state *PipelineExecutionState) error

	// GetPipelineState returns the tracked state of one execution.
	GetPipelineState(ctx context.Context, executionID string) (*PipelineExecutionState, error)

	// GetResult returns the deployment result of a finished execution.
	// Executions without a result yet return ErrExecutionNotFound.
	GetResult(ctx context.Context, executionID string) (*DeploymentResult, error)

	// GetInProgress reports whether the execution is still running.
	GetInProgress(ctx context.Context, executionID string) (bool, error)

	// ListStates returns all tracked executions, newest first.
	ListStates(ctx context.Context) ([]*PipelineExecutionState, error)

	// ListInProgress returns executions in a non-terminal status.
	ListInProgress(ctx context.Context) ([]*PipelineExecutionState, error)
}

// ------------------------------------------------------------------
// In-memory tracker
// ------------------------------------------------------------------

// MemoryTracker keeps execution state in a map. States are deep-copied
// on save and load so callers cannot mutate tracked data.
type MemoryTracker struct {
	mu     sync.RWMutex
	states map[string]*PipelineExecutionState
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{states: make(map[string]*PipelineExecutionState)}
}

func copyState(s *PipelineExecutionState) *PipelineExecutionState {
	cp := *s
	cp.Stages = append([]PipelineStageResult(nil), s.Stages...)
	if s.Result != nil {
		res := *s.Result
		res.NodeResults = append([]cluster.NodeDeploymentResult(nil), s.Result.NodeResults...)
		cp.Result = &res
	}
	return &cp
}

func (t *MemoryTracker) SaveState(_ context.Context, state *PipelineExecutionState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[state.ExecutionID] = copyState(state)
	return nil
}

func (t *MemoryTracker) GetPipelineState(_ context.Context, executionID string) (*PipelineExecutionState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return copyState(s), nil
}

func (t *MemoryTracker) GetResult(_ context.Context, executionID string) (*DeploymentResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[executionID]
	if !ok || s.Result == nil {
		return nil, ErrExecutionNotFound
	}
	res := *s.Result
	return &res, nil
}

func (t *MemoryTracker) GetInProgress(_ context.Context, executionID string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[executionID]
	if !ok {
		return false, ErrExecutionNotFound
	}
	return !s.Status.IsTerminal(), nil
}

func (t *MemoryTracker) ListStates(_ context.Context) ([]*PipelineExecutionState, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PipelineExecutionState, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, copyState(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (t *MemoryTracker) ListInProgress(_ context.Context) ([]*PipelineExecutionState, error) {
	all, _ := t.ListStates(context.Background())
	out := all[:0]
	for _, s := range all {
		if !s.Status.IsTerminal() {
			out = append(out, s)
		}
	}
	return out, nil
}
