package orchestrator

import (
	"context"
	"sort"
	"sync"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/types"
)

// RunStore persists run records
type RunStore interface {
	Save(ctx context.Context, run *types.BacktestRun) error
	Get(ctx context.Context, id string) (*types.BacktestRun, error)
	List(ctx context.Context, filter types.RunFilter) ([]*types.BacktestRun, error)
}

// StatusCache serves status polls without touching the store
type StatusCache interface {
	SetStatus(ctx context.Context, view types.RunStatusView) error
	GetStatus(ctx context.Context, runID string) (types.RunStatusView, error)
}

// MemoryStore keeps run records in process
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*types.BacktestRun
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*types.BacktestRun)}
}

// Save upserts a copy of run
func (s *MemoryStore) Save(_ context.Context, run *types.BacktestRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// Get returns a copy of the stored run
func (s *MemoryStore) Get(_ context.Context, id string) (*types.BacktestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeRunNotFound, "run %s not found", id)
	}
	return run.Clone(), nil
}

// List returns matching runs, newest first
func (s *MemoryStore) List(_ context.Context, filter types.RunFilter) ([]*types.BacktestRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.BacktestRun, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Matches(run) {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
