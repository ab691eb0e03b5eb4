package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/chatops-gateway/internal/storage"
)

// Store is an in-memory implementation of RunStore
type Store struct {
	mu   sync.RWMutex
	runs map[string]*storage.Run
}

var _ storage.RunStore = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		runs: make(map[string]*storage.Run),
	}
}

func (s *Store) RecordStart(ctx context.Context, run *storage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	stored := *run
	s.runs[run.ID] = &stored
	return nil
}

func (s *Store) RecordFinish(ctx context.Context, run *storage.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[run.ID]
	if !exists {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
	}
	if run.FinishedAt == nil {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	finished := *run.FinishedAt

	stored.Phase = run.Phase
	stored.Detail = run.Detail
	stored.FinishedAt = &finished
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[id]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	out := *run
	return &out, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.Run, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	s.mu.RLock()
	runs := make([]*storage.Run, 0, len(s.runs))
	for _, run := range s.runs {
		out := *run
		runs = append(runs, &out)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *Store) Close() error {
	return nil
}
