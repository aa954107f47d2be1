package store

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// MemoryStore keeps statements in process. It backs tests and one-shot
// pipelines that export right after crawling.
type MemoryStore struct {
	mu       sync.RWMutex
	datasets map[string][]models.Statement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{datasets: map[string][]models.Statement{}}
}

func (s *MemoryStore) Append(ctx context.Context, stmts ...models.Statement) error {
	_, span := tracing.StartSpan(ctx, "store.MemoryStore.Append")
	defer span.End()

	prepared, err := prepare(stmts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range prepared {
		s.datasets[stmt.Dataset] = append(s.datasets[stmt.Dataset], stmt)
	}
	return nil
}

// snapshot captures the slices to read. Appends only ever write past the
// captured length and replacements swap the slice, so the captured prefix is
// never modified afterwards.
func (s *MemoryStore) snapshot(dataset string) [][]models.Statement {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if dataset != "" {
		return [][]models.Statement{s.datasets[dataset]}
	}
	names := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([][]models.Statement, 0, len(names))
	for _, name := range names {
		out = append(out, s.datasets[name])
	}
	return out
}

func (s *MemoryStore) Iterate(ctx context.Context, filter Filter) iter.Seq2[models.Statement, error] {
	return func(yield func(models.Statement, error) bool) {
		for _, stmts := range s.snapshot(filter.Dataset) {
			for _, stmt := range stmts {
				if err := ctx.Err(); err != nil {
					yield(models.Statement{}, err)
					return
				}
				if !filter.matchesEntity(stmt.EntityID) {
					continue
				}
				if !yield(stmt, nil) {
					return
				}
			}
		}
	}
}

func (s *MemoryStore) ReplaceDataset(ctx context.Context, dataset string, stmts []models.Statement) error {
	_, span := tracing.StartSpan(ctx, "store.MemoryStore.ReplaceDataset")
	defer span.End()

	if err := ValidateDatasetName(dataset); err != nil {
		return err
	}
	prepared, err := prepare(stmts)
	if err != nil {
		return err
	}
	for _, stmt := range prepared {
		if stmt.Dataset != dataset {
			return errorForeignDataset(dataset, stmt)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(prepared) == 0 {
		delete(s.datasets, dataset)
		return nil
	}
	s.datasets[dataset] = prepared
	return nil
}

func (s *MemoryStore) Datasets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.datasets))
	for name, stmts := range s.datasets {
		if len(stmts) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
