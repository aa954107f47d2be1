package store

import (
	"context"
	"iter"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// StatementValidator checks a single statement against the type model.
type StatementValidator interface {
	ValidateStatement(stmt models.Statement) error
}

// ValidatingStore rejects statements the type model does not allow before
// they reach the wrapped store.
type ValidatingStore struct {
	Store
	validator StatementValidator
}

func NewValidatingStore(inner Store, validator StatementValidator) *ValidatingStore {
	return &ValidatingStore{Store: inner, validator: validator}
}

func (s *ValidatingStore) validate(stmts []models.Statement) error {
	for _, stmt := range stmts {
		if err := s.validator.ValidateStatement(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValidatingStore) Append(ctx context.Context, stmts ...models.Statement) error {
	if err := s.validate(stmts); err != nil {
		return err
	}
	return s.Store.Append(ctx, stmts...)
}

func (s *ValidatingStore) ReplaceDataset(ctx context.Context, dataset string, stmts []models.Statement) error {
	if err := s.validate(stmts); err != nil {
		return err
	}
	return s.Store.ReplaceDataset(ctx, dataset, stmts)
}

func (s *ValidatingStore) Iterate(ctx context.Context, filter Filter) iter.Seq2[models.Statement, error] {
	return s.Store.Iterate(ctx, filter)
}

// Flush forwards to the wrapped store when it buffers.
func (s *ValidatingStore) Flush(ctx context.Context) error {
	if f, ok := s.Store.(Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}
