package store

import (
	"context"
	"iter"
	"regexp"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
)

// Filter narrows an iteration. Zero values mean no restriction.
type Filter struct {
	Dataset   string
	EntityIDs []string
}

func (f Filter) matchesEntity(entityID string) bool {
	if len(f.EntityIDs) == 0 {
		return true
	}
	for _, id := range f.EntityIDs {
		if id == entityID {
			return true
		}
	}
	return false
}

// Store is the append-only statement log. Statements are never updated in
// place; ReplaceDataset is the only way to correct a dataset and it swaps the
// whole dataset atomically.
type Store interface {
	// Append durably adds statements. A batch containing an invalid statement
	// is rejected as a whole.
	Append(ctx context.Context, stmts ...models.Statement) error
	// Iterate lazily yields statements matching the filter. Within a dataset
	// statements come back in insertion order; datasets are visited in name
	// order. The sequence can be ranged over more than once.
	Iterate(ctx context.Context, filter Filter) iter.Seq2[models.Statement, error]
	// ReplaceDataset drops every statement of the dataset and stores stmts in
	// their place. Readers see either the old or the new dataset, never a mix.
	ReplaceDataset(ctx context.Context, dataset string, stmts []models.Statement) error
	// Datasets lists every dataset holding statements.
	Datasets(ctx context.Context) ([]string, error)
	Close() error
}

// Flusher is implemented by stores that buffer appends.
type Flusher interface {
	Flush(ctx context.Context) error
}

var datasetNameRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// ValidateDatasetName rejects names that cannot be used as a storage key.
func ValidateDatasetName(name string) error {
	if !datasetNameRegex.MatchString(name) {
		return errors.NewValidationErrorf("invalid dataset name %q", name)
	}
	return nil
}

// Collect drains a statement sequence into a slice.
func Collect(seq iter.Seq2[models.Statement, error]) ([]models.Statement, error) {
	var stmts []models.Statement
	for stmt, err := range seq {
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func prepare(stmts []models.Statement) ([]models.Statement, error) {
	out := make([]models.Statement, len(stmts))
	for i, stmt := range stmts {
		if err := ValidateDatasetName(stmt.Dataset); err != nil {
			return nil, err
		}
		stmt = stmt.WithID()
		stmt.CanonicalID = ""
		stmt.SeenAt = stmt.SeenAt.UTC()
		out[i] = stmt
	}
	return out, nil
}

func errorForeignDataset(dataset string, stmt models.Statement) error {
	return errors.NewValidationErrorf("statement belongs to dataset %q, not %q", stmt.Dataset, dataset).WithEntity(stmt.EntityID, stmt.Schema)
}
