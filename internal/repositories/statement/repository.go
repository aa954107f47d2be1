package statement

import (
	"context"
	"fmt"
	"iter"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/store"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const (
	table           = "statements"
	insertBatchSize = 500
	defaultPageSize = 5000
)

var columns = []string{
	"id", "entity_id", "schema", "prop", "prop_type", "value",
	"dataset", "origin", "lang", "original_value", "target", "seen_at",
}

type row struct {
	Seq int64 `db:"seq"`
	models.Statement
}

// Repository is the Postgres statement store. Statements are ordered by an
// insertion sequence; appending a statement id that already exists is a
// no-op.
type Repository struct {
	db       database.DB
	logger   ectologger.Logger
	pageSize int
}

// NewRepository creates a new statement repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:       db,
		logger:   logger,
		pageSize: defaultPageSize,
	}
}

var _ store.Store = (*Repository)(nil)

func prepare(stmts []models.Statement) ([]models.Statement, error) {
	out := make([]models.Statement, len(stmts))
	for i, stmt := range stmts {
		if err := store.ValidateDatasetName(stmt.Dataset); err != nil {
			return nil, err
		}
		stmt = stmt.WithID()
		stmt.SeenAt = stmt.SeenAt.UTC()
		out[i] = stmt
	}
	return out, nil
}

func (r *Repository) insert(ctx context.Context, tx database.Tx, stmts []models.Statement) error {
	for start := 0; start < len(stmts); start += insertBatchSize {
		end := min(start+insertBatchSize, len(stmts))

		ib := database.NewInsertBuilder()
		ib.InsertInto(table)
		ib.Cols(columns...)
		for _, s := range stmts[start:end] {
			ib.Values(s.ID, s.EntityID, s.Schema, s.Prop, s.PropType, s.Value,
				s.Dataset, s.Origin, s.Lang, s.OriginalValue, s.Target, s.SeenAt)
		}
		ib.OnConflictDoNothing("id")

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// Append inserts the batch in one transaction.
func (r *Repository) Append(ctx context.Context, stmts ...models.Statement) error {
	ctx, span := tracing.StartSpan(ctx, "statement.Repository.Append")
	defer span.End()

	prepared, err := prepare(stmts)
	if err != nil {
		return err
	}
	if len(prepared) == 0 {
		return nil
	}

	err = database.WithTx(ctx, r.db, func(ctx context.Context, tx database.Tx) error {
		return r.insert(ctx, tx, prepared)
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"count": len(prepared)}).Error("Failed to append statements")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append statements")
	}
	return nil
}

// ReplaceDataset deletes and re-inserts the dataset in one transaction.
func (r *Repository) ReplaceDataset(ctx context.Context, dataset string, stmts []models.Statement) error {
	ctx, span := tracing.StartSpan(ctx, "statement.Repository.ReplaceDataset")
	defer span.End()

	if err := store.ValidateDatasetName(dataset); err != nil {
		return err
	}
	prepared, err := prepare(stmts)
	if err != nil {
		return err
	}
	for _, s := range prepared {
		if s.Dataset != dataset {
			return errors.NewValidationErrorf("statement belongs to dataset %q, not %q", s.Dataset, dataset).WithEntity(s.EntityID, s.Schema)
		}
	}

	err = database.WithTx(ctx, r.db, func(ctx context.Context, tx database.Tx) error {
		del := database.NewDeleteBuilder()
		del.DeleteFrom(table)
		del.Where(del.Equal("dataset", dataset))
		query, args := del.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
		return r.insert(ctx, tx, prepared)
	})
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"dataset": dataset, "count": len(prepared)}).Error("Failed to replace dataset")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to replace dataset")
	}
	return nil
}

// Iterate pages through matching statements ordered by dataset and then
// insertion sequence.
func (r *Repository) Iterate(ctx context.Context, filter store.Filter) iter.Seq2[models.Statement, error] {
	return func(yield func(models.Statement, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "statement.Repository.Iterate")
		defer span.End()

		lastDataset, lastSeq := "", int64(-1)
		for {
			rows, err := r.page(ctx, filter, lastDataset, lastSeq)
			if err != nil {
				r.logger.WithContext(ctx).WithError(err).WithField("dataset", filter.Dataset).Error("Failed to read statements")
				yield(models.Statement{}, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read statements"))
				return
			}
			for _, row := range rows {
				if !yield(row.Statement, nil) {
					return
				}
			}
			if len(rows) < r.pageSize {
				return
			}
			last := rows[len(rows)-1]
			lastDataset, lastSeq = last.Dataset, last.Seq
		}
	}
}

func (r *Repository) page(ctx context.Context, filter store.Filter, afterDataset string, afterSeq int64) ([]row, error) {
	sb := database.NewSelectBuilder()
	sb.Select(append([]string{"seq"}, columns...)...)
	sb.From(table)
	var where []string
	if filter.Dataset != "" {
		where = append(where, sb.Equal("dataset", filter.Dataset))
	}
	if len(filter.EntityIDs) > 0 {
		where = append(where, "entity_id = ANY("+sb.Var(pq.Array(filter.EntityIDs))+")")
	}
	if afterSeq >= 0 {
		where = append(where, fmt.Sprintf("(dataset, seq) > (%s, %s)", sb.Var(afterDataset), sb.Var(afterSeq)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("dataset", "seq")
	sb.Limit(r.pageSize)

	query, args := sb.Build()
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) Datasets(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "statement.Repository.Datasets")
	defer span.End()

	var names []string
	if err := r.db.SelectContext(ctx, &names, "SELECT DISTINCT dataset FROM statements ORDER BY dataset"); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list datasets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list datasets")
	}
	return names, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (r *Repository) Close() error {
	return nil
}
