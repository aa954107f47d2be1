// Package sink serializes merged entities and raw statements to durable
// destinations. Every sink holds an exclusive lock on its destination from the
// first write until Close or Abort.
package sink

import (
	"context"

	"github.com/Ramsey-B/thistle/pkg/models"
)

// EntitySink receives merged entities. WriteEntity may buffer; Close flushes,
// publishes the output and releases the destination. Abort discards the
// output and releases the destination. Either may be called after a failed
// write; calling both, or either twice, is safe.
type EntitySink interface {
	Name() string
	WriteEntity(ctx context.Context, entity *models.Entity) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error
}

// StatementSink receives raw statements with the same lifecycle as
// EntitySink.
type StatementSink interface {
	Name() string
	WriteStatement(ctx context.Context, stmt models.Statement) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error
}
