// Package export streams merged entities from the view into sinks.
package export

import (
	"context"
	"iter"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/sink"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

const queueSize = 64

// Source yields merged entities, typically a *view.View.
type Source interface {
	Iterate(ctx context.Context, dataset string) iter.Seq2[*models.Entity, error]
}

// Exporter writes one pass over the view to every configured sink. Each sink
// runs on its own goroutine; a failure in any of them aborts all of them, so a
// pass either publishes every output or none.
type Exporter struct {
	source         Source
	entitySinks    []sink.EntitySink
	statementSinks []sink.StatementSink
	logger         ectologger.Logger
	now            func() time.Time
}

func New(source Source, entitySinks []sink.EntitySink, statementSinks []sink.StatementSink, logger ectologger.Logger) *Exporter {
	return &Exporter{
		source:         source,
		entitySinks:    entitySinks,
		statementSinks: statementSinks,
		logger:         logger,
		now:            time.Now,
	}
}

type worker struct {
	name  string
	queue chan *models.Entity
	write func(ctx context.Context, entity *models.Entity) (int, error)
	close func(ctx context.Context) error
	abort func(ctx context.Context) error
	count int
}

func (e *Exporter) workers(dataset string) []*worker {
	workers := make([]*worker, 0, len(e.entitySinks)+len(e.statementSinks))
	for _, s := range e.entitySinks {
		workers = append(workers, &worker{
			name: s.Name(),
			write: func(ctx context.Context, entity *models.Entity) (int, error) {
				return 1, s.WriteEntity(ctx, entity)
			},
			close: s.Close,
			abort: s.Abort,
		})
	}
	for _, s := range e.statementSinks {
		workers = append(workers, &worker{
			name: s.Name(),
			write: func(ctx context.Context, entity *models.Entity) (int, error) {
				n := 0
				for _, stmt := range entity.Statements {
					if dataset != "" && stmt.Dataset != dataset {
						continue
					}
					if err := s.WriteStatement(ctx, stmt); err != nil {
						return n, err
					}
					n++
				}
				return n, nil
			},
			close: s.Close,
			abort: s.Abort,
		})
	}
	for _, w := range workers {
		w.queue = make(chan *models.Entity, queueSize)
	}
	return workers
}

// Run exports the entities touching dataset, or every entity when dataset is
// empty. Statement sinks receive the statements of those entities that belong
// to dataset, with canonical ids set.
func (e *Exporter) Run(ctx context.Context, dataset string) (models.ExportStats, error) {
	ctx, span := tracing.StartSpan(ctx, "export.Exporter.Run")
	defer span.End()

	stats := models.ExportStats{
		Dataset:   dataset,
		Sinks:     map[string]int{},
		StartedAt: e.now().UTC(),
	}
	log := e.logger.WithContext(ctx).WithField("dataset", dataset)
	workers := e.workers(dataset)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			for _, w := range workers {
				close(w.queue)
			}
		}()
		for entity, err := range e.source.Iterate(gctx, dataset) {
			if err != nil {
				return errors.Wrap(err, "read view")
			}
			stats.Entities++
			if entity.SchemaConflict {
				stats.SchemaConflicts++
			}
			for _, w := range workers {
				select {
				case w.queue <- entity:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		return nil
	})
	for _, w := range workers {
		g.Go(func() error {
			for entity := range w.queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				n, err := w.write(gctx, entity)
				w.count += n
				if err != nil {
					return errors.Wrapf(err, "sink %s", w.name)
				}
			}
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = e.closeAll(ctx, workers)
	} else {
		e.abortAll(ctx, workers, log)
	}

	for _, w := range workers {
		stats.Sinks[w.name] += w.count
	}
	for _, s := range e.statementSinks {
		stats.Statements += int64(stats.Sinks[s.Name()])
	}
	stats.EndedAt = e.now().UTC()

	status := "complete"
	if err != nil {
		status = "failed"
		tracing.RecordError(ctx, err)
		log.WithError(err).Error("Export failed; all outputs discarded")
	} else {
		log.WithFields(map[string]any{
			"entities":         stats.Entities,
			"schema_conflicts": stats.SchemaConflicts,
			"sinks":            stats.Sinks,
		}).Info("Export complete")
	}
	metrics.ExportDuration.WithLabelValues(status).Observe(stats.EndedAt.Sub(stats.StartedAt).Seconds())
	return stats, err
}

// closeAll publishes every sink in order. If one fails, the sinks not yet
// closed are aborted; sinks already closed stay published.
func (e *Exporter) closeAll(ctx context.Context, workers []*worker) error {
	for i, w := range workers {
		if err := w.close(ctx); err != nil {
			log := e.logger.WithContext(ctx)
			e.abortAll(ctx, workers[i:], log)
			return errors.Wrapf(err, "close sink %s", w.name)
		}
	}
	return nil
}

func (e *Exporter) abortAll(ctx context.Context, workers []*worker, log ectologger.Logger) {
	for _, w := range workers {
		if err := w.abort(ctx); err != nil {
			log.WithError(err).Warnf("Failed to abort sink %s", w.name)
		}
	}
}
