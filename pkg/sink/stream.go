package sink

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/graph"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/lock"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Publisher is the part of kafka.Producer the Kafka sink uses.
type Publisher interface {
	PublishEntityEvents(ctx context.Context, events []*kafka.EntityEvent) error
}

// remoteLock holds a locker key for sinks whose destination is a remote
// system rather than a file.
type remoteLock struct {
	locker  lock.Locker
	key     string
	timeout time.Duration
	guard   lock.Guard
}

func (l *remoteLock) acquire(ctx context.Context) error {
	if l.guard != nil {
		return nil
	}
	guard, err := l.locker.Acquire(ctx, l.key, l.timeout)
	if err != nil {
		return err
	}
	l.guard = guard
	return nil
}

func (l *remoteLock) release(ctx context.Context) error {
	if l.guard == nil {
		return nil
	}
	err := l.guard.Release(ctx)
	l.guard = nil
	return err
}

// KafkaSink publishes merged entities as entity.exported events in batches
// and ends the run with export.complete, or export.failed on Abort.
type KafkaSink struct {
	publisher Publisher
	dataset   string
	runID     string
	batchSize int
	lock      remoteLock
	logger    ectologger.Logger

	pending []*kafka.EntityEvent
	count   int
	done    bool
}

// NewKafkaSink creates a Kafka sink. lockKey names the destination for the
// locker, for example a lock file path when locker is a FileLocker.
func NewKafkaSink(publisher Publisher, dataset string, locker lock.Locker, lockKey string, timeout time.Duration, batchSize int, logger ectologger.Logger) *KafkaSink {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &KafkaSink{
		publisher: publisher,
		dataset:   dataset,
		runID:     uuid.New().String(),
		batchSize: batchSize,
		lock:      remoteLock{locker: locker, key: lockKey, timeout: timeout},
		logger:    logger,
	}
}

func (s *KafkaSink) Name() string {
	return "kafka"
}

func (s *KafkaSink) RunID() string {
	return s.runID
}

func (s *KafkaSink) WriteEntity(ctx context.Context, entity *models.Entity) error {
	if err := s.lock.acquire(ctx); err != nil {
		return err
	}
	s.pending = append(s.pending, &kafka.EntityEvent{
		EventType: kafka.EventEntityExported,
		RunID:     s.runID,
		Dataset:   s.dataset,
		EntityID:  entity.ID,
		Schema:    entity.Schema,
		Entity:    entity,
	})
	if len(s.pending) >= s.batchSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *KafkaSink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.publisher.PublishEntityEvents(ctx, s.pending); err != nil {
		return err
	}
	metrics.SinkRecordsWritten.WithLabelValues(s.Name()).Add(float64(len(s.pending)))
	s.count += len(s.pending)
	s.pending = s.pending[:0]
	return nil
}

func (s *KafkaSink) Close(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "sink.KafkaSink.Close")
	defer span.End()

	if s.done {
		return nil
	}
	if err := s.lock.acquire(ctx); err != nil {
		return err
	}
	s.done = true
	defer s.lock.release(ctx)

	if err := s.flush(ctx); err != nil {
		return err
	}
	return s.publisher.PublishEntityEvents(ctx, []*kafka.EntityEvent{{
		EventType: kafka.EventExportComplete,
		RunID:     s.runID,
		Dataset:   s.dataset,
		Count:     s.count,
	}})
}

func (s *KafkaSink) Abort(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
	defer s.lock.release(ctx)

	if s.lock.guard == nil {
		return nil
	}
	s.pending = nil
	err := s.publisher.PublishEntityEvents(ctx, []*kafka.EntityEvent{{
		EventType: kafka.EventExportFailed,
		RunID:     s.runID,
		Dataset:   s.dataset,
		Count:     s.count,
	}})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to publish export failure event")
	}
	return err
}

// GraphWriter is the part of graph.EntityWriter the graph sink uses.
type GraphWriter interface {
	StartRun(ctx context.Context, runID, dataset string) error
	CompleteRun(ctx context.Context, runID, status string, entities int) error
	UpsertEntities(ctx context.Context, runID string, entities []*models.Entity, edges []graph.Edge) error
}

// GraphSink writes merged entities as nodes and their entity-valued
// properties as relationships. The run is recorded as an :ExportRun node that
// only reaches status complete on Close.
type GraphSink struct {
	writer    GraphWriter
	registry  *schema.Registry
	dataset   string
	runID     string
	batchSize int
	lock      remoteLock

	pending []*models.Entity
	count   int
	started bool
	done    bool
}

func NewGraphSink(writer GraphWriter, registry *schema.Registry, dataset string, locker lock.Locker, lockKey string, timeout time.Duration, batchSize int) *GraphSink {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &GraphSink{
		writer:    writer,
		registry:  registry,
		dataset:   dataset,
		runID:     uuid.New().String(),
		batchSize: batchSize,
		lock:      remoteLock{locker: locker, key: lockKey, timeout: timeout},
	}
}

func (s *GraphSink) Name() string {
	return "graph"
}

func (s *GraphSink) start(ctx context.Context) error {
	if s.started {
		return nil
	}
	if err := s.lock.acquire(ctx); err != nil {
		return err
	}
	if err := s.writer.StartRun(ctx, s.runID, s.dataset); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *GraphSink) WriteEntity(ctx context.Context, entity *models.Entity) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	s.pending = append(s.pending, entity)
	if len(s.pending) >= s.batchSize {
		return s.flush(ctx)
	}
	return nil
}

func (s *GraphSink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	if err := s.writer.UpsertEntities(ctx, s.runID, s.pending, s.edges(s.pending)); err != nil {
		return err
	}
	metrics.SinkRecordsWritten.WithLabelValues(s.Name()).Add(float64(len(s.pending)))
	s.count += len(s.pending)
	s.pending = s.pending[:0]
	return nil
}

// edges turns properties typed as entity references into relationships.
func (s *GraphSink) edges(entities []*models.Entity) []graph.Edge {
	var edges []graph.Edge
	for _, entity := range entities {
		for _, prop := range entity.PropNames() {
			p, ok := s.registry.Property(entity.Schema, prop)
			if !ok || p.Type != schema.TypeEntity {
				continue
			}
			for _, target := range entity.Get(prop) {
				edges = append(edges, graph.Edge{From: entity.ID, To: target, Type: prop})
			}
		}
	}
	return edges
}

func (s *GraphSink) Close(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "sink.GraphSink.Close")
	defer span.End()

	if s.done {
		return nil
	}
	if err := s.start(ctx); err != nil {
		return err
	}
	s.done = true
	defer s.lock.release(ctx)

	if err := s.flush(ctx); err != nil {
		_ = s.writer.CompleteRun(ctx, s.runID, graph.RunStatusFailed, s.count)
		return err
	}
	return s.writer.CompleteRun(ctx, s.runID, graph.RunStatusComplete, s.count)
}

func (s *GraphSink) Abort(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
	defer s.lock.release(ctx)

	if !s.started {
		return nil
	}
	s.pending = nil
	return s.writer.CompleteRun(ctx, s.runID, graph.RunStatusFailed, s.count)
}
