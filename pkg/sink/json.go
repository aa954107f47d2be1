package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"iter"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// EntityJSONSink writes one JSON object per merged entity per line.
type EntityJSONSink struct {
	dest *Destination
	enc  *json.Encoder
}

func NewEntityJSONSink(dest *Destination) *EntityJSONSink {
	return &EntityJSONSink{dest: dest}
}

func (s *EntityJSONSink) Name() string {
	return "entity-json"
}

func (s *EntityJSONSink) WriteEntity(ctx context.Context, entity *models.Entity) error {
	if s.enc == nil {
		w, err := s.dest.Open(ctx)
		if err != nil {
			return err
		}
		s.enc = json.NewEncoder(w)
	}
	if err := s.enc.Encode(entity); err != nil {
		return errors.Wrapf(err, "failed to write entity %s", entity.ID)
	}
	metrics.SinkRecordsWritten.WithLabelValues(s.Name()).Inc()
	return nil
}

func (s *EntityJSONSink) Close(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "sink.EntityJSONSink.Close")
	defer span.End()
	return s.dest.Commit(ctx)
}

func (s *EntityJSONSink) Abort(ctx context.Context) error {
	metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
	return s.dest.Discard(ctx)
}

// StatementJSONSink writes one JSON object per statement per line with every
// statement field.
type StatementJSONSink struct {
	dest *Destination
	enc  *json.Encoder
}

func NewStatementJSONSink(dest *Destination) *StatementJSONSink {
	return &StatementJSONSink{dest: dest}
}

func (s *StatementJSONSink) Name() string {
	return "statement-json"
}

func (s *StatementJSONSink) WriteStatement(ctx context.Context, stmt models.Statement) error {
	if s.enc == nil {
		w, err := s.dest.Open(ctx)
		if err != nil {
			return err
		}
		s.enc = json.NewEncoder(w)
	}
	if err := s.enc.Encode(stmt); err != nil {
		return errors.Wrapf(err, "failed to write statement %s", stmt.ID)
	}
	metrics.SinkRecordsWritten.WithLabelValues(s.Name()).Inc()
	return nil
}

func (s *StatementJSONSink) Close(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "sink.StatementJSONSink.Close")
	defer span.End()
	return s.dest.Commit(ctx)
}

func (s *StatementJSONSink) Abort(ctx context.Context) error {
	metrics.SinkFailures.WithLabelValues(s.Name()).Inc()
	return s.dest.Discard(ctx)
}

// ReadEntities parses entity-JSON lines. Entities read back carry no
// statements.
func ReadEntities(r io.Reader) iter.Seq2[*models.Entity, error] {
	return readLines(r, func(line []byte) (*models.Entity, error) {
		entity := &models.Entity{}
		if err := json.Unmarshal(line, entity); err != nil {
			return nil, err
		}
		if entity.Properties == nil {
			entity.Properties = map[string][]string{}
		}
		return entity, nil
	})
}

// ReadStatements parses statement-JSON lines.
func ReadStatements(r io.Reader) iter.Seq2[models.Statement, error] {
	return readLines(r, func(line []byte) (models.Statement, error) {
		var stmt models.Statement
		err := json.Unmarshal(line, &stmt)
		return stmt, err
	})
}

func readLines[T any](r io.Reader, decode func([]byte) (T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			if len(scanner.Bytes()) == 0 {
				continue
			}
			value, err := decode(scanner.Bytes())
			if err != nil {
				var zero T
				yield(zero, errors.Wrapf(err, "invalid record on line %d", line))
				return
			}
			if !yield(value, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}
