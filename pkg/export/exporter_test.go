package export

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/lock"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/resolver"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/sink"
	"github.com/Ramsey-B/thistle/pkg/store"
	"github.com/Ramsey-B/thistle/pkg/view"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func stmt(dataset, entityID, schemaName, prop, value string) models.Statement {
	return models.Statement{
		EntityID: entityID,
		Schema:   schemaName,
		Prop:     prop,
		Value:    value,
		Dataset:  dataset,
		SeenAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newView(t *testing.T) *view.View {
	t.Helper()
	ctx := context.Background()
	registry, err := schema.DefaultRegistry()
	require.NoError(t, err)
	res := resolver.New(resolver.NewMemoryStorage(), testLogger(), resolver.Options{})
	require.NoError(t, res.Load(ctx))

	st := store.NewMemoryStore()
	require.NoError(t, st.Append(ctx,
		stmt("registry_a", "1", "Person", models.BaseProp, "1"),
		stmt("registry_a", "1", "Person", "name", "Jane Doe"),
		stmt("registry_b", "2", "Person", models.BaseProp, "2"),
		stmt("registry_b", "2", "Person", "nationality", "us"),
		stmt("registry_b", "3", "Company", models.BaseProp, "3"),
		stmt("registry_b", "3", "Company", "name", "ACME Ltd"),
	))
	_, err = res.Decide(ctx, models.Judgement{Left: "1", Right: "2", Verdict: models.VerdictMatch, Actor: "system"})
	require.NoError(t, err)
	return view.New(st, res, registry, testLogger())
}

type fakeEntitySink struct {
	mu       sync.Mutex
	name     string
	failOn   string
	written  []string
	closed   bool
	aborted  bool
	closeErr error
}

func (s *fakeEntitySink) Name() string { return s.name }

func (s *fakeEntitySink) WriteEntity(ctx context.Context, entity *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entity.ID == s.failOn {
		return errors.New("destination unavailable")
	}
	s.written = append(s.written, entity.ID)
	return nil
}

func (s *fakeEntitySink) Close(ctx context.Context) error {
	s.closed = true
	return s.closeErr
}

func (s *fakeEntitySink) Abort(ctx context.Context) error {
	s.aborted = true
	return nil
}

func TestExporter_Run(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	locker := lock.NewFileLocker(time.Hour, testLogger())

	entityPath := filepath.Join(dir, "entities.json")
	statementPath := filepath.Join(dir, "statements.json")
	fake := &fakeEntitySink{name: "fake"}
	exporter := New(newView(t),
		[]sink.EntitySink{
			sink.NewEntityJSONSink(sink.NewDestination(entityPath, locker, time.Second, testLogger())),
			fake,
		},
		[]sink.StatementSink{
			sink.NewStatementJSONSink(sink.NewDestination(statementPath, locker, time.Second, testLogger())),
		},
		testLogger(),
	)

	stats, err := exporter.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Entities)
	assert.Equal(t, int64(6), stats.Statements)
	assert.Equal(t, 2, stats.Sinks["fake"])
	assert.Equal(t, []string{"1", "3"}, fake.written)
	assert.True(t, fake.closed)
	assert.False(t, fake.aborted)

	f, err := os.Open(entityPath)
	require.NoError(t, err)
	defer f.Close()
	var entities []*models.Entity
	for entity, err := range sink.ReadEntities(f) {
		require.NoError(t, err)
		entities = append(entities, entity)
	}
	require.Len(t, entities, 2)
	assert.Equal(t, "1", entities[0].ID)
	assert.ElementsMatch(t, []string{"1", "2"}, entities[0].Referents)
	assert.Equal(t, []string{"us"}, entities[0].Get("nationality"))
	assert.False(t, sink.Incomplete(entityPath))
	assert.False(t, sink.Incomplete(statementPath))
}

func TestExporter_RunDatasetScopesStatements(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	locker := lock.NewFileLocker(time.Hour, testLogger())
	statementPath := filepath.Join(dir, "statements.json")

	exporter := New(newView(t), nil,
		[]sink.StatementSink{
			sink.NewStatementJSONSink(sink.NewDestination(statementPath, locker, time.Second, testLogger())),
		},
		testLogger(),
	)

	stats, err := exporter.Run(ctx, "registry_a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entities)
	assert.Equal(t, int64(2), stats.Statements)

	f, err := os.Open(statementPath)
	require.NoError(t, err)
	defer f.Close()
	for s, err := range sink.ReadStatements(f) {
		require.NoError(t, err)
		assert.Equal(t, "registry_a", s.Dataset)
		assert.Equal(t, "1", s.CanonicalID)
	}
}

func TestExporter_FailureAbortsEverySink(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	locker := lock.NewFileLocker(time.Hour, testLogger())
	entityPath := filepath.Join(dir, "entities.json")

	failing := &fakeEntitySink{name: "failing", failOn: "3"}
	healthy := &fakeEntitySink{name: "healthy"}
	exporter := New(newView(t),
		[]sink.EntitySink{
			sink.NewEntityJSONSink(sink.NewDestination(entityPath, locker, time.Second, testLogger())),
			failing,
			healthy,
		},
		nil,
		testLogger(),
	)

	_, err := exporter.Run(ctx, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink failing")

	assert.True(t, failing.aborted)
	assert.True(t, healthy.aborted)
	assert.False(t, healthy.closed)

	_, statErr := os.Stat(entityPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.False(t, sink.Incomplete(entityPath))
}

func TestExporter_CloseFailureAbortsRemaining(t *testing.T) {
	ctx := context.Background()
	first := &fakeEntitySink{name: "first"}
	broken := &fakeEntitySink{name: "broken", closeErr: errors.New("rename failed")}
	last := &fakeEntitySink{name: "last"}
	exporter := New(newView(t), []sink.EntitySink{first, broken, last}, nil, testLogger())

	_, err := exporter.Run(ctx, "")
	require.Error(t, err)
	assert.True(t, first.closed)
	assert.False(t, first.aborted)
	assert.True(t, broken.aborted)
	assert.True(t, last.aborted)
	assert.False(t, last.closed)
}
