package crawl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/store"
)

var runStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func newTestContext(t *testing.T, st store.Store, cfg RunConfig) *Context {
	t.Helper()
	registry, err := schema.DefaultRegistry()
	require.NoError(t, err)
	if cfg.Dataset == "" {
		cfg.Dataset = "test_ds"
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return runStart }
	}
	c, err := New(cfg, st, registry, testLogger())
	require.NoError(t, err)
	return c
}

type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Append(ctx context.Context, stmts ...models.Statement) error {
	return errors.New("disk full")
}

func TestNew_InvalidDataset(t *testing.T) {
	registry, err := schema.DefaultRegistry()
	require.NoError(t, err)
	_, err = New(RunConfig{Dataset: "../etc"}, store.NewMemoryStore(), registry, testLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestContext_Emit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestContext(t, st, RunConfig{})

	person := c.Make("Person")
	person.ID = c.MakeSlug("Jane", "Doe")
	person.Add("name", "Jane Doe")
	person.Add("birthDate", "1980-05-01")
	original := "DOE, Jane"
	person.AddAnnotated("alias", "Jane D.", models.ValueAnnotation{Lang: "eng", OriginalValue: &original})
	require.NoError(t, c.Emit(ctx, person, true))

	stmts, err := store.Collect(st.Iterate(ctx, store.Filter{Dataset: "test_ds"}))
	require.NoError(t, err)
	require.Len(t, stmts, 4)

	byProp := map[string]models.Statement{}
	for _, stmt := range stmts {
		byProp[stmt.Prop] = stmt
		assert.Equal(t, "test_ds-jane-doe", stmt.EntityID)
		assert.Equal(t, "Person", stmt.Schema)
		assert.Equal(t, "test_ds", stmt.Dataset)
		assert.Equal(t, "test_ds", stmt.Origin)
		assert.True(t, stmt.Target)
		assert.True(t, stmt.SeenAt.Equal(runStart))
		assert.NotEmpty(t, stmt.ID)
	}
	assert.Equal(t, schema.TypeID, byProp[models.BaseProp].PropType)
	assert.Equal(t, "test_ds-jane-doe", byProp[models.BaseProp].Value)
	assert.Equal(t, schema.TypeDate, byProp["birthDate"].PropType)
	assert.Equal(t, "eng", byProp["alias"].Lang)
	require.NotNil(t, byProp["alias"].OriginalValue)
	assert.Equal(t, "DOE, Jane", *byProp["alias"].OriginalValue)
	assert.Nil(t, byProp["name"].OriginalValue)

	stats, err := c.Close(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entities)
	assert.Equal(t, int64(1), stats.Targets)
	assert.Equal(t, int64(4), stats.Statements)
	assert.Equal(t, 1, stats.SchemaCounts["Person"])
	assert.False(t, stats.Failed)
	assert.Equal(t, "test_ds", stats.Dataset)
	assert.NotEmpty(t, stats.RunID)
}

func TestContext_EmitPropertylessEntity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	c := newTestContext(t, st, RunConfig{})

	vessel := c.Make("Vessel")
	vessel.ID = "v1"
	require.NoError(t, c.Emit(ctx, vessel, false))

	stmts, err := store.Collect(st.Iterate(ctx, store.Filter{}))
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, models.BaseProp, stmts[0].Prop)
	assert.Equal(t, "Vessel", stmts[0].Schema)
	assert.False(t, stmts[0].Target)
}

func TestContext_EmitValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		entity     func(c *Context) *models.Entity
		rejected   bool
		statements int
		errors     int64
	}{
		{
			name: "missing id",
			entity: func(c *Context) *models.Entity {
				return c.Make("Person").Add("name", "No Id")
			},
			rejected: true,
			errors:   1,
		},
		{
			name: "unknown schema",
			entity: func(c *Context) *models.Entity {
				e := c.Make("Spaceship")
				e.ID = "s1"
				return e
			},
			rejected: true,
			errors:   1,
		},
		{
			name: "abstract schema",
			entity: func(c *Context) *models.Entity {
				e := c.Make("Thing")
				e.ID = "t1"
				return e
			},
			rejected: true,
			errors:   1,
		},
		{
			name: "invalid values are dropped",
			entity: func(c *Context) *models.Entity {
				e := c.Make("Person").Add("name", "Jane").Add("birthDate", "yesterday", "1980").Add("hullNumber", "X1")
				e.ID = "p1"
				return e
			},
			statements: 3,
			errors:     2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			c := newTestContext(t, st, RunConfig{})

			err := c.Emit(ctx, tt.entity(c), false)
			if tt.rejected {
				assert.True(t, errors.IsValidationError(err))
			} else {
				require.NoError(t, err)
			}

			stmts, err := store.Collect(st.Iterate(ctx, store.Filter{}))
			require.NoError(t, err)
			assert.Len(t, stmts, tt.statements)

			stats, err := c.Close(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.errors, stats.ValidationErrors)
			assert.False(t, stats.Failed)
		})
	}
}

func TestContext_MalformedIDIsRejectedNotFatal(t *testing.T) {
	ctx := context.Background()
	registry, err := schema.DefaultRegistry()
	require.NoError(t, err)

	for _, replace := range []bool{false, true} {
		t.Run(map[bool]string{false: "append", true: "replace"}[replace], func(t *testing.T) {
			inner := store.NewMemoryStore()
			st := store.NewValidatingStore(inner, schema.NewValidator(registry))
			c := newTestContext(t, st, RunConfig{Replace: replace})

			good := c.Make("Person").Add("name", "Jane Doe")
			good.ID = "good-1"
			require.NoError(t, c.Emit(ctx, good, true))

			bad := c.Make("Person").Add("name", "John Roe")
			bad.ID = "ofac 123"
			err := c.Emit(ctx, bad, true)
			assert.True(t, errors.IsValidationError(err))

			stats, err := c.Close(ctx)
			require.NoError(t, err)
			assert.False(t, stats.Failed)
			assert.Equal(t, int64(1), stats.Entities)
			assert.Equal(t, int64(1), stats.ValidationErrors)

			stmts, err := store.Collect(inner.Iterate(ctx, store.Filter{}))
			require.NoError(t, err)
			assert.Len(t, stmts, 2)
			for _, stmt := range stmts {
				assert.Equal(t, "good-1", stmt.EntityID)
			}
		})
	}
}

type rejectingStore struct {
	*store.MemoryStore
}

func (rejectingStore) Append(ctx context.Context, stmts ...models.Statement) error {
	return errors.NewValidationError("value not allowed here")
}

func TestContext_StoreValidationErrorIsCounted(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t, rejectingStore{store.NewMemoryStore()}, RunConfig{})

	e := c.Make("Person").Add("name", "Jane")
	e.ID = "p1"
	assert.True(t, errors.IsValidationError(c.Emit(ctx, e, false)))

	stats, err := c.Close(ctx)
	require.NoError(t, err)
	assert.False(t, stats.Failed)
	assert.Equal(t, int64(0), stats.Entities)
	assert.Equal(t, int64(1), stats.ValidationErrors)
	assert.Empty(t, stats.Errors)
}

func TestContext_StoreFailureMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t, failingStore{store.NewMemoryStore()}, RunConfig{})

	e := c.Make("Person").Add("name", "Jane")
	e.ID = "p1"
	err := c.Emit(ctx, e, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	stats, err := c.Close(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Failed)
	assert.Equal(t, int64(0), stats.Entities)
	require.Len(t, stats.Errors, 1)
}

func TestContext_CloseTwice(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t, store.NewMemoryStore(), RunConfig{})

	_, err := c.Close(ctx)
	require.NoError(t, err)
	_, err = c.Close(ctx)
	assert.Error(t, err)

	e := c.Make("Person")
	e.ID = "p1"
	assert.Error(t, c.Emit(ctx, e, false))
}

func TestContext_ReplaceDataset(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	first := newTestContext(t, st, RunConfig{})
	old := first.Make("Person").Add("name", "Old Record")
	old.ID = "old"
	require.NoError(t, first.Emit(ctx, old, false))
	_, err := first.Close(ctx)
	require.NoError(t, err)

	second := newTestContext(t, st, RunConfig{Replace: true})
	fresh := second.Make("Person").Add("name", "New Record")
	fresh.ID = "new"
	require.NoError(t, second.Emit(ctx, fresh, false))

	// nothing is visible until the run closes
	stmts, err := store.Collect(st.Iterate(ctx, store.Filter{Dataset: "test_ds"}))
	require.NoError(t, err)
	for _, stmt := range stmts {
		assert.Equal(t, "old", stmt.EntityID)
	}

	_, err = second.Close(ctx)
	require.NoError(t, err)
	stmts, err = store.Collect(st.Iterate(ctx, store.Filter{Dataset: "test_ds"}))
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	for _, stmt := range stmts {
		assert.Equal(t, "new", stmt.EntityID)
	}
}

func TestContext_CloseFlushesLogStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.NewLogStore(dir, testLogger())
	require.NoError(t, err)
	defer st.Close()

	c := newTestContext(t, st, RunConfig{})
	e := c.Make("Company").Add("name", "ACME Ltd")
	e.ID = "c1"
	require.NoError(t, c.Emit(ctx, e, true))
	_, err = c.Close(ctx)
	require.NoError(t, err)

	reopened, err := store.NewLogStore(dir, testLogger())
	require.NoError(t, err)
	defer reopened.Close()
	stmts, err := store.Collect(reopened.Iterate(ctx, store.Filter{Dataset: "test_ds"}))
	require.NoError(t, err)
	assert.Len(t, stmts, 2)
}

func TestContext_MakeID(t *testing.T) {
	c := newTestContext(t, store.NewMemoryStore(), RunConfig{})

	id := c.MakeID("Jane Doe", "1980")
	assert.True(t, strings.HasPrefix(id, "test_ds-"))
	assert.Equal(t, id, c.MakeID("Jane Doe", "", "1980"))
	assert.NotEqual(t, id, c.MakeID("Jane Doe", "1981"))
	assert.NotEqual(t, c.MakeID("ab", "c"), c.MakeID("a", "bc"))
	assert.Empty(t, c.MakeID("", "  "))
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Jane Doe", "jane-doe"},
		{"  ACME, Ltd. (UK) ", "acme-ltd-uk"},
		{"Müller GmbH", "müller-gmbh"},
		{"---", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Slugify(tt.in))
		})
	}
}

func TestContext_GetResourcePath(t *testing.T) {
	c := newTestContext(t, store.NewMemoryStore(), RunConfig{ResourcePath: "/data/resources"})

	assert.Equal(t, "/data/resources/test_ds/source.csv", c.GetResourcePath("source.csv"))
	assert.Equal(t, "/data/resources/test_ds/raw/list.xml", c.GetResourcePath("raw/list.xml"))
	assert.Equal(t, "/data/resources/test_ds/passwd", c.GetResourcePath("../../etc/passwd"))
}

func TestContext_FetchResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("id,name\n1,Jane Doe\n"))
	}))
	defer server.Close()

	ctx := context.Background()
	c := newTestContext(t, store.NewMemoryStore(), RunConfig{ResourcePath: t.TempDir(), FetchRateLimit: 100})

	path, err := c.FetchResource(ctx, "source.csv", server.URL+"/list.csv")
	require.NoError(t, err)
	assert.Equal(t, c.GetResourcePath("source.csv"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,Jane Doe\n", string(data))

	_, err = c.FetchResource(ctx, "missing.csv", server.URL+"/missing")
	require.Error(t, err)
	_, statErr := os.Stat(c.GetResourcePath("missing.csv"))
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = c.FetchResource(ctx, "bad", "file:///etc/passwd")
	assert.True(t, errors.IsValidationError(err))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Resources)
}
