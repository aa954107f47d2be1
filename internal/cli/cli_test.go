package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/sink"
)

func setEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("STORE_BACKEND", "file")
	t.Setenv("LOCK_BACKEND", "file")
	t.Setenv("DATA_PATH", filepath.Join(dir, "data"))
	t.Setenv("RESOLVER_PATH", filepath.Join(dir, "data", "resolver.db"))
	t.Setenv("EXPORT_PATH", filepath.Join(dir, "exports"))
	t.Setenv("RESOURCE_PATH", filepath.Join(dir, "resources"))
	t.Setenv("LOG_LEVEL", "error")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetOut(nil) })
	err := Execute()
	return out.String(), err
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "thistle dev\n", out)
}

func TestLoadDecideExport(t *testing.T) {
	dir := setEnv(t)

	registryA := filepath.Join(dir, "a.json")
	writeLines(t, registryA,
		`{"id":"a-1","schema":"Person","properties":{"name":["Jane Doe"]}}`,
		`{"schema":"Person","properties":{"name":["No Id"]}}`,
	)
	registryB := filepath.Join(dir, "b.json")
	writeLines(t, registryB,
		`{"id":"b-1","schema":"Person","properties":{"nationality":["us"]},"target":true}`,
	)

	out, err := execute(t, "load", "registry_a", registryA)
	require.NoError(t, err)
	var stats models.RunStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, int64(1), stats.Entities)
	assert.Equal(t, int64(1), stats.ValidationErrors)

	_, err = execute(t, "load", "registry_b", registryB)
	require.NoError(t, err)

	out, err = execute(t, "decide", "b-1", "a-1", "match", "--actor", "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"applied":true,"canonical":"a-1","cluster":["a-1","b-1"]}`, out)

	out, err = execute(t, "export", "--format", "entity-json,statement-json")
	require.NoError(t, err)
	var exported models.ExportStats
	require.NoError(t, json.Unmarshal([]byte(out), &exported))
	assert.Equal(t, int64(1), exported.Entities)
	assert.Equal(t, int64(4), exported.Statements)

	exportDir := filepath.Join(dir, "exports", "_all")
	assert.False(t, sink.Incomplete(filepath.Join(exportDir, "entities.json")))
	f, err := os.Open(filepath.Join(exportDir, "entities.json"))
	require.NoError(t, err)
	defer f.Close()
	var entities []*models.Entity
	for entity, err := range sink.ReadEntities(f) {
		require.NoError(t, err)
		entities = append(entities, entity)
	}
	require.Len(t, entities, 1)
	assert.Equal(t, "a-1", entities[0].ID)
	assert.True(t, entities[0].Target)
	assert.Equal(t, []string{"Jane Doe"}, entities[0].Properties["name"])
	assert.Equal(t, []string{"us"}, entities[0].Properties["nationality"])

	out, err = execute(t, "rebuild")
	require.NoError(t, err)
	assert.Equal(t, "1 judgements, 2 ids in 1 clusters\n", out)
}

func TestDecide_Errors(t *testing.T) {
	setEnv(t)

	_, err := execute(t, "decide", "a", "b", "perhaps", "--actor", "alice")
	assert.ErrorContains(t, err, "unknown verdict")

	_, err = execute(t, "decide", "a", "b", "no_match", "--actor", "alice")
	require.NoError(t, err)
	_, err = execute(t, "decide", "a", "b", "match", "--actor", "system")
	assert.Error(t, err)
}

func TestExport_UnknownFormat(t *testing.T) {
	setEnv(t)
	_, err := execute(t, "export", "--format", "xml")
	assert.ErrorContains(t, err, "unknown export format")
}

func TestUnlock(t *testing.T) {
	dir := setEnv(t)
	dest := filepath.Join(dir, "entities.json")

	out, err := execute(t, "unlock", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "is not locked")

	require.NoError(t, os.WriteFile(sink.LockPath(dest), []byte(`{"token":"t","pid":42,"host":"crawler-1","acquired_at":"2024-03-01T00:00:00Z"}`), 0o644))
	require.NoError(t, os.WriteFile(sink.PartialPath(dest), []byte("{}\n"), 0o644))

	out, err = execute(t, "unlock", dest, "--discard-partial")
	require.NoError(t, err)
	assert.Contains(t, out, "crawler-1 pid 42")
	assert.False(t, sink.Incomplete(dest))
}
