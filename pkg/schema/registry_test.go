package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	t.Run("inherits properties", func(t *testing.T) {
		p, ok := reg.Property("Person", "name")
		require.True(t, ok)
		assert.Equal(t, TypeName, p.Type)
		assert.Equal(t, "Thing", p.Schema)

		p, ok = reg.Property("Company", "email")
		require.True(t, ok)
		assert.Equal(t, "LegalEntity", p.Schema)

		_, ok = reg.Property("Vessel", "birthDate")
		assert.False(t, ok)
	})

	t.Run("id exists on every schema", func(t *testing.T) {
		for _, name := range reg.Names() {
			p, ok := reg.Property(name, "id")
			require.True(t, ok, name)
			assert.Equal(t, TypeID, p.Type)
		}
	})

	t.Run("inherits caption order", func(t *testing.T) {
		s, ok := reg.Get("Company")
		require.True(t, ok)
		assert.Equal(t, []string{"name"}, s.Caption)
	})

	t.Run("is a", func(t *testing.T) {
		assert.True(t, reg.IsA("Company", "LegalEntity"))
		assert.True(t, reg.IsA("Person", "Person"))
		assert.False(t, reg.IsA("LegalEntity", "Person"))
		assert.False(t, reg.IsA("Unknown", "Thing"))
	})
}

func TestRegistry_CommonSchema(t *testing.T) {
	reg, err := DefaultRegistry()
	require.NoError(t, err)

	tests := []struct {
		name     string
		in       []string
		want     string
		conflict bool
	}{
		{"single schema", []string{"Person"}, "Person", false},
		{"more specific wins", []string{"LegalEntity", "Person"}, "Person", false},
		{"order does not matter", []string{"Company", "Organization", "LegalEntity"}, "Company", false},
		{"siblings fall back to common supertype", []string{"Person", "Company"}, "LegalEntity", false},
		{"abstract supertype is a conflict", []string{"Person", "Vessel"}, "Thing", true},
		{"unknown schema is a conflict", []string{"Person", "Spaceship"}, "Person", true},
		{"empty input", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, conflict := reg.CommonSchema(tt.in...)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.conflict, conflict)
		})
	}
}

func TestParseRegistry_Errors(t *testing.T) {
	tests := []struct {
		name  string
		model string
		msg   string
	}{
		{"empty", "schemata: {}", "no schemata"},
		{"unknown parent", "schemata:\n  A:\n    extends: B\n", "unknown schema B"},
		{"cycle", "schemata:\n  A:\n    extends: B\n  B:\n    extends: A\n", "cycle"},
		{"bad caption", "schemata:\n  A:\n    caption: [name]\n", "unknown property name"},
		{"bad range", "schemata:\n  A:\n    properties:\n      owner: {type: entity, range: Nope}\n", "unknown range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadRegistry(strings.NewReader(tt.model))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoadRegistryFile_EmptyPathUsesDefault(t *testing.T) {
	reg, err := LoadRegistryFile("")
	require.NoError(t, err)
	_, ok := reg.Get("Sanction")
	assert.True(t, ok)
}
