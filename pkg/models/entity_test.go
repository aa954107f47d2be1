package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntity_Add(t *testing.T) {
	t.Run("trims and dedupes values", func(t *testing.T) {
		e := NewEntity("Person")
		e.Add("name", " Jane Doe ", "Jane Doe", "", "J. Doe")

		assert.Equal(t, []string{"Jane Doe", "J. Doe"}, e.Get("name"))
		assert.Equal(t, "Jane Doe", e.First("name"))
		assert.True(t, e.Has("name"))
		assert.False(t, e.Has("birthDate"))
	})

	t.Run("annotated values keep lang and original", func(t *testing.T) {
		orig := "DOE, Jane"
		e := NewEntity("Person")
		e.AddAnnotated("name", "Jane Doe", ValueAnnotation{Lang: "eng", OriginalValue: &orig})

		ann := e.Annotation("name", "Jane Doe")
		assert.Equal(t, "eng", ann.Lang)
		require.NotNil(t, ann.OriginalValue)
		assert.Equal(t, orig, *ann.OriginalValue)
		assert.Empty(t, e.Annotation("name", "other").Lang)
	})
}

func TestEntity_AddStatement(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	e := NewEntity("Person")
	e.AddStatement(Statement{EntityID: "2", Prop: BaseProp, Value: "2", Dataset: "b", SeenAt: late})
	e.AddStatement(Statement{EntityID: "1", Prop: "name", Value: "Jane Doe", Dataset: "a", SeenAt: early, Target: true})
	e.AddStatement(Statement{EntityID: "2", Prop: "name", Value: "Jane Doe", Dataset: "b", SeenAt: late})
	e.Normalize()

	assert.Equal(t, []string{"Jane Doe"}, e.Get("name"))
	assert.NotContains(t, e.Properties, BaseProp)
	assert.Equal(t, []string{"a", "b"}, e.Datasets)
	assert.Equal(t, []string{"1", "2"}, e.Referents)
	assert.True(t, e.Target)
	assert.Equal(t, early, *e.FirstSeen)
	assert.Equal(t, late, *e.LastSeen)

	sources := e.Provenance("name")
	require.Len(t, sources, 2)
	assert.Equal(t, "1", sources[0].EntityID)
	assert.Equal(t, "b", sources[1].Dataset)
}

func TestStatement_ID(t *testing.T) {
	orig := "raw"
	a := Statement{Dataset: "d", EntityID: "e", Prop: "name", Value: "v"}.WithID()
	b := Statement{Dataset: "d", EntityID: "e", Prop: "name", Value: "v"}.WithID()
	c := Statement{Dataset: "d", EntityID: "e", Prop: "name", Value: "v", OriginalValue: &orig}.WithID()

	assert.Len(t, a.ID, 64)
	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestMakeStatementID_FieldsDoNotCollide(t *testing.T) {
	empty := ""
	assert.NotEqual(t,
		MakeStatementID("d", "e", "name", "v", "", nil),
		MakeStatementID("d", "e", "name", "v", "", &empty))
	assert.NotEqual(t,
		MakeStatementID("d", "1|name", "alias", "v", "", nil),
		MakeStatementID("d", "1", "name", "alias|v", "", nil))
	assert.NotEqual(t,
		MakeStatementID("d", "e", "name", "ab", "", nil),
		MakeStatementID("d", "e", "name", "a", "b", nil))
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in   string
		want Verdict
		ok   bool
	}{
		{"match", VerdictMatch, true},
		{"NO_MATCH", VerdictNoMatch, true},
		{"negative", VerdictNoMatch, true},
		{"unsure", VerdictUnsure, true},
		{"maybe_later", Verdict("maybe_later"), false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseVerdict(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMakePair(t *testing.T) {
	assert.Equal(t, MakePair("b", "a"), MakePair("a", "b"))
	assert.Equal(t, "a<>b", MakePair("b", "a").String())
}
