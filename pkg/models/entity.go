package models

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Entity is either a raw entity being built by a crawler or a merged entity
// materialized by the view. Properties hold the distinct values per property;
// Statements keep the provenance of each value.
type Entity struct {
	ID             string              `json:"id"`
	Schema         string              `json:"schema"`
	Caption        string              `json:"caption"`
	Properties     map[string][]string `json:"properties"`
	Datasets       []string            `json:"datasets,omitempty"`
	Referents      []string            `json:"referents,omitempty"`
	FirstSeen      *time.Time          `json:"first_seen,omitempty"`
	LastSeen       *time.Time          `json:"last_seen,omitempty"`
	Target         bool                `json:"target"`
	SchemaConflict bool                `json:"schema_conflict,omitempty"`
	Statements     []Statement         `json:"-"`

	annotations  map[string]ValueAnnotation
	statementIDs map[string]struct{}
}

// ValueAnnotation carries the optional language and pre-normalization form of
// a single property value set by a crawler.
type ValueAnnotation struct {
	Lang          string
	OriginalValue *string
}

// ValueSource tags a merged property value with the source entity and dataset
// that produced it.
type ValueSource struct {
	Value    string `json:"value"`
	EntityID string `json:"entity_id"`
	Dataset  string `json:"dataset"`
	Origin   string `json:"origin,omitempty"`
}

// NewEntity returns an empty entity of the given schema.
func NewEntity(schema string) *Entity {
	return &Entity{
		Schema:     schema,
		Properties: map[string][]string{},
	}
}

// Add appends values to a property, trimming whitespace and skipping empty or
// duplicate values.
func (e *Entity) Add(prop string, values ...string) *Entity {
	if e.Properties == nil {
		e.Properties = map[string][]string{}
	}
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(e.Properties[prop], v) {
			continue
		}
		e.Properties[prop] = append(e.Properties[prop], v)
	}
	return e
}

// AddAnnotated adds a single value with a language tag and/or the raw value it
// was cleaned from.
func (e *Entity) AddAnnotated(prop, value string, annotation ValueAnnotation) *Entity {
	value = strings.TrimSpace(value)
	if value == "" {
		return e
	}
	e.Add(prop, value)
	if e.annotations == nil {
		e.annotations = map[string]ValueAnnotation{}
	}
	e.annotations[annotationKey(prop, value)] = annotation
	return e
}

// Annotation returns the annotation recorded for a property value, if any.
func (e *Entity) Annotation(prop, value string) ValueAnnotation {
	return e.annotations[annotationKey(prop, value)]
}

func annotationKey(prop, value string) string {
	return prop + "\x00" + value
}

// Get returns all values of a property.
func (e *Entity) Get(prop string) []string {
	return e.Properties[prop]
}

// First returns the first value of a property or an empty string.
func (e *Entity) First(prop string) string {
	values := e.Properties[prop]
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Has reports whether the property carries at least one value.
func (e *Entity) Has(prop string) bool {
	return len(e.Properties[prop]) > 0
}

// PropNames returns the property names in sorted order.
func (e *Entity) PropNames() []string {
	names := make([]string, 0, len(e.Properties))
	for name := range e.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddStatement folds a stored statement into a merged entity. A statement
// already folded in, by id, is ignored.
func (e *Entity) AddStatement(stmt Statement) {
	if stmt.ID != "" {
		if _, ok := e.statementIDs[stmt.ID]; ok {
			return
		}
		if e.statementIDs == nil {
			e.statementIDs = map[string]struct{}{}
		}
		e.statementIDs[stmt.ID] = struct{}{}
	}
	e.Statements = append(e.Statements, stmt)
	if !slices.Contains(e.Referents, stmt.EntityID) {
		e.Referents = append(e.Referents, stmt.EntityID)
	}
	if !slices.Contains(e.Datasets, stmt.Dataset) {
		e.Datasets = append(e.Datasets, stmt.Dataset)
	}
	if stmt.Target {
		e.Target = true
	}
	if !stmt.SeenAt.IsZero() {
		seen := stmt.SeenAt.UTC()
		if e.FirstSeen == nil || seen.Before(*e.FirstSeen) {
			e.FirstSeen = &seen
		}
		if e.LastSeen == nil || seen.After(*e.LastSeen) {
			last := seen
			e.LastSeen = &last
		}
	}
	if stmt.Prop == BaseProp {
		return
	}
	e.Add(stmt.Prop, stmt.Value)
}

// Provenance lists, for each value of the property, which source entity and
// dataset stated it. A value stated by several sources appears once per source.
func (e *Entity) Provenance(prop string) []ValueSource {
	var sources []ValueSource
	for _, stmt := range e.Statements {
		if stmt.Prop != prop {
			continue
		}
		sources = append(sources, ValueSource{
			Value:    stmt.Value,
			EntityID: stmt.EntityID,
			Dataset:  stmt.Dataset,
			Origin:   stmt.Origin,
		})
	}
	return sources
}

// Normalize sorts the list fields so that serialized output is stable.
func (e *Entity) Normalize() {
	sort.Strings(e.Datasets)
	sort.Strings(e.Referents)
}
