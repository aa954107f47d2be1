// Package view materializes merged entities by combining the statement store
// with the resolver's canonical clusters.
package view

import (
	"context"
	"iter"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/store"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Clusters is the part of the resolver the view reads.
type Clusters interface {
	GetCanonical(id string) string
	Connected(id string) []string
}

type View struct {
	store    store.Store
	clusters Clusters
	registry *schema.Registry
	logger   ectologger.Logger
}

func New(st store.Store, clusters Clusters, registry *schema.Registry, logger ectologger.Logger) *View {
	return &View{
		store:    st,
		clusters: clusters,
		registry: registry,
		logger:   logger,
	}
}

// GetEntity returns the merged entity for the cluster containing id. Any
// member id resolves to the same entity.
func (v *View) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "view.View.GetEntity")
	defer span.End()

	canonical := v.clusters.GetCanonical(id)
	stmts, err := store.Collect(v.store.Iterate(ctx, store.Filter{EntityIDs: v.clusters.Connected(id)}))
	if err != nil {
		v.logger.WithContext(ctx).WithError(err).Errorf("Failed to read statements for entity %s", id)
		return nil, err
	}
	if len(stmts) == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "entity %s", id)
	}
	return v.build(ctx, canonical, stmts), nil
}

// Iterate yields one merged entity per canonical id that has at least one
// statement in dataset, in canonical id order. Merged entities carry the
// statements of every dataset, not only the filtered one. An empty dataset
// yields every entity in the store.
//
// The store is read twice: once to find the touched clusters and once to
// gather their statements.
func (v *View) Iterate(ctx context.Context, dataset string) iter.Seq2[*models.Entity, error] {
	return func(yield func(*models.Entity, error) bool) {
		ctx, span := tracing.StartSpan(ctx, "view.View.Iterate")
		defer span.End()

		var touched map[string]bool
		if dataset != "" {
			touched = map[string]bool{}
			for stmt, err := range v.store.Iterate(ctx, store.Filter{Dataset: dataset}) {
				if err != nil {
					yield(nil, err)
					return
				}
				touched[v.clusters.GetCanonical(stmt.EntityID)] = true
			}
		}

		groups := map[string][]models.Statement{}
		for stmt, err := range v.store.Iterate(ctx, store.Filter{}) {
			if err != nil {
				yield(nil, err)
				return
			}
			canonical := v.clusters.GetCanonical(stmt.EntityID)
			if touched != nil && !touched[canonical] {
				continue
			}
			groups[canonical] = append(groups[canonical], stmt)
		}

		canonicals := make([]string, 0, len(groups))
		for canonical := range groups {
			canonicals = append(canonicals, canonical)
		}
		sort.Strings(canonicals)

		for _, canonical := range canonicals {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(v.build(ctx, canonical, groups[canonical]), nil) {
				return
			}
		}
	}
}

func (v *View) build(ctx context.Context, canonical string, stmts []models.Statement) *models.Entity {
	entity := models.NewEntity("")
	entity.ID = canonical

	schemata := make([]string, 0, 1)
	seen := map[string]bool{}
	for _, stmt := range stmts {
		stmt.CanonicalID = canonical
		entity.AddStatement(stmt)
		if !seen[stmt.Schema] {
			seen[stmt.Schema] = true
			schemata = append(schemata, stmt.Schema)
		}
	}

	v.canonicalizeRefs(entity)

	name, conflict := v.registry.CommonSchema(schemata...)
	entity.Schema = name
	entity.SchemaConflict = conflict
	if conflict {
		sort.Strings(schemata)
		v.logger.WithContext(ctx).WithError(&errors.SchemaConflict{
			EntityID: canonical,
			Schemata: schemata,
			Resolved: name,
		}).Warn("Merged entity has no usable common schema")
	}

	entity.Caption = v.caption(entity)
	entity.Normalize()
	return entity
}

// canonicalizeRefs rewrites entity-valued properties to point at canonical
// ids. Statements keep the ids as stated.
func (v *View) canonicalizeRefs(entity *models.Entity) {
	refProps := map[string]bool{}
	for _, stmt := range entity.Statements {
		if stmt.PropType == schema.TypeEntity {
			refProps[stmt.Prop] = true
		}
	}
	for prop := range refProps {
		values := entity.Properties[prop]
		entity.Properties[prop] = nil
		for _, value := range values {
			entity.Add(prop, v.clusters.GetCanonical(value))
		}
	}
}

// caption picks the most frequently stated value of the first caption
// property that has values, breaking ties by the smallest value.
func (v *View) caption(entity *models.Entity) string {
	s, ok := v.registry.Get(entity.Schema)
	if !ok {
		return entity.Schema
	}
	for _, prop := range s.Caption {
		counts := map[string]int{}
		for _, stmt := range entity.Statements {
			if stmt.Prop == prop {
				counts[stmt.Value]++
			}
		}
		best, bestCount := "", 0
		for value, count := range counts {
			if count > bestCount || (count == bestCount && value < best) {
				best, bestCount = value, count
			}
		}
		if best != "" {
			return best
		}
	}
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}
