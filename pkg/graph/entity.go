package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// Run status values stored on :ExportRun nodes
const (
	RunStatusRunning  = "running"
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

// Writer is the part of Client the entity writer needs.
type Writer interface {
	ExecuteWrite(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error)
}

// EntityWriter upserts merged entities as nodes and their entity-valued
// properties as relationships. Every write is stamped with the export run so
// a run that never reached CompleteRun can be found and cleaned up.
type EntityWriter struct {
	client Writer
	logger ectologger.Logger
}

// NewEntityWriter creates a new entity writer
func NewEntityWriter(client Writer, logger ectologger.Logger) *EntityWriter {
	return &EntityWriter{
		client: client,
		logger: logger,
	}
}

// Edge is a relationship between two canonical entities.
type Edge struct {
	From string
	To   string
	Type string
}

// StartRun records an export run as running.
func (w *EntityWriter) StartRun(ctx context.Context, runID, dataset string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityWriter.StartRun")
	defer span.End()

	return w.write(ctx, `
		MERGE (r:ExportRun {id: $id})
		SET r.dataset = $dataset, r.status = $status, r.started_at = $now
	`, map[string]any{
		"id":      runID,
		"dataset": dataset,
		"status":  RunStatusRunning,
		"now":     time.Now().UTC().Format(time.RFC3339),
	})
}

// CompleteRun marks an export run complete or failed.
func (w *EntityWriter) CompleteRun(ctx context.Context, runID, status string, entities int) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityWriter.CompleteRun")
	defer span.End()

	return w.write(ctx, `
		MATCH (r:ExportRun {id: $id})
		SET r.status = $status, r.entities = $entities, r.ended_at = $now
	`, map[string]any{
		"id":       runID,
		"status":   status,
		"entities": entities,
		"now":      time.Now().UTC().Format(time.RFC3339),
	})
}

// UpsertEntities writes a batch of entities and their edges in one
// transaction.
func (w *EntityWriter) UpsertEntities(ctx context.Context, runID string, entities []*models.Entity, edges []Edge) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityWriter.UpsertEntities")
	defer span.End()

	if len(entities) == 0 {
		return nil
	}

	log := w.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_size": len(entities),
		"edges":      len(edges),
		"run_id":     runID,
	})

	nodes := NodeBatches(runID, entities)
	rels := EdgeBatches(runID, edges)

	_, err := w.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, label := range sortedKeys(nodes) {
			cypher := fmt.Sprintf(`
				UNWIND $batch AS props
				MERGE (e:Entity {id: props.id})
				SET e = props, e:%s
			`, sanitizeLabel(label))
			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": nodes[label]}); err != nil {
				return nil, err
			}
		}
		for _, relType := range sortedKeys(rels) {
			cypher := fmt.Sprintf(`
				UNWIND $batch AS rel
				MATCH (a:Entity {id: rel.from})
				MERGE (b:Entity {id: rel.to})
				MERGE (a)-[r:%s]->(b)
				SET r.export_run = rel.export_run
			`, sanitizeRelType(relType))
			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": rels[relType]}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	if err != nil {
		log.WithError(err).Error("Failed to upsert entities in graph")
		return errors.Wrap(err, "failed to upsert entities in graph")
	}

	log.Debug("Upserted entities in graph")
	return nil
}

func (w *EntityWriter) write(ctx context.Context, cypher string, params map[string]any) error {
	_, err := w.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("Graph write failed")
		return errors.Wrap(err, "graph write failed")
	}
	return nil
}

// NodeBatches groups node property maps by schema label.
func NodeBatches(runID string, entities []*models.Entity) map[string][]map[string]any {
	batches := map[string][]map[string]any{}
	for _, entity := range entities {
		props := map[string]any{
			"id":         entity.ID,
			"schema":     entity.Schema,
			"caption":    entity.Caption,
			"datasets":   entity.Datasets,
			"referents":  entity.Referents,
			"target":     entity.Target,
			"export_run": runID,
		}
		if entity.SchemaConflict {
			props["schema_conflict"] = true
		}
		if entity.FirstSeen != nil {
			props["first_seen"] = entity.FirstSeen.UTC().Format(time.RFC3339)
		}
		if entity.LastSeen != nil {
			props["last_seen"] = entity.LastSeen.UTC().Format(time.RFC3339)
		}
		for prop, values := range entity.Properties {
			key := "p_" + sanitizeLabel(prop)
			props[key] = append([]string(nil), values...)
		}
		batches[entity.Schema] = append(batches[entity.Schema], props)
	}
	return batches
}

// EdgeBatches groups relationship rows by relationship type.
func EdgeBatches(runID string, edges []Edge) map[string][]map[string]any {
	batches := map[string][]map[string]any{}
	for _, edge := range edges {
		batches[edge.Type] = append(batches[edge.Type], map[string]any{
			"from":       edge.From,
			"to":         edge.To,
			"export_run": runID,
		})
	}
	return batches
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeLabel ensures the label is safe for Cypher
func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "Entity"
	}
	return b.String()
}

// sanitizeRelType turns a property name such as "addressEntity" into
// ADDRESS_ENTITY.
func sanitizeRelType(prop string) string {
	var b strings.Builder
	for i, c := range sanitizeLabel(prop) {
		if c >= 'A' && c <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(c)
	}
	return strings.ToUpper(b.String())
}
