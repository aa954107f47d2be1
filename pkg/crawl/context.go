// Package crawl is the API a crawler uses during one run: build entities,
// emit them as statements into the store, fetch source files and report the
// run's statistics on close.
package crawl

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/metrics"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/store"
	"github.com/Ramsey-B/thistle/pkg/tracing"
)

// RunConfig binds a run to its dataset and resource directory.
type RunConfig struct {
	Dataset string
	// Origin tags every statement with the crawler stage that produced it.
	// Defaults to the dataset name.
	Origin string
	// ResourcePath is the root under which each dataset gets a directory for
	// fetched source files.
	ResourcePath string
	// FetchRateLimit caps requests per second per host. Zero disables it.
	FetchRateLimit float64
	FetchTimeout   time.Duration
	// Replace buffers the run's statements and swaps them in for the whole
	// dataset on Close instead of appending as they are emitted.
	Replace bool
	// Now overrides the run start clock.
	Now func() time.Time
}

// Context is the per-run crawler API. A Context has a single writer; it never
// talks to the resolver.
type Context struct {
	cfg       RunConfig
	store     store.Store
	registry  *schema.Registry
	validator *schema.Validator
	logger    ectologger.Logger
	fetcher   *fetcher

	mu       sync.Mutex
	stats    models.RunStats
	buffered []models.Statement
	closed   bool
}

// New opens a run for cfg.Dataset.
func New(cfg RunConfig, st store.Store, registry *schema.Registry, logger ectologger.Logger) (*Context, error) {
	if err := store.ValidateDatasetName(cfg.Dataset); err != nil {
		return nil, err
	}
	if cfg.Origin == "" {
		cfg.Origin = cfg.Dataset
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}

	runID := uuid.New().String()
	logger = logger.WithFields(map[string]any{
		"dataset": cfg.Dataset,
		"run_id":  runID,
	})

	return &Context{
		cfg:       cfg,
		store:     st,
		registry:  registry,
		validator: schema.NewValidator(registry),
		logger:    logger,
		fetcher:   newFetcher(cfg.FetchRateLimit, cfg.FetchTimeout),
		stats: models.RunStats{
			RunID:        runID,
			Dataset:      cfg.Dataset,
			StartedAt:    cfg.Now().UTC(),
			SchemaCounts: map[string]int{},
		},
	}, nil
}

// Dataset returns the dataset the run writes to.
func (c *Context) Dataset() string {
	return c.cfg.Dataset
}

// Log returns the run's logger, tagged with the dataset and run id.
func (c *Context) Log() ectologger.Logger {
	return c.logger
}

// Make returns an empty entity of the given schema. The schema is checked on
// Emit, not here.
func (c *Context) Make(schemaName string) *models.Entity {
	return models.NewEntity(schemaName)
}

// Emit validates entity, decomposes it into statements tagged with the run's
// dataset and start time, and stores them.
//
// An entity that cannot be emitted at all (missing or malformed id, unknown or
// abstract schema) is rejected with a ValidationError. Invalid property values are dropped and
// the rest of the entity is emitted. Both are counted and the run continues.
// A store failure is returned and marks the run failed.
func (c *Context) Emit(ctx context.Context, entity *models.Entity, target bool) error {
	ctx, span := tracing.StartSpan(ctx, "crawl.Context.Emit")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("crawl context is closed")
	}

	skip, err := c.validate(ctx, entity)
	if err != nil {
		return err
	}

	stmts := c.statements(entity, target, skip)
	for _, stmt := range stmts {
		if err := c.validator.ValidateStatement(stmt); err != nil {
			return c.reject(ctx, err)
		}
	}
	if c.cfg.Replace {
		c.buffered = append(c.buffered, stmts...)
	} else if err := c.store.Append(ctx, stmts...); err != nil {
		if errors.IsValidationError(err) {
			return c.reject(ctx, err)
		}
		c.fail(err)
		tracing.RecordError(ctx, err)
		c.logger.WithContext(ctx).WithError(err).Errorf("Failed to store statements of entity %s", entity.ID)
		return errors.Wrapf(err, "emit entity %s", entity.ID)
	}

	c.stats.Entities++
	c.stats.Statements += int64(len(stmts))
	c.stats.SchemaCounts[entity.Schema]++
	if target {
		c.stats.Targets++
	}
	metrics.StatementsEmitted.WithLabelValues(c.cfg.Dataset).Add(float64(len(stmts)))
	metrics.EntitiesEmitted.WithLabelValues(c.cfg.Dataset, strconv.FormatBool(target)).Inc()
	return nil
}

// validate returns the property values to drop, keyed by annotation key. An
// empty value drops the whole property.
func (c *Context) validate(ctx context.Context, entity *models.Entity) (map[[2]string]bool, error) {
	errs := c.validator.ValidateEntity(entity)
	if len(errs) == 0 {
		return nil, nil
	}

	c.stats.ValidationErrors += int64(len(errs))
	metrics.ValidationErrors.WithLabelValues(c.cfg.Dataset).Add(float64(len(errs)))
	log := c.logger.WithContext(ctx)

	skip := map[[2]string]bool{}
	for _, err := range errs {
		var verr *errors.ValidationError
		if !errors.As(err, &verr) || verr.Prop == "" {
			log.WithError(err).Warn("Rejected entity")
			return nil, err
		}
		log.WithError(err).Warn("Dropped invalid value")
		skip[[2]string{verr.Prop, verr.Value}] = true
	}
	return skip, nil
}

// reject counts an entity the store would not accept. The run continues.
func (c *Context) reject(ctx context.Context, err error) error {
	c.stats.ValidationErrors++
	metrics.ValidationErrors.WithLabelValues(c.cfg.Dataset).Inc()
	c.logger.WithContext(ctx).WithError(err).Warn("Rejected entity")
	return err
}

func (c *Context) statements(entity *models.Entity, target bool, skip map[[2]string]bool) []models.Statement {
	seenAt := c.stats.StartedAt
	base := models.Statement{
		EntityID: entity.ID,
		Schema:   entity.Schema,
		Dataset:  c.cfg.Dataset,
		Origin:   c.cfg.Origin,
		Target:   target,
		SeenAt:   seenAt,
	}

	id := base
	id.Prop = models.BaseProp
	id.PropType = schema.TypeID
	id.Value = entity.ID
	stmts := []models.Statement{id.WithID()}

	for _, prop := range entity.PropNames() {
		if skip[[2]string{prop, ""}] {
			continue
		}
		propType := ""
		if p, ok := c.registry.Property(entity.Schema, prop); ok {
			propType = p.Type
		}
		for _, value := range entity.Get(prop) {
			if skip[[2]string{prop, value}] {
				continue
			}
			annotation := entity.Annotation(prop, value)
			stmt := base
			stmt.Prop = prop
			stmt.PropType = propType
			stmt.Value = value
			stmt.Lang = annotation.Lang
			stmt.OriginalValue = annotation.OriginalValue
			stmts = append(stmts, stmt.WithID())
		}
	}
	return stmts
}

func (c *Context) fail(err error) {
	c.stats.Failed = true
	c.stats.Errors = append(c.stats.Errors, err.Error())
}

// Close ends the run. Buffered statements are written, a buffering store is
// flushed, and the run's statistics are returned. Closing twice is an error.
func (c *Context) Close(ctx context.Context) (models.RunStats, error) {
	ctx, span := tracing.StartSpan(ctx, "crawl.Context.Close")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.snapshot(), errors.New("crawl context already closed")
	}
	c.closed = true

	var err error
	if c.cfg.Replace && !c.stats.Failed {
		err = c.store.ReplaceDataset(ctx, c.cfg.Dataset, c.buffered)
		c.buffered = nil
	}
	if err == nil {
		if flusher, ok := c.store.(store.Flusher); ok {
			err = flusher.Flush(ctx)
		}
	}
	if err != nil {
		c.fail(err)
		tracing.RecordError(ctx, err)
	}
	c.stats.EndedAt = c.cfg.Now().UTC()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"statements":        c.stats.Statements,
		"entities":          c.stats.Entities,
		"targets":           c.stats.Targets,
		"validation_errors": c.stats.ValidationErrors,
		"resources":         c.stats.Resources,
		"duration":          c.stats.Duration().String(),
	})
	if c.stats.Failed {
		log.Warn("Crawl run failed")
	} else {
		log.Info("Crawl run complete")
	}
	return c.snapshot(), err
}

func (c *Context) snapshot() models.RunStats {
	stats := c.stats
	stats.Errors = append([]string(nil), c.stats.Errors...)
	stats.SchemaCounts = make(map[string]int, len(c.stats.SchemaCounts))
	for k, v := range c.stats.SchemaCounts {
		stats.SchemaCounts[k] = v
	}
	return stats
}

// Stats returns the counters so far without closing the run.
func (c *Context) Stats() models.RunStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}
