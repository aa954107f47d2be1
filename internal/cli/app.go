package cli

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/internal/repositories/statement"
	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/lock"
	"github.com/Ramsey-B/thistle/pkg/resolver"
	"github.com/Ramsey-B/thistle/pkg/schema"
	"github.com/Ramsey-B/thistle/pkg/store"
)

// app holds what a command has opened. Each open* is idempotent and each
// opened resource is released by shutdown.
type app struct {
	cfg      *config.Config
	logger   ectologger.Logger
	registry *schema.Registry

	store    store.Store
	db       database.DB
	resolver *resolver.Resolver
	locker   lock.Locker
	redis    *redis.Client

	flush           func()
	shutdownTracing func(context.Context) error
}

func (a *app) openStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	var inner store.Store
	switch a.cfg.StoreBackend {
	case "memory":
		inner = store.NewMemoryStore()
	case "file":
		logStore, err := store.NewLogStore(filepath.Join(a.cfg.DataPath, "statements"), a.logger)
		if err != nil {
			return err
		}
		inner = logStore
	case "postgres":
		db, err := database.Open(ctx, database.Config{
			Driver:          a.cfg.DatabaseDriver,
			Host:            a.cfg.DatabaseHost,
			Port:            a.cfg.DatabasePort,
			User:            a.cfg.DatabaseUserName,
			Password:        a.cfg.DatabasePassword,
			Name:            a.cfg.DatabaseName,
			SSLMode:         a.cfg.DatabaseSSLMode,
			MaxOpenConns:    a.cfg.DatabaseMaxOpenConns,
			MaxIdleConns:    a.cfg.DatabaseMaxIdleConns,
			ConnMaxLifetime: a.cfg.DatabaseConnMaxLifetime,
		}, a.logger)
		if err != nil {
			return err
		}
		migrations := database.NewMigrationService(a.logger, &database.MigrationConfig{
			MigrationFolderPath: a.cfg.DatabaseMigrationFolderPath,
			Version:             uint(a.cfg.DatabaseMigrationVersion),
			Force:               a.cfg.DatabaseMigrationForce,
			AutoRollback:        a.cfg.DatabaseMigrationAutoRollback,
		})
		if err := migrations.MigrateDatabase(db, a.cfg.DatabaseName); err != nil {
			_ = db.Close()
			return errors.Wrap(err, "failed to migrate database")
		}
		a.db = db
		inner = statement.NewRepository(db, a.logger)
	default:
		return errors.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}
	a.store = store.NewValidatingStore(inner, schema.NewValidator(a.registry))
	return nil
}

func (a *app) openResolver(ctx context.Context) error {
	if a.resolver != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.ResolverPath), 0o755); err != nil {
		return err
	}
	storage, err := resolver.OpenBoltStorage(a.cfg.ResolverPath, a.cfg.ResolverOpenTimeout)
	if err != nil {
		return err
	}
	res := resolver.New(storage, a.logger, resolver.Options{AutomatedActors: a.cfg.ResolverAutomatedActors})
	if err := res.Load(ctx); err != nil {
		_ = storage.Close()
		return err
	}
	a.resolver = res
	return nil
}

func (a *app) openLocker(ctx context.Context) error {
	if a.locker != nil {
		return nil
	}
	switch a.cfg.LockBackend {
	case "file":
		a.locker = lock.NewFileLocker(a.cfg.LockStaleAfter, a.logger)
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return errors.Wrapf(err, "failed to connect to redis at %s", a.cfg.RedisAddr)
		}
		a.redis = rdb
		a.locker = lock.NewRedisLocker(rdb, a.cfg.RedisKeyPrefix, a.cfg.RedisLockTTL, a.logger)
	default:
		return errors.Errorf("unknown lock backend %q", a.cfg.LockBackend)
	}
	return nil
}

func (a *app) closeStore() error {
	var first error
	if a.store != nil {
		first = a.store.Close()
		a.store = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && first == nil {
			first = err
		}
		a.db = nil
	}
	return first
}

func (a *app) closeResolver(ctx context.Context) error {
	if a.resolver == nil {
		return nil
	}
	err := a.resolver.Close(ctx)
	a.resolver = nil
	return err
}

func (a *app) closeLocker() error {
	a.locker = nil
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	a.redis = nil
	return err
}

func (a *app) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(a.closeResolver(ctx))
	keep(a.closeStore())
	keep(a.closeLocker())
	if a.shutdownTracing != nil {
		keep(a.shutdownTracing(ctx))
		a.shutdownTracing = nil
	}
	if first != nil {
		a.logger.WithError(first).Error("Shutdown finished with errors")
	}
	if a.flush != nil {
		a.flush()
		a.flush = nil
	}
	return first
}
