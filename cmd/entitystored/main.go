// Command entitystored wires the storage engine, the optional Postgres
// adapter, the Redis revision cache, and the event dispatcher together
// from configuration, as a runnable demonstration of the module rather
// than a long-lived service binary.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/r3e-labs/entitystore/dispatcher"
	"github.com/r3e-labs/entitystore/engine"
	"github.com/r3e-labs/entitystore/event"
	"github.com/r3e-labs/entitystore/pkg/config"
	"github.com/r3e-labs/entitystore/pkg/logger"
	"github.com/r3e-labs/entitystore/pkg/metrics"
	"github.com/r3e-labs/entitystore/pkg/version"
	"github.com/r3e-labs/entitystore/storedb"
	"github.com/r3e-labs/entitystore/storedb/memstore"
	"github.com/r3e-labs/entitystore/storedb/pgstore"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "entitystored: load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})
	log.WithField("version", version.FullVersion()).Info("entitystored starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, registry, closeDB, err := buildDatabase(cfg)
	if err != nil {
		log.WithError(err).Fatal("entitystored: build database")
	}
	if closeDB != nil {
		defer closeDB()
	}

	cache, closeCache, err := buildRevisionCache(cfg, registry)
	if err != nil {
		log.WithError(err).Fatal("entitystored: build revision cache")
	}
	if closeCache != nil {
		defer closeCache()
	}

	disp := dispatcher.New(loggingSink{log: log}, dispatcher.Config{
		InitialDelay: cfg.InitialDispatchFailureDelay,
		MaxDelay:     cfg.MaxDispatchFailureDelay,
		Jitter:       cfg.DispatchJitter,
	})
	defer disp.Dispose()

	eng := engine.New(db, cache, disp, engine.Config{
		Scope:                    cfg.Scope,
		SynchronousEventDispatch: cfg.SynchronousEventDispatch,
	})
	if err := eng.Initialize(ctx); err != nil {
		log.WithError(err).Fatal("entitystored: initialize engine")
	}

	metricsServer := &http.Server{Addr: ":9090", Handler: metrics.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("entitystored: metrics server")
		}
	}()
	defer metricsServer.Close()

	log.Info("entitystored ready")
	<-ctx.Done()
	log.Info("entitystored shutting down")
}

// buildDatabase constructs the storedb.Database selected by cfg.Adapter.
// The returned registry is only populated (and only non-nil) for the
// Postgres adapter, which needs it to (de)serialize row payloads; callers
// that only need a Database may ignore it.
func buildDatabase(cfg *config.Config) (storedb.Database, *storedb.Registry, func(), error) {
	switch cfg.Adapter {
	case config.AdapterPostgres:
		sqlDB, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresMigrateOnStart {
			if err := pgstore.ApplySchema(sqlDB); err != nil {
				sqlDB.Close()
				return nil, nil, nil, fmt.Errorf("apply schema: %w", err)
			}
		}
		registry := storedb.NewRegistry()
		return pgstore.New(sqlDB, registry), registry, func() { sqlDB.Close() }, nil
	case config.AdapterMemory, "":
		return memstore.New(), nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}
}

// buildRevisionCache returns a distributed Redis-backed cache when
// cfg.RedisURL is set and a registry is available (Postgres adapter),
// otherwise the engine's own in-process default (passing nil lets New
// construct one).
func buildRevisionCache(cfg *config.Config, registry *storedb.Registry) (engine.RevisionCache, func(), error) {
	if cfg.RedisURL == "" || registry == nil {
		return nil, nil, nil
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	return engine.NewRedisRevisionCache(client, registry, "entitystore:cache:"), func() { client.Close() }, nil
}

// loggingSink is the demonstration event sink: it logs every dispatched
// event and always reports success, standing in for whatever downstream
// system an integrator would forward DomainEvents to.
type loggingSink struct {
	log *logger.Logger
}

func (s loggingSink) Dispatch(_ context.Context, msg event.Message) (bool, error) {
	s.log.WithField("entity_type", msg.EntityType).
		WithField("entity_id", msg.EntityID).
		WithField("entity_revision", msg.EntityRevision).
		WithField("event_type", string(msg.Event.Type)).
		Info("dispatched domain event")
	return true, nil
}
