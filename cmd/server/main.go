package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/graphql-go/graphql"

	"datagate/internal/api"
	"datagate/internal/config"
	"datagate/internal/engine"
	"datagate/internal/gateway"
	"datagate/internal/gqlschema"
	"datagate/internal/metadata"
	"datagate/internal/planner"
	"datagate/internal/store"
)

// engineState is everything derived from one config snapshot. A reload builds
// a fresh state and swaps it behind the route table.
type engineState struct {
	pool    *store.Pool
	handler *api.Handler
}

func main() {
	srv, err := config.LoadServer()
	if err != nil {
		log.Fatalf("server config: %v", err)
	}

	// The host mode inside the runtime config decides the log level, so the
	// file is read once with bootstrap dependencies before the real set exists.
	boot := config.NewLoader(gateway.NewDependencies(false), srv.ConfigFile)
	probe, err := boot.Load()
	if err != nil {
		log.Fatalf("runtime config: %v", err)
	}
	deps := gateway.NewDependencies(probe.Runtime.Host.Mode == config.ModeDevelopment)

	loader := config.NewLoader(deps, srv.ConfigFile)
	cfg, err := loader.Load()
	if err != nil {
		deps.Logger.Fatal().Err(err).Msg("runtime config failed to load")
	}

	ctx := context.Background()
	state, err := buildState(ctx, deps, srv, cfg)
	if err != nil {
		deps.Logger.Fatal().Err(err).Msg("engine failed to start")
	}

	var current atomic.Pointer[engineState]
	current.Store(state)

	app := fiber.New(fiber.Config{
		AppName:      "datagate",
		ErrorHandler: api.ErrorHandler(deps),
		ReadTimeout:  srv.RequestTimeout,
	})
	app.Use(recover.New())
	api.Register(app, func() *api.Handler { return current.Load().handler }, cfg, srv.JWTSecret)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		err := loader.Watch(watchCtx, func(next *config.RuntimeConfig) {
			fresh, err := buildState(ctx, deps, srv, next)
			if err != nil {
				deps.Logger.Error().Err(err).Msg("config reload failed, keeping the previous snapshot")
				return
			}
			old := current.Swap(fresh)
			if old.pool != nil {
				// Requests still running on the old snapshot get the grace
				// period before their pool closes under them.
				go old.pool.Close(srv.DrainGrace)
			}
			deps.Logger.Info().Msg("config reloaded")
		})
		if err != nil && watchCtx.Err() == nil {
			deps.Logger.Error().Err(err).Msg("config watcher stopped")
		}
	}()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		cancel()
		if err := app.ShutdownWithTimeout(srv.DrainGrace); err != nil {
			deps.Logger.Error().Err(err).Msg("shutdown timed out")
		}
	}()

	addr := fmt.Sprintf(":%d", srv.Port)
	deps.Logger.Info().Str("addr", addr).Msg("listening")
	if err := app.Listen(addr); err != nil {
		deps.Logger.Fatal().Err(err).Msg("server stopped")
	}
	if s := current.Load(); s.pool != nil {
		s.pool.Close(srv.DrainGrace)
	}
}

// buildState assembles pool, provider, planner, executor, service and GraphQL
// schema for one config snapshot.
func buildState(ctx context.Context, deps gateway.Dependencies, srv *config.ServerConfig, cfg *config.RuntimeConfig) (*engineState, error) {
	kind := cfg.DataSource.DatabaseType

	var (
		svc  *engine.Service
		pool *store.Pool
	)
	if kind.IsDocument() {
		docs, err := store.NewCosmosClient(deps, cfg.DataSource)
		if err != nil {
			return nil, err
		}
		provider := metadata.NewProvider(deps, cfg, nil)
		pl := planner.New(deps, provider, nil, int64(srv.MaxPageSize))
		svc = engine.NewService(deps, cfg, provider, pl, nil, docs)
	} else {
		dialect, err := store.DialectFor(kind)
		if err != nil {
			return nil, err
		}
		pool, err = store.NewPool(ctx, deps, cfg.DataSource, store.PoolOptions{
			MaxConns:    srv.PoolSize,
			AcquireWait: srv.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		provider := metadata.NewProvider(deps, cfg, pool)
		pl := planner.New(deps, provider, dialect, int64(srv.MaxPageSize))
		svc = engine.NewService(deps, cfg, provider, pl, store.NewExecutor(deps, pool), nil)
	}

	var schema graphql.Schema
	if cfg.Runtime.GraphQL.Enabled {
		built, err := gqlschema.NewBuilder(deps, svc).Build(ctx)
		if err != nil {
			if pool != nil {
				pool.Close(0)
			}
			return nil, err
		}
		schema = built
	}
	return &engineState{pool: pool, handler: api.NewHandler(deps, svc, schema)}, nil
}
