// Package app assembles the store, hub and engine described by a config.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"

	"taskboard/internal/config"
	"taskboard/internal/db"
	"taskboard/internal/domain"
	"taskboard/internal/engine"
	"taskboard/internal/hub"
	"taskboard/internal/migrate"
	"taskboard/internal/repo"
	"taskboard/internal/repo/mongorepo"
)

// Store is an engine store that also accepts directory writes.
type Store interface {
	engine.Store
	InsertUser(ctx context.Context, u domain.User) (domain.User, error)
}

type Runtime struct {
	Config *config.Config
	Log    logrus.FieldLogger
	Store  Store
	Hub    *hub.Hub
	Engine engine.Engine

	closers []func(context.Context) error
}

// Open connects the configured store and builds the engine on top of it.
// A failed Open leaves nothing connected.
func Open(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	rt := &Runtime{Config: cfg, Log: log}
	if err := rt.start(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// start wires the runtime. On failure whatever was acquired is released.
func (rt *Runtime) start(ctx context.Context) (err error) {
	defer func() {
		if err == nil {
			return
		}
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			rt.Log.WithError(cerr).Warn("release after failed open")
		}
	}()
	store, err := rt.openStore(ctx)
	if err != nil {
		return err
	}
	rt.Store = store
	rt.Hub = hub.New(rt.Config.Broadcast.Buffer, rt.Log)
	rt.closers = append(rt.closers, func(context.Context) error { rt.Hub.Close(); return nil })
	rt.Engine = engine.New(store, rt.Hub, rt.Log)
	if rt.Config.Actions.RecentLimit > 0 {
		rt.Engine.RecentLimit = rt.Config.Actions.RecentLimit
	}
	return nil
}

func (rt *Runtime) openStore(ctx context.Context) (Store, error) {
	cfg := rt.Config
	switch cfg.Store.Driver {
	case config.DriverMongo:
		timeout := time.Duration(cfg.Store.Mongo.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		client, store, err := mongorepo.Connect(cctx, cfg.Store.Mongo.URI, cfg.Store.Mongo.Database)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func(ctx context.Context) error { return disconnect(ctx, client) })
		if err := store.EnsureIndexes(cctx); err != nil {
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		rt.Log.WithFields(logrus.Fields{"component": "store", "driver": "mongo", "database": cfg.Store.Mongo.Database}).Info("store ready")
		return store, nil
	default:
		conn, err := db.Open(db.Config{Workspace: cfg.Store.Workspace})
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return conn.Close() })
		version, err := migrate.Migrate(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		path, _ := filepath.Abs(db.Path(cfg.Store.Workspace))
		rt.Log.WithFields(logrus.Fields{"component": "store", "driver": "sqlite", "path": path, "schema": version}).Info("store ready")
		return repo.Repo{DB: conn}, nil
	}
}

func disconnect(ctx context.Context, client *mongo.Client) error {
	return client.Disconnect(ctx)
}

// Close releases resources in reverse order of acquisition.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
