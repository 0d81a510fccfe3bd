package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/obsidia-labs/x108/pkg/audit"
	"github.com/obsidia-labs/x108/pkg/config"
	"github.com/obsidia-labs/x108/pkg/engine"
	"github.com/obsidia-labs/x108/pkg/firstseen"
	"github.com/obsidia-labs/x108/pkg/observability"
	"github.com/obsidia-labs/x108/pkg/paper"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// openStore opens the first-seen backend selected by cfg.Store.
func openStore(ctx context.Context, cfg *config.Config) (firstseen.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return firstseen.NewMemoryStore(), nopCloser, nil
	case config.StoreSQLite:
		s, err := firstseen.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case config.StorePostgres:
		s, err := firstseen.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, nil, err
		}
		return s, s, nil
	case config.StoreRedis:
		s := firstseen.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want memory, sqlite, postgres or redis)", cfg.Store)
	}
}

// openAudit opens the SQLite-backed audit chain at cfg.AuditPath, or an
// in-memory chain when no path is configured.
func openAudit(ctx context.Context, cfg *config.Config) (*audit.Log, io.Closer, error) {
	if cfg.AuditPath == "" {
		l, err := audit.NewLog(ctx)
		return l, nopCloser, err
	}
	db, err := sql.Open("sqlite", cfg.AuditPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	store, err := audit.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	l, err := audit.NewLog(ctx, audit.WithStore(store))
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return l, db, nil
}

// loadProfile returns the profile at cfg.ProfilePath, or nil for the default.
func loadProfile(cfg *config.Config) (*engine.Profile, error) {
	if cfg.ProfilePath == "" {
		return nil, nil
	}
	p, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// runtime is an engine plus the resources it holds open.
type runtime struct {
	engine  *engine.Engine
	closers []io.Closer
}

// newRuntime wires the store, audit chain and profile selected by cfg into
// an engine. rec may be nil.
func newRuntime(ctx context.Context, cfg *config.Config, rec *observability.Recorder, sink paper.Sink) (*runtime, error) {
	rt := &runtime{}
	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, closer)

	auditLog, closer, err := openAudit(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closer)

	profile, err := loadProfile(cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	var regOpts []firstseen.RegistryOption
	opts := engine.Options{Profile: profile, Audit: auditLog, Sink: sink}
	if rec != nil {
		regOpts = append(regOpts, firstseen.WithRejectHook(rec.RecordRejection))
		opts.Recorder = rec
	}
	opts.Registry = firstseen.NewRegistry(store, regOpts...)

	rt.engine, err = engine.New(opts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases resources in reverse order.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		_ = rt.closers[i].Close()
	}
}
