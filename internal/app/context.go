package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"proxim8/internal/catalog"
	"proxim8/internal/config"
	"proxim8/internal/db"
	"proxim8/internal/engine"
	"proxim8/internal/logging"
	"proxim8/internal/migrate"
	"proxim8/internal/narrative"
	"proxim8/internal/scheduler"
)

// Lookup returns an override for a dotted config key, if one is set.
type Lookup func(key string) (string, bool)

// ResolveConfig loads proxim8.yml from the workspace (defaults when absent)
// and applies overrides for every known key.
func ResolveConfig(workspace string, lookup Lookup) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if lookup != nil {
		for _, key := range config.Keys() {
			if v, ok := lookup(key); ok {
				if err := cfg.Set(key, v); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCatalog returns the configured mission catalog. Violations are fatal.
func LoadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.File == "" {
		return catalog.Default()
	}
	cat, err := catalog.FromFile(cfg.Catalog.File)
	if err != nil {
		return nil, fmt.Errorf("load catalog %s: %w", cfg.Catalog.File, err)
	}
	return cat, nil
}

type Options struct {
	Workspace string
	Lookup    Lookup
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// App bundles everything a command or server needs.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Log    zerolog.Logger
}

// Open resolves config, opens and migrates the workspace database and
// builds the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.Lookup)
	if err != nil {
		return nil, err
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	log := logging.New(out, cfg.Log.Level, cfg.Log.Format)
	cat, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	gen, err := narrative.New(ctx, narrative.Config{
		Backend: cfg.Narrative.Backend,
		Model:   cfg.Narrative.Model,
		Host:    cfg.Narrative.Host,
		Timeout: cfg.Narrative.Timeout.Std(),
	}, log)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cat)
	e.Narrator = gen
	e.Log = log
	log.Debug().Str("workspace", opts.Workspace).Int("missions", cat.Len()).Str("narrative", cfg.Narrative.Backend).Msg("workspace opened")
	return &App{Config: cfg, DB: conn, Engine: e, Log: log}, nil
}

// SchedulerConfig maps the scheduler section onto scheduler settings.
func (a *App) SchedulerConfig() scheduler.Config {
	s := a.Config.Scheduler
	return scheduler.Config{
		Interval:             s.Interval.Std(),
		PhaseInterval:        s.PhaseInterval.Std(),
		HousekeepingInterval: s.HousekeepingInterval.Std(),
		Retention:            s.Retention.Std(),
		BatchSize:            s.BatchSize,
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}
