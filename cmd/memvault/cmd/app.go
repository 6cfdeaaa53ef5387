package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"memvault/internal/config"
	"memvault/internal/dispatch"
	"memvault/internal/embed"
	"memvault/internal/errors"
	"memvault/internal/ingest"
	"memvault/internal/logging"
	"memvault/internal/record"
	"memvault/internal/search"
	"memvault/internal/store"
	"memvault/internal/vector"
)

// lockFileName guards the state directory against concurrent writers.
const lockFileName = "memvault.lock"

// App bundles everything a command needs: resolved config, open stores,
// the dispatcher, and the ingest pipeline.
type App struct {
	Root    string
	Cfg     *config.Config
	Backend store.Backend
	// Global is the shared cross-project store. Nil for the networked
	// backend, where global rows live in the same database.
	Global   store.Backend
	Index    vector.Index
	Disp     *dispatch.Dispatcher
	Pipeline *ingest.Pipeline
	Logger   *slog.Logger

	lock     *flock.Flock
	cleanups []func()
}

// openApp boots the stack for a project root. Exclusive mode takes the
// state-dir file lock, refusing to run beside another writer.
func openApp(ctx context.Context, projectDir string, exclusive bool) (*App, error) {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, errors.Validationf("cannot resolve project directory %q", projectDir)
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	stateDir := config.StateDir(root)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindConfig, "create state directory", err)
	}

	logCfg := logging.DefaultConfig(stateDir)
	logCfg.Level = cfg.LogLevel
	logCfg.WriteToStderr = false
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}

	app := &App{Root: root, Cfg: cfg, Logger: logger}
	app.cleanups = append(app.cleanups, logCleanup)

	if exclusive {
		lock := flock.New(filepath.Join(stateDir, lockFileName))
		held, lockErr := lock.TryLock()
		if lockErr != nil {
			app.Close()
			return nil, errors.Wrap(errors.KindInternal, "acquire state lock", lockErr)
		}
		if !held {
			app.Close()
			return nil, errors.Conflict("another memvault process holds the state lock", nil)
		}
		app.lock = lock
	}

	backend, err := openBackend(ctx, cfg, root)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Backend = backend
	app.cleanups = append(app.cleanups, func() { _ = backend.Close() })

	if cfg.Storage.Backend == config.BackendEmbedded {
		global, err := openGlobalBackend(ctx, cfg)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Global = global
		app.cleanups = append(app.cleanups, func() { _ = global.Close() })
	}

	index, err := openIndex(cfg, backend, app.Global, root, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Index = index

	embedder := embed.New(ctx, cfg.Embeddings, logger)
	app.Disp = dispatch.NewWithGlobal(backend, app.Global, index, embedder, root, search.ParamsFromConfig(cfg), logger)
	app.Pipeline = ingest.NewPipeline(app.Disp, backend, cfg, logger)

	return app, nil
}

func openBackend(ctx context.Context, cfg *config.Config, root string) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendNetworkedSQL:
		return store.NewPostgres(ctx, cfg.ConnString(), cfg.Storage.NetworkedSQL.PoolSize)
	default:
		opts := store.DefaultSQLiteOptions()
		if cfg.Storage.Embedded.WALMode != nil {
			opts.WALMode = *cfg.Storage.Embedded.WALMode
		}
		return store.NewSQLite(ctx, cfg.EmbeddedDBPath(root), opts)
	}
}

// openGlobalBackend opens the shared database holding cross-project
// memories.
func openGlobalBackend(ctx context.Context, cfg *config.Config) (store.Backend, error) {
	path := cfg.EmbeddedGlobalDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindConfig, "create global state directory", err)
	}
	opts := store.DefaultSQLiteOptions()
	if cfg.Storage.Embedded.WALMode != nil {
		opts.WALMode = *cfg.Storage.Embedded.WALMode
	}
	return store.NewSQLite(ctx, path, opts)
}

func openIndex(cfg *config.Config, backend, global store.Backend, root string, logger *slog.Logger) (vector.Index, error) {
	if cfg.Storage.Vector == config.VectorExternal {
		return vector.NewQdrant(cfg.Storage.ExternalVector, logger)
	}
	return vector.NewBuiltinWithGlobal(backend, global, record.NormalizeProjectID(root)), nil
}

// Close flushes session counters and releases every resource in reverse
// order.
func (a *App) Close() {
	if a.Disp != nil {
		if _, err := a.Disp.FlushLearningDelta(context.Background(), "cli"); err != nil {
			a.Logger.Warn("learning delta not flushed", "error", err)
		}
		_ = a.Disp.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
}
