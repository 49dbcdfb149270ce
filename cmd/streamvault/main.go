package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/cache"
	"github.com/voyagen/streamvault/internal/config"
	"github.com/voyagen/streamvault/internal/jobs"
	"github.com/voyagen/streamvault/internal/logging"
	"github.com/voyagen/streamvault/internal/scheduler"
	"github.com/voyagen/streamvault/internal/server"
	"github.com/voyagen/streamvault/internal/service"
	"github.com/voyagen/streamvault/internal/store"
	"github.com/voyagen/streamvault/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use environment variables")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var appStore store.Store
	if cfg.DatabaseURL != "" {
		pg, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pg.Close()
		appStore = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory catalog (nothing survives a restart)")
		appStore = store.NewMemory()
	}

	// Connect to Redis if REDIS_URL is configured.
	var rds *cache.Redis
	if cfg.RedisURL != "" {
		var err error
		rds, err = cache.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()
		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		appStore = store.NewCachedStore(appStore, rds, log.Named("cache"))
		log.Info("redis connected (caching, scan locks and job queue enabled)")
	} else {
		log.Info("redis disabled (REDIS_URL not set)")
	}

	syncCfg := service.SyncConfig{MaxDepth: cfg.MaxWalkDepth, Workers: cfg.ScanWorkers}
	if rds != nil {
		syncCfg.Locker = cache.NewLocker(rds, 10*time.Minute)
	}
	syncer := service.NewSynchronizer(appStore, syncCfg, log)
	registry := service.NewPeerRegistry(appStore, cfg.PeerFreshness, cfg.PeerCandidateLimit, log)
	dispatcher := service.NewDispatcher(appStore, registry, service.DispatchConfig{
		BaseURL:         cfg.BaseURL,
		AllowPeerToPeer: cfg.AllowPeerToPeer,
		CandidateLimit:  cfg.PeerCandidateLimit,
	}, log)

	// Background scan worker.
	var queue jobs.Queue
	if rds != nil {
		rq := jobs.NewRedisQueue(rds, syncer, log)
		go rq.Run(ctx)
		queue = rq
	} else {
		lq := jobs.NewLocalQueue(syncer, 64, log)
		go lq.Run(ctx, cfg.ScanWorkers)
		queue = lq
	}

	deps := server.Deps{
		Catalog:    appStore,
		Sync:       syncer,
		Peers:      registry,
		Dispatcher: dispatcher,
		Jobs:       queue,
		Log:        log,
	}

	if cfg.WatchLibraries {
		w, err := watcher.New(appStore, func(id uuid.UUID) {
			if err := queue.EnqueueScan(ctx, id, jobs.ReasonWatch); err != nil {
				log.Warn("queue watch scan", zap.String("library_id", id.String()), zap.Error(err))
			}
		}, cfg.WatchDebounce, log)
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		defer w.Close()
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		deps.Watcher = w
	}

	sched, err := scheduler.New(scheduler.Config{
		RescanSchedule: cfg.RescanSchedule,
		PeerGCSchedule: cfg.PeerGCSchedule,
		PeerRetention:  cfg.PeerRetention,
	}, syncer, registry, log)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	return server.New(cfg, deps).ListenAndServe(ctx)
}

func openPostgres(ctx context.Context, cfg *config.Config, log *zap.Logger) (*store.Postgres, error) {
	if err := store.EnsureDatabase(ctx, cfg.DatabaseURL, 30*time.Second); err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	migrationsPath := resolveMigrations(cfg.MigrationsPath)
	if err := store.RunMigrations(cfg.DatabaseURL, migrationsPath); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("migrations applied", zap.String("source", migrationsPath))

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	return pg, nil
}

// resolveMigrations turns a directory into a file:// source URL, looking next
// to the executable when the directory is not found relative to the working
// directory. Values that already carry a scheme are used as-is.
func resolveMigrations(dir string) string {
	if strings.Contains(dir, "://") {
		return dir
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	if _, err := os.Stat(abs); err != nil && !filepath.IsAbs(dir) {
		if exe, e := os.Executable(); e == nil {
			abs = filepath.Join(filepath.Dir(exe), dir)
		}
	}
	return "file://" + abs
}
