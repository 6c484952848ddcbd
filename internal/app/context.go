// Package app wires configuration, storage and the domain services into one
// runnable unit shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"deskline/internal/bus"
	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/engine"
	"deskline/internal/ingest"
	"deskline/internal/ingest/providers"
	"deskline/internal/logging"
	"deskline/internal/migrate"
	"deskline/internal/repo"
	"deskline/internal/router"
	"deskline/internal/scheduler"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// DBPath overrides config.database.path.
	DBPath string
	Logger *zap.Logger
}

// App holds every long-lived component of a deskline process.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Hub       *bus.Hub
	Bus       bus.Publisher
	Engine    engine.Engine
	Router    *router.Router
	Ingestor  *ingest.Ingestor
	Scheduler *scheduler.Scheduler

	redis *redis.Client
	kafka *bus.Kafka
}

// LoadConfig reads an explicit config file, else the workspace deskline.yml,
// else the built-in defaults.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(workspace)
}

// Open builds the application: config, logger, database (migrated to the
// latest schema), bus, engine, router, ingestor and scheduler.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		if log, err = logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Service); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	dbPath := cfg.Database.Path
	if opts.DBPath != "" {
		dbPath = opts.DBPath
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: dbPath, BusyTimeoutMS: cfg.Database.BusyTimeoutMS})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Config: cfg, Log: log, DB: conn, Repo: repo.Repo{DB: conn}}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	a.Hub = bus.NewHub(bus.WithLogger(a.Log.Named("bus")), bus.WithSubscriberCapacity(cfg.Bus.Buffer))
	fanout := bus.Fanout{a.Hub}
	if cfg.Bus.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Bus.Redis.Addr, Password: cfg.Bus.Redis.Password, DB: cfg.Bus.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Bus.Redis.Addr, err)
		}
		fanout = append(fanout, bus.RedisStreams{Client: a.redis, Stream: cfg.Bus.Redis.Stream, MaxLen: cfg.Bus.Redis.MaxLen})
	}
	if len(cfg.Bus.Kafka.Brokers) > 0 {
		a.kafka = bus.NewKafka(cfg.Bus.Kafka.Brokers, cfg.Bus.Kafka.Topic)
		fanout = append(fanout, a.kafka)
	}
	a.Bus = fanout

	eng := engine.New(a.DB, cfg)
	eng.Bus = a.Bus
	eng.Log = a.Log.Named("engine")
	if cfg.Claim.DirectoryFile != "" {
		dir, err := LoadDirectory(cfg.Claim.DirectoryFile)
		if err != nil {
			return err
		}
		eng.Directory = dir
	}
	a.Engine = eng

	var lookup router.RecordLookup
	if cfg.Routing.LookupURL != "" {
		lookup = router.NewHTTPLookup(strings.TrimRight(cfg.Routing.LookupURL, "/"), cfg.HTTPTimeout(), cfg.Ingest.RetryCount)
	}
	a.Router = router.New(a.Repo, lookup, a.Log.Named("router"))
	a.Router.Bus = a.Bus

	registry := providers.All(providers.Options{
		Timeout: cfg.HTTPTimeout(),
		Retries: cfg.Ingest.RetryCount,
		Log:     a.Log.Named("providers"),
	})
	a.Ingestor = ingest.New(eng, a.Router, registry, a.Log.Named("ingest"))
	a.Ingestor.LockTTL = cfg.LockTTL()
	a.Ingestor.Credentials = ingest.EnvCredentials{Prefix: cfg.Ingest.CredentialPrefix}
	if cfg.Ingest.DistributedLock {
		a.Ingestor.Locker = ingest.RedisLocker{Client: a.redis, Prefix: "deskline:lock:"}
	}

	a.Scheduler = &scheduler.Scheduler{
		Poller:     a.Ingestor,
		Router:     a.Router,
		Tenants:    scheduler.TenantFunc(func(ctx context.Context) ([]string, error) { return a.Repo.ListRoutingTenants(ctx, nil) }),
		PollTick:   time.Duration(cfg.Ingest.PollTickSeconds) * time.Second,
		RouteEvery: time.Duration(cfg.Routing.AutoRouteSeconds) * time.Second,
		Log:        a.Log.Named("scheduler"),
	}
	return nil
}

// LoadDirectory reads a YAML project directory:
//
//	projects: {tenant: {project_id: {name, description, ...}}}
//	members:  {tenant: {project_id: [{id, name, role}]}}
func LoadDirectory(path string) (engine.StaticDirectory, error) {
	var dir engine.StaticDirectory
	data, err := os.ReadFile(path)
	if err != nil {
		return dir, fmt.Errorf("read directory %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &dir); err != nil {
		return dir, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return dir, nil
}

// Close releases external connections. Safe to call on a partial App.
func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.Shutdown(5 * time.Second)
	}
	if a.kafka != nil {
		errs = append(errs, a.kafka.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.Log != nil {
		_ = a.Log.Sync()
	}
	return errors.Join(errs...)
}
