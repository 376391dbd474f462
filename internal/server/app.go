package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/config"
	"github.com/kshalu/fraudscope/internal/explain"
	"github.com/kshalu/fraudscope/internal/features"
	"github.com/kshalu/fraudscope/internal/health"
	"github.com/kshalu/fraudscope/internal/logging"
	"github.com/kshalu/fraudscope/internal/metrics"
	"github.com/kshalu/fraudscope/internal/model"
	"github.com/kshalu/fraudscope/internal/pipeline"
	"github.com/kshalu/fraudscope/internal/realtime"
	"github.com/kshalu/fraudscope/internal/traces"
)

// App holds the scoring pipeline and everything it runs on. The HTTP server
// and the queue consumer are both built on an App.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *sql.DB       // nil when the audit chain is in memory
	Redis    *redis.Client // nil when profiles are in memory
	Audit    audit.Store
	Recorder *audit.Recorder
	Registry *model.Registry
	Pipeline *pipeline.Orchestrator
	Hub      *realtime.Hub
	Health   *health.Registry

	auditStore      audit.Store
	profileStore    features.ProfileStore
	shutdownTracing func(context.Context) error
}

// AppOption configures an App.
type AppOption func(*App)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) AppOption {
	return func(a *App) { a.Logger = logger }
}

// WithAuditStore replaces the configured audit store (for testing).
func WithAuditStore(s audit.Store) AppOption {
	return func(a *App) { a.auditStore = s }
}

// WithProfileStore replaces the configured profile store (for testing).
func WithProfileStore(s features.ProfileStore) AppOption {
	return func(a *App) { a.profileStore = s }
}

// NewApp connects the stores named in cfg and assembles the pipeline.
// Postgres and Redis are used when their URLs are set; otherwise state is
// kept in memory.
func NewApp(ctx context.Context, cfg *config.Config, version string, opts ...AppOption) (*App, error) {
	a := &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.Logger == nil {
		a.Logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	a.Health = health.NewRegistry()

	shutdown, err := traces.Init(ctx, cfg.Tracing.OTLPEndpoint, version, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdown

	if err := a.openAudit(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openProfiles(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Hub = realtime.NewHub(a.Logger)

	a.Registry = model.NewRegistry(model.DirSource{Dir: cfg.Model.Dir}, a.Logger)
	a.Registry.OnSwap(func(prev, next model.Model) {
		metrics.SetActiveModel(next.Version(), string(next.Kind()))
		a.Hub.PublishModelActivated(next.Version(), string(next.Kind()))
	})
	if _, err := a.Registry.Activate(cfg.Model.Version); err != nil {
		// Scoring continues with degraded review decisions until a model
		// is activated through the admin API.
		a.Logger.Error("initial model activation failed", "version", cfg.Model.Version, "error", err)
	}
	a.Health.Register("model", func(context.Context) health.Status {
		m, err := a.Registry.Current()
		if err != nil {
			return health.Status{Name: "model", Detail: err.Error()}
		}
		return health.Status{Name: "model", Healthy: true, Detail: m.Version()}
	})

	pol, err := cfg.Policy.Build()
	if err != nil {
		a.Close()
		return nil, err
	}

	recOpts := []audit.Option{
		audit.WithSigner(audit.NewSigner(cfg.Audit.HMACSecret)),
		audit.WithAlerter(audit.LogAlerter{Logger: a.Logger}),
	}
	if cfg.Audit.FallbackPath != "" {
		fb, err := audit.NewFileFallback(cfg.Audit.FallbackPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("audit fallback: %w", err)
		}
		recOpts = append(recOpts, audit.WithFallback(fb))
	}
	a.Recorder = audit.NewRecorder(a.Audit, cfg.Audit.Chain, a.Logger, recOpts...)

	extractor := features.NewExtractor(cfg.Features, a.profileStore, a.Logger)
	a.Pipeline = pipeline.New(cfg.Pipeline, extractor, a.Registry, explain.New(cfg.Explain), pol, a.Recorder,
		pipeline.WithLookup(a.Audit),
		pipeline.WithPublisher(a.Hub),
		pipeline.WithLogger(a.Logger),
	)
	return a, nil
}

func (a *App) openAudit(ctx context.Context) error {
	cfg := a.Config
	switch {
	case a.auditStore != nil:
		a.Audit = a.auditStore
	case cfg.Database.URL != "":
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		a.DB = db
		store := audit.NewPostgresStore(db)
		a.Audit = store
		a.Health.Register("postgres", health.Ping("postgres", store.Ping))
		a.Logger.Info("using PostgreSQL audit store", "url", maskDSN(cfg.Database.URL))
	default:
		a.Audit = audit.NewMemoryStore()
		a.Logger.Warn("using in-memory audit store; records are lost on restart")
	}
	return nil
}

func (a *App) openProfiles(ctx context.Context) error {
	cfg := a.Config
	switch {
	case a.profileStore != nil:
	case cfg.Redis.URL != "":
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.Redis = client
		a.profileStore = features.NewRedisStore(client, cfg.Redis.TTL)
		a.Health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		a.Logger.Info("using Redis profile store", "url", maskDSN(cfg.Redis.URL))
	default:
		a.profileStore = features.NewMemoryStore()
		a.Logger.Warn("using in-memory profile store")
	}
	return nil
}

// Close releases connections and flushes traces.
func (a *App) Close() error {
	var errs []error
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdownTracing(ctx))
		cancel()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
