package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tjj9020/kinable-sub001/internal/admission"
	"github.com/tjj9020/kinable-sub001/internal/circuitbreaker"
	"github.com/tjj9020/kinable-sub001/internal/config"
	"github.com/tjj9020/kinable-sub001/internal/events"
	"github.com/tjj9020/kinable-sub001/internal/httpapi"
	"github.com/tjj9020/kinable-sub001/internal/idempotency"
	"github.com/tjj9020/kinable-sub001/internal/ledger"
	"github.com/tjj9020/kinable-sub001/internal/logging"
	"github.com/tjj9020/kinable-sub001/internal/metrics"
	"github.com/tjj9020/kinable-sub001/internal/providers/anthropic"
	"github.com/tjj9020/kinable-sub001/internal/providers/openai"
	"github.com/tjj9020/kinable-sub001/internal/ratelimit"
	"github.com/tjj9020/kinable-sub001/internal/router"
	"github.com/tjj9020/kinable-sub001/internal/secrets"
	"github.com/tjj9020/kinable-sub001/internal/store"
	"github.com/tjj9020/kinable-sub001/internal/tracing"
	"github.com/tjj9020/kinable-sub001/internal/vault"
)

type Server struct {
	cfg Config

	r *chi.Mux

	store   *store.SQLiteStore
	loader  *config.Loader
	engine  *router.Engine
	bus     *events.Bus
	limiter *ratelimit.Limiter
	idem    *idempotency.Cache
	logger  *slog.Logger

	reaperStop    chan struct{}
	traceShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "kinable",
	})
	if err != nil {
		return nil, err
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	db, err := store.NewSQLite(cfg.DBDSN, cfg.Tables)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	m := metrics.New()
	bus := events.NewBus()

	breaker := circuitbreaker.New(db, logger,
		circuitbreaker.WithOnStateChange(func(key string, from, to store.CircuitStatus) {
			m.SetCircuitState(key, string(to))
			bus.Publish(events.Event{
				Type:     events.EventCircuitChange,
				Circuit:  key,
				OldState: string(from),
				NewState: string(to),
			})
		}),
	)

	secretSource, err := buildSecretSource(cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	keys := secrets.NewLoader(secretSource)

	loader := config.NewLoader(db)
	eng := router.NewEngine(router.EngineConfig{
		ActiveConfigID: cfg.ActiveConfigID,
		Region:         cfg.Region,
	}, loader, breaker, bus, logger)

	registerAdapters(context.Background(), eng, loader, keys, cfg, logger)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second)
	idem := idempotency.NewCache(time.Duration(cfg.IdempotencyTTLSecs) * time.Second)

	verifier := admission.NewHMACVerifier([]byte(cfg.AuthSecret))

	s := &Server{
		cfg:           cfg,
		r:             r,
		store:         db,
		loader:        loader,
		engine:        eng,
		bus:           bus,
		limiter:       limiter,
		idem:          idem,
		logger:        logger,
		reaperStop:    make(chan struct{}),
		traceShutdown: traceShutdown,
	}
	go s.reapExpiredHealth()

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Engine:      eng,
		Authorizer:  admission.NewAuthorizer(verifier, db, logger),
		Ledger:      ledger.NewRecorder(db, logger),
		Metrics:     m,
		Store:       db,
		EventBus:    bus,
		RateLimiter: limiter,
		IdemCache:   idem,
	})

	return s, nil
}

// buildSecretSource selects where provider API keys come from: the encrypted
// vault persisted in the store when enabled, plain environment variables
// otherwise.
func buildSecretSource(cfg Config, db *store.SQLiteStore, logger *slog.Logger) (secrets.Source, error) {
	if !cfg.VaultEnabled {
		return secrets.EnvSource{}, nil
	}
	salt, data, err := db.LoadVaultBlob(context.Background())
	if err != nil {
		return nil, err
	}
	v, err := vault.New(true, salt)
	if err != nil {
		return nil, err
	}
	if err := v.Unlock([]byte(cfg.VaultPassword)); err != nil {
		return nil, err
	}
	if err := v.Import(data); err != nil {
		return nil, err
	}
	logger.Info("vault unlocked", slog.Int("keys", len(data)))
	return secrets.VaultSource{Vault: v}, nil
}

// registerAdapters builds one adapter per provider named in the active
// snapshot. A missing snapshot is tolerated at startup: the instance comes up
// unhealthy and recovers once an operator uploads one and reloads.
func registerAdapters(ctx context.Context, eng *router.Engine, loader *config.Loader, keys *secrets.Loader, cfg Config, logger *slog.Logger) {
	snap, err := loader.Load(ctx, cfg.ActiveConfigID)
	if err != nil {
		logger.Warn("active config snapshot unavailable, no adapters registered",
			slog.String("config_id", cfg.ActiveConfigID), slog.String("error", err.Error()))
		return
	}

	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	for name, pcfg := range snap.Providers {
		switch name {
		case "openai":
			eng.RegisterAdapter(openai.New(pcfg.SecretID, keys, pcfg.RateLimits.TPM, openai.WithTimeout(timeout)))
		case "anthropic":
			eng.RegisterAdapter(anthropic.New(pcfg.SecretID, keys, pcfg.RateLimits.TPM, anthropic.WithTimeout(timeout)))
		default:
			logger.Warn("unknown provider in config, skipping", slog.String("provider", name))
			continue
		}
		logger.Info("registered provider", slog.String("provider", name))
	}
}

// reapExpiredHealth periodically deletes expired circuit health records so
// the store does not accumulate rows for providers no longer in rotation.
func (s *Server) reapExpiredHealth() {
	interval := time.Duration(s.cfg.HealthReapIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := s.store.DeleteExpiredHealthRecords(ctx, time.Now())
			cancel()
			if err != nil {
				s.logger.Warn("health record reap failed", slog.String("error", err.Error()))
			} else if n > 0 {
				s.logger.Info("reaped expired health records", slog.Int64("deleted", n))
			}
		case <-s.reaperStop:
			return
		}
	}
}

// Reload drops the cached config snapshot so the next request routes against
// the latest stored document. Wired to SIGHUP in main.
func (s *Server) Reload() {
	s.loader.Invalidate(s.cfg.ActiveConfigID)
	s.bus.Publish(events.Event{
		Type:     events.EventConfigReload,
		ConfigID: s.cfg.ActiveConfigID,
	})
	s.logger.Info("config cache invalidated", slog.String("config_id", s.cfg.ActiveConfigID))
}

func (s *Server) Router() http.Handler { return s.r }

func (s *Server) Close() error {
	close(s.reaperStop)
	s.limiter.Stop()
	s.idem.Stop()
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.traceShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
