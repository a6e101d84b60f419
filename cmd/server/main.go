// Package main is the entrypoint for the geoaudit API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/geoaudit/internal/api"
	"github.com/kiranshivaraju/geoaudit/internal/api/handler"
	mw "github.com/kiranshivaraju/geoaudit/internal/api/middleware"
	"github.com/kiranshivaraju/geoaudit/internal/api/response"
	"github.com/kiranshivaraju/geoaudit/internal/audit"
	"github.com/kiranshivaraju/geoaudit/internal/auditapi"
	"github.com/kiranshivaraju/geoaudit/internal/cache"
	"github.com/kiranshivaraju/geoaudit/internal/config"
	"github.com/kiranshivaraju/geoaudit/internal/events"
	"github.com/kiranshivaraju/geoaudit/internal/poller"
	"github.com/kiranshivaraju/geoaudit/internal/store"
	"github.com/kiranshivaraju/geoaudit/internal/submit"
	"github.com/kiranshivaraju/geoaudit/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "analysis_api", cfg.AuditAPI.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	pgStore := store.NewPostgresStore(pool)

	// 4. Cache: Redis when configured, in-process otherwise
	appCache, closeCache, err := openCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	// 5. Analysis API client
	deny, err := submit.LoadDenylist(cfg.DenylistFile)
	if err != nil {
		return fmt.Errorf("load denylist: %w", err)
	}
	tokens := auditapi.NewTokenSource(ctx, auditapi.TokenConfig{
		StaticToken:  cfg.AuditAPI.Token,
		TokenURL:     cfg.AuditAPI.TokenURL,
		ClientID:     cfg.AuditAPI.ClientID,
		ClientSecret: cfg.AuditAPI.ClientSecret,
		Scopes:       cfg.AuditAPI.Scopes,
	})
	client := auditapi.NewHTTPClient(cfg.AuditAPI.BaseURL, tokens, cfg.AuditAPI.Timeout,
		auditapi.WithRetry(cfg.AuditAPI.RetryCount, cfg.AuditAPI.RetryDelay),
		auditapi.WithSnapshotCache(appCache, cfg.AuditAPI.SnapshotTTL),
	)

	// 6. Event publisher
	publisher, err := openPublisher(cfg.Kafka)
	if err != nil {
		return err
	}
	defer publisher.Close()

	// 7. Audit service
	opts := poller.DefaultOptions()
	opts.Interval = cfg.Poll.Interval
	opts.Timeout = cfg.Poll.Timeout
	opts.MaxAttempts = cfg.Poll.MaxAttempts

	svc := audit.NewService(audit.Deps{
		Submitter: submit.NewSubmitter(client, deny),
		Poller:    poller.New(client, opts),
		Remote:    client,
		Store:     pgStore,
		Cache:     appCache,
		Publisher: publisher,
	})
	resumed, err := svc.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume audits: %w", err)
	}
	slog.Info("audit sessions resumed", "count", resumed)

	if cfg.BootstrapAPIKey != "" {
		if err := bootstrapKey(ctx, pgStore, cfg.BootstrapAPIKey); err != nil {
			return fmt.Errorf("bootstrap api key: %w", err)
		}
	}

	// 8. Build router with dependencies
	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(appCache, cfg.RateLimit.RequestsPerMinute),

		HealthHandler: healthHandler(pgStore, appCache),
		CreateAudit:   handler.NewCreateAuditHandler(svc),
		ListAudits:    handler.NewListAuditsHandler(svc),
		GetAudit:      handler.NewGetAuditHandler(svc),
		AuditResult:   handler.NewAuditResultHandler(svc),
		CancelAudit:   handler.NewCancelAuditHandler(svc),
		RetryAudit:    handler.NewRetryAuditHandler(svc),
	})

	// 9. Serve until the signal, then drain HTTP and the polling sessions
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("audit shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, func(), error) {
	if cfg.URL == "" {
		slog.Info("REDIS_URL not set, using in-process cache")
		return cache.NewMemoryCache(), func() {}, nil
	}
	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")
	return rc, func() { rc.Close() }, nil
}

func openPublisher(cfg config.KafkaConfig) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return events.NopPublisher{}, nil
	}
	p, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("create kafka publisher: %w", err)
	}
	slog.Info("kafka publisher ready", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return p, nil
}

// keyRegistrar is the part of the store used to register the bootstrap key.
type keyRegistrar interface {
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapKey registers rawKey for the default tenant with read and write
// scopes. A key that is already registered is left alone.
func bootstrapKey(ctx context.Context, keys keyRegistrar, rawKey string) error {
	prefix := rawKey[:mw.KeyPrefixLen]
	existing, err := keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("look up key: %w", err)
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			slog.Info("bootstrap api key already registered", "key_prefix", prefix)
			return nil
		}
	}

	tenant, err := keys.GetDefaultTenant(ctx)
	if err != nil {
		return fmt.Errorf("get default tenant: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	err = keys.CreateAPIKey(ctx, &models.APIKey{
		ID:        uuid.New(),
		TenantID:  tenant.ID,
		Name:      "bootstrap",
		KeyHash:   string(hash),
		KeyPrefix: prefix,
		Scopes:    []string{mw.ScopeAuditsRead, mw.ScopeAuditsWrite},
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	slog.Info("bootstrap api key registered", "key_prefix", prefix)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity.
func healthHandler(db, c pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
