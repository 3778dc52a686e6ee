package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vyvo/maas/backend/pkg/catalog"
	"github.com/vyvo/maas/backend/pkg/config"
	"github.com/vyvo/maas/backend/pkg/telemetry"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
		Logger:      logger,
	})

	gw, closeCatalog, err := openCatalog(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open catalog: %v", err)
	}

	srv := newServer(gw, serverOptions{
		concurrency: cfg.Resolver.Concurrency,
		partial:     cfg.Resolver.Partial,
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.routes(cfg.RequestTimeout, cfg.APIKeys),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("gateway shutdown error", "error", err)
		}
	}()

	logger.Info("maas gateway listening", "addr", cfg.ListenAddr, "catalog", cfg.Catalog.Backend, "partial", cfg.Resolver.Partial)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("gateway listen failed: %v", err)
	}

	<-ctx.Done()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	closeCatalog(cleanupCtx)
	if err := shutdownTracer(cleanupCtx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
	logger.Info("maas gateway stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openCatalog builds the configured gateway. For the HTTP backend it also
// acquires both catalog sessions; the returned func releases them.
func openCatalog(ctx context.Context, cfg config.GatewayConfig, logger *slog.Logger) (catalog.Gateway, func(context.Context), error) {
	if cfg.Catalog.Backend == config.CatalogFixture {
		f, err := catalog.LoadFixture(cfg.Catalog.FixturePath)
		if err != nil {
			return nil, nil, err
		}
		return f, func(context.Context) {}, nil
	}

	var (
		store    catalog.TokenStore
		closeFns []func() error
	)
	switch cfg.Session.Store {
	case config.StoreRedis:
		rs, err := catalog.NewRedisTokenStore(ctx, cfg.Session.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		store = rs
		closeFns = append(closeFns, rs.Close)
	default:
		store = catalog.NewMemoryTokenStore()
	}

	hc := catalog.NewHTTPClient(cfg.Catalog.Timeout)
	sessionOpts := []catalog.SessionOption{catalog.WithTTL(cfg.Session.TTL), catalog.WithSessionLogger(logger)}
	modelSession := catalog.NewSession("model-catalog",
		catalog.ModelCatalogLogin(hc, cfg.Catalog.ModelURL, cfg.Catalog.Username, cfg.Catalog.Password),
		store, sessionOpts...)
	dataSession := catalog.NewSession("data-catalog",
		catalog.DataCatalogKey(hc, cfg.Catalog.DataURL),
		store, sessionOpts...)

	// A failed login is retried on the first request that needs the token.
	for _, s := range []*catalog.Session{modelSession, dataSession} {
		if err := s.Acquire(ctx); err != nil {
			logger.Warn("catalog login failed", "catalog", s.Name(), "error", err)
		}
	}

	client := catalog.NewClient(catalog.ClientConfig{
		ModelURL:    cfg.Catalog.ModelURL,
		DataURL:     cfg.Catalog.DataURL,
		Username:    cfg.Catalog.Username,
		SearchLimit: cfg.Catalog.SearchLimit,
	}, hc, modelSession, dataSession, logger)

	closeAll := func(ctx context.Context) {
		for _, s := range []*catalog.Session{modelSession, dataSession} {
			if err := s.Release(ctx); err != nil {
				logger.Error("catalog session release failed", "catalog", s.Name(), "error", err)
			}
		}
		for _, fn := range closeFns {
			if err := fn(); err != nil {
				logger.Error("session store close failed", "error", err)
			}
		}
	}
	return client, closeAll, nil
}
