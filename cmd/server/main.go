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
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/admission-controller/internal/adapters/clock"
	httpHandlers "github.com/JeanGrijp/admission-controller/internal/adapters/http/handlers"
	httpMiddleware "github.com/JeanGrijp/admission-controller/internal/adapters/http/middleware"
	memorystorage "github.com/JeanGrijp/admission-controller/internal/adapters/storage/memory"
	redisstorage "github.com/JeanGrijp/admission-controller/internal/adapters/storage/redis"
	"github.com/JeanGrijp/admission-controller/internal/config"
	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
	"github.com/JeanGrijp/admission-controller/internal/core/services"
	"github.com/JeanGrijp/admission-controller/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}

	clk := clock.System{}
	storeFactory, closeFn, err := initStorage(cfg.Storage, clk)
	if err != nil {
		logger.Error("failed to init storage", "error", err)
		os.Exit(1)
	}
	defer closeFn()

	admission, err := services.NewAdmissionService(storeFactory, clk, services.Config{
		DefaultIPRule:    cfg.Admission.IPRule,
		DefaultTokenRule: cfg.Admission.DefaultTokenRule,
		TokenRules:       cloneRules(cfg.Admission.TokenRules),
	})
	if err != nil {
		logger.Error("failed to create admission service", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           newRouter(logger, admission, cfg.Server),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", srv.Addr,
			"storage", cfg.Storage.Type,
			"ip_max_events", cfg.Admission.IPRule.MaxEvents,
			"ip_window", cfg.Admission.IPRule.Window.String(),
			"max_tracked_keys", cfg.Admission.IPRule.MaxTrackedKeys,
		)
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			closeFn()
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
}

type admissionService interface {
	ports.Admitter
	httpHandlers.StatsProvider
}

func newRouter(logger *slog.Logger, admission admissionService, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(httpMiddleware.NewRequestLogger(logger))

	r.Get("/healthz", httpHandlers.HealthHandler)
	r.Get("/admission/stats", httpHandlers.NewStatsHandler(admission))

	r.Group(func(r chi.Router) {
		r.Use(httpMiddleware.NewAdmissionMiddleware(admission, httpMiddleware.HeaderKeyExtractor{
			TokenHeader:       cfg.TokenHeader,
			TrustProxyHeaders: cfg.TrustProxyHeaders,
		}))
		r.Get("/test", httpHandlers.TestHandler)
	})

	return r
}

func initStorage(cfg config.StorageConfig, clk ports.Clock) (services.StoreFactory, func(), error) {
	switch cfg.Type {
	case "memory":
		factory := func(_ string, rule domain.Rule) (ports.WindowStore, error) {
			store, err := memorystorage.New(memorystorage.Config{MaxTrackedKeys: rule.MaxTrackedKeys, Shards: cfg.Shards})
			if err != nil {
				return nil, err
			}
			return store, nil
		}
		return factory, func() {}, nil
	case "redis":
		client, err := redisstorage.Connect(redisstorage.Config{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return redisFactory(client, cfg.Redis.KeyPrefix, clk), func() {
			if err := client.Close(); err != nil {
				slog.Warn("failed to close redis client", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func redisFactory(client *goredis.Client, prefix string, clk ports.Clock) services.StoreFactory {
	return func(name string, rule domain.Rule) (ports.WindowStore, error) {
		store, err := redisstorage.NewWithClient(client, redisstorage.StoreConfig{
			KeyPrefix:      prefix,
			Namespace:      name,
			MaxTrackedKeys: rule.MaxTrackedKeys,
			Window:         rule.Window,
			Clock:          clk,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func cloneRules(src map[string]domain.Rule) map[string]domain.Rule {
	if src == nil {
		return nil
	}
	clone := make(map[string]domain.Rule, len(src))
	for k, v := range src {
		clone[k] = v
	}
	return clone
}
