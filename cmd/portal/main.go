package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omondi/geoportal/internal/cache"
	"github.com/omondi/geoportal/internal/catalog"
	"github.com/omondi/geoportal/internal/config"
	"github.com/omondi/geoportal/internal/feature"
	"github.com/omondi/geoportal/internal/ingest"
	"github.com/omondi/geoportal/internal/logger"
	"github.com/omondi/geoportal/internal/observability"
	"github.com/omondi/geoportal/internal/portal"
	"github.com/omondi/geoportal/internal/server"
	"github.com/omondi/geoportal/internal/store"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   strings.ToLower(os.Getenv("LOG_CONSOLE")) == "true",
		Component: "portal",
	}, os.Stdout)
	log := logger.NewSlog(&zl)

	observability.ExposeBuildInfo(Version)
	log.Info("starting portal", "addr", cfg.Addr, "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database pool setup failed", "err", err)
		return 1
	}
	defer pool.Close()

	st := store.New(pool, log)
	cat := catalog.New(st, cfg.CatalogTTL, log)
	fetcher := feature.New(st, cfg.AttrLimit, log)
	pipeline := ingest.New(st, cat, cfg.UploadDir, log)
	svc := portal.New(st, cat, fetcher, pipeline, cfg.UploadDir, log)

	if cfg.CacheEnabled {
		cli, err := cache.NewClient(ctx, cfg.RedisAddr,
			cache.WithPoolSize(8), cache.WithDialTimeout(time.Second))
		if err != nil {
			log.Warn("redis unavailable, serving uncached", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer func() { _ = cli.Close() }()
			svc = svc.WithLayerCache(cache.NewLayerCache(cli, cfg.CacheTTL))
			log.Info("layer cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
		}
	}

	if cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		msrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listen", "addr", cfg.MetricsAddr, "path", cfg.MetricsPath)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server exited", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = msrv.Shutdown(shutdownCtx)
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.New(svc, st, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		log.Info("server stopped")
		return 0
	case err := <-errCh:
		log.Error("server exited with error", "err", err)
		return 1
	}
}
