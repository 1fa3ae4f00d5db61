package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pbx-controlplane/internal/ami"
	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/audit"
	"pbx-controlplane/internal/auth"
	"pbx-controlplane/internal/config"
	"pbx-controlplane/internal/httpapi"
	"pbx-controlplane/internal/reconnect"
	"pbx-controlplane/internal/routing"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"
	"pbx-controlplane/pkg/clock"
	"pbx-controlplane/pkg/logger"
	"pbx-controlplane/pkg/utils"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const (
	sweepInterval = time.Minute

	// memoryAuditLimit caps the in-memory audit trail when no database is configured.
	memoryAuditLimit = 10000
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "pbx-controlplane")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Durable store and audit log: Postgres when configured, memory otherwise.
	var (
		store     status.DurableStore = status.NewMemoryStore()
		auditRepo audit.Repository    = audit.NewBoundedMemoryRepo(memoryAuditLimit)
	)
	if cfg.HasDatabase() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if store, auditRepo, err = openPostgres(rootCtx, db); err != nil {
			log.Error("postgres migrate failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("DB_HOST not set; durable store is empty and the audit trail is volatile",
			"audit_limit", memoryAuditLimit)
	}

	clk := clock.Real()
	var (
		cache   status.Cache
		sweeper *status.MemoryCache
	)
	switch cfg.Cache.Backend {
	case config.CacheBackendRedis:
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		cache = status.NewRedisCache(rdb, status.RedisCacheOptions{TTL: cfg.Cache.TTL, Clock: clk, Logger: log})
	default:
		sweeper = status.NewMemoryCache(cfg.Cache.TTL, clk, log)
		cache = sweeper
	}
	reader := status.NewReader(cache, store, status.ReaderOptions{Clock: clk, Logger: log})

	policy := reconnect.Policy{
		BaseDelay:   cfg.Reconnect.BaseDelay,
		MaxDelay:    cfg.Reconnect.MaxDelay,
		StableAfter: cfg.Reconnect.StableAfter,
		Jitter:      cfg.Reconnect.Jitter,
	}

	h := httpapi.Handlers{Status: reader, Audit: audit.NewService(auditRepo)}
	resync := &routing.Resyncer{Clock: clk, Logger: log}
	var sessions []telephony.Session

	if cfg.AMI.Enabled {
		s := ami.NewSession(ami.Config{
			Host:              cfg.AMI.Host,
			Port:              cfg.AMI.Port,
			Username:          cfg.AMI.Username,
			Password:          cfg.AMI.Password,
			ActionTimeout:     cfg.AMI.ActionTimeout,
			KeepaliveInterval: cfg.AMI.Keepalive,
		}, ami.Options{Clock: clk, Logger: log, Supervisor: reconnect.New(policy, clk)})
		h.AMI = s
		resync.Queues = s
		sessions = append(sessions, s)
	}
	if cfg.ARI.Enabled {
		s := ari.NewSession(ari.Config{
			Host:              cfg.ARI.Host,
			Port:              cfg.ARI.Port,
			Protocol:          cfg.ARI.Protocol,
			Username:          cfg.ARI.Username,
			Password:          cfg.ARI.Password,
			App:               cfg.ARI.App,
			ActionTimeout:     cfg.ARI.ActionTimeout,
			KeepaliveInterval: cfg.ARI.Keepalive,
		}, ari.Options{Clock: clk, Logger: log, Supervisor: reconnect.New(policy, clk)})
		h.ARI = s
		resync.Channels = s
		sessions = append(sessions, s)
	}

	router := routing.New(cache, routing.Options{Logger: log, OnConnected: resync.OnConnected})
	resync.Router = router
	detach := router.Attach(sessions...)
	defer detach()

	// A PBX that is down at boot is retried by the supervisors; never fatal.
	for _, s := range sessions {
		if err := s.Connect(rootCtx); err != nil {
			log.Warn("initial connect failed; retrying in background", "source", s.Status().Source, "err", err)
		}
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))
	r.Use(httpapi.ClientIP())

	registerRoutes(r, h, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "cache", cfg.Cache.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(gctx, sweepInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		for _, s := range sessions {
			if err := s.Disconnect(shutdownCtx); err != nil {
				log.Warn("session disconnect failed", "source", s.Status().Source, "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func openPostgres(ctx context.Context, db *sql.DB) (status.DurableStore, audit.Repository, error) {
	store, err := status.NewPostgresStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	repo, err := audit.NewPostgresRepo(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return store, repo, nil
}
