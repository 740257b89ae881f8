package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/handler"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logger"
	"rollcall/internal/metrics"
	"rollcall/internal/netlookup"
	"rollcall/internal/proxy"
	"rollcall/internal/queue"
	"rollcall/internal/scheduler"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	logg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logg.Sync()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logg); err != nil {
		logg.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	checks := map[string]handler.HealthCheck{}

	var st attendance.Store
	switch cfg.StoreBackend {
	case "memory":
		logg.Warn("using in-memory store, data is lost on restart")
		st = attendance.NewMemStore()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.RunMigrations(db.Client, logg); err != nil {
			return err
		}
		st = attendance.NewRepository(db.Client)
		checks["db"] = db.Healthy
	}

	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" || !cfg.GeoSkip {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		checks["redis"] = redisClient.Healthy
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(64)
		if err := drain(ctx, mem, logg); err != nil {
			return err
		}
		q = mem
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	locator := netlookup.New(cfg.GeoLookupURL, cfg.GeoSkip, logg)
	if redisClient != nil {
		locator.WithCache(netlookup.NewRedisCache(redisClient.Client, cfg.GeoCacheTTL))
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	sched := scheduler.New(st, cfg.SweepInterval, logg)
	sched.Subscribe(scheduler.NotifyQueue(q, "api", logg))

	svc := attendance.NewService(st, sched, locator, q, attendance.Options{
		Location:        loc,
		PublicBaseURL:   cfg.PublicBaseURL,
		TokenRetryDelay: cfg.TokenRetryDelay,
		Proxy:           proxy.Options{MatchAddress: cfg.ProxyAddressMatch, RateWindow: cfg.ProxyRateWindow},
	}, logg)

	if err := rearm(ctx, st, sched, logg); err != nil {
		logg.Warn("could not re-arm auto-close timers, sweep will cover them", zap.Error(err))
	}
	if cfg.SweepInProcess {
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}
	defer sched.Stop()

	r, err := handler.NewEngine(cfg.TrustedProxies)
	if err != nil {
		return err
	}
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecureHeaders())
	r.Use(metrics.Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := handler.New(svc, checks, logg)
	h.Register(r, auth.InstructorAuth(cfg.JWTSigningKey, cfg.JWTIssuer), httpmiddleware.RateLimit(limiter, logg))

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.StoreBackend),
			zap.Bool("sweep", cfg.SweepInProcess),
			zap.Strings("trusted_proxies", cfg.TrustedProxies),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	logg.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Warn("server forced shutdown", zap.Error(err))
	}

	logg.Info("server exited")
	return nil
}

// rearm restores the in-process timers of sessions that are still pending
// after a restart.
func rearm(ctx context.Context, st attendance.Store, sched *scheduler.Scheduler, logg *zap.Logger) error {
	sessions, err := st.ListAutoClosing(ctx)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		sched.Arm(s)
	}
	logg.Info("auto-close timers restored", zap.Int("pending", len(sessions)))
	return nil
}

// drain consumes the in-memory queue inside the API process, since no
// worker can reach it.
func drain(ctx context.Context, q queue.Queue, logg *zap.Logger) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range msgs {
			logg.Debug("event", zap.String("type", msg.Type), zap.Time("at", msg.At), zap.ByteString("body", msg.Body))
		}
	}()
	return nil
}
