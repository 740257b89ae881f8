package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/logger"
	"rollcall/internal/queue"
	"rollcall/internal/scheduler"
	"rollcall/internal/store"
)

// Worker runs the auto-close sweep against the shared store and writes an
// audit log of the events published by the API.
func main() {
	cfg := config.Load()

	logg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" {
		logg.Fatal("worker needs a shared store, set STORE_BACKEND=postgres")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logg.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		redisClient := store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
		if !redisClient.Healthy(ctx) {
			logg.Warn("redis not reachable, consumer will keep retrying", zap.String("addr", cfg.RedisAddr))
		}
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultKey)
	}

	repo := attendance.NewRepository(db.Client)
	sched := scheduler.New(repo, cfg.SweepInterval, logg)
	sched.Subscribe(scheduler.NotifyQueue(q, "worker", logg))
	if err := sched.Start(ctx); err != nil {
		logg.Fatal("sweep start failed", zap.Error(err))
	}
	defer sched.Stop()

	messages, err := q.Consume(ctx)
	if err != nil {
		logg.Fatal("queue consume init failed", zap.Error(err))
	}

	logg.Info("worker started, waiting for messages")
	for msg := range messages {
		audit(logg, msg)
	}
	logg.Info("worker stopped")
}

func audit(logg *zap.Logger, msg queue.Message) {
	switch msg.Type {
	case queue.TypeAttendanceMarked:
		var body queue.AttendanceMarked
		if err := msg.Decode(&body); err != nil {
			logg.Warn("malformed event", zap.String("type", msg.Type), zap.Error(err))
			return
		}
		logg.Info("audit: attendance marked",
			zap.String("record_id", body.RecordID),
			zap.String("session_id", body.SessionID),
			zap.String("student_id", body.StudentID),
			zap.String("device", body.Device),
			zap.Time("at", msg.At),
		)
	case queue.TypeSessionsClosed:
		var body queue.SessionsClosed
		if err := msg.Decode(&body); err != nil {
			logg.Warn("malformed event", zap.String("type", msg.Type), zap.Error(err))
			return
		}
		logg.Info("audit: sessions closed", zap.Int("closed", body.Closed), zap.String("source", body.Source), zap.Time("at", msg.At))
	default:
		logg.Debug("ignoring event", zap.String("type", msg.Type))
	}
}
