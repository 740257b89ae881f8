package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/queue"
)

// NotifyQueue returns an observer that publishes a sessions.closed event.
// Publish failures are logged; closing never depends on the queue.
func NotifyQueue(q queue.Queue, source string, log *zap.Logger) Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, closed int) {
		msg, err := queue.NewMessage(queue.TypeSessionsClosed, queue.SessionsClosed{Closed: closed, Source: source}, time.Now())
		if err != nil {
			log.Warn("encode close event", zap.Error(err))
			return
		}
		if err := q.Publish(ctx, msg); err != nil {
			log.Warn("publish close event", zap.Int("closed", closed), zap.Error(err))
		}
	}
}
