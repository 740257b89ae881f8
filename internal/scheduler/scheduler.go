// Package scheduler owns session auto-close. The periodic sweep is the
// authority of record; armed timers only shorten the time between a deadline
// passing and the session being closed in this process.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"rollcall/internal/metrics"
	"rollcall/internal/model"
)

const DefaultInterval = 10 * time.Second

// Store is the persistence the scheduler needs.
type Store interface {
	ListAutoClosing(ctx context.Context) ([]model.Session, error)
	// Deactivate sets is_active=false and reports whether this call changed it.
	Deactivate(ctx context.Context, sessionID string) (bool, error)
}

// Observer is told how many sessions a pass closed.
type Observer func(ctx context.Context, closed int)

// Scheduler arms per-session close timers and runs the reconciliation sweep.
type Scheduler struct {
	store    Store
	log      *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	timers    map[string]*armed
	observers []Observer
	cron      *cron.Cron
}

type armed struct {
	timer *time.Timer
}

// New creates a scheduler sweeping every interval.
func New(store Store, interval time.Duration, log *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		log:      log,
		interval: interval,
		now:      time.Now,
		timers:   make(map[string]*armed),
	}
}

// Subscribe registers an observer for close notifications.
func (s *Scheduler) Subscribe(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Arm schedules a one-shot close at the session's auto-close deadline.
// Sessions that are inactive, have no deadline, or are already past it are
// left to the sweep. Re-arming replaces the previous timer.
func (s *Scheduler) Arm(sess model.Session) {
	if !sess.IsActive || sess.AutoCloseAt == nil {
		return
	}
	d := sess.AutoCloseAt.Sub(s.now())
	if d <= 0 {
		return
	}

	id := sess.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
		metrics.ArmedTimers.Dec()
	}
	entry := &armed{}
	entry.timer = time.AfterFunc(d, func() { s.fire(id, entry) })
	s.timers[id] = entry
	metrics.ArmedTimers.Inc()

	s.log.Info("auto-close armed", zap.String("session_id", id), zap.Duration("in", d))
}

// Cancel stops the armed timer for sessionID, if any.
func (s *Scheduler) Cancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(sessionID)
}

func (s *Scheduler) cancelLocked(sessionID string) {
	if a, ok := s.timers[sessionID]; ok {
		a.timer.Stop()
		delete(s.timers, sessionID)
		metrics.ArmedTimers.Dec()
	}
}

// Armed reports whether a timer is pending for sessionID.
func (s *Scheduler) Armed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[sessionID]
	return ok
}

func (s *Scheduler) fire(sessionID string, entry *armed) {
	s.mu.Lock()
	if s.timers[sessionID] != entry {
		// replaced or cancelled after firing began
		s.mu.Unlock()
		return
	}
	delete(s.timers, sessionID)
	metrics.ArmedTimers.Dec()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changed, err := s.store.Deactivate(ctx, sessionID)
	if err != nil {
		s.log.Error("auto-close failed, sweep will retry", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if changed {
		s.log.Info("session auto-closed", zap.String("session_id", sessionID), zap.String("trigger", "timer"))
		metrics.TrackClosed("timer", 1)
		s.notify(ctx, 1)
	}
}

// SweepOnce closes every active session whose deadline is at or before now
// and returns how many it actually closed. Running it again on unchanged
// state closes nothing.
func (s *Scheduler) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	sessions, err := s.store.ListAutoClosing(ctx)
	if err != nil {
		return 0, fmt.Errorf("list auto-closing sessions: %w", err)
	}

	closed := 0
	for _, sess := range sessions {
		if !sess.IsActive || sess.AutoCloseAt == nil || now.Before(*sess.AutoCloseAt) {
			continue
		}
		changed, err := s.store.Deactivate(ctx, sess.ID)
		if err != nil {
			s.log.Error("sweep close failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		s.Cancel(sess.ID)
		if changed {
			closed++
			s.log.Info("session auto-closed", zap.String("session_id", sess.ID), zap.String("trigger", "sweep"))
		}
	}

	metrics.TrackClosed("sweep", closed)
	if closed > 0 {
		s.notify(ctx, closed)
	}
	return closed, nil
}

// Start runs the sweep on a cron schedule until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		if ctx.Err() != nil {
			return
		}
		sweepCtx, cancel := context.WithTimeout(ctx, s.interval)
		defer cancel()
		if _, err := s.SweepOnce(sweepCtx, s.now()); err != nil {
			s.log.Warn("sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	c.Start()
	s.log.Info("auto-close sweep started", zap.Duration("interval", s.interval))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the sweep and every armed timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	for id := range s.timers {
		s.cancelLocked(id)
	}
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (s *Scheduler) notify(ctx context.Context, closed int) {
	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()
	for _, o := range observers {
		o(ctx, closed)
	}
}
