package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically expires subscriptions whose trial or billing period has
// ended. The access gate expires lazily on its own, so a stopped or delayed
// timer only leaves status columns stale for organizations nobody is using.
type Timer struct {
	service  *Service
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry sweeper. interval <= 0 defaults to 5 minutes.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		service:  service,
		interval: interval,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in subscription timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep expires one batch of lapsed subscriptions and returns how many rows
// it changed.
func (t *Timer) Sweep(ctx context.Context) int {
	lapsed, err := t.service.store.ListLapsed(ctx, t.service.now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list lapsed subscriptions", "error", err)
		return 0
	}

	expired := 0
	for _, sub := range lapsed {
		changed, err := t.service.expire(ctx, sub, SourceSweep)
		if err != nil {
			t.logger.Warn("failed to expire subscription",
				"subscription_id", sub.ID, "org_id", sub.OrganizationID, "error", err)
			continue
		}
		if changed {
			expired++
		}
	}
	if expired > 0 {
		t.logger.Info("expired lapsed subscriptions", "count", expired)
	}
	return expired
}
