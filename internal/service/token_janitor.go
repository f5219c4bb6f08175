package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TokenPurger deletes bind tokens that can no longer be consumed.
type TokenPurger interface {
	PurgeBindTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// TokenJanitor periodically removes used and expired bind tokens
type TokenJanitor struct {
	store    TokenPurger
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

func NewTokenJanitor(store TokenPurger, interval time.Duration, logger *zap.Logger) *TokenJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &TokenJanitor{
		store:    store,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("token_janitor"),
	}
}

// Start sweeps once and then on every tick until Stop or ctx is done.
func (j *TokenJanitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done != nil {
		return
	}
	done, stopped := make(chan struct{}), make(chan struct{})
	j.done, j.stopped = done, stopped

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.logger.Info("Starting token janitor", zap.Duration("interval", j.interval))
		j.Sweep(ctx)
		for {
			select {
			case <-done:
				j.logger.Info("Token janitor stopped")
				return
			case <-ctx.Done():
				j.logger.Info("Token janitor stopped due to context cancellation")
				return
			case <-ticker.C:
				j.Sweep(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-progress sweep.
func (j *TokenJanitor) Stop() {
	j.mu.Lock()
	done, stopped := j.done, j.stopped
	j.done, j.stopped = nil, nil
	j.mu.Unlock()

	if done == nil {
		return
	}
	close(done)
	<-stopped
}

// Sweep runs one purge and returns how many tokens were removed.
func (j *TokenJanitor) Sweep(ctx context.Context) int64 {
	n, err := j.store.PurgeBindTokens(ctx, j.now())
	if err != nil {
		j.logger.Error("Failed to purge bind tokens", zap.Error(err))
		return 0
	}
	if n > 0 {
		j.logger.Debug("Purged bind tokens", zap.Int64("count", n))
	}
	return n
}
