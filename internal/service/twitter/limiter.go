package twitter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Clock abstracts time so waits can be simulated in tests.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns a Clock backed by the real wall clock.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter spaces outbound calls at least minInterval apart. The call itself
// runs while the limiter is held, so concurrent callers observe the spacing
// between the real network requests and not only between their waits.
type Limiter struct {
	mu          sync.Mutex
	clock       Clock
	minInterval time.Duration
	last        time.Time
	notBefore   time.Time
}

func NewLimiter(minInterval time.Duration, clock Clock) *Limiter {
	if clock == nil {
		clock = SystemClock()
	}
	return &Limiter{
		clock:       clock,
		minInterval: minInterval,
	}
}

func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// backoffError is returned by a call whose upstream asked every caller to
// hold back for a while.
type backoffError interface {
	error
	Backoff() time.Duration
}

// Do waits for the next free slot, records it and runs fn. When fn returns a
// backoffError the next slot moves out before the limiter is released, so
// callers already queued behind this one honor the backoff too.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait := l.nextSlot().Sub(l.clock.Now()); wait > 0 {
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.last = l.clock.Now()
	err := fn()

	var be backoffError
	if errors.As(err, &be) && be.Backoff() > 0 {
		l.hold(be.Backoff())
	}
	return err
}

// hold pushes the next slot to at least minInterval, or d if longer, from
// now. The caller holds l.mu.
func (l *Limiter) hold(d time.Duration) {
	if d < l.minInterval {
		d = l.minInterval
	}
	if t := l.clock.Now().Add(d); t.After(l.notBefore) {
		l.notBefore = t
	}
}

func (l *Limiter) nextSlot() time.Time {
	var next time.Time
	if !l.last.IsZero() {
		next = l.last.Add(l.minInterval)
	}
	if l.notBefore.After(next) {
		next = l.notBefore
	}
	return next
}
