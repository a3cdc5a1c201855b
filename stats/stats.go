// Package stats aggregates per-action usage counters on top of a store.UsageStore.
//
// Every write is a single atomic upsert at the store boundary, so concurrent
// records for the same key never lose an increment.
package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/nhalm/tally/store"
)

// Aggregator records usage and answers top-N queries.
type Aggregator struct {
	store   store.UsageStore
	clock   quartz.Clock
	timeout time.Duration
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock sets the clock used for last_used. Tests pass a quartz mock.
func WithClock(clock quartz.Clock) Option {
	return func(a *Aggregator) {
		a.clock = clock
	}
}

// WithTimeout bounds every store call (default: 2s).
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		a.timeout = d
	}
}

// New creates an Aggregator writing to st.
func New(st store.UsageStore, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:   st,
		clock:   quartz.NewReal(),
		timeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record adds one use of key: count += 1, total_duration += duration,
// failure_count += 1 when !success, last_used = now.
func (a *Aggregator) Record(ctx context.Context, key store.UsageKey, duration time.Duration, success bool) error {
	return a.apply(ctx, key, delta(1, duration, success))
}

// Attribute adds the outcome of an already recorded use without counting it
// again. Returns store.ErrNotFound when Record has not landed for key yet.
func (a *Aggregator) Attribute(ctx context.Context, key store.UsageKey, duration time.Duration, success bool) error {
	return a.apply(ctx, key, delta(0, duration, success))
}

// Apply writes an arbitrary delta. The retry queue uses it to replay
// writes that failed.
func (a *Aggregator) Apply(ctx context.Context, key store.UsageKey, d store.UsageDelta) error {
	return a.apply(ctx, key, d)
}

// Top returns the n most used keys: count descending, then most recently
// used, then key ascending.
func (a *Aggregator) Top(ctx context.Context, n int) ([]store.UsageRecord, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive, got %d", store.ErrInvalidInput, n)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.QueryTopUsage(ctx, n)
}

// Query returns usage rows for one action class and/or scope.
func (a *Aggregator) Query(ctx context.Context, filter store.UsageFilter) ([]store.UsageRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.QueryUsage(ctx, filter)
}

// apply upserts d, retrying once on ErrConflict. A second conflict is
// reported as ErrUnavailable.
func (a *Aggregator) apply(ctx context.Context, key store.UsageKey, d store.UsageDelta) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}

	now := a.clock.Now()
	err := a.upsert(ctx, key, d, now)
	if !errors.Is(err, store.ErrConflict) {
		return err
	}

	err = a.upsert(ctx, key, d, now)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("usage %s: repeated conflict: %w: %w", key, store.ErrUnavailable, err)
	}
	return err
}

func (a *Aggregator) upsert(ctx context.Context, key store.UsageKey, d store.UsageDelta, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.store.UpsertUsage(ctx, key, d, at)
}

func delta(count int64, duration time.Duration, success bool) store.UsageDelta {
	d := store.UsageDelta{Count: count, Duration: duration}
	if !success {
		d.Failures = 1
	}
	return d
}
