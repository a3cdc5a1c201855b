// Package ratelimit implements a fixed-window admission limiter keyed by
// (subject, action class).
//
// Windows live in a sharded in-memory map owned by one Limiter. Each key has
// its own lock, so admissions for the same key are decided one at a time in
// the order they acquire it, and different keys never wait on each other.
// A store.RateLimitStore, when configured, receives a snapshot after every
// admitted request and is read once per key to restore a window after a
// restart.
//
//	lim := ratelimit.New(
//		ratelimit.WithStore(st),
//		ratelimit.WithPolicy(5, time.Minute),
//	)
//	defer lim.Close(context.Background())
//
//	d, err := lim.Admit(ctx, userID, "slash_command")
//	if err == nil && !d.Allowed {
//		// tell the user to try again later
//	}
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/coder/quartz"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/tally/metrics"
	"github.com/nhalm/tally/store"
)

// WriteBack controls when admitted windows are persisted.
type WriteBack int

const (
	// WriteBackAsync hands snapshots to a background flusher (default).
	// Only the newest snapshot per key is written.
	WriteBackAsync WriteBack = iota

	// WriteBackSync persists inside the key's critical section before Admit returns.
	// Restarts lose nothing, at the cost of a store round trip per admission.
	WriteBackSync

	// WriteBackNone never persists; windows are lost on restart.
	WriteBackNone
)

// Policy is the limit applied to one action class.
type Policy struct {
	Limit  int64
	Window time.Duration
}

// DefaultPolicy allows 5 admissions per 60 second window.
var DefaultPolicy = Policy{Limit: 5, Window: time.Minute}

// Decision is the outcome of one Admit call.
type Decision struct {
	Allowed   bool
	Hits      int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns how long until the window resets, at least one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	return max(d.ResetAt.Sub(now), time.Second)
}

type entry struct {
	mu          sync.Mutex
	loaded      bool
	evicted     bool
	hits        int64
	windowStart time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[store.RateLimitKey]*entry
}

// Limiter decides admissions. Create it with New and stop it with Close.
type Limiter struct {
	store        store.RateLimitStore
	clock        quartz.Clock
	metrics      *metrics.Metrics
	policy       Policy
	classes      map[string]Policy
	writeBack    WriteBack
	restore      bool
	storeTimeout time.Duration
	sweepEvery   time.Duration
	grace        time.Duration

	shards []*shard

	pendingMu sync.Mutex
	pending   map[store.RateLimitKey]store.RateLimitEntry
	flushCh   chan struct{}

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore sets the durable store windows are written to and restored from.
func WithStore(st store.RateLimitStore) Option {
	return func(l *Limiter) {
		l.store = st
	}
}

// WithClock sets the clock. Tests pass a quartz mock.
func WithClock(clock quartz.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// WithMetrics reports store failures and the entry count.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// WithPolicy sets the default limit and window.
func WithPolicy(limit int64, window time.Duration) Option {
	return func(l *Limiter) {
		l.policy = Policy{Limit: limit, Window: window}
	}
}

// WithClassPolicy overrides the policy for one action class.
func WithClassPolicy(actionClass string, p Policy) Option {
	return func(l *Limiter) {
		l.classes[actionClass] = p
	}
}

// WithWriteBack sets the persistence policy (default: WriteBackAsync).
func WithWriteBack(mode WriteBack) Option {
	return func(l *Limiter) {
		l.writeBack = mode
	}
}

// WithRestore controls whether a key's window is loaded from the store the
// first time the key is seen (default: true).
func WithRestore(enabled bool) Option {
	return func(l *Limiter) {
		l.restore = enabled
	}
}

// WithStoreTimeout bounds every store call (default: 2s).
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.storeTimeout = d
	}
}

// WithShards sets the number of map shards (default: 32).
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shards = make([]*shard, n)
		}
	}
}

// WithSweep sets how often cold windows are evicted and how long after its
// window ends an entry is kept (default: every minute, 5 minute grace).
// An interval of zero disables the background sweep; Sweep can still be called.
func WithSweep(interval, grace time.Duration) Option {
	return func(l *Limiter) {
		l.sweepEvery = interval
		l.grace = grace
	}
}

// New creates a Limiter and starts its background goroutines.
//
// Important: You must call Close() when done to stop them and flush
// pending writes.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		clock:        quartz.NewReal(),
		policy:       DefaultPolicy,
		classes:      make(map[string]Policy),
		restore:      true,
		storeTimeout: 2 * time.Second,
		sweepEvery:   time.Minute,
		grace:        5 * time.Minute,
		shards:       make([]*shard, 32),
		pending:      make(map[store.RateLimitKey]store.RateLimitEntry),
		flushCh:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	for i := range l.shards {
		l.shards[i] = &shard{entries: make(map[store.RateLimitKey]*entry)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	if l.store != nil && l.writeBack == WriteBackAsync {
		l.wg.Add(1)
		go l.flushLoop(ctx)
	}
	if l.sweepEvery > 0 {
		w := l.clock.TickerFunc(ctx, l.sweepEvery, func() error {
			l.Sweep()
			return nil
		}, "ratelimit", "sweep")
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			_ = w.Wait()
		}()
	}
	return l
}

// PolicyFor returns the policy applied to actionClass.
func (l *Limiter) PolicyFor(actionClass string) Policy {
	if p, ok := l.classes[actionClass]; ok {
		return p
	}
	return l.policy
}

// Admit decides whether subjectID may perform an action of actionClass now.
// A denial does not consume a hit. Store failures never change the decision;
// the only error is store.ErrInvalidInput for a malformed key.
func (l *Limiter) Admit(ctx context.Context, subjectID int64, actionClass string) (Decision, error) {
	key := store.RateLimitKey{SubjectID: subjectID, ActionClass: actionClass}
	if err := key.Validate(); err != nil {
		return Decision{}, err
	}
	policy := l.PolicyFor(actionClass)

	for {
		e := l.entry(key)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if !e.loaded {
			l.restoreEntry(ctx, key, e)
			e.loaded = true
		}

		now := l.clock.Now()
		if e.windowStart.IsZero() || now.Sub(e.windowStart) > policy.Window {
			e.hits = 0
			e.windowStart = now
		}

		d := Decision{
			Limit:   policy.Limit,
			ResetAt: e.windowStart.Add(policy.Window),
		}
		if e.hits >= policy.Limit {
			d.Hits = e.hits
			e.mu.Unlock()
			return d, nil
		}

		e.hits++
		d.Allowed = true
		d.Hits = e.hits
		d.Remaining = policy.Limit - e.hits

		snapshot := store.RateLimitEntry{
			Hits:        e.hits,
			WindowStart: e.windowStart,
			Window:      policy.Window,
			Limit:       policy.Limit,
		}
		if l.store != nil && l.writeBack == WriteBackSync {
			l.save(ctx, key, snapshot)
		}
		e.mu.Unlock()

		if l.store != nil && l.writeBack == WriteBackAsync {
			l.enqueue(key, snapshot)
		}
		return d, nil
	}
}

// Len returns the number of windows held in memory.
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

// Sweep evicts windows that ended more than the grace period ago and returns
// how many were removed. Entries busy in Admit are skipped until the next sweep.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	evicted, remaining := 0, 0

	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if !e.mu.TryLock() {
				continue
			}
			if now.Sub(e.windowStart) > l.PolicyFor(key.ActionClass).Window+l.grace {
				e.evicted = true
				delete(s.entries, key)
				evicted++
			}
			e.mu.Unlock()
		}
		remaining += len(s.entries)
		s.mu.Unlock()
	}

	l.metrics.SetRateLimitEntries(remaining)
	return evicted
}

// Close stops background goroutines and writes any pending snapshots,
// giving up when ctx ends. It is safe to call more than once.
func (l *Limiter) Close(ctx context.Context) error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		err = l.flush(ctx)
	})
	return err
}

func (l *Limiter) entry(key store.RateLimitKey) *entry {
	s := l.shards[xxhash.Sum64String(key.String())%uint64(len(l.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	return e
}

// restoreEntry loads a persisted window into e. Failures leave e empty.
func (l *Limiter) restoreEntry(ctx context.Context, key store.RateLimitKey, e *entry) {
	if l.store == nil || !l.restore {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.storeTimeout)
	defer cancel()

	stored, err := l.store.LoadRateLimit(ctx, key)
	if err != nil {
		l.logFailure("load_rate_limit", key, err)
		return
	}
	if stored != nil {
		e.hits = stored.Hits
		e.windowStart = stored.WindowStart
	}
}

func (l *Limiter) save(ctx context.Context, key store.RateLimitKey, snapshot store.RateLimitEntry) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.storeTimeout)
	defer cancel()

	if err := l.store.SaveRateLimit(ctx, key, snapshot); err != nil {
		l.logFailure("save_rate_limit", key, err)
		return err
	}
	return nil
}

func (l *Limiter) enqueue(key store.RateLimitKey, snapshot store.RateLimitEntry) {
	l.pendingMu.Lock()
	if prev, ok := l.pending[key]; !ok || snapshot.Newer(prev) {
		l.pending[key] = snapshot
	}
	l.pendingMu.Unlock()

	select {
	case l.flushCh <- struct{}{}:
	default:
	}
}

func (l *Limiter) flushLoop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.flushCh:
			_ = l.flush(context.Background())
		}
	}
}

// flush writes every pending snapshot. Snapshots that fail are dropped; the
// next admission for the key queues a fresh one.
func (l *Limiter) flush(ctx context.Context) error {
	l.pendingMu.Lock()
	batch := l.pending
	l.pending = make(map[store.RateLimitKey]store.RateLimitEntry)
	l.pendingMu.Unlock()

	var errs []error
	for key, snapshot := range batch {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := l.save(ctx, key, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *Limiter) logFailure(op string, key store.RateLimitKey, err error) {
	l.metrics.StoreFailure(op)

	ctx := canonlog.NewContext(context.Background())
	canonlog.InfoAddMany(ctx, map[string]any{
		"event":        "ratelimit_store",
		"op":           op,
		"subject_id":   key.SubjectID,
		"action_class": key.ActionClass,
	})
	canonlog.ErrorAdd(ctx, err)
	canonlog.Flush(ctx)
}
