package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Memory is an in-memory implementation of Store using maps with mutex protection.
//
// WARNING: This implementation is NOT durable. Rate limit windows, usage
// statistics and the interaction log are lost on restart, and each instance
// keeps its own copy.
//
// Use Memory only for:
//   - Local development and testing
//   - Single-instance deployments that accept losing statistics on restart
//
// For production, use Postgres (optionally with Redis for rate limits).
type Memory struct {
	clock quartz.Clock

	mu         sync.RWMutex
	rateLimits map[RateLimitKey]RateLimitEntry
	usage      map[UsageKey]*UsageRecord
	logs       []LogRecord
	logIndex   map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used to expire rate limit windows.
func WithMemoryClock(clock quartz.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// NewMemory creates a new in-memory store with automatic cleanup of expired
// rate limit windows. A background ticker runs every minute to remove them.
//
// Important: You must call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:      quartz.NewReal(),
		rateLimits: make(map[RateLimitKey]RateLimitEntry),
		usage:      make(map[UsageKey]*UsageRecord),
		logIndex:   make(map[string]int),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	w := m.clock.TickerFunc(ctx, time.Minute, func() error {
		m.runCleanup()
		return nil
	}, "store", "memory", "cleanup")
	go func() {
		_ = w.Wait()
		close(m.done)
	}()
	return m
}

// LoadRateLimit returns the stored window for key, or nil if none is stored.
// Expired windows are returned as stored; the limiter resets them.
func (m *Memory) LoadRateLimit(_ context.Context, key RateLimitKey) (*RateLimitEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.rateLimits[key]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// SaveRateLimit stores entry unless a newer snapshot is already stored.
func (m *Memory) SaveRateLimit(_ context.Context, key RateLimitKey, entry RateLimitEntry) error {
	if err := key.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.rateLimits[key]; ok && !entry.Newer(prev) {
		return nil
	}
	m.rateLimits[key] = entry
	return nil
}

// UpsertUsage atomically adds delta to the row for key, creating it when
// delta.Count > 0.
func (m *Memory) UpsertUsage(_ context.Context, key UsageKey, delta UsageDelta, at time.Time) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := delta.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.usage[key]
	if !ok {
		if delta.Count == 0 {
			return fmt.Errorf("usage %s: %w", key, ErrNotFound)
		}
		rec = &UsageRecord{UsageKey: key}
		m.usage[key] = rec
	}
	rec.Count += delta.Count
	rec.TotalDuration += delta.Duration
	rec.FailureCount += delta.Failures
	rec.LastUsed = at
	return nil
}

// QueryTopUsage returns at most n records ordered by CompareUsage.
func (m *Memory) QueryTopUsage(_ context.Context, n int) ([]UsageRecord, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive, got %d", ErrInvalidInput, n)
	}

	records := m.snapshotUsage(UsageFilter{})
	slices.SortFunc(records, CompareUsage)
	if len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// QueryUsage returns every record matching filter ordered by CompareUsage.
func (m *Memory) QueryUsage(_ context.Context, filter UsageFilter) ([]UsageRecord, error) {
	records := m.snapshotUsage(filter)
	slices.SortFunc(records, CompareUsage)
	return records, nil
}

// AppendLog appends rec to the log.
func (m *Memory) AppendLog(_ context.Context, rec LogRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: log id is required", ErrInvalidInput)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.logIndex[rec.ID]; exists {
		return fmt.Errorf("log %s: %w", rec.ID, ErrConflict)
	}
	if rec.Status == "" {
		rec.Status = LogPending
	}
	m.logIndex[rec.ID] = len(m.logs)
	m.logs = append(m.logs, rec)
	return nil
}

// CompleteLog transitions the pending record id to completed.
func (m *Memory) CompleteLog(_ context.Context, id string, c LogCompletion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.logIndex[id]
	if !ok || m.logs[i].Status != LogPending {
		return fmt.Errorf("pending log %s: %w", id, ErrNotFound)
	}
	rec := &m.logs[i]
	rec.Duration = c.Duration
	rec.Success = c.Success
	rec.ErrorKind = c.ErrorKind
	rec.Status = LogCompleted
	return nil
}

// QueryLogs returns records matching filter, newest first.
func (m *Memory) QueryLogs(_ context.Context, filter LogFilter) ([]LogRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LogRecord
	for i := len(m.logs) - 1; i >= 0; i-- {
		rec := m.logs[i]
		if filter.ActionClass != "" && rec.ActionClass != filter.ActionClass {
			continue
		}
		if filter.ScopeID != nil && rec.ScopeID != *filter.ScopeID {
			continue
		}
		out = append(out, rec)
	}
	slices.SortStableFunc(out, func(a, b LogRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Close stops the background cleanup ticker and releases resources.
func (m *Memory) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *Memory) snapshotUsage(filter UsageFilter) []UsageRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]UsageRecord, 0, len(m.usage))
	for key, rec := range m.usage {
		if filter.ActionClass != "" && key.ActionClass != filter.ActionClass {
			continue
		}
		if filter.ScopeID != nil && key.ScopeID != *filter.ScopeID {
			continue
		}
		records = append(records, *rec)
	}
	return records
}

func (m *Memory) expired(entry RateLimitEntry) bool {
	return m.clock.Now().After(entry.WindowStart.Add(entry.Window))
}

// runCleanup executes a single cleanup cycle, removing expired rate limit windows.
func (m *Memory) runCleanup() {
	var expiredKeys []RateLimitKey

	m.mu.RLock()
	for key, entry := range m.rateLimits {
		if m.expired(entry) {
			expiredKeys = append(expiredKeys, key)
		}
	}
	m.mu.RUnlock()

	if len(expiredKeys) > 0 {
		m.mu.Lock()
		for _, key := range expiredKeys {
			if entry, exists := m.rateLimits[key]; exists && m.expired(entry) {
				delete(m.rateLimits, key)
			}
		}
		m.mu.Unlock()
	}
}
