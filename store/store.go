// Package store defines the durable store contracts used by the rate limiter,
// the statistics aggregator and the interaction log, along with in-memory,
// Redis and Postgres backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Error taxonomy shared by every backend. Backends wrap these with context,
// callers test them with errors.Is.
var (
	// ErrUnavailable means the store could not be reached or did not answer in time.
	ErrUnavailable = errors.New("store unavailable")

	// ErrConflict means a concurrent insert won a race for the same key.
	ErrConflict = errors.New("key conflict")

	// ErrInvalidInput means a key or argument failed validation before any state was touched.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound means an amendment targeted a row that does not exist yet.
	ErrNotFound = errors.New("not found")
)

// RateLimitKey identifies one fixed window: who is acting and which kind of action.
type RateLimitKey struct {
	SubjectID   int64
	ActionClass string
}

// Validate reports ErrInvalidInput when a key dimension is missing.
func (k RateLimitKey) Validate() error {
	if k.SubjectID < 0 {
		return fmt.Errorf("%w: subject id must be non-negative, got %d", ErrInvalidInput, k.SubjectID)
	}
	if k.ActionClass == "" {
		return fmt.Errorf("%w: action class is required", ErrInvalidInput)
	}
	return nil
}

func (k RateLimitKey) String() string {
	return k.ActionClass + ":" + strconv.FormatInt(k.SubjectID, 10)
}

// RateLimitEntry is the persisted state of one window.
type RateLimitEntry struct {
	Hits        int64
	WindowStart time.Time
	Window      time.Duration
	Limit       int64
}

// Newer reports whether e should replace prev. Snapshots are monotonic:
// a later window wins, and within one window more hits win.
func (e RateLimitEntry) Newer(prev RateLimitEntry) bool {
	if e.WindowStart.After(prev.WindowStart) {
		return true
	}
	return e.WindowStart.Equal(prev.WindowStart) && e.Hits >= prev.Hits
}

// UsageKey identifies one usage statistics row.
type UsageKey struct {
	ActionClass string
	ActionID    string
	ScopeID     int64
}

// Validate reports ErrInvalidInput when a key dimension is missing.
func (k UsageKey) Validate() error {
	if k.ActionClass == "" {
		return fmt.Errorf("%w: action class is required", ErrInvalidInput)
	}
	if k.ActionID == "" {
		return fmt.Errorf("%w: action id is required", ErrInvalidInput)
	}
	if k.ScopeID < 0 {
		return fmt.Errorf("%w: scope id must be non-negative, got %d", ErrInvalidInput, k.ScopeID)
	}
	return nil
}

func (k UsageKey) String() string {
	return k.ActionClass + ":" + k.ActionID + ":" + strconv.FormatInt(k.ScopeID, 10)
}

// UsageDelta is added to a usage row in a single atomic upsert.
// A delta with Count == 0 only amends an existing row; backends return
// ErrNotFound instead of creating one.
type UsageDelta struct {
	Count    int64
	Duration time.Duration
	Failures int64
}

// Validate checks the delta keeps count >= failure_count >= 0.
func (d UsageDelta) Validate() error {
	if d.Count < 0 || d.Failures < 0 || d.Duration < 0 {
		return fmt.Errorf("%w: usage delta must be non-negative", ErrInvalidInput)
	}
	if d.Count > 0 && d.Failures > d.Count {
		return fmt.Errorf("%w: failures %d exceed count %d", ErrInvalidInput, d.Failures, d.Count)
	}
	return nil
}

// UsageRecord is the aggregated usage of one key.
type UsageRecord struct {
	UsageKey
	Count         int64
	TotalDuration time.Duration
	FailureCount  int64
	LastUsed      time.Time
}

// UsageFilter narrows QueryUsage. Zero fields match everything.
type UsageFilter struct {
	ActionClass string
	ScopeID     *int64
}

// LogStatus is the lifecycle state of an interaction log record.
type LogStatus string

const (
	LogPending   LogStatus = "pending"
	LogCompleted LogStatus = "completed"
)

// LogRecord is one tracked interaction.
type LogRecord struct {
	ID          string
	ActionClass string
	ActionID    string
	SubjectID   int64
	ScopeID     int64
	Timestamp   time.Time
	Duration    time.Duration
	Success     bool
	ErrorKind   string
	Status      LogStatus
}

// LogCompletion is the outcome recorded when a pending interaction finishes.
type LogCompletion struct {
	Duration  time.Duration
	Success   bool
	ErrorKind string
}

// LogFilter narrows QueryLogs. Results are newest first.
type LogFilter struct {
	ActionClass string
	ScopeID     *int64
	Limit       int
}

// RateLimitStore persists rate limit windows so a restart does not hand out a fresh quota.
type RateLimitStore interface {
	// LoadRateLimit returns nil, nil when no entry exists.
	LoadRateLimit(ctx context.Context, key RateLimitKey) (*RateLimitEntry, error)
	// SaveRateLimit keeps the newer of the stored and the given entry.
	SaveRateLimit(ctx context.Context, key RateLimitKey, entry RateLimitEntry) error
}

// UsageStore holds aggregated usage statistics.
type UsageStore interface {
	UpsertUsage(ctx context.Context, key UsageKey, delta UsageDelta, at time.Time) error
	QueryTopUsage(ctx context.Context, n int) ([]UsageRecord, error)
	QueryUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error)
}

// LogStore holds the interaction log.
type LogStore interface {
	AppendLog(ctx context.Context, rec LogRecord) error
	// CompleteLog transitions a pending record to completed. ErrNotFound when
	// no pending record with that id exists.
	CompleteLog(ctx context.Context, id string, c LogCompletion) error
	QueryLogs(ctx context.Context, filter LogFilter) ([]LogRecord, error)
}

// Store is a backend implementing every contract.
type Store interface {
	RateLimitStore
	UsageStore
	LogStore
	Close() error
}

// CompareUsage orders usage records for top-N queries: count descending, then
// most recently used, then key ascending.
func CompareUsage(a, b UsageRecord) int {
	switch {
	case a.Count != b.Count:
		if a.Count > b.Count {
			return -1
		}
		return 1
	case !a.LastUsed.Equal(b.LastUsed):
		if a.LastUsed.After(b.LastUsed) {
			return -1
		}
		return 1
	case a.ActionClass != b.ActionClass:
		if a.ActionClass < b.ActionClass {
			return -1
		}
		return 1
	case a.ActionID != b.ActionID:
		if a.ActionID < b.ActionID {
			return -1
		}
		return 1
	case a.ScopeID != b.ScopeID:
		if a.ScopeID < b.ScopeID {
			return -1
		}
		return 1
	}
	return 0
}
