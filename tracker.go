package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/tally/metrics"
	"github.com/nhalm/tally/ratelimit"
	"github.com/nhalm/tally/retry"
	"github.com/nhalm/tally/stats"
	"github.com/nhalm/tally/store"
)

// maxErrorKindLen is counted in characters, like the varchar column.
const maxErrorKindLen = 100

// Interaction is the handle of an admitted interaction, passed back to
// ReportCompletion or Finish when the work is done.
type Interaction struct {
	ID        string
	Kind      Kind
	ActionID  string
	SubjectID int64
	ScopeID   int64
	StartedAt time.Time

	completed atomic.Bool
}

func (i *Interaction) usageKey() store.UsageKey {
	return store.UsageKey{ActionClass: string(i.Kind), ActionID: i.ActionID, ScopeID: i.ScopeID}
}

// TrackResult is the outcome of Track.
type TrackResult struct {
	// Admitted is false when the rate limiter denied the interaction.
	Admitted bool

	// Interaction is set when Admitted.
	Interaction *Interaction

	// Decision carries the window state, for "try again in N seconds" replies.
	Decision ratelimit.Decision

	// StoreErr is a soft failure: the interaction was admitted but its log
	// record or statistics could not be written and were queued for replay.
	StoreErr error
}

type trackInput struct {
	Kind      Kind   `validate:"required,oneof=slash_command button modal autocomplete"`
	ActionID  string `validate:"required,max=100"`
	SubjectID int64  `validate:"gte=0"`
	ScopeID   int64  `validate:"gte=0"`
}

// Tracker is the entry point for inbound interactions.
type Tracker struct {
	limiter    *ratelimit.Limiter
	stats      *stats.Aggregator
	logs       store.LogStore
	retry      *retry.Queue
	metrics    *metrics.Metrics
	clock      quartz.Clock
	timeout    time.Duration
	pendingTTL time.Duration
	slos       map[Kind]sloConfig
	validate   *validator.Validate

	mu       sync.Mutex
	inflight map[string]*Interaction

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock. Tests pass a quartz mock.
func WithClock(clock quartz.Clock) Option {
	return func(t *Tracker) {
		t.clock = clock
	}
}

// WithMetrics records admissions, denials, durations and SLO results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithRetry replays failed log and statistics writes through q.
// Without it failed writes are only logged.
func WithRetry(q *retry.Queue) Option {
	return func(t *Tracker) {
		t.retry = q
	}
}

// WithStoreTimeout bounds every log store call (default: 2s).
func WithStoreTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.timeout = d
	}
}

// WithPendingTTL sets how long an uncompleted interaction stays resolvable
// through Lookup (default: 15m). Zero keeps them until completed.
func WithPendingTTL(d time.Duration) Option {
	return func(t *Tracker) {
		t.pendingTTL = d
	}
}

// WithSLO sets the tier of kind.
func WithSLO(kind Kind, tier SLOTier) Option {
	return func(t *Tracker) {
		if target, ok := tier.Target(); ok {
			t.slos[kind] = sloConfig{tier: tier, target: target}
		}
	}
}

// WithSLOTarget sets a custom latency target for kind. The tier is logged as "custom".
func WithSLOTarget(kind Kind, target time.Duration) Option {
	return func(t *Tracker) {
		t.slos[kind] = sloConfig{tier: SLOCustom, target: target}
	}
}

// New creates a Tracker. The limiter, aggregator, logs and retry queue are
// owned by the caller and must be closed by it.
//
// Important: You must call Close() to stop the pending interaction sweep.
func New(limiter *ratelimit.Limiter, agg *stats.Aggregator, logs store.LogStore, opts ...Option) *Tracker {
	t := &Tracker{
		limiter:    limiter,
		stats:      agg,
		logs:       logs,
		clock:      quartz.NewReal(),
		timeout:    2 * time.Second,
		pendingTTL: 15 * time.Minute,
		slos:       defaultSLOs(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		inflight:   make(map[string]*Interaction),
	}
	for _, opt := range opts {
		opt(t)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	if t.pendingTTL > 0 {
		w := t.clock.TickerFunc(ctx, t.pendingTTL, func() error {
			t.expirePending()
			return nil
		}, "tracker", "pending")
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			_ = w.Wait()
		}()
	}
	return t
}

// TrackSlashCommand tracks a slash command invocation.
func (t *Tracker) TrackSlashCommand(ctx context.Context, name string, subjectID, scopeID int64) (TrackResult, error) {
	return t.Track(ctx, KindSlashCommand, name, subjectID, scopeID)
}

// TrackButton tracks a button click.
func (t *Tracker) TrackButton(ctx context.Context, customID string, subjectID, scopeID int64) (TrackResult, error) {
	return t.Track(ctx, KindButton, customID, subjectID, scopeID)
}

// TrackModal tracks a modal submission.
func (t *Tracker) TrackModal(ctx context.Context, customID string, subjectID, scopeID int64) (TrackResult, error) {
	return t.Track(ctx, KindModal, customID, subjectID, scopeID)
}

// TrackAutocomplete tracks an autocomplete request.
func (t *Tracker) TrackAutocomplete(ctx context.Context, name string, subjectID, scopeID int64) (TrackResult, error) {
	return t.Track(ctx, KindAutocomplete, name, subjectID, scopeID)
}

// Track asks the rate limiter whether the interaction may proceed. When it
// is admitted, a pending log record is appended and its statistics row is
// incremented. The only error is ErrInvalidInput; a denial is a result with
// Admitted false.
func (t *Tracker) Track(ctx context.Context, kind Kind, actionID string, subjectID, scopeID int64) (TrackResult, error) {
	in := trackInput{Kind: kind, ActionID: actionID, SubjectID: subjectID, ScopeID: scopeID}
	if err := t.validate.Struct(in); err != nil {
		return TrackResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	ctx, flush := logContext(ctx)
	defer flush()

	canonlog.InfoAddMany(ctx, map[string]any{
		"interaction_kind": string(kind),
		"action_id":        actionID,
		"subject_id":       subjectID,
		"scope_id":         scopeID,
	})

	d, err := t.limiter.Admit(ctx, subjectID, string(kind))
	if err != nil {
		canonlog.ErrorAdd(ctx, err)
		return TrackResult{}, err
	}
	canonlog.InfoAdd(ctx, "admitted", d.Allowed)

	if !d.Allowed {
		t.metrics.Denied(string(kind))
		return TrackResult{Decision: d}, nil
	}
	t.metrics.Admitted(string(kind))

	h := &Interaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		ActionID:  actionID,
		SubjectID: subjectID,
		ScopeID:   scopeID,
		StartedAt: t.clock.Now(),
	}
	canonlog.InfoAdd(ctx, "interaction_id", h.ID)

	rec := store.LogRecord{
		ID:          h.ID,
		ActionClass: string(kind),
		ActionID:    actionID,
		SubjectID:   subjectID,
		ScopeID:     scopeID,
		Timestamp:   h.StartedAt,
		Success:     true,
		Status:      store.LogPending,
	}

	var errs []error
	if err := t.appendLog(ctx, rec); err != nil {
		errs = append(errs, err)
		t.replay("append_log", func(ctx context.Context) error {
			return ignoreConflict(t.logs.AppendLog(ctx, rec))
		})
	}

	key := h.usageKey()
	if err := t.stats.Record(ctx, key, 0, true); err != nil {
		t.metrics.StoreFailure("upsert_usage")
		errs = append(errs, err)
		t.replay("upsert_usage", func(ctx context.Context) error {
			return t.stats.Apply(ctx, key, store.UsageDelta{Count: 1})
		})
	}

	t.mu.Lock()
	t.inflight[h.ID] = h
	t.mu.Unlock()

	storeErr := errors.Join(errs...)
	if storeErr != nil {
		canonlog.InfoAdd(ctx, "degraded", true)
		canonlog.ErrorAdd(ctx, storeErr)
	}
	return TrackResult{Admitted: true, Interaction: h, Decision: d, StoreErr: storeErr}, nil
}

// ReportCompletion records the outcome of an admitted interaction: the log
// record is completed and the duration and failure are added to its
// statistics without counting it again. Completing twice is
// ErrAlreadyCompleted; bad arguments are ErrInvalidInput.
// Any other error is a soft failure already queued for replay.
func (t *Tracker) ReportCompletion(ctx context.Context, h *Interaction, duration time.Duration, success bool, errorKind string) error {
	if h == nil {
		return fmt.Errorf("%w: interaction is required", ErrInvalidInput)
	}
	if duration < 0 {
		return fmt.Errorf("%w: duration must be non-negative, got %v", ErrInvalidInput, duration)
	}
	if !h.completed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, h.ID)
	}

	t.mu.Lock()
	delete(t.inflight, h.ID)
	t.mu.Unlock()

	if success {
		errorKind = ""
	}
	errorKind = truncateErrorKind(errorKind)

	ctx, flush := logContext(ctx)
	defer flush()

	kind := string(h.Kind)
	canonlog.InfoAddMany(ctx, map[string]any{
		"interaction_id":   h.ID,
		"interaction_kind": kind,
		"action_id":        h.ActionID,
		"duration_ms":      duration.Milliseconds(),
		"success":          success,
	})
	if errorKind != "" {
		canonlog.InfoAdd(ctx, "error_kind", errorKind)
	}

	t.metrics.Completed(kind, duration, success)
	if slo, ok := t.slos[h.Kind]; ok {
		status := sloStatus(duration, slo.target)
		canonlog.InfoAdd(ctx, "slo_class", string(slo.tier))
		canonlog.InfoAdd(ctx, "slo_status", status)
		t.metrics.SLO(kind, status)
	}

	completion := store.LogCompletion{Duration: duration, Success: success, ErrorKind: errorKind}
	var errs []error
	if err := t.completeLog(ctx, h.ID, completion); err != nil {
		errs = append(errs, err)
		t.replay("complete_log", func(ctx context.Context) error {
			return t.logs.CompleteLog(ctx, h.ID, completion)
		})
	}

	key := h.usageKey()
	if err := t.stats.Attribute(ctx, key, duration, success); err != nil {
		t.metrics.StoreFailure("attribute_usage")
		errs = append(errs, err)
		t.replay("attribute_usage", func(ctx context.Context) error {
			return t.stats.Attribute(ctx, key, duration, success)
		})
	}

	err := errors.Join(errs...)
	if err != nil {
		canonlog.ErrorAdd(ctx, err)
	}
	return err
}

// Finish completes h with the time elapsed since it was admitted. A nil
// runErr is a success; otherwise runErr's message becomes the error kind.
func (t *Tracker) Finish(ctx context.Context, h *Interaction, runErr error) error {
	if h == nil {
		return fmt.Errorf("%w: interaction is required", ErrInvalidInput)
	}
	var kind string
	if runErr != nil {
		kind = runErr.Error()
	}
	return t.ReportCompletion(ctx, h, t.clock.Since(h.StartedAt), runErr == nil, kind)
}

// Lookup returns the in-flight interaction with id.
func (t *Tracker) Lookup(id string) (*Interaction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.inflight[id]
	return h, ok
}

// Pending returns the number of admitted interactions not yet completed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// TopStats returns the n most used actions.
func (t *Tracker) TopStats(ctx context.Context, n int) ([]store.UsageRecord, error) {
	return t.stats.Top(ctx, n)
}

// Stats returns usage rows for one action class and/or scope.
func (t *Tracker) Stats(ctx context.Context, filter store.UsageFilter) ([]store.UsageRecord, error) {
	return t.stats.Query(ctx, filter)
}

// Logs returns interaction log records, newest first.
func (t *Tracker) Logs(ctx context.Context, filter store.LogFilter) ([]store.LogRecord, error) {
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative, got %d", ErrInvalidInput, filter.Limit)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.logs.QueryLogs(ctx, filter)
}

// Close stops the pending interaction sweep. It does not close the
// limiter, the stores or the retry queue.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.wg.Wait()
	})
	return nil
}

func (t *Tracker) appendLog(ctx context.Context, rec store.LogRecord) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.logs.AppendLog(ctx, rec); err != nil {
		t.metrics.StoreFailure("append_log")
		return err
	}
	return nil
}

func (t *Tracker) completeLog(ctx context.Context, id string, c store.LogCompletion) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.logs.CompleteLog(ctx, id, c); err != nil {
		t.metrics.StoreFailure("complete_log")
		return err
	}
	return nil
}

func (t *Tracker) replay(op string, fn func(context.Context) error) {
	if t.retry == nil {
		return
	}
	_ = t.retry.Submit(op, fn)
}

// expirePending forgets interactions older than the pending TTL. Their log
// records stay pending.
func (t *Tracker) expirePending() {
	cutoff := t.clock.Now().Add(-t.pendingTTL)

	t.mu.Lock()
	expired := 0
	for id, h := range t.inflight {
		if h.StartedAt.Before(cutoff) {
			delete(t.inflight, id)
			expired++
		}
	}
	t.mu.Unlock()

	if expired > 0 {
		ctx := canonlog.NewContext(context.Background())
		canonlog.InfoAddMany(ctx, map[string]any{
			"event":   "pending_expired",
			"expired": expired,
		})
		canonlog.Flush(ctx)
	}
}

// logContext adds to the caller's canonical log line when there is one,
// otherwise it starts a line that the returned func flushes.
func logContext(ctx context.Context) (context.Context, func()) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		return ctx, func() {}
	}
	ctx = canonlog.NewContext(ctx)
	return ctx, func() { canonlog.Flush(ctx) }
}

func ignoreConflict(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// truncateErrorKind drops invalid UTF-8 and keeps at most maxErrorKindLen
// runes.
func truncateErrorKind(s string) string {
	s = strings.ToValidUTF8(s, "")
	if utf8.RuneCountInString(s) <= maxErrorKindLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxErrorKindLen {
			return s[:i]
		}
		n++
	}
	return s
}
