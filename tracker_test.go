package tally_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/coder/quartz"
	"github.com/nhalm/tally"
	"github.com/nhalm/tally/metrics"
	"github.com/nhalm/tally/ratelimit"
	"github.com/nhalm/tally/retry"
	"github.com/nhalm/tally/stats"
	"github.com/nhalm/tally/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore fails log and usage writes while failing is set.
type flakyStore struct {
	*store.Memory
	failing atomic.Bool
}

func (f *flakyStore) AppendLog(ctx context.Context, rec store.LogRecord) error {
	if f.failing.Load() {
		return store.ErrUnavailable
	}
	return f.Memory.AppendLog(ctx, rec)
}

func (f *flakyStore) UpsertUsage(ctx context.Context, key store.UsageKey, d store.UsageDelta, at time.Time) error {
	if f.failing.Load() {
		return store.ErrUnavailable
	}
	return f.Memory.UpsertUsage(ctx, key, d, at)
}

type fixture struct {
	tracker *tally.Tracker
	store   *flakyStore
	clock   *quartz.Mock
	limiter *ratelimit.Limiter
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, opts ...tally.Option) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	mem := store.NewMemory()
	st := &flakyStore{Memory: mem}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	lim := ratelimit.New(
		ratelimit.WithClock(clock),
		ratelimit.WithSweep(0, 0),
		ratelimit.WithStore(st),
		ratelimit.WithWriteBack(ratelimit.WriteBackSync),
		ratelimit.WithMetrics(m),
	)
	q := retry.New(
		retry.WithRate(1000, 5),
		retry.WithMaxAttempts(10),
		retry.WithBackoff(10*time.Millisecond, 100*time.Millisecond),
		retry.WithMetrics(m),
	)
	agg := stats.New(st, stats.WithClock(clock))

	opts = append([]tally.Option{
		tally.WithClock(clock),
		tally.WithMetrics(m),
		tally.WithRetry(q),
	}, opts...)
	tr := tally.New(lim, agg, st, opts...)

	t.Cleanup(func() {
		ctx := context.Background()
		tr.Close()
		q.Close(ctx)
		lim.Close(ctx)
		mem.Close()
	})
	return &fixture{tracker: tr, store: st, clock: clock, limiter: lim, reg: reg}
}

func (f *fixture) logs(t *testing.T) []store.LogRecord {
	t.Helper()
	logs, err := f.store.QueryLogs(context.Background(), store.LogFilter{})
	if err != nil {
		t.Fatalf("QueryLogs() error = %v", err)
	}
	return logs
}

func (f *fixture) usage(t *testing.T) []store.UsageRecord {
	t.Helper()
	rows, err := f.store.QueryUsage(context.Background(), store.UsageFilter{})
	if err != nil {
		t.Fatalf("QueryUsage() error = %v", err)
	}
	return rows
}

func TestTracker_TrackAdmitsAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.tracker.TrackSlashCommand(ctx, "ping", 42, 7)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if !res.Admitted {
		t.Fatal("expected admission")
	}
	if res.StoreErr != nil {
		t.Errorf("StoreErr = %v, want nil", res.StoreErr)
	}
	if res.Interaction == nil || res.Interaction.ID == "" {
		t.Fatal("expected interaction handle")
	}

	logs := f.logs(t)
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	got := logs[0]
	if got.ID != res.Interaction.ID || got.Status != store.LogPending || got.Duration != 0 || !got.Success {
		t.Errorf("log = %+v", got)
	}
	if got.ActionClass != "slash_command" || got.ActionID != "ping" || got.SubjectID != 42 || got.ScopeID != 7 {
		t.Errorf("log key = %+v", got)
	}

	rows := f.usage(t)
	if len(rows) != 1 || rows[0].Count != 1 || rows[0].TotalDuration != 0 || rows[0].FailureCount != 0 {
		t.Errorf("usage = %+v, want one row with count 1", rows)
	}

	if h, ok := f.tracker.Lookup(res.Interaction.ID); !ok || h != res.Interaction {
		t.Error("expected Lookup to resolve the in-flight interaction")
	}
}

func TestTracker_EntryPointsUseTheirKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		track func() (tally.TrackResult, error)
		want  tally.Kind
	}{
		{name: "slash command", track: func() (tally.TrackResult, error) { return f.tracker.TrackSlashCommand(ctx, "ping", 1, 1) }, want: tally.KindSlashCommand},
		{name: "button", track: func() (tally.TrackResult, error) { return f.tracker.TrackButton(ctx, "vote", 1, 1) }, want: tally.KindButton},
		{name: "modal", track: func() (tally.TrackResult, error) { return f.tracker.TrackModal(ctx, "feedback", 1, 1) }, want: tally.KindModal},
		{name: "autocomplete", track: func() (tally.TrackResult, error) { return f.tracker.TrackAutocomplete(ctx, "search", 1, 1) }, want: tally.KindAutocomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.track()
			if err != nil {
				t.Fatalf("Track() error = %v", err)
			}
			if !res.Admitted || res.Interaction.Kind != tt.want {
				t.Errorf("Track() = %+v, want admitted %s", res, tt.want)
			}
		})
	}
}

func TestTracker_DenialLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := range 5 {
		res, err := f.tracker.TrackButton(ctx, "vote", 9, 1)
		if err != nil || !res.Admitted {
			t.Fatalf("call %d: Track() = %+v, %v, want admitted", i+1, res, err)
		}
	}

	res, err := f.tracker.TrackButton(ctx, "vote", 9, 1)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if res.Admitted || res.Interaction != nil {
		t.Fatalf("Track() = %+v, want denial", res)
	}
	if res.Decision.Limit != 5 || res.Decision.ResetAt.IsZero() {
		t.Errorf("Decision = %+v, want limit and reset time", res.Decision)
	}

	if n := len(f.logs(t)); n != 5 {
		t.Errorf("len(logs) = %d, want 5", n)
	}
	rows := f.usage(t)
	if len(rows) != 1 || rows[0].Count != 5 {
		t.Errorf("usage = %+v, want count 5", rows)
	}
	if n := f.tracker.Pending(); n != 5 {
		t.Errorf("Pending() = %d, want 5", n)
	}

	expected := `
# HELP tally_interaction_denied_total Total interactions denied by the rate limiter
# TYPE tally_interaction_denied_total counter
tally_interaction_denied_total{kind="button"} 1
`
	if err := testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "tally_interaction_denied_total"); err != nil {
		t.Error(err)
	}
}

func TestTracker_ConcurrentTrack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const goroutines = 100
	var wg sync.WaitGroup
	var admitted atomic.Int64
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.tracker.TrackSlashCommand(ctx, "ping", 3, 3)
			if err != nil {
				t.Errorf("Track() error = %v", err)
				return
			}
			if res.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 5 {
		t.Errorf("admitted = %d, want 5", got)
	}
	if n := len(f.logs(t)); n != 5 {
		t.Errorf("len(logs) = %d, want 5", n)
	}
	if rows := f.usage(t); len(rows) != 1 || rows[0].Count != 5 {
		t.Errorf("usage = %+v, want count 5", rows)
	}
}

func TestTracker_WindowReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 5 {
		f.tracker.TrackModal(ctx, "feedback", 1, 0)
	}
	if res, _ := f.tracker.TrackModal(ctx, "feedback", 1, 0); res.Admitted {
		t.Fatal("expected denial after five admissions")
	}

	f.clock.Advance(61 * time.Second)
	res, err := f.tracker.TrackModal(ctx, "feedback", 1, 0)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if !res.Admitted || res.Decision.Hits != 1 {
		t.Errorf("Track() = %+v, want admitted with hits 1", res)
	}
}

func TestTracker_InvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		kind     tally.Kind
		actionID string
		subject  int64
		scope    int64
	}{
		{name: "unknown kind", kind: "reaction", actionID: "x", subject: 1, scope: 1},
		{name: "empty kind", kind: "", actionID: "x", subject: 1, scope: 1},
		{name: "empty action id", kind: tally.KindButton, actionID: "", subject: 1, scope: 1},
		{name: "action id too long", kind: tally.KindButton, actionID: strings.Repeat("x", 101), subject: 1, scope: 1},
		{name: "negative subject", kind: tally.KindButton, actionID: "x", subject: -1, scope: 1},
		{name: "negative scope", kind: tally.KindButton, actionID: "x", subject: 1, scope: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.Track(ctx, tt.kind, tt.actionID, tt.subject, tt.scope)
			if !errors.Is(err, tally.ErrInvalidInput) {
				t.Errorf("Track() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if n := f.limiter.Len(); n != 0 {
		t.Errorf("limiter Len() = %d, want 0", n)
	}
	if n := len(f.logs(t)); n != 0 {
		t.Errorf("len(logs) = %d, want 0", n)
	}
}

func TestTracker_ReportCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.tracker.TrackButton(ctx, "vote", 5, 2)
	if err != nil || !res.Admitted {
		t.Fatalf("Track() = %+v, %v", res, err)
	}

	if err := f.tracker.ReportCompletion(ctx, res.Interaction, 250*time.Millisecond, false, "timeout"); err != nil {
		t.Fatalf("ReportCompletion() error = %v", err)
	}

	logs := f.logs(t)
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if got := logs[0]; got.Status != store.LogCompleted || got.Duration != 250*time.Millisecond || got.Success || got.ErrorKind != "timeout" {
		t.Errorf("log = %+v", got)
	}

	rows := f.usage(t)
	if len(rows) != 1 {
		t.Fatalf("len(usage) = %d, want 1", len(rows))
	}
	if got := rows[0]; got.Count != 1 || got.FailureCount != 1 || got.TotalDuration != 250*time.Millisecond {
		t.Errorf("usage = %+v, want count 1, failures 1, duration 250ms", got)
	}

	if _, ok := f.tracker.Lookup(res.Interaction.ID); ok {
		t.Error("expected completed interaction to leave the in-flight set")
	}

	err = f.tracker.ReportCompletion(ctx, res.Interaction, time.Millisecond, true, "")
	if !errors.Is(err, tally.ErrAlreadyCompleted) || !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("second ReportCompletion() error = %v, want ErrAlreadyCompleted", err)
	}
	if rows := f.usage(t); rows[0].TotalDuration != 250*time.Millisecond {
		t.Errorf("TotalDuration = %v after rejected completion, want 250ms", rows[0].TotalDuration)
	}
}

func TestTracker_ReportCompletionInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _ := f.tracker.TrackButton(ctx, "vote", 5, 2)

	tests := []struct {
		name string
		h    *tally.Interaction
		d    time.Duration
	}{
		{name: "nil handle", h: nil, d: time.Millisecond},
		{name: "negative duration", h: res.Interaction, d: -time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.tracker.ReportCompletion(ctx, tt.h, tt.d, true, "")
			if !errors.Is(err, tally.ErrInvalidInput) || errors.Is(err, tally.ErrAlreadyCompleted) {
				t.Errorf("ReportCompletion() error = %v, want ErrInvalidInput only", err)
			}
		})
	}

	if err := f.tracker.ReportCompletion(ctx, res.Interaction, time.Millisecond, true, ""); err != nil {
		t.Errorf("ReportCompletion() after rejected calls error = %v", err)
	}
}

func TestTracker_Finish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, _ := f.tracker.TrackSlashCommand(ctx, "ping", 1, 1)
	failed, _ := f.tracker.TrackSlashCommand(ctx, "ping", 1, 1)

	f.clock.Advance(40 * time.Millisecond)
	if err := f.tracker.Finish(ctx, ok.Interaction, nil); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := f.tracker.Finish(ctx, failed.Interaction, errors.New("upstream refused")); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	rows := f.usage(t)
	if got := rows[0]; got.Count != 2 || got.FailureCount != 1 || got.TotalDuration != 80*time.Millisecond {
		t.Errorf("usage = %+v, want count 2, failures 1, duration 80ms", got)
	}

	logs := f.logs(t)
	kinds := map[string]bool{}
	for _, l := range logs {
		kinds[l.ErrorKind] = l.Success
	}
	if success, found := kinds["upstream refused"]; !found || success {
		t.Errorf("logs = %+v, want one failed record with error kind", logs)
	}
}

func TestTracker_StoreFailureIsSoft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.failing.Store(true)
	res, err := f.tracker.TrackButton(ctx, "vote", 1, 1)
	if err != nil {
		t.Fatalf("Track() error = %v", err)
	}
	if !res.Admitted {
		t.Fatal("expected admission despite store failure")
	}
	if !errors.Is(res.StoreErr, tally.ErrStoreUnavailable) {
		t.Errorf("StoreErr = %v, want ErrStoreUnavailable", res.StoreErr)
	}

	// Stay down well past what a burst of immediate replays would cover.
	time.Sleep(300 * time.Millisecond)
	f.store.failing.Store(false)

	deadline := time.Now().Add(5 * time.Second)
	for {
		logs := f.logs(t)
		rows := f.usage(t)
		if len(logs) == 1 && len(rows) == 1 && rows[0].Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replay did not land: logs = %+v, usage = %+v", logs, rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTracker_SLOStatus(t *testing.T) {
	f := newFixture(t, tally.WithSLOTarget(tally.KindButton, 10*time.Millisecond))
	ctx := context.Background()

	fast, _ := f.tracker.TrackButton(ctx, "vote", 1, 1)
	slow, _ := f.tracker.TrackButton(ctx, "vote", 1, 1)
	f.tracker.ReportCompletion(ctx, fast.Interaction, 5*time.Millisecond, true, "")
	f.tracker.ReportCompletion(ctx, slow.Interaction, 20*time.Millisecond, true, "")

	expected := `
# HELP tally_interaction_slo_total Completed interactions by SLO status
# TYPE tally_interaction_slo_total counter
tally_interaction_slo_total{kind="button",status="FAIL"} 1
tally_interaction_slo_total{kind="button",status="PASS"} 1
`
	if err := testutil.GatherAndCompare(f.reg, strings.NewReader(expected), "tally_interaction_slo_total"); err != nil {
		t.Error(err)
	}
}

func TestTracker_PendingExpiry(t *testing.T) {
	f := newFixture(t, tally.WithPendingTTL(time.Minute))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, _ := f.tracker.TrackButton(ctx, "vote", 1, 1)
	f.clock.Advance(30 * time.Second).MustWait(ctx)
	if _, ok := f.tracker.Lookup(res.Interaction.ID); !ok {
		t.Fatal("expected interaction to be in flight")
	}

	f.clock.Advance(30 * time.Second).MustWait(ctx)
	f.clock.Advance(time.Minute).MustWait(ctx)
	if _, ok := f.tracker.Lookup(res.Interaction.ID); ok {
		t.Error("expected interaction to expire after the pending TTL")
	}

	logs := f.logs(t)
	if len(logs) != 1 || logs[0].Status != store.LogPending {
		t.Errorf("logs = %+v, want the record to stay pending", logs)
	}
}

func TestTracker_ReadPaths(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.tracker.TrackSlashCommand(ctx, "ping", 1, 1)
	f.tracker.TrackSlashCommand(ctx, "ping", 2, 1)
	f.tracker.TrackSlashCommand(ctx, "help", 1, 2)
	f.tracker.TrackButton(ctx, "vote", 1, 1)

	top, err := f.tracker.TopStats(ctx, 1)
	if err != nil {
		t.Fatalf("TopStats() error = %v", err)
	}
	if len(top) != 1 || top[0].ActionID != "ping" || top[0].Count != 2 {
		t.Errorf("TopStats() = %+v, want ping with count 2", top)
	}

	if _, err := f.tracker.TopStats(ctx, 0); !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("TopStats(0) error = %v, want ErrInvalidInput", err)
	}

	scope := int64(1)
	rows, err := f.tracker.Stats(ctx, store.UsageFilter{ActionClass: "slash_command", ScopeID: &scope})
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len(Stats()) = %d, want 1", len(rows))
	}

	logs, err := f.tracker.Logs(ctx, store.LogFilter{ScopeID: &scope, Limit: 2})
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("len(Logs()) = %d, want 2", len(logs))
	}

	if _, err := f.tracker.Logs(ctx, store.LogFilter{Limit: -1}); !errors.Is(err, tally.ErrInvalidInput) {
		t.Errorf("Logs(limit -1) error = %v, want ErrInvalidInput", err)
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    tally.Kind
		wantErr bool
	}{
		{in: "slash_command", want: tally.KindSlashCommand},
		{in: "button", want: tally.KindButton},
		{in: "modal", want: tally.KindModal},
		{in: "autocomplete", want: tally.KindAutocomplete},
		{in: "reaction", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := tally.ParseKind(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKind() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseKind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTracker_ReportCompletionTruncatesErrorKind(t *testing.T) {
	tests := []struct {
		name      string
		errorKind string
		want      string
	}{
		{name: "short kind kept", errorKind: "timeout", want: "timeout"},
		{name: "ascii cut at 100", errorKind: strings.Repeat("a", 150), want: strings.Repeat("a", 100)},
		{name: "multi-byte cut on a rune boundary", errorKind: "x" + strings.Repeat("é", 120), want: "x" + strings.Repeat("é", 99)},
		{name: "exactly 100 runes kept", errorKind: strings.Repeat("界", 100), want: strings.Repeat("界", 100)},
		{name: "invalid bytes dropped", errorKind: "bad\xc3", want: "bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			res, err := f.tracker.TrackButton(ctx, "vote", 1, 1)
			if err != nil || !res.Admitted {
				t.Fatalf("Track() = %+v, %v, want admitted", res, err)
			}
			if err := f.tracker.ReportCompletion(ctx, res.Interaction, time.Millisecond, false, tt.errorKind); err != nil {
				t.Fatalf("ReportCompletion() error = %v", err)
			}

			got := f.logs(t)[0].ErrorKind
			if !utf8.ValidString(got) {
				t.Fatalf("ErrorKind %q is not valid UTF-8", got)
			}
			if got != tt.want {
				t.Errorf("ErrorKind = %q (%d runes), want %q", got, utf8.RuneCountInString(got), tt.want)
			}
		})
	}
}
