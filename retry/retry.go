// Package retry re-drives analytics writes that failed on the hot path.
//
// Jobs wait in a bounded queue and are replayed by a single worker paced by
// a token bucket, so a recovering store is not flooded. A failed job waits
// out its own exponential backoff before it is queued again. A job that keeps
// failing is dropped after MaxAttempts; a full queue drops new jobs. Both
// are logged and counted, never surfaced to the interaction that caused them.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/nhalm/canonlog"
	"github.com/nhalm/tally/metrics"
	"github.com/nhalm/tally/store"
	"golang.org/x/time/rate"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("retry queue closed")

// ErrFull is returned by Submit when the queue has no room.
var ErrFull = errors.New("retry queue full")

type job struct {
	op       string
	fn       func(context.Context) error
	attempts int
}

// Queue holds failed writes until they succeed or run out of attempts.
type Queue struct {
	jobs        chan *job
	limiter     *rate.Limiter
	maxAttempts int
	timeout     time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	clock       quartz.Clock
	metrics     *metrics.Metrics

	// mu guards closed and waiting, and is held while pushing so nothing
	// lands on jobs after Close has drained it.
	mu      sync.Mutex
	closed  bool
	waiting map[*job]*quartz.Timer

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Queue.
type Option func(*Queue)

// WithSize sets the queue capacity (default: 1024).
func WithSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.jobs = make(chan *job, n)
		}
	}
}

// WithRate sets how many replays run per second and the burst allowed (default: 10/s, burst 5).
func WithRate(perSecond float64, burst int) Option {
	return func(q *Queue) {
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// WithMaxAttempts sets how many replays a job gets before it is dropped (default: 5).
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		q.maxAttempts = n
	}
}

// WithTimeout bounds each replay (default: 2s).
func WithTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.timeout = d
	}
}

// WithBackoff sets the delay before a failed job is queued again. It starts
// at base and doubles per attempt up to ceiling (default: 100ms, 30s).
func WithBackoff(base, ceiling time.Duration) Option {
	return func(q *Queue) {
		if base > 0 {
			q.baseDelay = base
		}
		if ceiling >= q.baseDelay {
			q.maxDelay = ceiling
		}
	}
}

// WithClock sets the clock used for backoff (default: real clock).
func WithClock(clock quartz.Clock) Option {
	return func(q *Queue) {
		q.clock = clock
	}
}

// WithMetrics reports queue depth and drops.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// New creates a Queue and starts its worker.
//
// Important: You must call Close() to stop the worker.
func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:        make(chan *job, 1024),
		limiter:     rate.NewLimiter(10, 5),
		maxAttempts: 5,
		timeout:     2 * time.Second,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    30 * time.Second,
		clock:       quartz.NewReal(),
		waiting:     make(map[*job]*quartz.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.work(ctx)
	return q
}

// Submit queues fn for replay under the name op. It never blocks.
func (q *Queue) Submit(op string, fn func(context.Context) error) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	ok := q.pushLocked(&job{op: op, fn: fn})
	q.mu.Unlock()

	if !ok {
		q.drop(op, 0, ErrFull)
		return ErrFull
	}
	return nil
}

// Len returns the number of queued jobs, including those backing off.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs) + len(q.waiting)
}

// Close stops the worker, then gives every queued or backing off job one
// last attempt until ctx ends. Jobs left over are dropped.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		backingOff := make([]*job, 0, len(q.waiting))
		for j, t := range q.waiting {
			t.Stop()
			backingOff = append(backingOff, j)
		}
		clear(q.waiting)
		q.mu.Unlock()

		q.cancel()
		<-q.done

		last := func(j *job) {
			if ctx.Err() != nil {
				q.drop(j.op, j.attempts, ctx.Err())
				err = ctx.Err()
				return
			}
			if runErr := q.run(ctx, j); runErr != nil {
				q.drop(j.op, j.attempts, runErr)
			}
		}
		for _, j := range backingOff {
			last(j)
		}
		for {
			select {
			case j := <-q.jobs:
				last(j)
			default:
				q.metrics.SetRetryQueueDepth(0)
				return
			}
		}
	})
	return err
}

func (q *Queue) pushLocked(j *job) bool {
	select {
	case q.jobs <- j:
		q.metrics.SetRetryQueueDepth(len(q.jobs) + len(q.waiting))
		return true
	default:
		return false
	}
}

// backoff returns the wait after a job's nth failed attempt.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.baseDelay
	for i := 1; i < attempts && d < q.maxDelay; i++ {
		d *= 2
	}
	return min(d, q.maxDelay)
}

// requeue parks j until its backoff elapses. A job parked when Close runs is
// owned by Close; the timer only pushes jobs still in waiting.
func (q *Queue) requeue(j *job) {
	q.mu.Lock()
	if q.closed {
		// Close drains jobs once the worker stops.
		ok := q.pushLocked(j)
		q.mu.Unlock()
		if !ok {
			q.drop(j.op, j.attempts, ErrFull)
		}
		return
	}
	defer q.mu.Unlock()
	q.waiting[j] = q.clock.AfterFunc(q.backoff(j.attempts), func() {
		q.mu.Lock()
		if _, ok := q.waiting[j]; !ok {
			q.mu.Unlock()
			return
		}
		delete(q.waiting, j)
		ok := q.pushLocked(j)
		q.mu.Unlock()
		if !ok {
			q.drop(j.op, j.attempts, ErrFull)
		}
	}, "retry", "backoff")
}

func (q *Queue) work(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			if err := q.limiter.Wait(ctx); err != nil {
				q.requeue(j)
				return
			}
			q.metrics.SetRetryQueueDepth(q.Len())

			err := q.run(ctx, j)
			if err == nil {
				continue
			}
			if errors.Is(err, store.ErrInvalidInput) || j.attempts >= q.maxAttempts {
				q.drop(j.op, j.attempts, err)
				continue
			}
			q.requeue(j)
		}
	}
}

func (q *Queue) run(ctx context.Context, j *job) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	j.attempts++
	return j.fn(ctx)
}

func (q *Queue) drop(op string, attempts int, err error) {
	q.metrics.RetryDropped()

	ctx := canonlog.NewContext(context.Background())
	canonlog.InfoAddMany(ctx, map[string]any{
		"event":    "retry_dropped",
		"op":       op,
		"attempts": attempts,
	})
	canonlog.ErrorAdd(ctx, err)
	canonlog.Flush(ctx)
}
