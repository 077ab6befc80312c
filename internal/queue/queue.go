// Package queue serializes injection jobs onto a single worker.
//
// Requests may arrive concurrently from the HTTP layer; Enqueue never blocks
// on the input device. One worker goroutine drains jobs in enqueue order and
// runs the injector for one job at a time, so keystrokes from different jobs
// never interleave.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/chaz8081/keytyper/internal/inject"
)

// DefaultDepth is the number of waiting jobs admitted before ErrQueueFull.
const DefaultDepth = 64

// abandonGrace is how long the worker waits, after a job's deadline, for
// the injector to return on its own before abandoning it.
const abandonGrace = 50 * time.Millisecond

// Injector types one job's text. *inject.Injector satisfies it.
type Injector interface {
	Inject(ctx context.Context, text string, report inject.ProgressFunc) (*inject.Result, error)
}

// Queue is a bounded FIFO of injection jobs with a single worker.
type Queue struct {
	injector Injector
	depth    int
	onFinish func(*Job)

	stuckTimeout atomic.Int64 // nanoseconds; 0 disables

	// mu serializes admission so sequence numbers match dispatch order.
	mu       sync.Mutex
	jobs     chan *Job
	stopping chan struct{}
	running  atomic.Bool
	seq      uint64
	pending  atomic.Int64 // admitted, not yet started
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	pauseMu sync.Mutex
	paused  bool
	resume  chan struct{}

	current atomic.Pointer[Job]

	// Stats
	enqueued       atomic.Uint64
	rejected       atomic.Uint64
	completed      atomic.Uint64
	failed         atomic.Uint64
	stuck          atomic.Uint64
	charsDelivered atomic.Uint64
	charsSkipped   atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithDepth sets how many jobs may wait. Values <= 0 are ignored.
func WithDepth(depth int) Option {
	return func(q *Queue) {
		if depth > 0 {
			q.depth = depth
		}
	}
}

// WithStuckTimeout sets the per-job injection timeout. Zero disables it.
func WithStuckTimeout(d time.Duration) Option {
	return func(q *Queue) {
		q.SetStuckTimeout(d)
	}
}

// WithFinishHook registers a callback run on the worker after every job
// reaches a terminal state.
func WithFinishHook(fn func(*Job)) Option {
	return func(q *Queue) {
		q.onFinish = fn
	}
}

// New creates a stopped queue in front of injector.
func New(injector Injector, opts ...Option) *Queue {
	q := &Queue{
		injector: injector,
		depth:    DefaultDepth,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running.Load() {
		return ErrAlreadyRunning
	}

	q.jobs = make(chan *Job, q.depth)
	q.stopping = make(chan struct{})
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.running.Store(true)

	q.wg.Add(1)
	go q.worker()
	return nil
}

// Stop rejects new jobs, fails jobs that have not started with ErrStopped
// and waits for the in-flight job. If ctx ends first the in-flight job is
// cancelled between characters and ctx's error is returned.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running.Load() {
		q.mu.Unlock()
		return ErrNotRunning
	}
	q.running.Store(false)
	close(q.stopping)
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}

// Enqueue admits a job without blocking. It returns ErrQueueFull when Depth
// jobs are already waiting.
func (q *Queue) Enqueue(req Request) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running.Load() {
		return nil, ErrNotRunning
	}
	if q.pending.Load() >= int64(q.depth) {
		q.rejected.Add(1)
		return nil, ErrQueueFull
	}

	job := newJob(q.seq+1, req.Text)
	select {
	case q.jobs <- job:
	default:
		q.rejected.Add(1)
		return nil, ErrQueueFull
	}
	q.seq++
	q.pending.Add(1)
	q.enqueued.Add(1)

	slog.Debug("job queued", "job", job.id, "seq", job.seq, "runes", utf8.RuneCountInString(req.Text))
	return job, nil
}

// SetStuckTimeout changes the injection timeout for jobs started from now on.
func (q *Queue) SetStuckTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.stuckTimeout.Store(int64(d))
}

// StuckTimeout returns the current injection timeout.
func (q *Queue) StuckTimeout() time.Duration {
	return time.Duration(q.stuckTimeout.Load())
}

// Pause stops the worker from starting new jobs. A job already injecting
// runs to completion; admitted jobs keep waiting.
func (q *Queue) Pause() {
	q.pauseMu.Lock()
	defer q.pauseMu.Unlock()
	if q.paused {
		return
	}
	q.paused = true
	q.resume = make(chan struct{})
	slog.Info("injection paused")
}

// Resume lets the worker continue.
func (q *Queue) Resume() {
	q.pauseMu.Lock()
	defer q.pauseMu.Unlock()
	if !q.paused {
		return
	}
	q.paused = false
	close(q.resume)
	slog.Info("injection resumed")
}

// TogglePause flips the pause state and reports whether the queue is now
// paused.
func (q *Queue) TogglePause() bool {
	if q.Paused() {
		q.Resume()
		return false
	}
	q.Pause()
	return true
}

// Paused reports whether the worker is held.
func (q *Queue) Paused() bool {
	q.pauseMu.Lock()
	defer q.pauseMu.Unlock()
	return q.paused
}

// IsRunning reports whether the queue accepts jobs.
func (q *Queue) IsRunning() bool {
	return q.running.Load()
}

// worker drains jobs in order.
func (q *Queue) worker() {
	defer q.wg.Done()

	for job := range q.jobs {
		if !q.waitResumed() || q.isStopping() {
			q.pending.Add(-1)
			q.finish(job, nil, ErrStopped)
			continue
		}
		q.pending.Add(-1)
		q.run(job)
	}
}

// waitResumed blocks while paused. It returns false if the queue stops.
func (q *Queue) waitResumed() bool {
	for {
		q.pauseMu.Lock()
		if !q.paused {
			q.pauseMu.Unlock()
			return true
		}
		resume := q.resume
		q.pauseMu.Unlock()

		select {
		case <-resume:
		case <-q.stopping:
			return false
		}
	}
}

func (q *Queue) isStopping() bool {
	select {
	case <-q.stopping:
		return true
	default:
		return false
	}
}

type outcome struct {
	res *inject.Result
	err error
}

// run injects one job. Without a stuck timeout the injector runs inline on
// the worker. With one, the worker waits for either the result or the
// deadline. The deadline also revokes the job's device lease inside the
// injector, so the next job gets the device even if an OS call is still
// blocked.
func (q *Queue) run(job *Job) {
	q.current.Store(job)
	defer q.current.Store(nil)
	if !job.start() {
		return
	}

	slog.Debug("job injecting", "job", job.id, "seq", job.seq)

	timeout := q.StuckTimeout()
	if timeout <= 0 {
		res, err := q.injector.Inject(q.ctx, job.text, job.progress)
		q.finish(job, res, err)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := q.injector.Inject(ctx, job.text, job.progress)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		q.finish(job, o.res, o.err)
	case <-ctx.Done():
		// An injector that is between events notices the deadline itself and
		// returns its own cause, such as ErrDeviceBusy.
		grace := time.NewTimer(abandonGrace)
		defer grace.Stop()
		select {
		case o := <-done:
			q.finish(job, o.res, o.err)
			return
		case <-grace.C:
		}
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: no result within %s", inject.ErrWorkerStuck, timeout)
		}
		res := job.partial()
		q.finish(job, res, &inject.InjectionError{Delivered: res.Delivered, Err: cause})
	}
}

// finish records the outcome, updates stats and logs failures.
func (q *Queue) finish(job *Job, res *inject.Result, err error) {
	if res == nil {
		res = &inject.Result{}
	}
	if !job.finish(res, err) {
		return
	}

	q.charsDelivered.Add(uint64(res.Delivered))
	if n := len(res.Skipped); n > 0 {
		q.charsSkipped.Add(uint64(n))
		chars := make([]string, n)
		for i, s := range res.Skipped {
			chars[i] = fmt.Sprintf("%+q@%d", s.Char, s.Index)
		}
		slog.Warn("skipped unsupported characters", "job", job.id, "seq", job.seq, "count", n, "chars", chars)
	}

	switch {
	case err == nil:
		q.completed.Add(1)
		slog.Info("job completed",
			"job", job.id,
			"seq", job.seq,
			"chars", res.Delivered,
			"events", res.Events,
			"duration", res.Duration.Round(time.Millisecond),
		)
	case errors.Is(err, ErrStopped):
		q.failed.Add(1)
		slog.Warn("job dropped on shutdown", "job", job.id, "seq", job.seq)
	default:
		q.failed.Add(1)
		if errors.Is(err, inject.ErrWorkerStuck) {
			q.stuck.Add(1)
		}
		slog.Error("job failed", "job", job.id, "seq", job.seq, "delivered", res.Delivered, "error", err)
	}

	if q.onFinish != nil {
		q.onFinish(job)
	}
}

// Stats returns queue statistics.
func (q *Queue) Stats() Stats {
	s := Stats{
		Enqueued:       q.enqueued.Load(),
		Rejected:       q.rejected.Load(),
		Completed:      q.completed.Load(),
		Failed:         q.failed.Load(),
		Stuck:          q.stuck.Load(),
		CharsDelivered: q.charsDelivered.Load(),
		CharsSkipped:   q.charsSkipped.Load(),
		QueueDepth:     int(q.pending.Load()),
		Capacity:       q.depth,
		Paused:         q.Paused(),
		Running:        q.running.Load(),
		StuckTimeout:   q.StuckTimeout(),
	}
	if job := q.current.Load(); job != nil {
		s.InFlight = job.seq
	}
	return s
}

// Stats is a snapshot of queue counters.
type Stats struct {
	// Enqueued is the number of jobs admitted.
	Enqueued uint64 `json:"enqueued"`
	// Rejected is the number of Enqueue calls refused with ErrQueueFull.
	Rejected uint64 `json:"rejected"`
	// Completed is the number of jobs that typed their full text.
	Completed uint64 `json:"completed"`
	// Failed counts every job that ended in StateFailed.
	Failed uint64 `json:"failed"`
	// Stuck is the subset of Failed that hit the stuck timeout.
	Stuck uint64 `json:"stuck"`

	CharsDelivered uint64 `json:"chars_delivered"`
	CharsSkipped   uint64 `json:"chars_skipped"`

	// QueueDepth is the number of admitted jobs not yet started.
	QueueDepth int `json:"queue_depth"`
	Capacity   int `json:"capacity"`
	// InFlight is the sequence number of the injecting job, or 0.
	InFlight     uint64        `json:"in_flight"`
	Paused       bool          `json:"paused"`
	Running      bool          `json:"running"`
	StuckTimeout time.Duration `json:"stuck_timeout_ns"`
}
