package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/keytyper/internal/inject"
)

// State is a job's position in its lifecycle:
// Queued -> Injecting -> Completed | Failed.
type State int32

const (
	StateQueued State = iota
	StateInjecting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInjecting:
		return "injecting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request is one transcription to type.
type Request struct {
	Text string
}

// Job is the handle returned by Enqueue. All methods are safe for
// concurrent use.
type Job struct {
	id         string
	seq        uint64
	text       string
	enqueuedAt time.Time

	state     atomic.Int32
	delivered atomic.Int64

	skipMu  sync.Mutex
	skipped []inject.Skip

	once   sync.Once
	done   chan struct{}
	result *inject.Result
	err    error
}

func newJob(seq uint64, text string) *Job {
	return &Job{
		id:         uuid.NewString(),
		seq:        seq,
		text:       text,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Seq returns the enqueue sequence number. Jobs run in Seq order.
func (j *Job) Seq() uint64 { return j.seq }

// Text returns the text to inject.
func (j *Job) Text() string { return j.text }

// EnqueuedAt returns when the job was admitted.
func (j *Job) EnqueuedAt() time.Time { return j.enqueuedAt }

// State returns the current state.
func (j *Job) State() State { return State(j.state.Load()) }

// Delivered returns the number of characters submitted so far.
func (j *Job) Delivered() int { return int(j.delivered.Load()) }

// Done is closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (j *Job) Result() (*inject.Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	default:
		return nil, nil
	}
}

// Wait blocks until the job terminates or ctx is done.
func (j *Job) Wait(ctx context.Context) (*inject.Result, error) {
	select {
	case <-j.done:
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// start moves Queued -> Injecting.
func (j *Job) start() bool {
	return j.state.CompareAndSwap(int32(StateQueued), int32(StateInjecting))
}

// progress records delivered and skipped characters while the job is
// injecting. Reports from an abandoned injection are ignored.
func (j *Job) progress(p inject.Progress) {
	if j.State() != StateInjecting {
		return
	}
	j.delivered.Store(int64(p.Delivered))
	if p.Skip != nil {
		j.skipMu.Lock()
		j.skipped = append(j.skipped, *p.Skip)
		j.skipMu.Unlock()
	}
}

// partial is the progress seen so far, for a job abandoned mid-injection.
func (j *Job) partial() *inject.Result {
	j.skipMu.Lock()
	defer j.skipMu.Unlock()
	return &inject.Result{
		Delivered: j.Delivered(),
		Skipped:   append([]inject.Skip(nil), j.skipped...),
	}
}

// finish moves the job to its terminal state exactly once.
func (j *Job) finish(res *inject.Result, err error) bool {
	finished := false
	j.once.Do(func() {
		j.result = res
		j.err = err
		if err != nil {
			j.state.Store(int32(StateFailed))
		} else {
			j.state.Store(int32(StateCompleted))
		}
		if res != nil {
			j.delivered.Store(int64(res.Delivered))
		}
		close(j.done)
		finished = true
	})
	return finished
}
