package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/keytyper/internal/device"
	"github.com/chaz8081/keytyper/internal/inject"
	"github.com/chaz8081/keytyper/internal/keymap"
)

// fakeInjector records which texts ran and detects overlapping calls.
type fakeInjector struct {
	mu      sync.Mutex
	started []string

	active    atomic.Int32
	overlap   atomic.Bool
	gate      chan struct{} // if set, every Inject waits for a receive
	fail      map[string]error
	hangUntil chan struct{} // texts prefixed "hang" block here, ignoring ctx
}

func (f *fakeInjector) Inject(ctx context.Context, text string, report inject.ProgressFunc) (*inject.Result, error) {
	if f.active.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.active.Add(-1)

	f.mu.Lock()
	f.started = append(f.started, text)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if len(text) >= 4 && text[:4] == "hang" {
		report(inject.Progress{Delivered: 1, Skip: &inject.Skip{Index: 1, Char: "\ue000"}})
		report(inject.Progress{Delivered: 2})
		<-f.hangUntil
		return &inject.Result{Delivered: 2}, nil
	}
	if err, ok := f.fail[text]; ok {
		return &inject.Result{Delivered: 1}, &inject.InjectionError{Delivered: 1, Err: err}
	}
	n := len([]rune(text))
	for i := 1; i <= n; i++ {
		report(inject.Progress{Delivered: i})
	}
	return &inject.Result{Delivered: n, Events: 2 * n}, nil
}

func (f *fakeInjector) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func startQueue(t *testing.T, inj Injector, opts ...Option) *Queue {
	t.Helper()
	q := New(inj, opts...)
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q
}

func waitDone(t *testing.T, jobs ...*Job) {
	t.Helper()
	for _, j := range jobs {
		select {
		case <-j.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d (%q) did not finish, state %v", j.Seq(), j.Text(), j.State())
		}
	}
}

func waitState(t *testing.T, j *Job, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for j.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("job %d state = %v, want %v", j.Seq(), j.State(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueueStartStop(t *testing.T) {
	q := New(&fakeInjector{})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := q.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := q.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", err)
	}
	if _, err := q.Enqueue(Request{Text: "late"}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Enqueue after Stop error = %v, want ErrNotRunning", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	inj := &fakeInjector{}
	q := startQueue(t, inj)

	var jobs []*Job
	var want []string
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("job-%02d", i)
		j, err := q.Enqueue(Request{Text: text})
		if err != nil {
			t.Fatalf("Enqueue(%q) error = %v", text, err)
		}
		if j.Seq() != uint64(i+1) {
			t.Errorf("Seq() = %d, want %d", j.Seq(), i+1)
		}
		jobs = append(jobs, j)
		want = append(want, text)
	}
	waitDone(t, jobs...)

	got := inj.order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	for _, j := range jobs {
		if j.State() != StateCompleted {
			t.Errorf("job %d state = %v, want completed", j.Seq(), j.State())
		}
	}
}

func TestQueueConcurrentEnqueueNeverOverlaps(t *testing.T) {
	inj := &fakeInjector{}
	q := startQueue(t, inj, WithDepth(200))

	var (
		mu   sync.Mutex
		jobs []*Job
		wg   sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				j, err := q.Enqueue(Request{Text: fmt.Sprintf("g%d-%d", g, i)})
				if err != nil {
					t.Errorf("Enqueue error = %v", err)
					return
				}
				mu.Lock()
				jobs = append(jobs, j)
				mu.Unlock()
			}
		}(g)
	}
	wg.Wait()
	waitDone(t, jobs...)

	if inj.overlap.Load() {
		t.Error("two injections ran at the same time")
	}

	bySeq := make(map[uint64]string, len(jobs))
	for _, j := range jobs {
		bySeq[j.Seq()] = j.Text()
	}
	for i, text := range inj.order() {
		if want := bySeq[uint64(i+1)]; text != want {
			t.Fatalf("dispatch %d = %q, want seq order %q", i, text, want)
		}
	}
}

func TestQueueFull(t *testing.T) {
	inj := &fakeInjector{gate: make(chan struct{})}
	q := startQueue(t, inj, WithDepth(2))

	first, err := q.Enqueue(Request{Text: "first"})
	if err != nil {
		t.Fatalf("Enqueue(first) error = %v", err)
	}
	waitState(t, first, StateInjecting)

	for _, text := range []string{"second", "third"} {
		if _, err := q.Enqueue(Request{Text: text}); err != nil {
			t.Fatalf("Enqueue(%q) error = %v", text, err)
		}
	}
	if _, err := q.Enqueue(Request{Text: "fourth"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue(fourth) error = %v, want ErrQueueFull", err)
	}

	stats := q.Stats()
	if stats.Rejected != 1 || stats.Enqueued != 3 || stats.QueueDepth != 2 {
		t.Errorf("stats = %+v, want rejected 1, enqueued 3, depth 2", stats)
	}
	if stats.InFlight != first.Seq() {
		t.Errorf("InFlight = %d, want %d", stats.InFlight, first.Seq())
	}

	for i := 0; i < 3; i++ {
		inj.gate <- struct{}{}
	}
	waitDone(t, first)
	if got := inj.order(); len(got) > 0 && got[len(got)-1] == "fourth" {
		t.Error("rejected job must not run")
	}
}

func TestJobStateTransitions(t *testing.T) {
	inj := &fakeInjector{gate: make(chan struct{})}
	q := startQueue(t, inj)
	q.Pause()

	j, err := q.Enqueue(Request{Text: "Hello"})
	if err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}
	if j.ID() == "" {
		t.Error("job ID should be set")
	}
	if j.State() != StateQueued {
		t.Errorf("state = %v, want queued", j.State())
	}
	if res, err := j.Result(); res != nil || err != nil {
		t.Error("Result() before Done should be empty")
	}

	q.Resume()
	waitState(t, j, StateInjecting)
	inj.gate <- struct{}{}
	waitDone(t, j)

	res, err := j.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if j.State() != StateCompleted || res.Delivered != 5 || j.Delivered() != 5 {
		t.Errorf("state %v delivered %d/%d, want completed with 5", j.State(), res.Delivered, j.Delivered())
	}
	if !j.State().Terminal() {
		t.Error("completed should be terminal")
	}
}

func TestFailedJobDoesNotBlockQueue(t *testing.T) {
	boom := errors.New("device unavailable")
	inj := &fakeInjector{fail: map[string]error{"bad": boom}}

	var finished []uint64
	var mu sync.Mutex
	q := startQueue(t, inj, WithFinishHook(func(j *Job) {
		mu.Lock()
		finished = append(finished, j.Seq())
		mu.Unlock()
	}))

	bad, _ := q.Enqueue(Request{Text: "bad"})
	good, _ := q.Enqueue(Request{Text: "good"})
	waitDone(t, bad, good)

	if bad.State() != StateFailed {
		t.Errorf("bad state = %v, want failed", bad.State())
	}
	_, err := bad.Result()
	if !errors.Is(err, boom) || !errors.Is(err, inject.ErrInjectionFailed) {
		t.Errorf("bad error = %v", err)
	}
	if good.State() != StateCompleted {
		t.Errorf("good state = %v, want completed", good.State())
	}

	stats := q.Stats()
	if stats.Failed != 1 || stats.Completed != 1 {
		t.Errorf("stats = %+v, want 1 failed, 1 completed", stats)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 2 || finished[0] != 1 || finished[1] != 2 {
		t.Errorf("finish hook saw %v, want [1 2]", finished)
	}
}

func TestStuckJobFailsAndQueueMovesOn(t *testing.T) {
	inj := &fakeInjector{hangUntil: make(chan struct{})}
	defer close(inj.hangUntil)
	q := startQueue(t, inj, WithStuckTimeout(30*time.Millisecond))

	stuck, _ := q.Enqueue(Request{Text: "hang forever"})
	next, _ := q.Enqueue(Request{Text: "next"})
	waitDone(t, stuck, next)

	if stuck.State() != StateFailed {
		t.Fatalf("stuck state = %v, want failed", stuck.State())
	}
	res, err := stuck.Result()
	if !errors.Is(err, inject.ErrWorkerStuck) {
		t.Errorf("stuck error = %v, want ErrWorkerStuck", err)
	}
	var ie *inject.InjectionError
	if !errors.As(err, &ie) || ie.Delivered != 2 || res.Delivered != 2 {
		t.Errorf("stuck delivered = %v / %+v, want 2", err, res)
	}
	if want := []inject.Skip{{Index: 1, Char: "\ue000"}}; !reflect.DeepEqual(res.Skipped, want) {
		t.Errorf("stuck skipped = %v, want %v", res.Skipped, want)
	}
	if next.State() != StateCompleted {
		t.Errorf("next state = %v, want completed", next.State())
	}
	if q.Stats().Stuck != 1 {
		t.Errorf("Stats().Stuck = %d, want 1", q.Stats().Stuck)
	}
}

func TestSetStuckTimeout(t *testing.T) {
	q := New(&fakeInjector{}, WithStuckTimeout(time.Second))
	if q.StuckTimeout() != time.Second {
		t.Errorf("StuckTimeout() = %v", q.StuckTimeout())
	}
	q.SetStuckTimeout(-5)
	if q.StuckTimeout() != 0 {
		t.Errorf("negative timeout should clamp to 0, got %v", q.StuckTimeout())
	}
}

func TestPauseHoldsJobs(t *testing.T) {
	inj := &fakeInjector{}
	q := startQueue(t, inj, WithDepth(1))

	if paused := q.TogglePause(); !paused {
		t.Fatal("TogglePause() should pause")
	}
	j, err := q.Enqueue(Request{Text: "held"})
	if err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}
	// The held job still counts against depth.
	if _, err := q.Enqueue(Request{Text: "overflow"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue while paused error = %v, want ErrQueueFull", err)
	}

	time.Sleep(30 * time.Millisecond)
	if j.State() != StateQueued || len(inj.order()) != 0 {
		t.Fatalf("job ran while paused: state %v", j.State())
	}
	if !q.Stats().Paused {
		t.Error("Stats().Paused should be true")
	}

	if paused := q.TogglePause(); paused {
		t.Fatal("TogglePause() should resume")
	}
	waitDone(t, j)
	if j.State() != StateCompleted {
		t.Errorf("state = %v, want completed", j.State())
	}
}

func TestStopFailsWaitingJobs(t *testing.T) {
	inj := &fakeInjector{gate: make(chan struct{})}
	q := New(inj)
	if err := q.Start(); err != nil {
		t.Fatal(err)
	}

	first, _ := q.Enqueue(Request{Text: "first"})
	waitState(t, first, StateInjecting)
	second, _ := q.Enqueue(Request{Text: "second"})
	third, _ := q.Enqueue(Request{Text: "third"})

	stopped := make(chan error, 1)
	go func() { stopped <- q.Stop(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !q.isStopping() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	// Let the in-flight job finish.
	inj.gate <- struct{}{}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	waitDone(t, first, second, third)

	if first.State() != StateCompleted {
		t.Errorf("first state = %v, want completed", first.State())
	}
	for _, j := range []*Job{second, third} {
		if _, err := j.Result(); !errors.Is(err, ErrStopped) {
			t.Errorf("job %q error = %v, want ErrStopped", j.Text(), err)
		}
	}
}

func TestStopTimeoutCancelsInFlight(t *testing.T) {
	inj := &fakeInjector{gate: make(chan struct{})}
	q := New(inj)
	_ = q.Start()

	j, _ := q.Enqueue(Request{Text: "slow"})
	waitState(t, j, StateInjecting)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want deadline exceeded", err)
	}
	close(inj.gate)
	waitDone(t, j)
}

func TestJobWait(t *testing.T) {
	inj := &fakeInjector{gate: make(chan struct{})}
	q := startQueue(t, inj)
	j, _ := q.Enqueue(Request{Text: "abc"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := j.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want deadline exceeded", err)
	}

	inj.gate <- struct{}{}
	res, err := j.Wait(context.Background())
	if err != nil || res.Delivered != 3 {
		t.Errorf("Wait() = %+v, %v", res, err)
	}
}

// recordingBackend stamps every event with the job text that produced it.
type recordingBackend struct {
	mu     sync.Mutex
	events []keymap.KeyEvent
}

func (b *recordingBackend) Name() string       { return "recording" }
func (b *recordingBackend) SupportsText() bool { return false }
func (b *recordingBackend) Close() error       { return nil }
func (b *recordingBackend) Open() (device.Session, error) {
	return recordingSession{b}, nil
}

type recordingSession struct{ b *recordingBackend }

func (s recordingSession) Submit(ev keymap.KeyEvent) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.events = append(s.b.events, ev)
	return nil
}

func (recordingSession) Close() error { return nil }

func TestQueueWithInjectorKeepsJobsContiguous(t *testing.T) {
	b := &recordingBackend{}
	q := startQueue(t, inject.New(b, inject.Options{}))

	a, _ := q.Enqueue(Request{Text: "aaaa"})
	bb, _ := q.Enqueue(Request{Text: "bbbb"})
	waitDone(t, a, bb)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) != 16 {
		t.Fatalf("events = %d, want 16", len(b.events))
	}
	for i, ev := range b.events {
		want := "a"
		if i >= 8 {
			want = "b"
		}
		if ev.Key != want {
			t.Fatalf("event %d = %v, want key %q (A's events must all precede B's)", i, ev, want)
		}
	}
}

// blockingBackend records events like recordingBackend, but presses of
// "h" wait until release is closed, ignoring any deadline.
type blockingBackend struct {
	recordingBackend
	held    chan struct{} // if set, receives when a press of "h" starts waiting
	release chan struct{}
}

func (b *blockingBackend) Open() (device.Session, error) {
	return blockingSession{b}, nil
}

type blockingSession struct{ b *blockingBackend }

func (s blockingSession) Submit(ev keymap.KeyEvent) error {
	if ev.Key == "h" && ev.Action == keymap.Press {
		if s.b.held != nil {
			s.b.held <- struct{}{}
		}
		<-s.b.release
	}
	return recordingSession{&s.b.recordingBackend}.Submit(ev)
}

func (blockingSession) Close() error { return nil }

func TestStuckOSCallDoesNotBlockLaterJobs(t *testing.T) {
	b := &blockingBackend{release: make(chan struct{})}
	defer close(b.release)
	q := startQueue(t, inject.New(b, inject.Options{}), WithStuckTimeout(50*time.Millisecond))

	hang, _ := q.Enqueue(Request{Text: "hang"})
	var oks []*Job
	for i := 0; i < 3; i++ {
		j, _ := q.Enqueue(Request{Text: "ok"})
		oks = append(oks, j)
	}
	waitDone(t, append([]*Job{hang}, oks...)...)

	if _, err := hang.Result(); !errors.Is(err, inject.ErrWorkerStuck) {
		t.Errorf("hang error = %v, want ErrWorkerStuck", err)
	}
	for _, j := range oks {
		if _, err := j.Result(); err != nil || j.State() != StateCompleted {
			t.Errorf("job %d state %v error %v, want completed", j.Seq(), j.State(), err)
		}
	}

	b.mu.Lock()
	events := append([]keymap.KeyEvent(nil), b.events...)
	b.mu.Unlock()
	if len(events) != 12 {
		t.Fatalf("events = %v, want 12 for three \"ok\" jobs", events)
	}
	for _, ev := range events {
		if ev.Key != "o" && ev.Key != "k" {
			t.Errorf("event %v leaked from the stuck job", ev)
		}
	}
	if stats := q.Stats(); stats.Stuck != 1 || stats.Completed != 3 {
		t.Errorf("stats = %+v, want 1 stuck, 3 completed", stats)
	}
}

func TestDeviceBusyKeepsItsCause(t *testing.T) {
	b := &blockingBackend{held: make(chan struct{}, 1), release: make(chan struct{})}
	defer close(b.release)
	inj := inject.New(b, inject.Options{})

	// Hold the device outside the queue with no deadline.
	go func() { _, _ = inj.Inject(context.Background(), "h", nil) }()
	<-b.held

	q := startQueue(t, inj, WithStuckTimeout(30*time.Millisecond))
	j, _ := q.Enqueue(Request{Text: "ok"})
	waitDone(t, j)

	_, err := j.Result()
	if !errors.Is(err, inject.ErrDeviceBusy) {
		t.Errorf("error = %v, want ErrDeviceBusy", err)
	}
	if err != nil && strings.Contains(err.Error(), "no result within") {
		t.Errorf("error = %v, should come from the injector", err)
	}
}

func TestEnqueueLogsRuneCount(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	q := New(&fakeInjector{})
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	q.Pause()
	if _, err := q.Enqueue(Request{Text: "caf\u00e9"}); err != nil {
		t.Fatalf("Enqueue error = %v", err)
	}
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if !strings.Contains(buf.String(), "runes=4") {
		t.Errorf("log = %q, want runes=4", buf.String())
	}
}
