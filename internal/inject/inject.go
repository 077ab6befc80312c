// Package inject types text into the focused application.
//
// The Injector owns exclusive access to one device.Backend. Each call to
// Inject walks the text one grapheme at a time, maps it to key events and
// submits them in order. Unsupported characters are skipped and recorded; a
// device failure stops the job and reports how much was delivered.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rivo/uniseg"

	"github.com/chaz8081/keytyper/internal/device"
	"github.com/chaz8081/keytyper/internal/keymap"
)

// Mapper maps one character to key events.
type Mapper interface {
	Map(char string) keymap.Mapping
}

// Progress is reported after each character, delivered or skipped.
type Progress struct {
	Delivered int   // characters delivered so far
	Skip      *Skip // set when this character was skipped
}

// ProgressFunc receives Progress reports.
type ProgressFunc func(Progress)

// Result describes a finished (or partially finished) injection.
type Result struct {
	Delivered int           // characters fully submitted
	Events    int           // key events submitted
	Skipped   []Skip        // characters with no mapping
	Duration  time.Duration // time spent holding the device
}

// Options configures an Injector.
type Options struct {
	// Unicode enables Type events when the backend supports them.
	Unicode bool
	// KeyDelay is slept between characters. Zero means no delay.
	KeyDelay time.Duration
	// Mapper overrides the default keymap mapper.
	Mapper Mapper
}

// Injector submits key events to a backend, one job at a time.
type Injector struct {
	backend  device.Backend
	mapper   Mapper
	keyDelay time.Duration

	// sem holds the device for the job that owns the current lease.
	sem chan struct{}
}

// New creates an Injector over backend.
func New(backend device.Backend, opts Options) *Injector {
	mapper := opts.Mapper
	if mapper == nil {
		mapper = keymap.New(keymap.Options{Unicode: opts.Unicode && backend.SupportsText()})
	}
	return &Injector{
		backend:  backend,
		mapper:   mapper,
		keyDelay: opts.KeyDelay,
		sem:      make(chan struct{}, 1),
	}
}

// Backend returns the name of the underlying backend.
func (inj *Injector) Backend() string {
	return inj.backend.Name()
}

// Inject types text. It blocks until every character was submitted, the
// device fails, or ctx is done. On failure the returned Result holds the
// progress made and err is an *InjectionError.
//
// When ctx ends while a backend call is still blocked, the job's lease is
// revoked: the device passes to the next job at once and every later Submit
// from this job fails with device.ErrClosed. Only the blocked call itself can
// land late.
func (inj *Injector) Inject(ctx context.Context, text string, report ProgressFunc) (res *Result, err error) {
	res = &Result{}
	if text == "" {
		return res, nil
	}

	if err := inj.acquire(ctx); err != nil {
		return res, &InjectionError{Err: err}
	}
	l := &lease{inj: inj}
	stop := context.AfterFunc(ctx, func() { l.revoke(contextError(ctx.Err())) })
	start := time.Now()

	var sess device.Session
	defer func() {
		if r := recover(); r != nil {
			err = &InjectionError{Delivered: res.Delivered, Err: fmt.Errorf("backend panic: %v", r)}
		}
		if sess != nil {
			inj.closeSession(sess)
		}
		stop()
		l.release()
		res.Duration = time.Since(start)
	}()

	raw, err := inj.backend.Open()
	if err != nil {
		return res, &InjectionError{Err: fmt.Errorf("open %s session: %w", inj.backend.Name(), err)}
	}
	sess = &leasedSession{Session: raw, lease: l}

	g := uniseg.NewGraphemes(text)
	for index := 0; g.Next(); index++ {
		if err := ctx.Err(); err != nil {
			return res, &InjectionError{Delivered: res.Delivered, Err: contextError(err)}
		}

		char := g.Str()
		m := inj.mapper.Map(char)
		if !m.Supported {
			skip := Skip{Index: index, Char: char}
			res.Skipped = append(res.Skipped, skip)
			slog.Debug("skipping character", "error", skip.Err())
			if report != nil {
				report(Progress{Delivered: res.Delivered, Skip: &skip})
			}
			continue
		}

		for _, ev := range m.Events {
			if err := sess.Submit(ev); err != nil {
				return res, &InjectionError{Delivered: res.Delivered, Err: err}
			}
			res.Events++
		}
		res.Delivered++
		if report != nil {
			report(Progress{Delivered: res.Delivered})
		}

		if inj.keyDelay > 0 {
			if err := sleep(ctx, inj.keyDelay); err != nil {
				return res, &InjectionError{Delivered: res.Delivered, Err: contextError(err)}
			}
		}
	}

	return res, nil
}

// closeSession closes sess and lets up any keys it still holds. A revoked
// session does this too, so no modifier stays latched.
func (inj *Injector) closeSession(sess device.Session) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("input session close panicked", "backend", inj.backend.Name(), "panic", r)
		}
	}()
	if err := sess.Close(); err != nil {
		slog.Warn("close input session", "backend", inj.backend.Name(), "error", err)
	}
}

// Close releases the backend.
func (inj *Injector) Close() error {
	return inj.backend.Close()
}

func (inj *Injector) acquire(ctx context.Context) error {
	select {
	case inj.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDeviceBusy, contextError(ctx.Err()))
	}
}

// lease is one job's hold on the device.
type lease struct {
	inj     *Injector
	once    sync.Once
	cause   error
	revoked atomic.Bool
}

// revoke hands the device to the next job while this one may still be
// blocked in the backend.
func (l *lease) revoke(cause error) {
	l.cause = cause
	l.revoked.Store(true)
	l.release()
	slog.Debug("input device lease revoked", "error", cause)
}

func (l *lease) release() {
	l.once.Do(func() { <-l.inj.sem })
}

// leasedSession refuses events once its lease is revoked.
type leasedSession struct {
	device.Session
	lease *lease
}

func (s *leasedSession) Submit(ev keymap.KeyEvent) error {
	if s.lease.revoked.Load() {
		return fmt.Errorf("%w: %w", device.ErrClosed, s.lease.cause)
	}
	return s.Session.Submit(ev)
}

// contextError maps a deadline to ErrWorkerStuck and leaves cancellation as is.
func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrWorkerStuck, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
