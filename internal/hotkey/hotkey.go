// Package hotkey provides a global hotkey listener using gohook.
// It supports "toggle" mode (each press flips pause/resume) and
// "hold" mode (injection is paused while the keys are held).
package hotkey

import (
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"
)

// EventType says what the hotkey asks for.
type EventType int

const (
	// EventToggle flips between paused and running.
	EventToggle EventType = iota
	// EventPause holds injection.
	EventPause
	// EventResume lets injection continue.
	EventResume
)

func (t EventType) String() string {
	switch t {
	case EventToggle:
		return "toggle"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Listener manages a global hotkey and emits pause events.
type Listener struct {
	keys []string
	mode string // "hold" or "toggle"
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for the given key combo and mode.
// keys should be lowercase key names (e.g., ["ctrl", "shift", "p"]).
// mode must be "hold" or "toggle".
func NewListener(keys []string, mode string) *Listener {
	return &Listener{
		keys: keys,
		mode: mode,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the channel that receives hotkey events.
// The channel is closed when the listener stops.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Start begins listening for the global hotkey.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	switch l.mode {
	case "hold":
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(EventPause) })
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.emit(EventResume) })
	default: // "toggle"
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(EventToggle) })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit never blocks the hook callback.
func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
	}
}

// Stop terminates the hotkey listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Pauser is the part of the job queue a hotkey controls.
type Pauser interface {
	Pause()
	Resume()
	TogglePause() bool
}

// Drive applies events to p until events is closed.
func Drive(events <-chan Event, p Pauser) {
	for ev := range events {
		switch ev.Type {
		case EventToggle:
			paused := p.TogglePause()
			slog.Info("hotkey toggled injection", "paused", paused)
		case EventPause:
			p.Pause()
		case EventResume:
			p.Resume()
		}
	}
}
