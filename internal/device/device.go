// Package device provides the OS input backends that key events are
// submitted to.
//
// A Backend is the long-lived handle to an input facility. Each injection job
// opens its own Session and closes it when done; a Session remembers which
// keys it holds down so that Close can release them after a failed submit.
package device

import (
	"errors"
	"fmt"

	"github.com/chaz8081/keytyper/internal/keymap"
)

// Backend names accepted by New.
const (
	BackendRobotgo = "robotgo"
	BackendKeybd   = "keybd"
)

var (
	// ErrUnsupportedEvent is returned by a session asked to submit an event
	// its backend cannot express (e.g. Type on a keycode-only backend).
	ErrUnsupportedEvent = errors.New("device: unsupported event")

	// ErrClosed is returned when submitting on a closed session.
	ErrClosed = errors.New("device: session closed")
)

// Backend is an OS input facility.
type Backend interface {
	// Name returns the backend name as used in config.
	Name() string
	// SupportsText reports whether sessions accept keymap.Type events.
	SupportsText() bool
	// Open starts a session for one injection job.
	Open() (Session, error)
	// Close releases backend resources.
	Close() error
}

// Session submits events for a single job.
type Session interface {
	// Submit sends one event to the OS.
	Submit(ev keymap.KeyEvent) error
	// Close releases any keys still held down by this session.
	Close() error
}

// New creates the backend with the given name.
func New(name string) (Backend, error) {
	switch name {
	case BackendRobotgo, "":
		return NewRobotgo(), nil
	case BackendKeybd:
		kb, err := NewKeybd()
		if err != nil {
			return nil, err
		}
		return kb, nil
	default:
		return nil, fmt.Errorf("device: unknown backend %q (supported: robotgo, keybd)", name)
	}
}

// keyToggler is the low-level press/release primitive a heldKeys tracker
// drives on release.
type keyToggler func(key string, down bool) error

// heldKeys tracks keys pressed but not yet released, in press order.
type heldKeys struct {
	keys []string
}

func (h *heldKeys) press(key string) {
	h.keys = append(h.keys, key)
}

func (h *heldKeys) release(key string) {
	for i := len(h.keys) - 1; i >= 0; i-- {
		if h.keys[i] == key {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			return
		}
	}
}

// releaseAll lets every held key up, most recent first, and returns the first
// error seen.
func (h *heldKeys) releaseAll(toggle keyToggler) error {
	var first error
	for i := len(h.keys) - 1; i >= 0; i-- {
		if err := toggle(h.keys[i], false); err != nil && first == nil {
			first = err
		}
	}
	h.keys = nil
	return first
}
