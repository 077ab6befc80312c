//go:build linux

package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/micmonay/keybd_event"

	"github.com/chaz8081/keytyper/internal/keymap"
)

// keybdSettle is how long a fresh uinput device needs before the desktop
// picks it up; keys sent earlier are lost.
var keybdSettle = 2 * time.Second

// Keybd injects through a uinput virtual keyboard (micmonay/keybd_event).
// It works without a display server but only knows the US key layout, so it
// does not support text insertion. Requires write access to /dev/uinput.
type Keybd struct {
	mu sync.Mutex
	kb *keybd_event.KeyBonding
}

var _ Backend = (*Keybd)(nil)

// NewKeybd creates the virtual keyboard and waits for it to settle.
func NewKeybd() (*Keybd, error) {
	kb, err := keybd_event.NewKeyBonding()
	if err != nil {
		return nil, fmt.Errorf("keybd: create uinput device: %w", err)
	}
	time.Sleep(keybdSettle)
	return &Keybd{kb: &kb}, nil
}

func (*Keybd) Name() string       { return BackendKeybd }
func (*Keybd) SupportsText() bool { return false }

// Close is a no-op; the uinput device lives until the process exits.
func (*Keybd) Close() error { return nil }

// Open starts a session on the shared virtual keyboard.
func (k *Keybd) Open() (Session, error) {
	return &keybdSession{dev: k}, nil
}

// toggle presses or releases a single key by name.
func (k *Keybd) toggle(key string, down bool) error {
	code, ok := evdevCode(key)
	if !ok {
		return fmt.Errorf("%w: no keycode for %q", ErrUnsupportedEvent, key)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.kb.Clear()
	k.kb.SetKeys(code)
	if down {
		return k.kb.Press()
	}
	return k.kb.Release()
}

type keybdSession struct {
	dev    *Keybd
	held   heldKeys
	closed bool
}

func (s *keybdSession) Submit(ev keymap.KeyEvent) error {
	if s.closed {
		return ErrClosed
	}
	switch ev.Action {
	case keymap.Press:
		if err := s.dev.toggle(ev.Key, true); err != nil {
			return fmt.Errorf("keybd: key down %q: %w", ev.Key, err)
		}
		s.held.press(ev.Key)
	case keymap.Release:
		if err := s.dev.toggle(ev.Key, false); err != nil {
			return fmt.Errorf("keybd: key up %q: %w", ev.Key, err)
		}
		s.held.release(ev.Key)
	default:
		return fmt.Errorf("%w: keybd cannot %v", ErrUnsupportedEvent, ev)
	}
	return nil
}

func (s *keybdSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.held.releaseAll(s.dev.toggle); err != nil {
		return fmt.Errorf("keybd: release held keys: %w", err)
	}
	return nil
}
