package device

import (
	"fmt"

	"github.com/go-vgo/robotgo"

	"github.com/chaz8081/keytyper/internal/keymap"
)

// Indirections over robotgo so session bookkeeping can be tested without a
// display.
var (
	robotgoToggle = func(key string, down bool) error {
		state := "up"
		if down {
			state = "down"
		}
		return robotgo.KeyToggle(key, state)
	}
	robotgoType = func(text string) error {
		robotgo.Type(text)
		return nil
	}
)

// Robotgo drives the desktop input facility (XTest, CGEvent, SendInput)
// through robotgo. It supports direct text insertion.
type Robotgo struct{}

var _ Backend = (*Robotgo)(nil)

// NewRobotgo creates a robotgo backend.
func NewRobotgo() *Robotgo {
	return &Robotgo{}
}

func (*Robotgo) Name() string       { return BackendRobotgo }
func (*Robotgo) SupportsText() bool { return true }
func (*Robotgo) Close() error       { return nil }

// Open starts a session. robotgo needs no per-session setup.
func (*Robotgo) Open() (Session, error) {
	return &robotgoSession{}, nil
}

type robotgoSession struct {
	held   heldKeys
	closed bool
}

func (s *robotgoSession) Submit(ev keymap.KeyEvent) error {
	if s.closed {
		return ErrClosed
	}
	switch ev.Action {
	case keymap.Press:
		if err := robotgoToggle(ev.Key, true); err != nil {
			return fmt.Errorf("robotgo: key down %q: %w", ev.Key, err)
		}
		s.held.press(ev.Key)
	case keymap.Release:
		if err := robotgoToggle(ev.Key, false); err != nil {
			return fmt.Errorf("robotgo: key up %q: %w", ev.Key, err)
		}
		s.held.release(ev.Key)
	case keymap.Type:
		if err := robotgoType(ev.Text); err != nil {
			return fmt.Errorf("robotgo: type %q: %w", ev.Text, err)
		}
	default:
		return fmt.Errorf("%w: %v", ErrUnsupportedEvent, ev.Action)
	}
	return nil
}

func (s *robotgoSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.held.releaseAll(robotgoToggle); err != nil {
		return fmt.Errorf("robotgo: release held keys: %w", err)
	}
	return nil
}
