//go:build !linux

package device

import (
	"errors"
	"runtime"
)

// Keybd is only available on Linux, where it drives a uinput device.
type Keybd struct{}

var _ Backend = (*Keybd)(nil)

// NewKeybd always fails outside Linux.
func NewKeybd() (*Keybd, error) {
	return nil, errors.New("device: keybd backend requires linux, running on " + runtime.GOOS)
}

func (*Keybd) Name() string           { return BackendKeybd }
func (*Keybd) SupportsText() bool     { return false }
func (*Keybd) Open() (Session, error) { return nil, ErrClosed }
func (*Keybd) Close() error           { return nil }
