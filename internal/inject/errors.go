package inject

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for the inject package.
var (
	// ErrInjectionFailed classifies every job-level injection failure.
	ErrInjectionFailed = errors.New("injection failed")

	// ErrWorkerStuck is returned when the injection deadline passes before
	// the job finished.
	ErrWorkerStuck = errors.New("worker stuck")

	// ErrDeviceBusy is returned when the input device could not be acquired.
	ErrDeviceBusy = errors.New("device busy")

	// ErrUnsupportedCharacter is matched by Skip.Err. It is never returned
	// from Inject; skips are recorded in Result.Skipped.
	ErrUnsupportedCharacter = errors.New("unsupported character")
)

// InjectionError reports a job that stopped part-way. Characters already
// submitted stay typed; Delivered says how many.
type InjectionError struct {
	Delivered int
	Err       error
}

func (e *InjectionError) Error() string {
	return "inject: failed after " + strconv.Itoa(e.Delivered) + " characters: " + e.Err.Error()
}

// Unwrap lets errors.Is match both ErrInjectionFailed and the cause.
func (e *InjectionError) Unwrap() []error {
	return []error{ErrInjectionFailed, e.Err}
}

// Skip records a character that had no key mapping.
type Skip struct {
	Index int    // character (grapheme) index in the job text
	Char  string // the character as received
}

// Err returns the skip as an error matching ErrUnsupportedCharacter.
func (s Skip) Err() error {
	return fmt.Errorf("%w %+q at %d", ErrUnsupportedCharacter, s.Char, s.Index)
}

func (s Skip) String() string {
	return s.Err().Error()
}
