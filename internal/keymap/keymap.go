// Package keymap converts characters into platform-neutral key events.
//
// The mapper is pure: it never touches the OS. A character is one extended
// grapheme cluster, normalized to NFC before lookup. Characters with a key on
// the US-QWERTY layout become press/release sequences (wrapped in shift where
// needed); other printable text becomes a single Type event when the mapper
// allows Unicode insertion.
package keymap

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Action is the kind of a KeyEvent.
type Action int

const (
	// Press holds a key down.
	Press Action = iota
	// Release lets a held key up.
	Release
	// Type inserts text directly, bypassing the key layout.
	Type
)

func (a Action) String() string {
	switch a {
	case Press:
		return "press"
	case Release:
		return "release"
	case Type:
		return "type"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// KeyEvent is a single input primitive. Press and Release carry a key name
// (e.g. "shift", "a", "enter", ";"); Type carries the text to insert.
type KeyEvent struct {
	Action Action
	Key    string
	Text   string
}

func (e KeyEvent) String() string {
	if e.Action == Type {
		return fmt.Sprintf("type %q", e.Text)
	}
	return e.Action.String() + " " + e.Key
}

// Mapping is the result of mapping one character. Supported is false when the
// character has no representable key action; Events is then empty.
// A supported mapping may also be empty (zero-width format characters).
type Mapping struct {
	Events    []KeyEvent
	Supported bool
}

// Options configures a Mapper.
type Options struct {
	// Unicode allows Type events for printable characters outside the layout.
	Unicode bool
}

// Mapper maps characters to key events.
type Mapper struct {
	unicode bool
}

// New creates a Mapper.
func New(opts Options) *Mapper {
	return &Mapper{unicode: opts.Unicode}
}

// Unicode reports whether the mapper emits Type events.
func (m *Mapper) Unicode() bool {
	return m.unicode
}

// Map returns the key events for one character.
func (m *Mapper) Map(char string) Mapping {
	if char == "" {
		return Mapping{Supported: true}
	}
	c := norm.NFC.String(char)

	switch c {
	case "\r\n", "\n", "\r":
		return supported(tap("enter", false))
	case "\t":
		return supported(tap("tab", false))
	case " ":
		return supported(tap("space", false))
	}

	if r, size := utf8.DecodeRuneInString(c); size == len(c) {
		if ignorable(r) {
			return Mapping{Supported: true}
		}
		if k, ok := usLayout[r]; ok {
			return supported(tap(k.key, k.shift))
		}
	}

	if !m.unicode || !printable(c) {
		return Mapping{}
	}
	return supported([]KeyEvent{{Action: Type, Text: c}})
}

func supported(events []KeyEvent) Mapping {
	return Mapping{Events: events, Supported: true}
}

// tap returns the press/release sequence for key, wrapped in shift if needed.
func tap(key string, shift bool) []KeyEvent {
	if !shift {
		return []KeyEvent{
			{Action: Press, Key: key},
			{Action: Release, Key: key},
		}
	}
	return []KeyEvent{
		{Action: Press, Key: "shift"},
		{Action: Press, Key: key},
		{Action: Release, Key: key},
		{Action: Release, Key: "shift"},
	}
}

// ignorable reports zero-width format characters that carry no visible text.
func ignorable(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}

// printable reports whether c can be inserted as text. The leading rune must
// be graphic; no rune may be a control, surrogate or private-use code point.
func printable(c string) bool {
	for i, r := range c {
		if r == utf8.RuneError {
			return false
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Co, r) || unicode.Is(unicode.Cs, r) {
			return false
		}
		if i == 0 && !unicode.IsGraphic(r) {
			return false
		}
	}
	return true
}
