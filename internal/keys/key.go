// Package keys owns the transfer key space: key shape, the in-memory registry
// of active keys, and the advisory capacity monitor built on top of it.
package keys

import (
	"errors"
	"strings"
)

const (
	// Alphabet excludes I, O and 0 so keys can be read aloud and typed by hand.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ123456789"
	// Length is the number of symbols in every transfer key.
	Length = 5
)

var (
	// ErrInvalidKey is returned when a string is not a well-formed key.
	ErrInvalidKey = errors.New("invalid transfer key")
	// ErrKeySpaceExhausted is returned when Allocate cannot find a free key.
	ErrKeySpaceExhausted = errors.New("transfer key space exhausted")
)

// Key is a short public identifier for one stored file.
type Key string

func (k Key) String() string { return string(k) }

// Parse validates s and returns it as a Key.
func Parse(s string) (Key, error) {
	if !Valid(s) {
		return "", ErrInvalidKey
	}
	return Key(s), nil
}

// Valid reports whether s is exactly Length symbols from Alphabet.
func Valid(s string) bool {
	if len(s) != Length {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(Alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
