package keychain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var (
	// ErrInvalidPath is returned when a derivation path string cannot be
	// parsed.
	ErrInvalidPath = errors.New("invalid derivation path")
)

// Path is a BIP32 derivation path. Hardened steps carry the
// hdkeychain.HardenedKeyStart offset.
type Path []uint32

// ParsePath parses a derivation path such as "m/84h/1'/0h/0/5". The leading
// "m" is optional and both "h" and "'" mark hardened steps.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")

	if s == "" {
		return Path{}, nil
	}

	parts := strings.Split(s, "/")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		step, err := ParseStep(part)
		if err != nil {
			return nil, err
		}

		path = append(path, step)
	}

	return path, nil
}

// ParseStep parses a single derivation step, returning the hardened index if
// the step ends with "h", "H" or "'".
func ParseStep(part string) (uint32, error) {
	hardened := false
	switch {
	case strings.HasSuffix(part, "'"), strings.HasSuffix(part, "h"),
		strings.HasSuffix(part, "H"):

		hardened = true
		part = part[:len(part)-1]
	}

	// Only plain decimal digits are accepted, ParseUint would otherwise
	// allow a leading sign.
	if part == "" || strings.TrimLeft(part, "0123456789") != "" {
		return 0, fmt.Errorf("%w: step %q", ErrInvalidPath, part)
	}

	idx, err := strconv.ParseUint(part, 10, 32)
	if err != nil || idx >= hdkeychain.HardenedKeyStart {
		return 0, fmt.Errorf("%w: step %q out of range", ErrInvalidPath,
			part)
	}

	if hardened {
		return uint32(idx) + hdkeychain.HardenedKeyStart, nil
	}

	return uint32(idx), nil
}

// FormatStep renders a single derivation step using the "h" hardened marker.
func FormatStep(step uint32) string {
	if step >= hdkeychain.HardenedKeyStart {
		return strconv.FormatUint(
			uint64(step-hdkeychain.HardenedKeyStart), 10,
		) + "h"
	}

	return strconv.FormatUint(uint64(step), 10)
}

// String renders the path rooted at "m", for example "m/84h/1h/0h".
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("m")
	for _, step := range p {
		b.WriteString("/")
		b.WriteString(FormatStep(step))
	}

	return b.String()
}

// Suffix renders the path without the root marker, for example "84h/1h/0h".
// It is the form used after a fingerprint inside a key origin.
func (p Path) Suffix() string {
	return strings.TrimPrefix(strings.TrimPrefix(p.String(), "m"), "/")
}

// HasPrefix returns whether the path starts with the given prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}

	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}

	return true
}
