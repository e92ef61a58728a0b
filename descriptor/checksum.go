// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// checksumInputCharset is the ordered set of characters a descriptor may
	// contain. The position of a character determines its checksum symbol.
	checksumInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 alphabet the checksum is written in.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	// ChecksumLength is the number of characters in a descriptor checksum.
	ChecksumLength = 8
)

var (
	// checksumGenerator holds the generator constants of the descriptor
	// checksum polymod.
	checksumGenerator = [5]uint64{
		0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a,
		0x644d626ffd,
	}

	// ErrInvalidCharacter is returned when a descriptor contains a
	// character outside of the descriptor charset.
	ErrInvalidCharacter = errors.New("invalid character in descriptor")

	// ErrChecksumMismatch is returned when the checksum suffix of a
	// descriptor does not match its body.
	ErrChecksumMismatch = errors.New("descriptor checksum mismatch")
)

// polymod is the BCH code over GF(32) used by descriptor checksums.
func polymod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)

	for i := 0; i < 5; i++ {
		if (c0>>i)&1 != 0 {
			c ^= checksumGenerator[i]
		}
	}

	return c
}

// Checksum computes the eight character checksum of a descriptor body. The
// body must not carry a "#" suffix.
func Checksum(desc string) (string, error) {
	c := uint64(1)
	cls, clsCount := 0, 0

	for _, ch := range desc {
		pos := strings.IndexRune(checksumInputCharset, ch)
		if pos < 0 {
			return "", fmt.Errorf("%w: %q", ErrInvalidCharacter, ch)
		}

		// Emit a symbol for the position inside the group, for every
		// character.
		c = polymod(c, pos&31)

		// Accumulate the group numbers.
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls, clsCount = 0, 0
		}
	}

	if clsCount > 0 {
		c = polymod(c, cls)
	}

	// Shift further to determine the checksum.
	for i := 0; i < ChecksumLength; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	var sb strings.Builder
	for i := 0; i < ChecksumLength; i++ {
		sb.WriteByte(checksumCharset[(c>>(5*(7-i)))&31])
	}

	return sb.String(), nil
}

// AddChecksum appends "#checksum" to a descriptor body.
func AddChecksum(desc string) (string, error) {
	sum, err := Checksum(desc)
	if err != nil {
		return "", err
	}

	return desc + "#" + sum, nil
}

// SplitChecksum separates a descriptor from its optional checksum suffix. If
// a suffix is present it is validated against the body.
func SplitChecksum(desc string) (string, string, error) {
	body, sum, found := strings.Cut(desc, "#")
	if !found {
		if _, err := Checksum(body); err != nil {
			return "", "", err
		}

		return body, "", nil
	}

	expected, err := Checksum(body)
	if err != nil {
		return "", "", err
	}

	if sum != expected {
		return "", "", fmt.Errorf("%w: got %q, want %q",
			ErrChecksumMismatch, sum, expected)
	}

	return body, sum, nil
}
