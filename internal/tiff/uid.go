package tiff

import (
	"strings"

	"github.com/google/uuid"

	"g2sstore/pkg/g2serr"
)

// ParseUID accepts a dataset UID with or without dashes and returns its raw
// 16-byte form, mirroring the original G2SBigTiffStream::parse loop that
// re-derives hex digits directly rather than requiring a canonical string.
func ParseUID(s string) ([16]byte, error) {
	var raw [16]byte
	compact := strings.ReplaceAll(s, "-", "")
	if len(compact) != 32 {
		return raw, g2serr.Wrap("ParseUID", g2serr.InvalidArgument, nil)
	}
	id, err := uuid.Parse(compact)
	if err != nil {
		return raw, g2serr.Wrap("ParseUID", g2serr.InvalidArgument, err)
	}
	raw = id
	return raw, nil
}

// FormatUID renders a raw 16-byte UID in canonical dashed lowercase hex,
// e.g. "11111111-2222-3333-4444-555555555555". The emitter always emits
// dashed form even if the dataset was created from an undashed string.
func FormatUID(raw [16]byte) string {
	return uuid.UUID(raw).String()
}

// NewUID generates a fresh random dataset UID.
func NewUID() [16]byte {
	return uuid.New()
}

// IsZeroUID reports whether raw is the all-zero UID, which the header
// treats as "no UID assigned yet".
func IsZeroUID(raw [16]byte) bool {
	for _, b := range raw {
		if b != 0 {
			return false
		}
	}
	return true
}
