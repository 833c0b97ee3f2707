// Package compare provides small ordering primitives used to keep on-disk
// structures in a well-defined order.
//
// The teacher used Compare exclusively for internal-key byte comparison in
// service of a sorted skiplist. This module has no sorted key space — image
// frames are ordered by append order, not by key — so the only ordering
// concern left is keeping a dataset's chunk files in ascending chunk_index
// order once discovered by directory scan (spec §4.3: "orders them by
// embedded chunk_index"). Bytes returns to its original shape (a
// []byte comparator) for comparing raw dataset UUIDs across chunks.
package compare

import "bytes"

// Bytes compares two byte slices lexicographically, mirroring bytes.Compare.
// Used to check that every chunk of a dataset carries an identical UUID.
type Bytes func(a, b []byte) int

// DefaultBytes is the standard lexicographic byte comparator.
var DefaultBytes Bytes = bytes.Compare

// Uint32 compares two chunk indices for ordering chunk files independent of
// filename lexical order (a "_10" chunk must sort after "_2").
func Uint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
