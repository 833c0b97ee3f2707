// Package alignbuf hands out sector-aligned scratch buffers for direct I/O
// writes and pads them to close the tail of a transfer that isn't an exact
// multiple of the device sector size.
//
// This is adapted from the teacher's internal/arena bump allocator: where
// arena.Arena carved variable-sized, alignment-padded regions out of one
// large mmap'd backing buffer for skiplist nodes, Pool carves single-use,
// sector-aligned padding buffers for ByteCursor's direct-I/O commit path
// (spec: "Padding buffers are supplied by the caller when data lengths are
// not S-aligned"). The bump/reset lifecycle doesn't apply here — each commit
// needs one buffer, used once — so Pool is a sync.Pool of recycled buffers
// keyed by sector size instead of an arena with an allocation cursor.
package alignbuf

import (
	"sync"

	"g2sstore/internal/mmap"
)

// Pool recycles sector-aligned buffers of a fixed sector size. The zero
// value is not usable; construct with New.
type Pool struct {
	sector int
	pool   sync.Pool
}

// New returns a Pool that hands out buffers whose length is always a
// multiple of sector.
func New(sector int) *Pool {
	p := &Pool{sector: sector}
	p.pool.New = func() any {
		buf, err := mmap.New(sector)
		if err != nil {
			// mmap is best-effort; fall back to a GC-managed buffer. Direct
			// I/O only requires the buffer's address be sector aligned on
			// some platforms, but since callers only use these buffers to
			// pad a write to a sector boundary before Write(2), a slice
			// allocated by the runtime allocator is acceptable here.
			return make([]byte, sector)
		}
		return buf
	}
	return p
}

// SectorSize returns the sector size this pool aligns to.
func (p *Pool) SectorSize() int {
	return p.sector
}

// AlignUp rounds n up to the next multiple of the pool's sector size.
func (p *Pool) AlignUp(n int) int {
	return AlignUp(n, p.sector)
}

// AlignUp rounds n up to the next multiple of alignment. alignment must be a
// power of two.
func AlignUp(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) &^ (alignment - 1)
}

// Pad returns a zero-filled buffer whose length is len(prefix) rounded up to
// a multiple of the sector size (one full sector when prefix is empty), with
// prefix copied in at the start. The buffer must be returned with Put once
// the caller is done writing it.
func (p *Pool) Pad(prefix []byte) []byte {
	aligned := p.AlignUp(len(prefix))
	if aligned == 0 {
		aligned = p.sector
	}
	buf := p.get(aligned)
	clear(buf)
	copy(buf, prefix)
	return buf
}

// get returns a recycled buffer resized to exactly n bytes (n must already
// be sector-aligned), growing the pooled buffer if it's too small.
func (p *Pool) get(n int) []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < n {
		return make([]byte, n)
	}
	return buf[:n]
}

// Put returns buf to the pool for reuse. Passing a buffer not obtained from
// Pad is safe but wasteful.
func (p *Pool) Put(buf []byte) {
	p.pool.Put(buf) //nolint:staticcheck // deliberate: length varies, capacity is what matters
}
