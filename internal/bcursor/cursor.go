// Package bcursor implements ByteCursor: a positioned, optionally
// alignment-constrained read/write cursor over a single open file handle.
//
// It is grounded on the teacher's internal/storage and pkg/storage Writer
// (a directio-backed, block-padding io.WriteCloser) generalized to also
// read, to expose independent read/write position markers, and to support a
// buffered (non-direct) mode — none of which the teacher's write-only,
// append-only SSTable/WAL writer needed. The read/write cursor pair and the
// "seek changes only the position, the next fetch/commit resumes from where
// its own cursor last was" behavior mirrors G2SBigTiffStream::fetch/commit/
// seek in original_source, translated from a stateful OS file cursor to
// explicit ReadAt/WriteAt calls so a Cursor has no hidden kernel-side state.
package bcursor

import (
	"io"
	"os"
	"sync"

	"github.com/ncw/directio"

	"g2sstore/pkg/g2serr"
)

// probedSectorSize mirrors the teacher's storage.Writer sync.Once dance: it
// computes the direct-I/O alignment once, as the length of a
// directio.AlignedBlock of directio.BlockSize bytes, i.e. directio.BlockSize.
var (
	probeOnce  sync.Once
	sectorSize int
)

func probedSectorSize() int {
	probeOnce.Do(func() {
		sectorSize = len(directio.AlignedBlock(directio.BlockSize))
	})
	return sectorSize
}

// ProbeSectorSize exposes the platform's direct-I/O alignment boundary
// without requiring an open Cursor, so callers can size an
// internal/alignbuf.Pool before the first chunk file is created.
func ProbeSectorSize() int {
	return probedSectorSize()
}

// Cursor is a positioned read/write handle over one open file. It tracks a
// read position and a write position independently; each Fetch/Commit
// resumes from its own last position rather than a single shared file
// cursor, and Seek repositions both.
type Cursor struct {
	file   *os.File
	direct bool
	sector int // 2 in buffered mode (BigTIFF word alignment), device sector size in direct mode

	mu       sync.Mutex
	readPos  int64
	writePos int64
}

// Open opens path for read/write, creating it if flag includes os.O_CREATE.
// When direct is true the file is opened with OS-unbuffered I/O via
// directio.OpenFile and every Fetch/Commit/Seek is required to be a
// multiple of the probed device sector size.
func Open(path string, flag int, direct bool) (*Cursor, error) {
	var (
		f   *os.File
		err error
	)
	if direct {
		f, err = directio.OpenFile(path, flag, 0644)
	} else {
		f, err = os.OpenFile(path, flag, 0644)
	}
	if err != nil {
		return nil, g2serr.WrapIo("ByteCursor.Open", g2serr.OpenFailed, err)
	}

	sector := 2 // BigTIFF word alignment for buffered mode
	if direct {
		sector = probedSectorSize()
	}

	return &Cursor{
		file:   f,
		direct: direct,
		sector: sector,
	}, nil
}

// SectorSize returns the alignment boundary this cursor enforces: the
// device sector size in direct mode, or 2 (BigTIFF word alignment) in
// buffered mode.
func (c *Cursor) SectorSize() int {
	return c.sector
}

// Direct reports whether this cursor performs unbuffered I/O.
func (c *Cursor) Direct() bool {
	return c.direct
}

func (c *Cursor) aligned(off int64, length int) bool {
	if !c.direct {
		return true
	}
	return off%int64(c.sector) == 0 && length%c.sector == 0
}

// Fetch reads exactly len(buf) bytes starting at the cursor's current read
// position and advances the read position by that amount. In direct mode
// both the read position and len(buf) must be sector-aligned; callers
// obtain aligned scratch buffers from internal/alignbuf.
func (c *Cursor) Fetch(buf []byte) (int, error) {
	c.mu.Lock()
	pos := c.readPos
	c.mu.Unlock()

	if !c.aligned(pos, len(buf)) {
		return 0, g2serr.WrapIo("ByteCursor.Fetch", g2serr.AlignmentViolationIo,
			io.ErrShortBuffer)
	}

	n, err := io.ReadFull(io.NewSectionReader(c.file, pos, int64(len(buf))), buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return n, g2serr.WrapIo("ByteCursor.Fetch", g2serr.ReadFailed, err)
	}

	c.mu.Lock()
	c.readPos = pos + int64(n)
	c.mu.Unlock()

	if err == io.ErrUnexpectedEOF || (err == io.EOF && n < len(buf)) {
		return n, g2serr.Wrap("ByteCursor.Fetch", g2serr.NotFound, io.EOF)
	}
	return n, nil
}

// Commit writes buf starting at the cursor's current write position and
// advances the write position by len(buf). Seeking past the current end of
// file is legal as long as a subsequent Commit fills the gap.
func (c *Cursor) Commit(buf []byte) (int, error) {
	c.mu.Lock()
	pos := c.writePos
	c.mu.Unlock()

	if !c.aligned(pos, len(buf)) {
		return 0, g2serr.WrapIo("ByteCursor.Commit", g2serr.AlignmentViolationIo,
			io.ErrShortWrite)
	}

	n, err := c.file.WriteAt(buf, pos)
	if err != nil {
		return n, g2serr.WrapIo("ByteCursor.Commit", g2serr.WriteFailed, err)
	}

	c.mu.Lock()
	c.writePos = pos + int64(n)
	c.mu.Unlock()
	return n, nil
}

// Seek repositions both the read and write cursors to abs. A read past the
// end of file is only discovered on the next Fetch.
func (c *Cursor) Seek(abs int64) error {
	if abs < 0 {
		return g2serr.Wrap("ByteCursor.Seek", g2serr.InvalidArgument, nil)
	}
	if c.direct && abs%int64(c.sector) != 0 {
		return g2serr.WrapIo("ByteCursor.Seek", g2serr.AlignmentViolationIo, nil)
	}
	c.mu.Lock()
	c.readPos = abs
	c.writePos = abs
	c.mu.Unlock()
	return nil
}

// SeekRead repositions only the read cursor, leaving the write cursor where
// it was. Used by ChunkStream to patch a previous frame's next_IFD pointer
// without disturbing the append position.
func (c *Cursor) SeekRead(abs int64) error {
	if abs < 0 {
		return g2serr.Wrap("ByteCursor.SeekRead", g2serr.InvalidArgument, nil)
	}
	c.mu.Lock()
	c.readPos = abs
	c.mu.Unlock()
	return nil
}

// SeekWrite repositions only the write cursor, leaving the read cursor where
// it was.
func (c *Cursor) SeekWrite(abs int64) error {
	if abs < 0 {
		return g2serr.Wrap("ByteCursor.SeekWrite", g2serr.InvalidArgument, nil)
	}
	c.mu.Lock()
	c.writePos = abs
	c.mu.Unlock()
	return nil
}

// ReadPosition returns the current read cursor position.
func (c *Cursor) ReadPosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readPos
}

// WritePosition returns the current write cursor position.
func (c *Cursor) WritePosition() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writePos
}

// Size returns the current on-disk file length.
func (c *Cursor) Size() (int64, error) {
	info, err := c.file.Stat()
	if err != nil {
		return 0, g2serr.WrapIo("ByteCursor.Size", g2serr.ReadFailed, err)
	}
	return info.Size(), nil
}

// Flush forces the file's contents to stable storage.
func (c *Cursor) Flush() error {
	if err := c.file.Sync(); err != nil {
		return g2serr.WrapIo("ByteCursor.Flush", g2serr.WriteFailed, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (c *Cursor) Close() error {
	if err := c.file.Close(); err != nil {
		return g2serr.WrapIo("ByteCursor.Close", g2serr.WriteFailed, err)
	}
	return nil
}
