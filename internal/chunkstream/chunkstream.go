// Package chunkstream implements ChunkStream: the per-file BigTIFF reader
// and writer that owns one chunk of a dataset — header parse/emit, IFD-chain
// walking, pixel-strip I/O, image-frame append and the trailing
// summary-metadata commit.
//
// This is grounded on original_source/DeviceAdapters/go2scope/
// G2SBigTiffStream.cpp (open/parse/appendIFD/commit/formHeader), adapted to
// Go idiom and to the teacher's io-wrapper shape: ChunkStream plays the role
// the teacher's pkg/wal.WAL and pkg/sstable.SSTable each half-implemented —
// a single append-only, then-immutable, on-disk file — but unlike either of
// those, ChunkStream is also the container's own directory entry (no
// separate in-memory record type mirrors it) so its append/parse protocol
// carries the entire durability contract itself.
package chunkstream

import (
	"os"

	"g2sstore/internal/alignbuf"
	"g2sstore/internal/bcursor"
	"g2sstore/internal/tiff"
)

// MaxFileSize is the largest offset representable by a BigTIFF 64-bit
// offset field, per spec.md §4.2.1.
const MaxFileSize int64 = 1<<63 - 1

// ChunkStream is one physical chunk file.
type ChunkStream struct {
	path       string
	cursor     *bcursor.Cursor
	pool       *alignbuf.Pool
	bigTiff    bool
	direct     bool
	writeMode  bool
	flushEvery int

	header    *tiff.Header
	headerBuf []byte // encoded header, kept so we can patch fields in place
	headerLen int64

	// lastIFDOffset is 0 until at least one image has been appended or
	// loaded. lastIFDBuf caches the encoded IFD bytes of the most recently
	// written frame, or of the last intact frame Parse walked, so the next
	// append's next_IFD patch is a pure in-memory edit; it is nil after
	// Open until Parse has walked the chain, and an append in that state
	// fetches the IFD from disk first (spec.md §4.2.1 step 4).
	lastIFDOffset int64
	lastIFDBuf    []byte

	ifdOffsets []int64 // per-chunk IFD offset cache, append order

	imagesSinceFlush int
	summaryWritten   bool
	partial          bool

	// appendPosInit guards the one-time write-cursor seek to the current
	// end of file, needed because a freshly Opened Cursor's write position
	// starts at 0 regardless of how much the file already holds.
	appendPosInit bool
}

// Options configures how a chunk file is opened.
type Options struct {
	BigTiff    bool
	DirectIO   bool
	ChunkIndex uint32
	FlushEvery int // 0 disables periodic flush; every AddImage still commits
	Pool       *alignbuf.Pool
}

// Create opens path in write mode, writing a blank header template. The
// header's shape/UID/chunk_size fields are populated later via WriteUID and
// WriteShape, both legal only before the first image is appended.
func Create(path string, opts Options) (*ChunkStream, error) {
	const op = "ChunkStream.create"
	cur, err := bcursor.Open(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, opts.DirectIO)
	if err != nil {
		return nil, err
	}

	cs := newStream(path, cur, opts)
	cs.writeMode = true

	cs.header = &tiff.Header{
		BigTiff:    opts.BigTiff,
		ChunkIndex: opts.ChunkIndex,
		Shape:      nil,
	}
	cs.headerBuf = tiff.EncodeHeader(cs.header)
	cs.headerLen = int64(len(cs.headerBuf))
	if err := cs.commitAligned(op, 0, cs.headerBuf); err != nil {
		_ = cur.Close()
		return nil, err
	}
	return cs, nil
}

// Open opens an existing chunk file for read (or read/append) access and
// parses its header. Callers get dataset-level facts back from Parse.
func Open(path string, opts Options, writeMode bool) (*ChunkStream, error) {
	flag := os.O_RDONLY
	if writeMode {
		flag = os.O_RDWR
	}
	cur, err := bcursor.Open(path, flag, opts.DirectIO)
	if err != nil {
		return nil, err
	}

	cs := newStream(path, cur, opts)
	cs.writeMode = writeMode
	return cs, nil
}

func newStream(path string, cur *bcursor.Cursor, opts Options) *ChunkStream {
	return &ChunkStream{
		path:       path,
		cursor:     cur,
		pool:       opts.Pool,
		bigTiff:    opts.BigTiff,
		direct:     opts.DirectIO,
		flushEvery: opts.FlushEvery,
	}
}

// Path returns the chunk file's path.
func (cs *ChunkStream) Path() string { return cs.path }

// Partial reports whether Parse discovered a truncated tail.
func (cs *ChunkStream) Partial() bool { return cs.partial }

// ImageCount returns the number of frames recovered (or written) so far.
func (cs *ChunkStream) ImageCount() int { return len(cs.ifdOffsets) }

// IFDOffsets returns the per-chunk offset cache in append order.
func (cs *ChunkStream) IFDOffsets() []int64 { return cs.ifdOffsets }

// Close releases the underlying file handle. Idempotent.
func (cs *ChunkStream) Close() error {
	if cs.cursor == nil {
		return nil
	}
	err := cs.cursor.Close()
	cs.cursor = nil
	return err
}
