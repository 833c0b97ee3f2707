package chunkstream

import (
	"g2sstore/internal/tiff"
	"g2sstore/pkg/g2serr"
)

// WriteUID patches the header's dataset UID. Legal only in write mode
// before the first image has been committed.
func (cs *ChunkStream) WriteUID(uid [16]byte) error {
	const op = "ChunkStream.write_uid"
	if !cs.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if len(cs.ifdOffsets) > 0 {
		return g2serr.New(op, g2serr.InvalidState)
	}
	cs.header.UID = uid
	return cs.rewriteHeaderInPlace(op)
}

// WriteShape patches the header's shape and chunk_size fields. Legal only
// in write mode before the first image has been committed, since a shape
// change alters the header's on-disk length.
func (cs *ChunkStream) WriteShape(shape []uint32, chunkSize uint32) error {
	const op = "ChunkStream.write_shape"
	if !cs.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if len(cs.ifdOffsets) > 0 {
		return g2serr.New(op, g2serr.InvalidState)
	}

	cs.header.Shape = shape
	cs.header.ChunkSize = chunkSize
	cs.headerBuf = tiff.EncodeHeader(cs.header)
	cs.headerLen = int64(len(cs.headerBuf))

	return cs.commitAligned(op, 0, cs.headerBuf)
}

// rewriteHeaderInPlace re-encodes and re-emits the full header at offset 0,
// then restores the write cursor to wherever it was (used for fixed-size
// field patches issued after the first frame has already been appended).
func (cs *ChunkStream) rewriteHeaderInPlace(op string) error {
	cs.headerBuf = tiff.EncodeHeader(cs.header)
	saved := cs.cursor.WritePosition()
	if err := cs.commitAligned(op, 0, cs.headerBuf); err != nil {
		return err
	}
	if err := cs.cursor.SeekWrite(saved); err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}
	return nil
}

// alignUp rounds n up to the next multiple of alignment (a power of two).
func alignUp(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) &^ (alignment - 1)
}

// ensureAppendPosition seeks the write cursor to the true end of file on
// the first write-side call after Open. A fresh Cursor always starts with
// writePos 0, which is only correct for a brand-new file created via
// Create; a chunk reopened for append must resume from its actual size.
func (cs *ChunkStream) ensureAppendPosition(op string) error {
	if cs.appendPosInit {
		return nil
	}
	cs.appendPosInit = true

	if len(cs.ifdOffsets) == 0 && !cs.summaryWritten {
		return cs.cursor.SeekWrite(cs.headerLen)
	}
	size, err := cs.cursor.Size()
	if err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}
	return cs.cursor.SeekWrite(size)
}

// AppendImage writes one image frame — IFD, pixel strip, alignment padding,
// and optional NUL-terminated metadata — following the append protocol in
// spec.md §4.2.1, and returns the new frame's IFD offset.
func (cs *ChunkStream) AppendImage(width, height uint32, bitsPerSample, samplesPerPixel uint16, pixels []byte, meta []byte) (int64, error) {
	const op = "ChunkStream.append_image"
	if !cs.writeMode {
		return 0, g2serr.New(op, g2serr.InvalidState)
	}

	if err := cs.ensureAppendPosition(op); err != nil {
		return 0, err
	}

	hasMeta := len(meta) > 0
	tagCount := 8
	if hasMeta {
		tagCount = 9
	}
	ifdBytes := tiff.IFDSize(cs.bigTiff, tagCount)

	w := cs.cursor.WritePosition()
	if cs.direct {
		// The header and metadata-bearing frames need not end on a sector
		// boundary, so a direct-mode frame starts at the next one.
		w = int64(alignUp(int(w), cs.cursor.SectorSize()))
	}
	stripOffset := w + int64(ifdBytes)
	metaOffset := stripOffset + int64(len(pixels))
	align := cs.cursor.SectorSize()
	metaOffset = int64(alignUp(int(metaOffset), align))

	metaLen := 0
	if hasMeta {
		metaLen = len(meta) + 1 // trailing NUL
	}
	frameEnd := metaOffset + int64(metaLen)
	if !hasMeta {
		frameEnd = int64(alignUp(int(stripOffset+int64(len(pixels))), align))
	}

	if frameEnd > MaxFileSize {
		return 0, g2serr.New(op, g2serr.OutOfResources)
	}

	// Step 4: patch the previous frame's next_IFD to point at this frame,
	// or, if this is the first frame in the chunk, patch the header's
	// first_ifd_offset instead.
	if len(cs.ifdOffsets) > 0 {
		if err := cs.patchPreviousNextIFD(op, w); err != nil {
			return 0, err
		}
	} else {
		cs.header.FirstIFDOffset = uint64(w)
		if err := cs.rewriteHeaderInPlace(op); err != nil {
			return 0, err
		}
	}

	frame := &tiff.Frame{
		Width:           width,
		Height:          height,
		BitsPerSample:   bitsPerSample,
		SamplesPerPixel: samplesPerPixel,
		StripOffset:     uint64(stripOffset),
		StripByteCount:  uint64(len(pixels)),
		HasMetadata:     hasMeta,
		NextIFD:         0,
	}
	if hasMeta {
		frame.MetaOffset = uint64(metaOffset)
		frame.MetaLength = uint64(metaLen)
	}
	ifdBuf := tiff.EncodeIFD(cs.bigTiff, frame)

	if err := cs.cursor.SeekWrite(w); err != nil {
		return 0, g2serr.Wrap(op, g2serr.IoError, err)
	}

	if cs.direct {
		// Direct I/O requires every Commit's offset and length to be a
		// sector multiple, so the whole frame is assembled into one
		// aligned buffer (w was rounded up to a sector boundary above and
		// the frame's length is rounded up to the sector size) and written
		// with a single Commit.
		total := alignUp(int(frameEnd-w), align)
		var frameBuf []byte
		if cs.pool != nil {
			frameBuf = cs.pool.Pad(ifdBuf)
			if len(frameBuf) < total {
				cs.pool.Put(frameBuf)
				frameBuf = make([]byte, alignUp(total, align))
				copy(frameBuf, ifdBuf)
			}
		} else {
			frameBuf = make([]byte, alignUp(total, align))
			copy(frameBuf, ifdBuf)
		}
		copy(frameBuf[len(ifdBuf):], pixels)
		if hasMeta {
			copy(frameBuf[metaOffset-w:], meta)
		}
		if _, err := cs.cursor.Commit(frameBuf[:total]); err != nil {
			if cs.pool != nil {
				cs.pool.Put(frameBuf)
			}
			return 0, g2serr.Wrap(op, g2serr.IoError, err)
		}
		if cs.pool != nil {
			cs.pool.Put(frameBuf)
		}
	} else {
		if _, err := cs.cursor.Commit(ifdBuf); err != nil {
			return 0, g2serr.Wrap(op, g2serr.IoError, err)
		}
		if len(pixels) > 0 {
			if _, err := cs.cursor.Commit(pixels); err != nil {
				return 0, g2serr.Wrap(op, g2serr.IoError, err)
			}
		}
		if pad := metaOffset - (stripOffset + int64(len(pixels))); pad > 0 {
			if _, err := cs.cursor.Commit(make([]byte, pad)); err != nil {
				return 0, g2serr.Wrap(op, g2serr.IoError, err)
			}
		}
		if hasMeta {
			tail := make([]byte, metaLen)
			copy(tail, meta)
			if _, err := cs.cursor.Commit(tail); err != nil {
				return 0, g2serr.Wrap(op, g2serr.IoError, err)
			}
		}
	}

	cs.ifdOffsets = append(cs.ifdOffsets, w)
	cs.lastIFDOffset = w
	cs.lastIFDBuf = ifdBuf

	cs.imagesSinceFlush++
	if cs.flushEvery > 0 && cs.imagesSinceFlush >= cs.flushEvery {
		if err := cs.cursor.Flush(); err != nil {
			return 0, err
		}
		cs.imagesSinceFlush = 0
	}

	return w, nil
}

// patchPreviousNextIFD implements spec.md §4.2.1 step 4: the previous
// frame's cached IFD (present unless this chunk was just reopened) is
// patched in memory and the trailing next_IFD field alone is rewritten on
// disk, leaving the write cursor at its append position afterward.
func (cs *ChunkStream) patchPreviousNextIFD(op string, newOffset int64) error {
	prevOffset := cs.ifdOffsets[len(cs.ifdOffsets)-1]

	if cs.lastIFDBuf == nil {
		buf, err := cs.fetchRawIFD(prevOffset)
		if err != nil {
			return err
		}
		cs.lastIFDBuf = buf
	}

	tiff.PatchNextIFD(cs.lastIFDBuf, cs.bigTiff, uint64(newOffset))

	nextFieldSize := tiff.NextIFDSize(cs.bigTiff)
	nextFieldOffset := prevOffset + int64(len(cs.lastIFDBuf)) - int64(nextFieldSize)
	saved := cs.cursor.WritePosition()
	tail := cs.lastIFDBuf[len(cs.lastIFDBuf)-nextFieldSize:]
	if err := cs.commitAligned(op, nextFieldOffset, tail); err != nil {
		return err
	}
	if err := cs.cursor.SeekWrite(saved); err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}
	return nil
}

// fetchRawIFD reads back the raw encoded bytes of the IFD at offset,
// leaving the read cursor as it found it. Used only when lastIFDBuf is nil,
// i.e. right after a chunk has been reopened for append.
func (cs *ChunkStream) fetchRawIFD(offset int64) ([]byte, error) {
	const op = "ChunkStream.load_ifd"
	savedRead := cs.cursor.ReadPosition()
	defer cs.cursor.SeekRead(savedRead)

	countBuf, err := cs.fetchAligned(op, offset, tiff.CountFieldSize(cs.bigTiff))
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}
	tagCount := decodeTagCount(countBuf, cs.bigTiff)
	ifdSize := tiff.IFDSize(cs.bigTiff, tagCount)
	buf, err := cs.fetchAligned(op, offset, ifdSize)
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}
	return buf, nil
}

// AppendSummaryMetadata appends the dataset's opaque summary-metadata
// buffer to the tail of this chunk and records its offset in the header.
// Legal only once; the caller (Dataset.close) is responsible for only
// calling this on the dataset's first chunk.
func (cs *ChunkStream) AppendSummaryMetadata(b []byte) error {
	const op = "ChunkStream.append_summary_metadata"
	if !cs.writeMode {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if cs.summaryWritten {
		return g2serr.New(op, g2serr.InvalidState)
	}
	if err := cs.ensureAppendPosition(op); err != nil {
		return err
	}

	off := cs.cursor.WritePosition()
	if err := cs.commitAligned(op, off, b); err != nil {
		return err
	}
	if err := cs.cursor.SeekWrite(off + int64(len(b))); err != nil {
		return g2serr.Wrap(op, g2serr.IoError, err)
	}

	cs.header.SummaryMetaOffset = uint64(off)
	if err := cs.rewriteHeaderInPlace(op); err != nil {
		return err
	}

	cs.summaryWritten = true
	return nil
}

// Flush forces this chunk's contents to stable storage.
func (cs *ChunkStream) Flush() error {
	return cs.cursor.Flush()
}
