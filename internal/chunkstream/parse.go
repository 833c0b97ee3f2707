package chunkstream

import (
	"g2sstore/internal/tiff"
	"g2sstore/pkg/g2serr"
)

// ParseResult is everything Parse recovers from a chunk file's header and,
// for the first chunk of a dataset, its tail.
type ParseResult struct {
	UID             [16]byte
	Shape           []uint32
	ChunkSize       uint32
	ChunkIndex      uint32
	SummaryMeta     []byte
	BitsPerSample   uint16
	SamplesPerPixel uint16
	ImageCount      int
	Partial         bool
}

// Parse reads the header, classifies the container flavor, walks the IFD
// chain and, for chunk 0, scans the tail for summary metadata. It never
// errors on a truncated tail: per spec.md §4.2.2 and §7, trailing garbage
// is silently dropped and Partial is set instead.
func (cs *ChunkStream) Parse() (*ParseResult, error) {
	const op = "ChunkStream.parse"

	probe, err := cs.fetchAligned(op, 0, 4)
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}
	bigTiff, ok := tiff.DetectFlavor(probe)
	if !ok {
		return nil, g2serr.New(op, g2serr.Corrupt)
	}
	cs.bigTiff = bigTiff

	fixedSize := tiff.FixedHeaderSize(bigTiff)
	fixed, err := cs.fetchAligned(op, 0, fixedSize)
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}

	axisCount := tiff.AxisCount(fixed, bigTiff)
	full, err := cs.fetchAligned(op, 0, tiff.HeaderSize(bigTiff, int(axisCount)))
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}

	header := tiff.DecodeHeader(full, bigTiff)
	cs.header = header
	cs.headerBuf = full
	cs.headerLen = int64(len(full))

	fileSize, err := cs.cursor.Size()
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.IoError, err)
	}

	var summaryMeta []byte
	if header.SummaryMetaOffset > 0 {
		if int64(header.SummaryMetaOffset) > fileSize {
			return nil, g2serr.New(op, g2serr.Corrupt)
		}
		summaryMeta, err = cs.fetchAligned(op, int64(header.SummaryMetaOffset), int(fileSize-int64(header.SummaryMetaOffset)))
		if err != nil {
			return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
		}
	}

	result := &ParseResult{
		UID:         header.UID,
		Shape:       header.Shape,
		ChunkSize:   header.ChunkSize,
		ChunkIndex:  header.ChunkIndex,
		SummaryMeta: summaryMeta,
	}

	if header.FirstIFDOffset == 0 {
		cs.lastIFDOffset = 0
		return result, nil
	}

	if err := cs.walkChain(int64(header.FirstIFDOffset), fileSize, result); err != nil {
		return nil, err
	}
	return result, nil
}

// walkChain follows the IFD chain, populating the offset cache and
// stopping cleanly (partial=true) at the first structural problem instead
// of erroring, per spec.md's lenient-recovery policy.
func (cs *ChunkStream) walkChain(start, fileSize int64, result *ParseResult) error {
	const op = "ChunkStream.parse"

	off := start
	pixformatSet := false

	for {
		if off < 0 || off >= fileSize {
			cs.partial = true
			break
		}

		countBuf, err := cs.fetchAligned(op, off, tiff.CountFieldSize(cs.bigTiff))
		if err != nil {
			cs.partial = true
			break
		}

		tagCount := decodeTagCount(countBuf, cs.bigTiff)
		if tagCount != 8 && tagCount != 9 {
			cs.partial = true
			break
		}

		ifdSize := tiff.IFDSize(cs.bigTiff, tagCount)
		if off+int64(ifdSize) > fileSize {
			cs.partial = true
			break
		}

		ifdBuf, err := cs.fetchAligned(op, off, ifdSize)
		if err != nil {
			cs.partial = true
			break
		}

		frame, ok := tiff.DecodeIFD(ifdBuf, cs.bigTiff)
		if !ok {
			return g2serr.New(op, g2serr.Corrupt)
		}

		expected := uint64(frame.Width) * uint64(frame.Height) *
			uint64(frame.BitsPerSample/8) * uint64(frame.SamplesPerPixel)
		if frame.StripByteCount != expected {
			return g2serr.New(op, g2serr.Corrupt)
		}

		stripEnd := int64(frame.StripOffset) + int64(frame.StripByteCount)
		if stripEnd > fileSize {
			cs.partial = true
			break
		}
		if frame.HasMetadata {
			metaEnd := int64(frame.MetaOffset) + int64(frame.MetaLength)
			if int64(frame.MetaOffset) < off+int64(ifdSize) {
				return g2serr.New(op, g2serr.Corrupt)
			}
			if metaEnd > fileSize {
				cs.partial = true
				break
			}
		}

		if !pixformatSet {
			result.BitsPerSample = frame.BitsPerSample
			result.SamplesPerPixel = frame.SamplesPerPixel
			pixformatSet = true
		}

		cs.ifdOffsets = append(cs.ifdOffsets, off)
		cs.lastIFDOffset = off
		cs.lastIFDBuf = ifdBuf

		if frame.NextIFD == 0 {
			break
		}
		if int64(frame.NextIFD) <= off || int64(frame.NextIFD) >= fileSize {
			cs.partial = true
			break
		}
		off = int64(frame.NextIFD)
	}

	result.ImageCount = len(cs.ifdOffsets)
	result.Partial = cs.partial
	return nil
}

func decodeTagCount(buf []byte, bigTiff bool) int {
	if bigTiff {
		var n uint64
		for i := 7; i >= 0; i-- {
			n = n<<8 | uint64(buf[i])
		}
		return int(n)
	}
	return int(buf[0]) | int(buf[1])<<8
}

// LoadIFD returns the decoded frame at offset (as recorded by the offset
// cache) and its next_IFD pointer.
func (cs *ChunkStream) LoadIFD(offset int64) (*tiff.Frame, error) {
	const op = "ChunkStream.load_ifd"

	savedRead := cs.cursor.ReadPosition()
	defer cs.cursor.SeekRead(savedRead)

	countBuf, err := cs.fetchAligned(op, offset, tiff.CountFieldSize(cs.bigTiff))
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}
	tagCount := decodeTagCount(countBuf, cs.bigTiff)
	if tagCount != 8 && tagCount != 9 {
		return nil, g2serr.New(op, g2serr.Corrupt)
	}
	ifdSize := tiff.IFDSize(cs.bigTiff, tagCount)
	ifdBuf, err := cs.fetchAligned(op, offset, ifdSize)
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.Corrupt, err)
	}
	frame, ok := tiff.DecodeIFD(ifdBuf, cs.bigTiff)
	if !ok {
		return nil, g2serr.New(op, g2serr.Corrupt)
	}
	return frame, nil
}

// ReadStrip fetches the pixel bytes for a decoded frame.
func (cs *ChunkStream) ReadStrip(frame *tiff.Frame) ([]byte, error) {
	const op = "ChunkStream.read_strip"

	savedRead := cs.cursor.ReadPosition()
	defer cs.cursor.SeekRead(savedRead)

	buf, err := cs.fetchAligned(op, int64(frame.StripOffset), int(frame.StripByteCount))
	if err != nil {
		return nil, g2serr.Wrap(op, g2serr.NotFound, err)
	}
	return buf, nil
}

// ReadMetadata fetches the NUL-terminated per-image metadata string for a
// decoded frame, returning "" if the frame carries none.
func (cs *ChunkStream) ReadMetadata(frame *tiff.Frame) (string, error) {
	const op = "ChunkStream.read_metadata"
	if !frame.HasMetadata || frame.MetaLength == 0 {
		return "", nil
	}

	savedRead := cs.cursor.ReadPosition()
	defer cs.cursor.SeekRead(savedRead)

	buf, err := cs.fetchAligned(op, int64(frame.MetaOffset), int(frame.MetaLength))
	if err != nil {
		return "", g2serr.Wrap(op, g2serr.NotFound, err)
	}
	// Strip the trailing NUL.
	if n := len(buf); n > 0 && buf[n-1] == 0 {
		buf = buf[:n-1]
	}
	return string(buf), nil
}
