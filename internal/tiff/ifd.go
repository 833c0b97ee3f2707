package tiff

import "encoding/binary"

// Entry sizes and header sizes for the two container flavors.
const (
	EntrySizeBig          = 20 // tag(2) type(2) count(8) value_or_offset(8)
	EntrySizeClassic      = 12 // tag(2) type(2) count(4) value_or_offset(4)
	CountFieldSizeBig     = 8
	CountFieldSizeClassic = 2
	NextIFDSizeBig        = 8
	NextIFDSizeClassic    = 4
)

// EntrySize returns the on-disk size of one IFD entry for the flavor.
func EntrySize(bigTiff bool) int {
	if bigTiff {
		return EntrySizeBig
	}
	return EntrySizeClassic
}

// CountFieldSize returns the size of the leading tag-count field.
func CountFieldSize(bigTiff bool) int {
	if bigTiff {
		return CountFieldSizeBig
	}
	return CountFieldSizeClassic
}

// NextIFDSize returns the size of the trailing next-IFD pointer.
func NextIFDSize(bigTiff bool) int {
	if bigTiff {
		return NextIFDSizeBig
	}
	return NextIFDSizeClassic
}

// IFDSize computes the total byte length of an IFD with tagCount entries:
// the count field, tagCount entries, and the trailing next-IFD pointer.
func IFDSize(bigTiff bool, tagCount int) int {
	return CountFieldSize(bigTiff) + tagCount*EntrySize(bigTiff) + NextIFDSize(bigTiff)
}

// Entry is one decoded IFD tag entry.
type Entry struct {
	Tag   uint16
	Type  uint16
	Count uint64
	Value uint64
}

// Frame is the decoded content of one image frame's IFD: the 8 canonical
// tags plus the optional 9th metadata tag.
type Frame struct {
	Width           uint32
	Height          uint32
	BitsPerSample   uint16
	SamplesPerPixel uint16
	StripOffset     uint64
	StripByteCount  uint64
	HasMetadata     bool
	MetaOffset      uint64
	MetaLength      uint64 // includes the trailing NUL
	NextIFD         uint64
}

// EncodeIFD renders an image frame's IFD to its on-disk byte layout. The
// frame's StripOffset and MetaOffset are absolute file offsets the caller
// has already computed from the IFD's own position (spec.md §4.2.1).
//
// Layout: [tag_count][entry]*[next_IFD]. The 9th tag is appended only when
// f.HasMetadata is set.
func EncodeIFD(bigTiff bool, f *Frame) []byte {
	tagCount := 8
	if f.HasMetadata {
		tagCount = 9
	}

	buf := make([]byte, IFDSize(bigTiff, tagCount))
	putCount(buf, bigTiff, uint64(tagCount))

	entries := []Entry{
		{TagImageWidth, entryType(bigTiff, TypeLong), 1, uint64(f.Width)},
		{TagImageLength, entryType(bigTiff, TypeLong), 1, uint64(f.Height)},
		{TagBitsPerSample, TypeShort, 1, uint64(f.BitsPerSample)},
		{TagCompression, TypeShort, 1, CompressionNone},
		{TagPhotometricInterpretation, TypeShort, 1, PhotometricBlackIsZero},
		{TagStripOffsets, entryType(bigTiff, TypeLong8), 1, f.StripOffset},
		{TagSamplesPerPixel, TypeShort, 1, uint64(f.SamplesPerPixel)},
		{TagStripByteCounts, entryType(bigTiff, TypeLong8), 1, f.StripByteCount},
	}
	if f.HasMetadata {
		entries = append(entries, Entry{TagPrivateMetadata, entryType(bigTiff, TypeLong8), f.MetaLength, f.MetaOffset})
	}

	off := CountFieldSize(bigTiff)
	for _, e := range entries {
		putEntry(buf[off:off+EntrySize(bigTiff)], bigTiff, e)
		off += EntrySize(bigTiff)
	}
	putNextIFD(buf, bigTiff, len(buf), f.NextIFD)
	return buf
}

// entryType widens a logical type to the BigTIFF 8-byte variant when the
// container is BigTIFF; classic TIFF keeps the 4-byte LONG type.
func entryType(bigTiff bool, logical uint16) uint16 {
	if bigTiff && logical == TypeLong {
		return TypeLong8
	}
	if !bigTiff && logical == TypeLong8 {
		return TypeLong
	}
	return logical
}

func putCount(buf []byte, bigTiff bool, n uint64) {
	if bigTiff {
		binary.LittleEndian.PutUint64(buf[0:8], n)
		return
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n))
}

func getCount(buf []byte, bigTiff bool) uint64 {
	if bigTiff {
		return binary.LittleEndian.Uint64(buf[0:8])
	}
	return uint64(binary.LittleEndian.Uint16(buf[0:2]))
}

func putEntry(buf []byte, bigTiff bool, e Entry) {
	binary.LittleEndian.PutUint16(buf[0:2], e.Tag)
	binary.LittleEndian.PutUint16(buf[2:4], e.Type)
	if bigTiff {
		binary.LittleEndian.PutUint64(buf[4:12], e.Count)
		binary.LittleEndian.PutUint64(buf[12:20], e.Value)
		return
	}
	binary.LittleEndian.PutUint32(buf[4:8], uint32(e.Count))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.Value))
}

func getEntry(buf []byte, bigTiff bool) Entry {
	var e Entry
	e.Tag = binary.LittleEndian.Uint16(buf[0:2])
	e.Type = binary.LittleEndian.Uint16(buf[2:4])
	if bigTiff {
		e.Count = binary.LittleEndian.Uint64(buf[4:12])
		e.Value = binary.LittleEndian.Uint64(buf[12:20])
		return e
	}
	e.Count = uint64(binary.LittleEndian.Uint32(buf[4:8]))
	e.Value = uint64(binary.LittleEndian.Uint32(buf[8:12]))
	return e
}

func putNextIFD(buf []byte, bigTiff bool, totalLen int, next uint64) {
	off := totalLen - NextIFDSize(bigTiff)
	if bigTiff {
		binary.LittleEndian.PutUint64(buf[off:off+8], next)
		return
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(next))
}

func getNextIFD(buf []byte, bigTiff bool) uint64 {
	off := len(buf) - NextIFDSize(bigTiff)
	if bigTiff {
		return binary.LittleEndian.Uint64(buf[off : off+8])
	}
	return uint64(binary.LittleEndian.Uint32(buf[off : off+4]))
}

// DecodeIFD parses a raw IFD buffer (as returned by ChunkStream.load_ifd)
// into a Frame. It validates that the canonical tags appear, in order,
// before any private tag, returning ok=false (caller translates to Corrupt)
// if the tag layout doesn't match the canonical set.
func DecodeIFD(buf []byte, bigTiff bool) (*Frame, bool) {
	tagCount := int(getCount(buf, bigTiff))
	if tagCount != 8 && tagCount != 9 {
		return nil, false
	}
	if len(buf) != IFDSize(bigTiff, tagCount) {
		return nil, false
	}

	f := &Frame{}
	off := CountFieldSize(bigTiff)
	for i := 0; i < tagCount; i++ {
		e := getEntry(buf[off:off+EntrySize(bigTiff)], bigTiff)
		off += EntrySize(bigTiff)

		if i < 8 && e.Tag != CanonicalTags[i] {
			return nil, false
		}
		switch e.Tag {
		case TagImageWidth:
			f.Width = uint32(e.Value)
		case TagImageLength:
			f.Height = uint32(e.Value)
		case TagBitsPerSample:
			f.BitsPerSample = uint16(e.Value)
		case TagCompression:
			if e.Value != CompressionNone {
				return nil, false
			}
		case TagPhotometricInterpretation:
			// stored but not validated further; BlackIsZero is the only
			// value this module ever writes.
		case TagSamplesPerPixel:
			f.SamplesPerPixel = uint16(e.Value)
		case TagStripOffsets:
			f.StripOffset = e.Value
		case TagStripByteCounts:
			f.StripByteCount = e.Value
		case TagPrivateMetadata:
			f.HasMetadata = true
			f.MetaOffset = e.Value
			f.MetaLength = e.Count
		default:
			return nil, false
		}
	}
	f.NextIFD = getNextIFD(buf, bigTiff)
	return f, true
}

// PatchNextIFD rewrites only the trailing next-IFD pointer of an
// already-encoded IFD buffer.
func PatchNextIFD(buf []byte, bigTiff bool, next uint64) {
	putNextIFD(buf, bigTiff, len(buf), next)
}
