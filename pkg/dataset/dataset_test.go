package dataset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makePixels(width, height int, bytesPerSample, samples int, fill byte) []byte {
	buf := make([]byte, width*height*bytesPerSample*samples)
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

func TestRoundTripNoChunking(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expA")

	ds, err := Create(stem)
	require.NoError(t, err)

	require.NoError(t, ds.SetShape([]uint32{4, 3, 32, 32}))
	require.NoError(t, ds.SetPixelFormat(16, 1))
	require.NoError(t, ds.SetUID("11111111-2222-3333-4444-555555555555"))
	require.NoError(t, ds.SetMetadata([]byte("summary")))

	for i := 0; i < 12; i++ {
		pixels := makePixels(32, 32, 2, 1, byte(i))
		meta := fmt.Sprintf(`{"i":%d}`, i)
		idx, err := ds.AddImage(pixels, meta, nil)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	require.NoError(t, ds.Close())

	loaded, err := Load(ds.Dir())
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, []uint32{4, 3, 32, 32}, loaded.Shape())
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", loaded.UID())
	assert.Equal(t, []byte("summary"), loaded.GetSummaryMeta())
	assert.False(t, loaded.Partial())
	assert.Equal(t, 12, loaded.ImageCount())

	for i := 0; i < 12; i++ {
		coord, err := indexToCoord(loaded.Shape(), int64(i))
		require.NoError(t, err)
		pixels, err := loaded.GetImage(coord)
		require.NoError(t, err)
		assert.Equal(t, makePixels(32, 32, 2, 1, byte(i)), pixels)

		meta, err := loaded.GetImageMetadata(coord)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf(`{"i":%d}`, i), meta)
	}
}

func TestNonSquareShapeWritesCorrectImageWidthHeight(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expNS")

	const height, width = 3, 5 // shape's last two axes are height, width

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{1, height, width}))
	require.NoError(t, ds.SetPixelFormat(8, 1))

	pixels := makePixels(width, height, 1, 1, 9)
	_, err = ds.AddImage(pixels, "", nil)
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	loaded, err := Load(ds.Dir())
	require.NoError(t, err)
	defer loaded.Close()

	got, err := loaded.GetImage([]uint32{0})
	require.NoError(t, err)
	assert.Equal(t, pixels, got)

	cs, local, err := loaded.locate("test", 0)
	require.NoError(t, err)
	offsets := cs.IFDOffsets()
	frame, err := cs.LoadIFD(offsets[local])
	require.NoError(t, err)
	assert.Equal(t, uint32(width), frame.Width)
	assert.Equal(t, uint32(height), frame.Height)
}

func TestChunkedRollover(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expB")

	ds, err := Create(stem, WithChunkSize(5))
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{4, 3, 32, 32}))
	require.NoError(t, ds.SetPixelFormat(16, 1))

	for i := 0; i < 12; i++ {
		pixels := makePixels(32, 32, 2, 1, byte(i))
		_, err := ds.AddImage(pixels, "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, ds.Close())

	base := filepath.Base(stem)
	assertExists := func(name string) {
		_, err := os.Stat(filepath.Join(ds.Dir(), name))
		assert.NoError(t, err, "expected %s to exist", name)
	}
	assertExists(base + ".g2s.tif")
	assertExists(base + "_1.g2s.tif")
	assertExists(base + "_2.g2s.tif")

	loaded, err := Load(ds.Dir())
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, 12, loaded.ImageCount())
	for i := 0; i < 12; i++ {
		coord, err := indexToCoord(loaded.Shape(), int64(i))
		require.NoError(t, err)
		pixels, err := loaded.GetImage(coord)
		require.NoError(t, err)
		assert.Equal(t, makePixels(32, 32, 2, 1, byte(i)), pixels)
	}
}

func TestLeadingAxisOverflow(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expC")

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{2, 3, 2, 16, 16}))
	require.NoError(t, ds.SetPixelFormat(8, 1))

	for i := 0; i < 30; i++ {
		pixels := makePixels(16, 16, 1, 1, byte(i))
		_, err := ds.AddImage(pixels, "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, ds.Close())

	loaded, err := Load(ds.Dir())
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, 30, loaded.ImageCount())

	pixels, err := loaded.GetImage([]uint32{3, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, makePixels(16, 16, 1, 1, byte(20)), pixels)
}

func TestDirectoryCollisionSuffixing(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expD")

	first, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, first.SetShape([]uint32{1, 1, 4, 4}))
	require.NoError(t, first.Close())

	second, err := Create(stem)
	require.NoError(t, err)
	assert.Equal(t, stem+"_1.g2s", second.Dir())
	require.NoError(t, second.Close())
}

func TestForceExactNameCollisionFails(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expE")

	first, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	_, err = Create(stem, WithForceExactName(true))
	assert.Error(t, err)
}

func TestSetShapeAfterFirstImageRequiresMatch(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expF")

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{2, 2, 4, 4}))
	require.NoError(t, ds.SetPixelFormat(8, 1))
	_, err = ds.AddImage(makePixels(4, 4, 1, 1, 1), "", nil)
	require.NoError(t, err)

	assert.NoError(t, ds.SetShape([]uint32{2, 2, 4, 4}))
	assert.Error(t, ds.SetShape([]uint32{3, 3, 4, 4}))
	require.NoError(t, ds.Close())
}

func TestGetImageMetadataWithoutCoordUsesCurrentPosition(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expJ")

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{3, 1, 4, 4}))
	require.NoError(t, ds.SetPixelFormat(8, 1))

	for i := 0; i < 3; i++ {
		meta := fmt.Sprintf(`{"i":%d}`, i)
		_, err := ds.AddImage(makePixels(4, 4, 1, 1, byte(i)), meta, nil)
		require.NoError(t, err)
	}

	// Coord-less call reflects the most recently appended image.
	meta, err := ds.GetImageMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, `{"i":2}`, meta)

	// Fetching an earlier image by coord moves the current position there.
	coord0, err := indexToCoord(ds.Shape(), 0)
	require.NoError(t, err)
	_, err = ds.GetImage(coord0)
	require.NoError(t, err)

	meta, err = ds.GetImageMetadata(nil)
	require.NoError(t, err)
	assert.Equal(t, `{"i":0}`, meta)

	require.NoError(t, ds.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expG")

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close())
}

func TestAxisSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expH")

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{2, 2, 4, 4}))
	require.NoError(t, ds.ConfigureDimension(0, "position", "stage position"))
	require.NoError(t, ds.ConfigureCoordinate(0, 0, "site-A"))
	require.NoError(t, ds.Close())

	loaded, err := Load(ds.Dir())
	require.NoError(t, err)
	defer loaded.Close()

	name, desc, err := loaded.Dimension(0)
	require.NoError(t, err)
	assert.Equal(t, "position", name)
	assert.Equal(t, "stage position", desc)

	label, err := loaded.Coordinate(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "site-A", label)
}

func TestPartialRecoveryTruncatesToLastIntactFrame(t *testing.T) {
	dir := t.TempDir()
	stem := filepath.Join(dir, "expI")

	ds, err := Create(stem)
	require.NoError(t, err)
	require.NoError(t, ds.SetShape([]uint32{3, 1, 4, 4}))
	require.NoError(t, ds.SetPixelFormat(8, 1))
	for i := 0; i < 3; i++ {
		_, err := ds.AddImage(makePixels(4, 4, 1, 1, byte(i)), "", nil)
		require.NoError(t, err)
	}
	require.NoError(t, ds.Close())

	// Truncate the chunk file mid-frame to simulate a crash during the
	// third image's strip write.
	chunkPath := filepath.Join(ds.Dir(), filepath.Base(stem)+".g2s.tif")
	info, err := os.Stat(chunkPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(chunkPath, info.Size()-8))

	loaded, err := Load(ds.Dir())
	require.NoError(t, err)
	defer loaded.Close()

	assert.True(t, loaded.Partial())
	assert.LessOrEqual(t, loaded.ImageCount(), 3)

	for i := 0; i < loaded.ImageCount(); i++ {
		coord, err := indexToCoord(loaded.Shape(), int64(i))
		require.NoError(t, err)
		pixels, err := loaded.GetImage(coord)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(pixels, makePixels(4, 4, 1, 1, byte(i))))
	}
}
