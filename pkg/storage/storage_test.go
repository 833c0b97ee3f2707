package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLoadCloseDelete(t *testing.T) {
	dir := t.TempDir()
	svc := New(Options{})

	handle, err := svc.Create(filepath.Join(dir, "run1"), []uint32{2, 4, 4}, 8, 1)
	require.NoError(t, err)
	require.Len(t, handle, 36) // dashed UUID

	require.NoError(t, svc.ConfigureDimension(handle, 0, "time", ""))

	shape, err := svc.GetShape(handle)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 4, 4}, shape)

	require.NoError(t, svc.Close(handle))
	require.NoError(t, svc.Close(handle)) // idempotent

	assert.Contains(t, svc.List(), handle)

	loaded, err := svc.Load(filepath.Join(dir, "run1.g2s"))
	require.NoError(t, err)
	assert.Equal(t, handle, loaded)
	require.NoError(t, svc.Close(loaded))

	require.NoError(t, svc.Delete(handle))
	assert.NotContains(t, svc.List(), handle)
}

func TestDescriptorGettersSurviveClose(t *testing.T) {
	dir := t.TempDir()
	svc := New(Options{})

	handle, err := svc.Create(filepath.Join(dir, "run3"), []uint32{2, 4, 4}, 8, 1)
	require.NoError(t, err)
	require.NoError(t, svc.ConfigureDimension(handle, 0, "time", "acquisition time"))

	pixels := make([]byte, 16)
	_, err = svc.AddImage(handle, pixels, "", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Close(handle))

	shape, err := svc.GetShape(handle)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 4, 4}, shape)

	bits, samples, err := svc.GetDataType(handle)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), bits)
	assert.Equal(t, uint16(1), samples)

	n, err := svc.GetNumberOfDimensions(handle)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	name, desc, err := svc.GetDimension(handle, 0)
	require.NoError(t, err)
	assert.Equal(t, "time", name)
	assert.Equal(t, "acquisition time", desc)

	_, err = svc.GetSummaryMeta(handle)
	require.NoError(t, err)

	// Mutating/cursor-touching operations still require a live dataset.
	_, err = svc.AddImage(handle, pixels, "", nil)
	assert.Error(t, err)
	_, err = svc.GetImage(handle, []uint32{0})
	assert.Error(t, err)
}

func TestAddImageGetImageThroughService(t *testing.T) {
	dir := t.TempDir()
	svc := New(Options{})

	handle, err := svc.Create(filepath.Join(dir, "run2"), []uint32{2, 4, 4}, 8, 1)
	require.NoError(t, err)

	pixels := make([]byte, 16)
	for i := range pixels {
		pixels[i] = 7
	}
	idx, err := svc.AddImage(handle, pixels, `{"i":0}`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	got, err := svc.GetImage(handle, []uint32{0})
	require.NoError(t, err)
	assert.Equal(t, pixels, got)

	meta, err := svc.GetImageMetadata(handle, []uint32{0})
	require.NoError(t, err)
	assert.Equal(t, `{"i":0}`, meta)

	require.NoError(t, svc.Close(handle))

	_, err = svc.AddImage(handle, pixels, "", nil)
	assert.Error(t, err)
}

func TestCacheReduceEvictsOnlyClosed(t *testing.T) {
	dir := t.TempDir()
	svc := New(Options{Capacity: 1, HardLimit: false})

	h1, err := svc.Create(filepath.Join(dir, "a"), []uint32{1, 4, 4}, 8, 1)
	require.NoError(t, err)
	require.NoError(t, svc.Close(h1))

	h2, err := svc.Create(filepath.Join(dir, "b"), []uint32{1, 4, 4}, 8, 1)
	require.NoError(t, err)
	defer svc.Close(h2)

	assert.NotContains(t, svc.List(), h1)
	assert.Contains(t, svc.List(), h2)
}

func TestCacheHardLimitRejectsWhenFull(t *testing.T) {
	dir := t.TempDir()
	svc := New(Options{Capacity: 1, HardLimit: true})

	h1, err := svc.Create(filepath.Join(dir, "a"), []uint32{1, 4, 4}, 8, 1)
	require.NoError(t, err)
	defer svc.Close(h1)

	_, err = svc.Create(filepath.Join(dir, "b"), []uint32{1, 4, 4}, 8, 1)
	assert.Error(t, err)
}
