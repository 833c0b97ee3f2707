package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordToIndexNoChunking(t *testing.T) {
	shape := []uint32{4, 3, 32, 32}
	idx, err := coordToIndex(shape, []uint32{1, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1*3+2), idx)
}

func TestCoordToIndexLeadingAxisOverflow(t *testing.T) {
	// Declared shape [2, 3, 2, 16, 16], P=2 declared but overflows to 5.
	shape := []uint32{2, 3, 2, 16, 16}
	idx, err := coordToIndex(shape, []uint32{3, 1, 0})
	require.NoError(t, err)
	assert.Equal(t, int64(3*6+1*2+0), idx)
}

func TestCoordToIndexNonLeadingOutOfRange(t *testing.T) {
	shape := []uint32{2, 3, 2, 16, 16}
	_, err := coordToIndex(shape, []uint32{0, 3, 0})
	assert.Error(t, err)
}

func TestIndexToCoordRoundTrip(t *testing.T) {
	shape := []uint32{4, 3, 32, 32}
	for i := int64(0); i < 12; i++ {
		coord, err := indexToCoord(shape, i)
		require.NoError(t, err)
		back, err := coordToIndex(shape, coord)
		require.NoError(t, err)
		assert.Equal(t, i, back)
	}
}

func TestCoordToIndexShorterCoordIsZeroPadded(t *testing.T) {
	shape := []uint32{4, 3, 32, 32}
	idx, err := coordToIndex(shape, []uint32{2})
	require.NoError(t, err)
	assert.Equal(t, int64(2*3), idx)
}
