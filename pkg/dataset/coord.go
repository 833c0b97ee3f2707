package dataset

import "g2sstore/pkg/g2serr"

// indexAxes returns the declared shape's index axes, excluding the
// trailing height/width pixel-plane axes.
func indexAxes(shape []uint32) []uint32 {
	if len(shape) < 2 {
		return nil
	}
	return shape[:len(shape)-2]
}

// strides computes, for each index axis i, the product of every axis size
// after it: stride[len-1] = 1, stride[i] = axes[i+1] * stride[i+1].
func strides(axes []uint32) []int64 {
	n := len(axes)
	s := make([]int64, n)
	if n == 0 {
		return s
	}
	s[n-1] = 1
	for i := n - 2; i >= 0; i-- {
		s[i] = s[i+1] * int64(axes[i+1])
	}
	return s
}

// coordToIndex implements spec.md §4.3.1: index(c) = Σ cᵢ·strideᵢ, with the
// leading axis (i=0) permitted to exceed its declared size. coord shorter
// than the index-axis count is treated as zero-padded on the right.
func coordToIndex(shape []uint32, coord []uint32) (int64, error) {
	const op = "Dataset.coordinate_to_index"
	axes := indexAxes(shape)
	if len(coord) > len(axes) {
		return 0, g2serr.New(op, g2serr.InvalidArgument)
	}
	s := strides(axes)

	var idx int64
	for i := range axes {
		var c uint32
		if i < len(coord) {
			c = coord[i]
		}
		if i > 0 && c >= axes[i] {
			return 0, g2serr.New(op, g2serr.InvalidArgument)
		}
		idx += int64(c) * s[i]
	}
	return idx, nil
}

// indexToCoord is the inverse of coordToIndex: it recovers each coordinate
// from the outermost axis inward using the same strides.
func indexToCoord(shape []uint32, idx int64) ([]uint32, error) {
	const op = "Dataset.index_to_coordinate"
	if idx < 0 {
		return nil, g2serr.New(op, g2serr.InvalidArgument)
	}
	axes := indexAxes(shape)
	s := strides(axes)

	coord := make([]uint32, len(axes))
	remaining := idx
	for i := range axes {
		coord[i] = uint32(remaining / s[i])
		remaining %= s[i]
	}
	return coord, nil
}
