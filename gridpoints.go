package sparsevox

import (
	"slices"

	"github.com/go-gl/mathgl/mgl32"
)

// A grid point key is the corner's integer coordinate on the finest grid,
// packed 21 bits per axis. Coordinates range 0..FinestGridDim inclusive
// (17 bits), so two voxels of different sizes meeting at the same geometric
// point always produce the identical key.
const gridKeyAxisBits = 21

func packGridKey(x, y, z uint32) uint64 {
	return uint64(x)<<(2*gridKeyAxisBits) | uint64(y)<<gridKeyAxisBits | uint64(z)
}

func unpackGridKey(key uint64) (uint32, uint32, uint32) {
	mask := uint64(1)<<gridKeyAxisBits - 1
	return uint32(key >> (2 * gridKeyAxisBits)), uint32(key >> gridKeyAxisBits & mask), uint32(key & mask)
}

// GridPointLink is the deduplicated corner set of a voxel layout: the sorted
// unique corner keys plus, per voxel, the 8 indices into that set. Corner
// slots follow the octant bit convention (bit 0 = +x, bit 1 = +y, bit 2 = +z).
type GridPointLink struct {
	Keys   []uint64
	VoxKey [][8]int32
}

// NumGridPoints returns the deduplicated corner count.
func (g *GridPointLink) NumGridPoints() int {
	return len(g.Keys)
}

func voxelCornerKeys(path uint64, level int8) [8]uint64 {
	ix, iy, iz := cornerOrigin(path, level)
	span := uint32(1) << uint(MaxLevels-int(level))
	var keys [8]uint64
	for c := 0; c < 8; c++ {
		x, y, z := ix, iy, iz
		if c&1 != 0 {
			x += span
		}
		if c&2 != 0 {
			y += span
		}
		if c&4 != 0 {
			z += span
		}
		keys[c] = packGridKey(x, y, z)
	}
	return keys
}

// buildGridPoints computes all 8N corner keys, deduplicates them into a
// sorted unique set and links every voxel corner back into it.
func buildGridPoints(paths []uint64, levels []int8) *GridPointLink {
	n := len(paths)
	all := make([]uint64, 8*n)
	parallelFor(n, func(begin, end int) {
		for i := begin; i < end; i++ {
			keys := voxelCornerKeys(paths[i], levels[i])
			copy(all[8*i:8*i+8], keys[:])
		}
	})

	unique := make([]uint64, len(all))
	copy(unique, all)
	slices.Sort(unique)
	unique = slices.Compact(unique)

	voxKey := make([][8]int32, n)
	parallelFor(n, func(begin, end int) {
		for i := begin; i < end; i++ {
			for c := 0; c < 8; c++ {
				idx, _ := slices.BinarySearch(unique, all[8*i+c])
				voxKey[i][c] = int32(idx)
			}
		}
	})

	return &GridPointLink{Keys: unique, VoxKey: voxKey}
}

// GridPointPositions converts corner keys to world-space positions.
func GridPointPositions(keys []uint64, sceneCenter mgl32.Vec3, sceneExtent float32) []mgl32.Vec3 {
	unit := sceneExtent / float32(FinestGridDim)
	half := sceneExtent * 0.5
	minCorner := mgl32.Vec3{sceneCenter[0] - half, sceneCenter[1] - half, sceneCenter[2] - half}
	out := make([]mgl32.Vec3, len(keys))
	parallelFor(len(keys), func(begin, end int) {
		for i := begin; i < end; i++ {
			x, y, z := unpackGridKey(keys[i])
			out[i] = mgl32.Vec3{
				minCorner[0] + float32(x)*unit,
				minCorner[1] + float32(y)*unit,
				minCorner[2] + float32(z)*unit,
			}
		}
	})
	return out
}

// remapByKey carries values from one sorted key set to another. Keys present
// in both keep their value; keys new to dst get init. Both key slices must be
// sorted ascending.
func remapByKey(dstKeys, srcKeys []uint64, srcVals []float32, init float32) []float32 {
	out := make([]float32, len(dstKeys))
	j := 0
	for i, k := range dstKeys {
		for j < len(srcKeys) && srcKeys[j] < k {
			j++
		}
		if j < len(srcKeys) && srcKeys[j] == k {
			out[i] = srcVals[j]
		} else {
			out[i] = init
		}
	}
	return out
}
