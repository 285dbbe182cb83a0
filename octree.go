package sparsevox

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	// MaxLevels is the deepest supported octree level. A voxel path packs
	// one 3-bit octant selector per level, most significant level first,
	// into the low 48 bits of a uint64.
	MaxLevels = 16

	// FinestGridDim is the number of grid cells per axis at MaxLevels.
	FinestGridDim = 1 << MaxLevels
)

// octantShift returns the bit position of the octant selector chosen when
// descending from depth level to level+1.
func octantShift(level int) uint {
	return uint(3 * (MaxLevels - 1 - level))
}

// DecodeAddress converts a (path, level) voxel address into its world-space
// center and edge size. The walk starts from the scene cube and halves the
// extent once per level; each selector bit picks the +/- half along one axis
// (bit 0 = x, bit 1 = y, bit 2 = z).
func DecodeAddress(path uint64, level int8, sceneCenter mgl32.Vec3, sceneExtent float32) (mgl32.Vec3, float32, error) {
	if level < 0 || int(level) > MaxLevels {
		return mgl32.Vec3{}, 0, fmt.Errorf("octree level %d out of range [0, %d]", level, MaxLevels)
	}
	center := sceneCenter
	size := sceneExtent
	for l := 0; l < int(level); l++ {
		oct := (path >> octantShift(l)) & 7
		size *= 0.5
		half := size * 0.5
		for axis := 0; axis < 3; axis++ {
			if oct&(1<<uint(axis)) != 0 {
				center[axis] += half
			} else {
				center[axis] -= half
			}
		}
	}
	return center, size, nil
}

// EncodeAddress is the inverse of DecodeAddress: it bisects each axis once
// per level to locate the voxel of the target level containing the point.
func EncodeAddress(point mgl32.Vec3, level int8, sceneCenter mgl32.Vec3, sceneExtent float32) (uint64, error) {
	if level < 0 || int(level) > MaxLevels {
		return 0, fmt.Errorf("octree level %d out of range [0, %d]", level, MaxLevels)
	}
	center := sceneCenter
	size := sceneExtent
	var path uint64
	for l := 0; l < int(level); l++ {
		var oct uint64
		size *= 0.5
		half := size * 0.5
		for axis := 0; axis < 3; axis++ {
			if point[axis] >= center[axis] {
				oct |= 1 << uint(axis)
				center[axis] += half
			} else {
				center[axis] -= half
			}
		}
		path |= oct << octantShift(l)
	}
	return path, nil
}

// DecodeAddresses decodes a batch of voxel addresses in parallel.
func DecodeAddresses(paths []uint64, levels []int8, sceneCenter mgl32.Vec3, sceneExtent float32) ([]mgl32.Vec3, []float32, error) {
	if len(paths) != len(levels) {
		return nil, nil, fmt.Errorf("address arrays out of sync: %d paths vs %d levels", len(paths), len(levels))
	}
	for i, lv := range levels {
		if lv < 0 || int(lv) > MaxLevels {
			return nil, nil, fmt.Errorf("voxel %d: octree level %d out of range [0, %d]", i, lv, MaxLevels)
		}
	}
	centers := make([]mgl32.Vec3, len(paths))
	sizes := make([]float32, len(paths))
	parallelFor(len(paths), func(begin, end int) {
		for i := begin; i < end; i++ {
			c, s, _ := DecodeAddress(paths[i], levels[i], sceneCenter, sceneExtent)
			centers[i] = c
			sizes[i] = s
		}
	})
	return centers, sizes, nil
}

// ChildAddresses returns the 8 children replacing a subdivided voxel.
func ChildAddresses(path uint64, level int8) ([8]uint64, int8, error) {
	var children [8]uint64
	if int(level) >= MaxLevels {
		return children, 0, fmt.Errorf("cannot subdivide voxel at level %d: already at max level %d", level, MaxLevels)
	}
	shift := octantShift(int(level))
	for oct := uint64(0); oct < 8; oct++ {
		children[oct] = path | oct<<shift
	}
	return children, level + 1, nil
}

// cornerOrigin returns the integer coordinate of the voxel's min corner on
// the finest grid (FinestGridDim cells per axis).
func cornerOrigin(path uint64, level int8) (uint32, uint32, uint32) {
	var ix, iy, iz uint32
	for l := 0; l < int(level); l++ {
		oct := (path >> octantShift(l)) & 7
		step := uint32(1) << uint(MaxLevels-1-l)
		if oct&1 != 0 {
			ix += step
		}
		if oct&2 != 0 {
			iy += step
		}
		if oct&4 != 0 {
			iz += step
		}
	}
	return ix, iy, iz
}

// centerNodePath builds the path of the depth-d node inside octant oct that
// keeps the scene center as one of its corners. Descending toward the center
// flips every selector bit, so the suffix repeats the complement octant.
func centerNodePath(oct uint64, depth int) uint64 {
	p := oct << octantShift(0)
	inner := oct ^ 7
	for l := 1; l < depth; l++ {
		p |= inner << octantShift(l)
	}
	return p
}

// DenseLayout enumerates a uniform subdivision of the inside cube at depth
// outsideLevel+nLevel: 2^nLevel voxels per axis across the foreground region.
// With outsideLevel 0 the inside cube is the whole scene cube.
func DenseLayout(outsideLevel, nLevel int) ([]uint64, []int8, error) {
	if outsideLevel < 0 {
		return nil, nil, fmt.Errorf("negative outside level %d", outsideLevel)
	}
	if nLevel < 1 {
		return nil, nil, fmt.Errorf("dense layout depth %d must be at least 1", nLevel)
	}
	if outsideLevel+nLevel > MaxLevels {
		return nil, nil, fmt.Errorf("dense layout depth %d exceeds max level %d", outsideLevel+nLevel, MaxLevels)
	}

	// The inside cube is the union of the 8 center-touching nodes at depth
	// outsideLevel+1, each subdivided nLevel-1 further levels.
	d := outsideLevel + 1
	sub := nLevel - 1
	level := int8(outsideLevel + nLevel)
	total := 8 << uint(3*sub)
	paths := make([]uint64, 0, total)
	levels := make([]int8, 0, total)
	for oct := uint64(0); oct < 8; oct++ {
		base := centerNodePath(oct, d)
		n := uint64(1) << uint(3*sub)
		for s := uint64(0); s < n; s++ {
			p := base
			rem := s
			for l := d; l < d+sub; l++ {
				p |= (rem & 7) << octantShift(l)
				rem >>= 3
			}
			paths = append(paths, p)
			levels = append(levels, level)
		}
	}
	return paths, levels, nil
}

// ShellLayout seeds one background shell. Shell shellLevel (1 = innermost,
// outsideLevel = outermost) doubles the enclosing extent relative to the
// previous shell. Each of the 8 center-touching nodes bounding the shell
// contributes its 7 children that do not touch the scene center, so a fresh
// shell always holds 56 voxels at depth 1 within the shell.
func ShellLayout(shellLevel, outsideLevel int) ([]uint64, []int8, error) {
	if shellLevel < 1 || shellLevel > outsideLevel {
		return nil, nil, fmt.Errorf("shell level %d out of range [1, %d]", shellLevel, outsideLevel)
	}
	d := outsideLevel - shellLevel + 1
	if d+1 > MaxLevels {
		return nil, nil, fmt.Errorf("shell depth %d exceeds max level %d", d+1, MaxLevels)
	}
	level := int8(d + 1)
	shift := octantShift(d)
	paths := make([]uint64, 0, 56)
	levels := make([]int8, 0, 56)
	for oct := uint64(0); oct < 8; oct++ {
		base := centerNodePath(oct, d)
		inner := oct ^ 7
		for c := uint64(0); c < 8; c++ {
			if c == inner {
				continue
			}
			paths = append(paths, base|c<<shift)
			levels = append(levels, level)
		}
	}
	return paths, levels, nil
}
