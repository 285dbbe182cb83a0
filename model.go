package sparsevox

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// shZeroC0 is the degree-0 spherical harmonics basis constant.
const shZeroC0 = 0.28209479177387814

// shZeroFromRGB maps an RGB value in [0,1] to its SH degree-0 coefficient.
func shZeroFromRGB(v float32) float32 {
	return (v - 0.5) / shZeroC0
}

// Default initialization constants for freshly created voxels and grid
// points. ConstructModel overrides them from LayoutOptions; LoadModel falls
// back to these.
const (
	DefaultGeoInit float32 = -10.0
	DefaultSH0Init float32 = 0.5
	DefaultSHSInit float32 = 0.0
)

// SparseVoxelModel owns the live octree and its learned arrays: the address
// arrays (Paths, Levels), the per-grid-point density, the per-voxel color
// coefficients and the subdivision priority accumulator. All parameter
// arrays are indexed in lockstep with the address arrays; every structural
// mutation replaces addresses and parameters in the same step and bumps the
// generation counter, which keys the lazily rebuilt derived views.
type SparseVoxelModel struct {
	Bounds SceneBounds

	MaxSHDegree    int
	ActiveSHDegree int

	Paths  []uint64
	Levels []int8

	// DensityGrid holds one pre-activation density per deduplicated grid
	// point, not per voxel.
	DensityGrid []float32
	// SH0 holds 3 values per voxel (base color), flattened [N*3].
	SH0 []float32
	// SHS holds the higher-order coefficients, flattened [N*shsDim*3].
	SHS []float32
	// SubdivPriority accumulates the per-voxel subdivision signal between
	// refinement rounds; reset to zero after every round.
	SubdivPriority []float32

	// Init values applied to voxels and grid points created after
	// construction (subdivision children, unseen corner keys).
	GeoInit float32
	SH0Init float32
	SHSInit float32

	// BundleID identifies the checkpoint lineage; preserved across
	// save/load cycles.
	BundleID uuid.UUID
	// Iteration is the training iteration recorded by the last save/load.
	Iteration int

	generation uint64

	voxCache struct {
		gen     uint64
		centers []mgl32.Vec3
		sizes   []float32
	}
	invCache struct {
		gen uint64
		inv []float32
	}
	gridCache struct {
		gen  uint64
		link *GridPointLink
	}
	posCache struct {
		gen uint64
		xyz []mgl32.Vec3
	}

	log Logger
}

func (m *SparseVoxelModel) SetLogger(log Logger) {
	m.log = log
}

func (m *SparseVoxelModel) logger() Logger {
	if m.log == nil {
		return NewNopLogger()
	}
	return m.log
}

func (m *SparseVoxelModel) NumVoxels() int { return len(m.Paths) }

func (m *SparseVoxelModel) NumGridPoints() int { return len(m.gridLink().Keys) }

// Generation increases monotonically with every structural mutation of the
// address arrays. External consumers can compare it to detect staleness of
// anything they derived from a previous layout.
func (m *SparseVoxelModel) Generation() uint64 { return m.generation }

// shsDim is the number of higher-order SH coefficients per voxel and color.
func (m *SparseVoxelModel) shsDim() int {
	return (m.MaxSHDegree+1)*(m.MaxSHDegree+1) - 1
}

// SHSDim exposes the per-voxel, per-color count of higher-order
// coefficients.
func (m *SparseVoxelModel) SHSDim() int { return m.shsDim() }

// IncreaseSHDegree activates one more SH band, up to MaxSHDegree.
func (m *SparseVoxelModel) IncreaseSHDegree() {
	if m.ActiveSHDegree < m.MaxSHDegree {
		m.ActiveSHDegree++
	}
}

// setAddresses swaps in a new layout. Callers must have already produced
// parameter arrays consistent with the new ordering.
func (m *SparseVoxelModel) setAddresses(paths []uint64, levels []int8) {
	m.Paths = paths
	m.Levels = levels
	m.generation++
}

func (m *SparseVoxelModel) voxDerived() ([]mgl32.Vec3, []float32) {
	if m.voxCache.gen != m.generation || m.voxCache.centers == nil {
		centers, sizes, err := DecodeAddresses(m.Paths, m.Levels, m.Bounds.Center, m.Bounds.SceneExtent)
		if err != nil {
			// Addresses are validated on every mutation path; a decode
			// failure here means internal corruption.
			panic(fmt.Sprintf("sparsevox: corrupt address arrays: %v", err))
		}
		m.voxCache.centers = centers
		m.voxCache.sizes = sizes
		m.voxCache.gen = m.generation
	}
	return m.voxCache.centers, m.voxCache.sizes
}

// VoxCenters returns the per-voxel world-space centers, recomputed lazily
// after layout changes.
func (m *SparseVoxelModel) VoxCenters() []mgl32.Vec3 {
	centers, _ := m.voxDerived()
	return centers
}

// VoxSizes returns the per-voxel edge sizes.
func (m *SparseVoxelModel) VoxSizes() []float32 {
	_, sizes := m.voxDerived()
	return sizes
}

// VoxSizeInv returns per-voxel inverse edge sizes.
func (m *SparseVoxelModel) VoxSizeInv() []float32 {
	if m.invCache.gen != m.generation || m.invCache.inv == nil {
		sizes := m.VoxSizes()
		inv := make([]float32, len(sizes))
		parallelFor(len(sizes), func(begin, end int) {
			for i := begin; i < end; i++ {
				inv[i] = 1 / sizes[i]
			}
		})
		m.invCache.inv = inv
		m.invCache.gen = m.generation
	}
	return m.invCache.inv
}

func (m *SparseVoxelModel) gridLink() *GridPointLink {
	if m.gridCache.gen != m.generation || m.gridCache.link == nil {
		m.gridCache.link = buildGridPoints(m.Paths, m.Levels)
		m.gridCache.gen = m.generation
	}
	return m.gridCache.link
}

// GridPointKeys returns the sorted deduplicated corner keys.
func (m *SparseVoxelModel) GridPointKeys() []uint64 {
	return m.gridLink().Keys
}

// VoxKeys returns, per voxel, the 8 indices into GridPointKeys.
func (m *SparseVoxelModel) VoxKeys() [][8]int32 {
	return m.gridLink().VoxKey
}

// GridPointXYZ returns world-space positions of the deduplicated corners.
func (m *SparseVoxelModel) GridPointXYZ() []mgl32.Vec3 {
	if m.posCache.gen != m.generation || m.posCache.xyz == nil {
		m.posCache.xyz = GridPointPositions(m.GridPointKeys(), m.Bounds.Center, m.Bounds.SceneExtent)
		m.posCache.gen = m.generation
	}
	return m.posCache.xyz
}

// InsideMask flags voxels whose center lies strictly inside the foreground
// cube.
func (m *SparseVoxelModel) InsideMask() []bool {
	centers := m.VoxCenters()
	lo := m.Bounds.InsideMin()
	hi := m.Bounds.InsideMax()
	mask := make([]bool, len(centers))
	for i, c := range centers {
		mask[i] = lo[0] < c[0] && c[0] < hi[0] &&
			lo[1] < c[1] && c[1] < hi[1] &&
			lo[2] < c[2] && c[2] < hi[2]
	}
	return mask
}

// ResetSubdivisionPriority zeroes the accumulator, sized to the current
// voxel count.
func (m *SparseVoxelModel) ResetSubdivisionPriority() {
	m.SubdivPriority = make([]float32, m.NumVoxels())
}

// AddSubdivisionPriority accumulates an externally computed per-voxel
// signal into the priority tracker.
func (m *SparseVoxelModel) AddSubdivisionPriority(signal []float32) error {
	if len(signal) != m.NumVoxels() {
		return fmt.Errorf("priority signal length %d does not match %d voxels", len(signal), m.NumVoxels())
	}
	for i, v := range signal {
		m.SubdivPriority[i] += v
	}
	return nil
}

// VoxelRemap records how an old voxel ordering maps into a new one.
// Old[newIdx] is the index the voxel had before the operation, or -1 for a
// freshly created subdivision child. Survivors keep their relative order;
// children are appended as contiguous blocks of 8 after all survivors.
type VoxelRemap struct {
	Old []int32
}

// Compose chains a second remap applied after r, yielding old-to-newest.
func (r *VoxelRemap) Compose(next *VoxelRemap) *VoxelRemap {
	out := make([]int32, len(next.Old))
	for i, mid := range next.Old {
		if mid < 0 {
			out[i] = -1
		} else {
			out[i] = r.Old[mid]
		}
	}
	return &VoxelRemap{Old: out}
}

// Prune removes every voxel whose mask entry is true, in one atomic step:
// address arrays, per-voxel parameters and the density grid are all
// replaced together. Survivors keep relative order.
func (m *SparseVoxelModel) Prune(remove []bool) (*VoxelRemap, error) {
	n := m.NumVoxels()
	if len(remove) != n {
		return nil, fmt.Errorf("prune mask length %d does not match %d voxels", len(remove), n)
	}

	kept := 0
	for _, r := range remove {
		if !r {
			kept++
		}
	}

	newPaths := make([]uint64, 0, kept)
	newLevels := make([]int8, 0, kept)
	remap := make([]int32, 0, kept)
	shsStride := m.shsDim() * 3
	newSH0 := make([]float32, 0, kept*3)
	newSHS := make([]float32, 0, kept*shsStride)
	newPrio := make([]float32, 0, kept)
	for i := 0; i < n; i++ {
		if remove[i] {
			continue
		}
		newPaths = append(newPaths, m.Paths[i])
		newLevels = append(newLevels, m.Levels[i])
		remap = append(remap, int32(i))
		newSH0 = append(newSH0, m.SH0[3*i:3*i+3]...)
		newSHS = append(newSHS, m.SHS[shsStride*i:shsStride*(i+1)]...)
		newPrio = append(newPrio, m.SubdivPriority[i])
	}

	m.applyLayout(newPaths, newLevels, newSH0, newSHS, newPrio)
	return &VoxelRemap{Old: remap}, nil
}

// Subdivide replaces every masked voxel with its 8 children. Children get
// fresh-initialized per-voxel parameters and are appended as contiguous
// blocks of 8 after the surviving voxels; density values carry over by
// corner key and unseen corners get the configured init value.
func (m *SparseVoxelModel) Subdivide(selected []bool) (*VoxelRemap, error) {
	n := m.NumVoxels()
	if len(selected) != n {
		return nil, fmt.Errorf("subdivide mask length %d does not match %d voxels", len(selected), n)
	}
	nSel := 0
	for i, s := range selected {
		if !s {
			continue
		}
		if int(m.Levels[i]) >= MaxLevels {
			return nil, fmt.Errorf("voxel %d is at max level %d and cannot be subdivided", i, MaxLevels)
		}
		nSel++
	}

	keptN := n - nSel
	total := keptN + 8*nSel
	newPaths := make([]uint64, 0, total)
	newLevels := make([]int8, 0, total)
	remap := make([]int32, 0, total)
	shsStride := m.shsDim() * 3
	newSH0 := make([]float32, 0, total*3)
	newSHS := make([]float32, 0, total*shsStride)
	newPrio := make([]float32, 0, total)

	for i := 0; i < n; i++ {
		if selected[i] {
			continue
		}
		newPaths = append(newPaths, m.Paths[i])
		newLevels = append(newLevels, m.Levels[i])
		remap = append(remap, int32(i))
		newSH0 = append(newSH0, m.SH0[3*i:3*i+3]...)
		newSHS = append(newSHS, m.SHS[shsStride*i:shsStride*(i+1)]...)
		newPrio = append(newPrio, m.SubdivPriority[i])
	}

	sh0Init := shZeroFromRGB(m.SH0Init)
	for i := 0; i < n; i++ {
		if !selected[i] {
			continue
		}
		children, childLevel, err := ChildAddresses(m.Paths[i], m.Levels[i])
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			newPaths = append(newPaths, child)
			newLevels = append(newLevels, childLevel)
			remap = append(remap, -1)
			newSH0 = append(newSH0, sh0Init, sh0Init, sh0Init)
			for k := 0; k < shsStride; k++ {
				newSHS = append(newSHS, m.SHSInit)
			}
			newPrio = append(newPrio, 0)
		}
	}

	m.applyLayout(newPaths, newLevels, newSH0, newSHS, newPrio)
	return &VoxelRemap{Old: remap}, nil
}

// applyLayout swaps in the new aggregate: it remaps the density grid onto
// the new corner set, replaces the address and per-voxel arrays, bumps the
// generation and pre-warms the grid cache so the remap and the link table
// are computed once.
func (m *SparseVoxelModel) applyLayout(paths []uint64, levels []int8, sh0, shs, prio []float32) {
	oldKeys := m.GridPointKeys()
	oldDensity := m.DensityGrid
	newLink := buildGridPoints(paths, levels)
	m.DensityGrid = remapByKey(newLink.Keys, oldKeys, oldDensity, m.GeoInit)
	m.SH0 = sh0
	m.SHS = shs
	m.SubdivPriority = prio
	m.setAddresses(paths, levels)
	m.gridCache.link = newLink
	m.gridCache.gen = m.generation
}

// initParams allocates fresh parameter arrays for a newly constructed
// layout.
func (m *SparseVoxelModel) initParams() {
	n := m.NumVoxels()
	m.DensityGrid = make([]float32, m.NumGridPoints())
	for i := range m.DensityGrid {
		m.DensityGrid[i] = m.GeoInit
	}
	sh0Init := shZeroFromRGB(m.SH0Init)
	m.SH0 = make([]float32, n*3)
	for i := range m.SH0 {
		m.SH0[i] = sh0Init
	}
	m.SHS = make([]float32, n*m.shsDim()*3)
	if m.SHSInit != 0 {
		for i := range m.SHS {
			m.SHS[i] = m.SHSInit
		}
	}
	m.SubdivPriority = make([]float32, n)
}

// checkAligned verifies the parameter arrays match the address arrays.
func (m *SparseVoxelModel) checkAligned() error {
	n := m.NumVoxels()
	if len(m.Levels) != n {
		return fmt.Errorf("address arrays out of sync: %d paths vs %d levels", n, len(m.Levels))
	}
	if len(m.SH0) != n*3 {
		return fmt.Errorf("sh0 length %d does not match %d voxels", len(m.SH0), n)
	}
	if len(m.SHS) != n*m.shsDim()*3 {
		return fmt.Errorf("shs length %d does not match %d voxels with %d coefficients", len(m.SHS), n, m.shsDim())
	}
	if len(m.SubdivPriority) != n {
		return fmt.Errorf("priority length %d does not match %d voxels", len(m.SubdivPriority), n)
	}
	if len(m.DensityGrid) != m.NumGridPoints() {
		return fmt.Errorf("density length %d does not match %d grid points", len(m.DensityGrid), m.NumGridPoints())
	}
	return nil
}

// VoxelVolume returns the summed volume of all voxels.
func (m *SparseVoxelModel) VoxelVolume() float64 {
	var total float64
	for _, s := range m.VoxSizes() {
		fs := float64(s)
		total += fs * fs * fs
	}
	return total
}

// quantileFloat32 returns the q-quantile of vals with linear interpolation
// between order statistics. vals is not modified.
func quantileFloat32(vals []float32, q float64) float32 {
	if len(vals) == 0 {
		return 0
	}
	sorted := make([]float32, len(vals))
	copy(sorted, vals)
	sortFloat32(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := float32(pos - float64(lo))
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
