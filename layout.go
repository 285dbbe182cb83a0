package sparsevox

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// LayoutOptions configures initial octree construction.
type LayoutOptions struct {
	// InitNLevel is the uniform subdivision depth of the foreground cube:
	// (2^InitNLevel)^3 candidate voxels before filtering.
	InitNLevel int
	// InitOutRatio scales how many background voxels the outside growth
	// loop targets relative to the surviving inside count.
	InitOutRatio float64
	// SHDegree is the maximum spherical harmonics degree carried per voxel.
	SHDegree int
	// SHDegreeInit is the initially activated degree.
	SHDegreeInit int
	// GeoInit is the initial pre-activation density per grid point.
	GeoInit float32
	// SH0Init is the initial voxel color in [0,1].
	SH0Init float32
	// SHSInit is the initial value of the higher-degree coefficients.
	SHSInit float32
	// FilterZeroVisibility drops candidate voxels no camera ever samples.
	FilterZeroVisibility bool
	// FilterNear, when positive, drops voxels closer than this to any
	// camera.
	FilterNear float32
	// MaxGrowthPasses bounds the outside growth loop. The loop normally
	// terminates on its own via the level cap and the shrinking eligible
	// pool; exceeding the ceiling is reported as an error.
	MaxGrowthPasses int
}

func DefaultLayoutOptions() LayoutOptions {
	return LayoutOptions{
		InitNLevel:           6,
		InitOutRatio:         2.0,
		SHDegree:             3,
		SHDegreeInit:         3,
		GeoInit:              DefaultGeoInit,
		SH0Init:              DefaultSH0Init,
		SHSInit:              DefaultSHSInit,
		FilterZeroVisibility: true,
		FilterNear:           -1,
		MaxGrowthPasses:      64,
	}
}

// ConstructModel builds the initial voxel layout from scene bounds and the
// visibility heuristics, and allocates fresh parameter arrays for it. The
// oracle is mandatory whenever a visibility or near filter is requested,
// and always for scenes with background shells.
func ConstructModel(bounds SceneBounds, oracle VisibilityOracle, opt LayoutOptions, log Logger) (*SparseVoxelModel, error) {
	if log == nil {
		log = NewNopLogger()
	}
	if bounds.OutsideLevel < 0 || bounds.OutsideLevel >= MaxLevels {
		return nil, fmt.Errorf("outside level %d out of range [0, %d)", bounds.OutsideLevel, MaxLevels)
	}
	if opt.InitNLevel < 1 {
		return nil, fmt.Errorf("init depth %d must be at least 1", opt.InitNLevel)
	}
	if (opt.FilterZeroVisibility || opt.FilterNear > 0) && oracle == nil {
		return nil, fmt.Errorf("visibility filtering requested but no oracle configured")
	}
	if bounds.OutsideLevel > 0 && oracle == nil {
		return nil, fmt.Errorf("background shell construction requires a visibility oracle")
	}

	m := &SparseVoxelModel{
		Bounds:         bounds,
		MaxSHDegree:    opt.SHDegree,
		ActiveSHDegree: min(opt.SHDegreeInit, opt.SHDegree),
		GeoInit:        opt.GeoInit,
		SH0Init:        opt.SH0Init,
		SHSInit:        opt.SHSInit,
		BundleID:       uuid.New(),
		log:            log,
	}

	inPaths, inLevels, err := DenseLayout(bounds.OutsideLevel, opt.InitNLevel)
	if err != nil {
		return nil, err
	}
	inPaths, inLevels, err = layoutFiltering(inPaths, inLevels, bounds, oracle, opt.FilterZeroVisibility, opt.FilterNear)
	if err != nil {
		return nil, err
	}
	log.Infof("layout: inside region kept %d voxels", len(inPaths))

	var ouPaths []uint64
	var ouLevels []int8
	if bounds.OutsideLevel > 0 {
		minNum := int(float64(len(inPaths)) * opt.InitOutRatio)
		maxLevel := bounds.OutsideLevel + opt.InitNLevel
		if maxLevel > MaxLevels {
			maxLevel = MaxLevels
		}
		ouPaths, ouLevels, err = outsideHeuristic(bounds, oracle, minNum, maxLevel, opt, log)
		if err != nil {
			return nil, err
		}
		log.Infof("layout: outside region kept %d voxels", len(ouPaths))
	}

	paths := append(ouPaths, inPaths...)
	levels := append(ouLevels, inLevels...)
	if len(paths) == 0 {
		return nil, fmt.Errorf("layout construction produced no voxels; check camera coverage")
	}
	m.setAddresses(paths, levels)
	m.initParams()
	return m, nil
}

// layoutFiltering applies the two-stage visibility/near filter shared by
// the inside and outside heuristics.
func layoutFiltering(paths []uint64, levels []int8, bounds SceneBounds, oracle VisibilityOracle, filterZero bool, filterNear float32) ([]uint64, []int8, error) {
	if !filterZero && filterNear <= 0 {
		return paths, levels, nil
	}
	if oracle == nil {
		return nil, nil, fmt.Errorf("visibility filtering requested but no oracle configured")
	}
	centers, sizes, err := DecodeAddresses(paths, levels, bounds.Center, bounds.SceneExtent)
	if err != nil {
		return nil, nil, err
	}

	kept := make([]bool, len(paths))
	for i := range kept {
		kept[i] = true
	}
	if filterZero {
		rates, err := oracle.MaxSampleRate(centers, sizes)
		if err != nil {
			return nil, nil, err
		}
		for i, r := range rates {
			if r <= 0 {
				kept[i] = false
			}
		}
	}
	if filterNear > 0 {
		near, err := oracle.MarkNear(centers, sizes, filterNear)
		if err != nil {
			return nil, nil, err
		}
		for i, isNear := range near {
			if isNear {
				kept[i] = false
			}
		}
	}

	outPaths := paths[:0:0]
	outLevels := levels[:0:0]
	for i, k := range kept {
		if k {
			outPaths = append(outPaths, paths[i])
			outLevels = append(outLevels, levels[i])
		}
	}
	return outPaths, outLevels, nil
}

// outsideHeuristic seeds one layer per background shell and then grows the
// set toward minNum voxels: score by visibility, drop invisible voxels,
// rank the rest and subdivide at most the top decile per pass.
func outsideHeuristic(bounds SceneBounds, oracle VisibilityOracle, minNum, maxLevel int, opt LayoutOptions, log Logger) ([]uint64, []int8, error) {
	if oracle == nil {
		return nil, nil, fmt.Errorf("outside heuristic requires a visibility oracle")
	}

	var paths []uint64
	var levels []int8
	for lv := 1; lv <= bounds.OutsideLevel; lv++ {
		p, l, err := ShellLayout(lv, bounds.OutsideLevel)
		if err != nil {
			return nil, nil, err
		}
		paths = append(paths, p...)
		levels = append(levels, l...)
	}

	pass := 0
	for {
		if pass >= opt.MaxGrowthPasses {
			return nil, nil, fmt.Errorf("outside layout growth did not settle within %d passes", opt.MaxGrowthPasses)
		}
		pass++

		centers, sizes, err := DecodeAddresses(paths, levels, bounds.Center, bounds.SceneExtent)
		if err != nil {
			return nil, nil, err
		}
		rates, err := oracle.MaxSampleRate(centers, sizes)
		if err != nil {
			return nil, nil, err
		}

		// Drop voxels no camera samples.
		keptPaths := paths[:0:0]
		keptLevels := levels[:0:0]
		keptRates := rates[:0:0]
		for i, r := range rates {
			if r > 0 {
				keptPaths = append(keptPaths, paths[i])
				keptLevels = append(keptLevels, levels[i])
				keptRates = append(keptRates, r)
			}
		}
		paths, levels, rates = keptPaths, keptLevels, keptRates

		needed := (minNum - len(paths)) / 7
		if needed > len(paths) {
			needed = len(paths)
		}
		if needed <= 0 {
			break
		}

		// Rank eligible voxels; voxels at either level cap score zero so
		// they never gate the selection threshold.
		rank := make([]float32, len(paths))
		for i := range paths {
			if int(levels[i]) < MaxLevels && int(levels[i]) < maxLevel {
				rank[i] = rates[i]
			}
		}
		thres := nthLargest(rank, needed)
		eligible := make([]float32, len(paths))
		selected := make([]bool, len(paths))
		for i := range paths {
			if rank[i] >= thres && int(levels[i]) < MaxLevels && int(levels[i]) < maxLevel {
				selected[i] = true
				eligible[i] = rates[i]
			}
		}
		// Rate-limit to the top decile of eligible scores per pass.
		decile := quantileFloat32(eligible, 0.9)
		nSel := 0
		for i := range selected {
			if selected[i] && eligible[i] >= decile {
				nSel++
			} else {
				selected[i] = false
			}
		}
		if nSel == 0 {
			break
		}

		grownPaths := make([]uint64, 0, len(paths)+7*nSel)
		grownLevels := make([]int8, 0, len(paths)+7*nSel)
		for i := range paths {
			if !selected[i] {
				grownPaths = append(grownPaths, paths[i])
				grownLevels = append(grownLevels, levels[i])
			}
		}
		for i := range paths {
			if !selected[i] {
				continue
			}
			children, childLevel, err := ChildAddresses(paths[i], levels[i])
			if err != nil {
				return nil, nil, err
			}
			grownPaths = append(grownPaths, children[:]...)
			for k := 0; k < 8; k++ {
				grownLevels = append(grownLevels, childLevel)
			}
		}
		paths, levels = grownPaths, grownLevels
		log.Debugf("layout: outside pass %d grew to %d voxels (%d subdivided)", pass, len(paths), nSel)
	}

	return layoutFiltering(paths, levels, bounds, oracle, true, opt.FilterNear)
}

// nthLargest returns the n-th largest value of vals (n >= 1). Used as the
// selection threshold of the growth loop.
func nthLargest(vals []float32, n int) float32 {
	if len(vals) == 0 {
		return float32(math.Inf(1))
	}
	if n < 1 {
		n = 1
	}
	if n > len(vals) {
		n = len(vals)
	}
	sorted := make([]float32, len(vals))
	copy(sorted, vals)
	sortFloat32(sorted)
	return sorted[len(sorted)-n]
}
