package sparsevox

import (
	"fmt"
	"math"
	"sort"
)

// RefineOptions configures the periodic prune/subdivide procedure.
type RefineOptions struct {
	// NIter is the total number of training iterations; no refinement
	// runs within the last 500 iterations.
	NIter int
	// AdaptFrom / AdaptEvery define the refinement window and cadence.
	AdaptFrom  int
	AdaptEvery int
	// PruneUntil / SubdivideUntil close the two phases independently.
	PruneUntil     int
	SubdivideUntil int
	// SubdivideAllUntil forces every eligible voxel to subdivide during
	// the early fast-growth phase.
	SubdivideAllUntil int
	// PruneThresInit / PruneThresFinal are interpolated linearly across
	// [AdaptFrom, PruneUntil] to produce the prune threshold.
	PruneThresInit  float32
	PruneThresFinal float32
	// SubdivideSampThres scales the minimum observed sampling interval
	// when testing whether extra resolution is exploitable.
	SubdivideSampThres float32
	// SubdivideProp is the fraction of voxels subdivided per round once
	// the fast-growth phase is over.
	SubdivideProp float64
	// SubdivideMaxNum caps the total voxel count; each split nets +7.
	SubdivideMaxNum int
}

func DefaultRefineOptions() RefineOptions {
	return RefineOptions{
		NIter:              20000,
		AdaptFrom:          1000,
		AdaptEvery:         1000,
		PruneUntil:         18000,
		SubdivideUntil:     15000,
		SubdivideAllUntil:  3000,
		PruneThresInit:     0.0001,
		PruneThresFinal:    0.05,
		SubdivideSampThres: 1.5,
		SubdivideProp:      0.05,
		SubdivideMaxNum:    3000000,
	}
}

// TrainingStat is the statistics-oracle output for one camera sweep:
// per-voxel maximum observed contribution weight and minimum observed
// sampling interval, index-aligned with the model's address arrays.
type TrainingStat struct {
	MaxWeight         []float32
	MinSampleInterval []float32
}

// StatsOracle gathers TrainingStat over a sweep of training cameras. The
// renderer owns the implementation; the refiner only consumes the result.
type StatsOracle interface {
	GatherStat(cams []Camera) (*TrainingStat, error)
}

// RefineResult reports what a refinement round did. Remap maps every voxel
// of the new layout to its pre-round index (-1 for subdivision children),
// letting external per-voxel state (optimizer moments and the like) be
// rebuilt instead of silently reused.
type RefineResult struct {
	Pruned         bool
	Subdivided     bool
	PruneThreshold float32
	NumBefore      int
	NumAfterPrune  int
	NumAfter       int
	Remap          *VoxelRemap
}

// meetAdaptPeriod reports whether iteration iter falls on the refinement
// cadence inside the configured window.
func (o RefineOptions) meetAdaptPeriod(iter int) bool {
	return o.AdaptEvery > 0 &&
		iter%o.AdaptEvery == 0 &&
		iter >= o.AdaptFrom &&
		iter <= o.NIter-500
}

// NeedPruning reports whether iteration iter schedules a prune phase.
func (o RefineOptions) NeedPruning(iter int) bool {
	return o.meetAdaptPeriod(iter) && iter <= o.PruneUntil
}

// NeedSubdividing reports whether iteration iter schedules a subdivide
// phase for a model currently holding numVoxels voxels.
func (o RefineOptions) NeedSubdividing(iter, numVoxels int) bool {
	return o.meetAdaptPeriod(iter) && iter <= o.SubdivideUntil && numVoxels < o.SubdivideMaxNum
}

// PruneThreshold interpolates the prune threshold for iteration iter.
func (o RefineOptions) PruneThreshold(iter int) float32 {
	if iter <= o.AdaptFrom || o.PruneUntil <= o.AdaptFrom {
		return o.PruneThresInit
	}
	if iter >= o.PruneUntil {
		return o.PruneThresFinal
	}
	t := float32(iter-o.AdaptFrom) / float32(o.PruneUntil-o.AdaptFrom)
	return o.PruneThresInit + t*(o.PruneThresFinal-o.PruneThresInit)
}

// Refine runs one adaptive round: prune below the interpolated threshold,
// then subdivide the highest-priority eligible voxels under the budget.
// The prune mask filters the statistics arrays before the subdivide phase
// reuses them, keeping indices aligned. Both masks are staged against the
// pre-round arrays; the model is only mutated once every precondition has
// passed, so a failed round leaves it untouched. The priority accumulator
// resets to neutral afterwards.
func (m *SparseVoxelModel) Refine(iter int, stat *TrainingStat, opt RefineOptions) (*RefineResult, error) {
	n := m.NumVoxels()
	res := &RefineResult{
		NumBefore:     n,
		NumAfterPrune: n,
		NumAfter:      n,
	}

	needPrune := opt.NeedPruning(iter)
	needSubdiv := opt.NeedSubdividing(iter, n)
	if !needPrune && !needSubdiv {
		return res, nil
	}
	if stat == nil {
		return nil, fmt.Errorf("refinement at iteration %d requires training statistics", iter)
	}
	if len(stat.MaxWeight) != n || len(stat.MinSampleInterval) != n {
		return nil, fmt.Errorf("training stat length (%d, %d) does not match %d voxels",
			len(stat.MaxWeight), len(stat.MinSampleInterval), n)
	}
	if err := m.checkAligned(); err != nil {
		return nil, err
	}

	var pruneMask []bool
	var pruneThres float32
	if needPrune {
		pruneThres = opt.PruneThreshold(iter)
		pruneMask = make([]bool, n)
		for i, w := range stat.MaxWeight {
			pruneMask[i] = w < pruneThres
		}
	}

	// Stage the subdivide selection over the prune survivors using the
	// pre-round arrays, so the eligibility precondition is checked before
	// anything is mutated.
	var selected []bool
	nSel := 0
	before := n
	if needSubdiv {
		sizes := m.VoxSizes()
		survivors := make([]int, 0, n)
		for i := 0; i < n; i++ {
			if pruneMask == nil || !pruneMask[i] {
				survivors = append(survivors, i)
			}
		}
		before = len(survivors)

		valid := make([]bool, before)
		anyValid := false
		for k, i := range survivors {
			largeEnough := sizes[i]*0.5 > stat.MinSampleInterval[i]*opt.SubdivideSampThres
			nonFinest := int(m.Levels[i]) < MaxLevels
			valid[k] = largeEnough && nonFinest
			anyValid = anyValid || valid[k]
		}
		if !anyValid {
			return nil, fmt.Errorf("refinement at iteration %d found no voxel eligible for subdivision", iter)
		}

		priority := make([]float32, before)
		for k, i := range survivors {
			if valid[k] {
				priority[k] = m.SubdivPriority[i]
			}
		}

		var thres float32 = -1
		if iter > opt.SubdivideAllUntil {
			thres = quantileFloat32(priority, 1-opt.SubdivideProp)
		}
		selected = make([]bool, before)
		for k := range selected {
			if valid[k] && priority[k] > thres {
				selected[k] = true
				nSel++
			}
		}

		// Trim the candidate set when the budget would overflow.
		maxNSubdiv := int(math.Round(float64(opt.SubdivideMaxNum-before) / 7))
		if nSel > maxNSubdiv {
			nRemoved := nSel - maxNSubdiv
			cut := nthSmallestSelected(priority, selected, nRemoved)
			nSel = 0
			for k := range selected {
				if selected[k] && priority[k] > cut {
					nSel++
				} else {
					selected[k] = false
				}
			}
		}
	}

	remap := &VoxelRemap{Old: make([]int32, n)}
	for i := range remap.Old {
		remap.Old[i] = int32(i)
	}

	if needPrune {
		pruneRemap, err := m.Prune(pruneMask)
		if err != nil {
			return nil, err
		}
		remap = pruneRemap
		res.Pruned = true
		res.PruneThreshold = pruneThres
		res.NumAfterPrune = m.NumVoxels()
		m.logger().Infof("[PRUNING]     %7d => %7d (x%.2f; thres=%.4f)",
			n, res.NumAfterPrune, float64(res.NumAfterPrune)/float64(n), pruneThres)
	}

	if nSel > 0 {
		subdivRemap, err := m.Subdivide(selected)
		if err != nil {
			return nil, err
		}
		remap = remap.Compose(subdivRemap)
		res.Subdivided = true
		m.logger().Infof("[SUBDIVIDING] %7d => %7d (x%.2f)",
			before, m.NumVoxels(), float64(m.NumVoxels())/float64(before))
	}

	m.ResetSubdivisionPriority()
	res.NumAfter = m.NumVoxels()
	res.Remap = remap
	return res, nil
}

// nthSmallestSelected returns the n-th smallest priority among selected
// entries; candidates at or below it get trimmed.
func nthSmallestSelected(priority []float32, selected []bool, n int) float32 {
	vals := make([]float32, 0, len(priority))
	for i, s := range selected {
		if s {
			vals = append(vals, priority[i])
		}
	}
	sortFloat32(vals)
	if n < 1 {
		n = 1
	}
	if n > len(vals) {
		n = len(vals)
	}
	return vals[n-1]
}

func sortFloat32(vals []float32) {
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
}
