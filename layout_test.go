package sparsevox

import (
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// stubOracle scores every voxel by its edge size (or a custom rate) and
// marks nothing near, optionally zeroing voxels rejected by a predicate.
type stubOracle struct {
	reject func(center mgl32.Vec3) bool
	rate   func(size float32) float32
}

func (o *stubOracle) MaxSampleRate(centers []mgl32.Vec3, sizes []float32) ([]float32, error) {
	rates := make([]float32, len(centers))
	for i := range centers {
		if o.reject != nil && o.reject(centers[i]) {
			continue
		}
		if o.rate != nil {
			rates[i] = o.rate(sizes[i])
		} else {
			rates[i] = sizes[i]
		}
	}
	return rates, nil
}

func (o *stubOracle) MarkNear(centers []mgl32.Vec3, sizes []float32, near float32) ([]bool, error) {
	return make([]bool, len(centers)), nil
}

func unitBounds(t *testing.T, outsideLevel int) SceneBounds {
	t.Helper()
	b, err := NewSceneBounds(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 1, 1}, outsideLevel)
	if err != nil {
		t.Fatalf("bounds failed: %v", err)
	}
	return b
}

func TestConstructModel_DenseForeground(t *testing.T) {
	opt := DefaultLayoutOptions()
	opt.InitNLevel = 2
	m, err := ConstructModel(unitBounds(t, 0), &stubOracle{}, opt, nil)
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}
	if m.NumVoxels() != 64 {
		t.Errorf("expected 64 voxels, got %d", m.NumVoxels())
	}
	if m.NumGridPoints() != 125 {
		t.Errorf("expected 125 grid points, got %d", m.NumGridPoints())
	}
	if len(m.DensityGrid) != 125 || len(m.SH0) != 64*3 || len(m.SHS) != 64*m.SHSDim()*3 {
		t.Errorf("parameter arrays mis-sized: density=%d sh0=%d shs=%d",
			len(m.DensityGrid), len(m.SH0), len(m.SHS))
	}
	for _, d := range m.DensityGrid {
		if d != m.GeoInit {
			t.Fatalf("density not initialized to %v, got %v", m.GeoInit, d)
		}
	}
	wantSH0 := shZeroFromRGB(opt.SH0Init)
	for _, v := range m.SH0 {
		if v != wantSH0 {
			t.Fatalf("sh0 not initialized to %v, got %v", wantSH0, v)
		}
	}
	if m.BundleID == uuid.Nil {
		t.Error("expected a fresh bundle id")
	}
}

func TestConstructModel_VisibilityFilter(t *testing.T) {
	opt := DefaultLayoutOptions()
	opt.InitNLevel = 2
	// Reject everything in the -x half; exactly half the dense cube survives.
	oracle := &stubOracle{reject: func(c mgl32.Vec3) bool { return c[0] < 0.5 }}
	m, err := ConstructModel(unitBounds(t, 0), oracle, opt, nil)
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}
	if m.NumVoxels() != 32 {
		t.Errorf("expected 32 voxels after filtering, got %d", m.NumVoxels())
	}
	for _, c := range m.VoxCenters() {
		if c[0] < 0.5 {
			t.Fatalf("filtered-out voxel survived at %v", c)
		}
	}
}

func TestConstructModel_WithBackgroundShells(t *testing.T) {
	opt := DefaultLayoutOptions()
	opt.InitNLevel = 2
	m, err := ConstructModel(unitBounds(t, 2), &stubOracle{}, opt, NewNopLogger())
	if err != nil {
		t.Fatalf("construct failed: %v", err)
	}

	inside := 0
	for _, in := range m.InsideMask() {
		if in {
			inside++
		}
	}
	if inside != 64 {
		t.Errorf("expected 64 inside voxels, got %d", inside)
	}
	// Two seeded shells hold 112 voxels before growth.
	if outside := m.NumVoxels() - inside; outside < 112 {
		t.Errorf("expected at least 112 outside voxels, got %d", outside)
	}

	// The growth target was reached or growth ran out of eligible voxels.
	if m.NumVoxels() < 64+112 {
		t.Errorf("model smaller than its seed: %d voxels", m.NumVoxels())
	}
	if err := m.checkAligned(); err != nil {
		t.Errorf("constructed model misaligned: %v", err)
	}
}

func TestConstructModel_MissingOracle(t *testing.T) {
	opt := DefaultLayoutOptions()
	opt.InitNLevel = 2
	if _, err := ConstructModel(unitBounds(t, 0), nil, opt, nil); err == nil {
		t.Error("expected error: visibility filter without an oracle")
	}

	opt.FilterZeroVisibility = false
	if _, err := ConstructModel(unitBounds(t, 1), nil, opt, nil); err == nil {
		t.Error("expected error: background shells without an oracle")
	}
	if _, err := ConstructModel(unitBounds(t, 0), nil, opt, nil); err != nil {
		t.Errorf("foreground-only construction without filters should not need an oracle: %v", err)
	}
}

func TestConstructModel_GrowthPassCeiling(t *testing.T) {
	opt := DefaultLayoutOptions()
	opt.InitNLevel = 2
	opt.MaxGrowthPasses = 0
	_, err := ConstructModel(unitBounds(t, 2), &stubOracle{}, opt, nil)
	if err == nil {
		t.Fatal("expected growth ceiling error")
	}
	if !strings.Contains(err.Error(), "did not settle") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestConstructModel_AllFiltered(t *testing.T) {
	opt := DefaultLayoutOptions()
	opt.InitNLevel = 2
	oracle := &stubOracle{reject: func(mgl32.Vec3) bool { return true }}
	if _, err := ConstructModel(unitBounds(t, 0), oracle, opt, nil); err == nil {
		t.Error("expected error when every candidate voxel is invisible")
	}
}

func TestOutsideGrowth_CappedVoxelsDoNotGateSelection(t *testing.T) {
	bounds := unitBounds(t, 2)
	opt := DefaultLayoutOptions()

	// Finer voxels score higher, so the innermost shell (already at the
	// construction cap) carries the top scores. Those capped voxels must
	// not set the selection threshold for the voxels that can still grow.
	oracle := &stubOracle{rate: func(size float32) float32 { return 1 / size }}
	const minNum, maxLevel = 182, 3
	paths, levels, err := outsideHeuristic(bounds, oracle, minNum, maxLevel, opt, NewNopLogger())
	if err != nil {
		t.Fatalf("growth failed: %v", err)
	}
	if len(paths) < minNum {
		t.Errorf("growth stalled at %d voxels, target %d", len(paths), minNum)
	}
	for i, lv := range levels {
		if int(lv) > maxLevel {
			t.Fatalf("voxel %d grew past the level cap: level %d", i, lv)
		}
	}
}

func TestNthLargest(t *testing.T) {
	vals := []float32{3, 1, 4, 1, 5}
	cases := []struct {
		n    int
		want float32
	}{
		{1, 5}, {2, 4}, {3, 3}, {5, 1}, {10, 1},
	}
	for _, c := range cases {
		if got := nthLargest(vals, c.n); got != c.want {
			t.Errorf("nthLargest(n=%d): expected %v, got %v", c.n, c.want, got)
		}
	}
}
