package sparsevox

import (
	"math"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestDecodeAddress_Root(t *testing.T) {
	center := mgl32.Vec3{0.5, 0.5, 0.5}
	c, size, err := DecodeAddress(0, 0, center, 1.0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if c != center || size != 1.0 {
		t.Errorf("root voxel should be the scene cube, got center=%v size=%v", c, size)
	}
}

func TestDecodeAddress_Level2(t *testing.T) {
	center := mgl32.Vec3{0.5, 0.5, 0.5}
	// Octant 0 twice: the voxel [0,0.25]^3.
	c, size, err := DecodeAddress(0, 2, center, 1.0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := mgl32.Vec3{0.125, 0.125, 0.125}
	if c.Sub(want).Len() > 1e-6 {
		t.Errorf("expected center %v, got %v", want, c)
	}
	if math.Abs(float64(size-0.25)) > 1e-6 {
		t.Errorf("expected size 0.25, got %v", size)
	}
}

func TestDecodeAddress_LevelOutOfRange(t *testing.T) {
	center := mgl32.Vec3{}
	if _, _, err := DecodeAddress(0, MaxLevels+1, center, 1.0); err == nil {
		t.Error("expected error for level beyond max")
	}
	if _, _, err := DecodeAddress(0, -1, center, 1.0); err == nil {
		t.Error("expected error for negative level")
	}
	if _, err := EncodeAddress(center, MaxLevels+1, center, 1.0); err == nil {
		t.Error("expected encode error for level beyond max")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sceneCenter := mgl32.Vec3{1.5, -2.0, 0.25}
	sceneExtent := float32(8.0)

	for trial := 0; trial < 200; trial++ {
		level := int8(1 + rng.Intn(MaxLevels))
		var path uint64
		for l := 0; l < int(level); l++ {
			path |= uint64(rng.Intn(8)) << octantShift(l)
		}

		center, size, err := DecodeAddress(path, level, sceneCenter, sceneExtent)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		wantSize := sceneExtent / float32(uint(1)<<uint(level))
		if math.Abs(float64(size-wantSize)) > 1e-6 {
			t.Fatalf("level %d: expected size %v, got %v", level, wantSize, size)
		}

		// Encoding the decoded center must reproduce the path exactly.
		back, err := EncodeAddress(center, level, sceneCenter, sceneExtent)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if back != path {
			t.Fatalf("level %d: encode(decode(%#x)) = %#x", level, path, back)
		}
	}
}

func TestChildAddresses(t *testing.T) {
	sceneCenter := mgl32.Vec3{0, 0, 0}
	sceneExtent := float32(2.0)
	path := uint64(5) << octantShift(0)
	level := int8(1)

	parentCenter, parentSize, err := DecodeAddress(path, level, sceneCenter, sceneExtent)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	children, childLevel, err := ChildAddresses(path, level)
	if err != nil {
		t.Fatalf("children failed: %v", err)
	}
	if childLevel != level+1 {
		t.Errorf("expected child level %d, got %d", level+1, childLevel)
	}

	var volume float64
	var centroid mgl32.Vec3
	for _, child := range children {
		c, s, err := DecodeAddress(child, childLevel, sceneCenter, sceneExtent)
		if err != nil {
			t.Fatalf("child decode failed: %v", err)
		}
		volume += float64(s) * float64(s) * float64(s)
		centroid = centroid.Add(c)
	}
	parentVolume := float64(parentSize) * float64(parentSize) * float64(parentSize)
	if math.Abs(volume-parentVolume) > 1e-9 {
		t.Errorf("child volumes sum %v, parent volume %v", volume, parentVolume)
	}
	centroid = centroid.Mul(1.0 / 8.0)
	if centroid.Sub(parentCenter).Len() > 1e-6 {
		t.Errorf("child centroid %v not symmetric about parent center %v", centroid, parentCenter)
	}
}

func TestChildAddresses_AtMaxLevel(t *testing.T) {
	if _, _, err := ChildAddresses(0, MaxLevels); err == nil {
		t.Error("expected error subdividing a max-level voxel")
	}
}

func TestDenseLayout_Counts(t *testing.T) {
	paths, levels, err := DenseLayout(0, 2)
	if err != nil {
		t.Fatalf("dense layout failed: %v", err)
	}
	if len(paths) != 64 {
		t.Errorf("expected 64 voxels for depth 2, got %d", len(paths))
	}
	seen := make(map[uint64]bool)
	for i, p := range paths {
		if levels[i] != 2 {
			t.Errorf("voxel %d: expected level 2, got %d", i, levels[i])
		}
		if seen[p] {
			t.Errorf("duplicate path %#x", p)
		}
		seen[p] = true
	}
}

func TestDenseLayout_InsideRegion(t *testing.T) {
	outsideLevel := 2
	nLevel := 2
	paths, levels, err := DenseLayout(outsideLevel, nLevel)
	if err != nil {
		t.Fatalf("dense layout failed: %v", err)
	}
	if len(paths) != 64 {
		t.Errorf("expected 64 voxels, got %d", len(paths))
	}

	bounds := SceneBounds{
		Center:       mgl32.Vec3{0, 0, 0},
		InsideExtent: 1,
		SceneExtent:  4,
		OutsideLevel: outsideLevel,
	}
	lo := bounds.InsideMin()
	hi := bounds.InsideMax()
	for i := range paths {
		if int(levels[i]) != outsideLevel+nLevel {
			t.Fatalf("voxel %d: expected level %d, got %d", i, outsideLevel+nLevel, levels[i])
		}
		c, _, err := DecodeAddress(paths[i], levels[i], bounds.Center, bounds.SceneExtent)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		for axis := 0; axis < 3; axis++ {
			if c[axis] <= lo[axis] || c[axis] >= hi[axis] {
				t.Fatalf("voxel %d center %v escapes the inside cube", i, c)
			}
		}
	}
}

func TestShellLayout(t *testing.T) {
	outsideLevel := 3
	bounds := SceneBounds{
		Center:       mgl32.Vec3{0, 0, 0},
		InsideExtent: 1,
		SceneExtent:  8,
		OutsideLevel: outsideLevel,
	}

	for shell := 1; shell <= outsideLevel; shell++ {
		paths, levels, err := ShellLayout(shell, outsideLevel)
		if err != nil {
			t.Fatalf("shell %d failed: %v", shell, err)
		}
		if len(paths) != 56 {
			t.Errorf("shell %d: expected 56 voxels, got %d", shell, len(paths))
		}

		// Shell voxel centers sit inside the shell's enclosing cube and
		// outside the next smaller one.
		outer := bounds.InsideExtent * float32(uint(1)<<uint(shell)) * 0.5
		inner := bounds.InsideExtent * float32(uint(1)<<uint(shell-1)) * 0.5
		for i := range paths {
			c, _, err := DecodeAddress(paths[i], levels[i], bounds.Center, bounds.SceneExtent)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			maxAbs := float32(0)
			for axis := 0; axis < 3; axis++ {
				a := float32(math.Abs(float64(c[axis])))
				if a > maxAbs {
					maxAbs = a
				}
			}
			if maxAbs >= outer {
				t.Fatalf("shell %d voxel %d center %v escapes its enclosing cube", shell, i, c)
			}
			if maxAbs <= inner {
				t.Fatalf("shell %d voxel %d center %v intrudes into the inner cube", shell, i, c)
			}
		}
	}

	if _, _, err := ShellLayout(0, outsideLevel); err == nil {
		t.Error("expected error for shell level 0")
	}
	if _, _, err := ShellLayout(outsideLevel+1, outsideLevel); err == nil {
		t.Error("expected error for shell level beyond outside level")
	}
}

func TestDecodeAddresses_Mismatch(t *testing.T) {
	if _, _, err := DecodeAddresses(make([]uint64, 3), make([]int8, 2), mgl32.Vec3{}, 1); err == nil {
		t.Error("expected error for mismatched address arrays")
	}
}
