package sparsevox

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func testCamera() Camera {
	return Camera{
		Position: mgl32.Vec3{0, 0, -4},
		Forward:  mgl32.Vec3{0, 0, 1},
		Up:       mgl32.Vec3{0, 1, 0},
		FovY:     mgl32.DegToRad(60),
		Width:    800,
		Height:   600,
		Near:     0.1,
		Far:      100,
	}
}

func TestFocalPixels(t *testing.T) {
	cam := testCamera()
	want := 0.5 * 600 / float32(math.Tan(float64(cam.FovY)*0.5))
	if math.Abs(float64(cam.FocalPixels()-want)) > 1e-3 {
		t.Errorf("expected focal %v, got %v", want, cam.FocalPixels())
	}
}

func TestFrustumContainment(t *testing.T) {
	cam := testCamera()
	planes := ExtractFrustum(cam.ViewProj())

	inFront := [2]mgl32.Vec3{{-0.5, -0.5, -0.5}, {0.5, 0.5, 0.5}}
	if !AABBInFrustum(inFront, planes) {
		t.Error("box straight ahead should be visible")
	}

	behind := [2]mgl32.Vec3{{-0.5, -0.5, -10}, {0.5, 0.5, -9}}
	if AABBInFrustum(behind, planes) {
		t.Error("box behind the camera should be culled")
	}

	farOff := [2]mgl32.Vec3{{50, 50, 0}, {51, 51, 1}}
	if AABBInFrustum(farOff, planes) {
		t.Error("box far off axis should be culled")
	}
}

func TestFrustumOracle_MaxSampleRate(t *testing.T) {
	oracle, err := NewFrustumOracle([]Camera{testCamera()})
	if err != nil {
		t.Fatalf("oracle failed: %v", err)
	}

	centers := []mgl32.Vec3{
		{0, 0, 0},    // 4 units ahead
		{0, 0, 4},    // 8 units ahead
		{0, 0, -20},  // behind
		{100, 0, 0},  // off axis
	}
	sizes := []float32{1, 1, 1, 1}
	rates, err := oracle.MaxSampleRate(centers, sizes)
	if err != nil {
		t.Fatalf("rate failed: %v", err)
	}

	if rates[0] <= 0 || rates[1] <= 0 {
		t.Fatalf("visible voxels must have positive rates, got %v", rates)
	}
	// Twice the depth should roughly halve the footprint.
	if math.Abs(float64(rates[0]/rates[1]-2)) > 1e-3 {
		t.Errorf("expected 2x rate ratio, got %v / %v", rates[0], rates[1])
	}
	if rates[2] != 0 || rates[3] != 0 {
		t.Errorf("invisible voxels must score 0, got %v", rates)
	}

	cam := testCamera()
	want := 1 * cam.FocalPixels() / 4
	if math.Abs(float64(rates[0]-want)) > 1e-2 {
		t.Errorf("expected rate %v, got %v", want, rates[0])
	}
}

func TestFrustumOracle_ZeroNearStaysFinite(t *testing.T) {
	cam := testCamera()
	cam.Near = 0
	oracle, err := NewFrustumOracle([]Camera{cam})
	if err != nil {
		t.Fatalf("oracle failed: %v", err)
	}

	// A voxel straddling the camera origin has zero view depth.
	rates, err := oracle.MaxSampleRate([]mgl32.Vec3{cam.Position}, []float32{1})
	if err != nil {
		t.Fatalf("rate failed: %v", err)
	}
	if math.IsInf(float64(rates[0]), 0) || math.IsNaN(float64(rates[0])) {
		t.Fatalf("expected a finite rate, got %v", rates[0])
	}
	if rates[0] <= 0 {
		t.Errorf("voxel at the camera must still score positive, got %v", rates[0])
	}
}

func TestFrustumOracle_MarkNear(t *testing.T) {
	oracle, err := NewFrustumOracle([]Camera{testCamera()})
	if err != nil {
		t.Fatalf("oracle failed: %v", err)
	}
	centers := []mgl32.Vec3{{0, 0, -4}, {0, 0, 10}}
	sizes := []float32{1, 1}
	marks, err := oracle.MarkNear(centers, sizes, 1)
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if !marks[0] {
		t.Error("voxel containing the camera must be marked near")
	}
	if marks[1] {
		t.Error("distant voxel must not be marked near")
	}
}

func TestNewFrustumOracle_NoCameras(t *testing.T) {
	if _, err := NewFrustumOracle(nil); err == nil {
		t.Error("expected error for empty camera set")
	}
}
