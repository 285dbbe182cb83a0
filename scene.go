package sparsevox

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// SceneBounds describes the world region covered by the octree. The inside
// cube covers the foreground; the scene cube doubles the extent once per
// outside level to hold the background shells.
type SceneBounds struct {
	Center       mgl32.Vec3
	InsideExtent float32
	SceneExtent  float32
	OutsideLevel int
}

// NewSceneBounds derives bounds from a foreground bounding box. The inside
// cube is the smallest cube containing the box.
func NewSceneBounds(boxMin, boxMax mgl32.Vec3, outsideLevel int) (SceneBounds, error) {
	if outsideLevel < 0 || outsideLevel >= MaxLevels {
		return SceneBounds{}, fmt.Errorf("outside level %d out of range [0, %d)", outsideLevel, MaxLevels)
	}
	center := boxMin.Add(boxMax).Mul(0.5)
	radius := boxMax.Sub(boxMin).Mul(0.5)
	maxRadius := radius[0]
	for axis := 1; axis < 3; axis++ {
		if radius[axis] > maxRadius {
			maxRadius = radius[axis]
		}
	}
	if maxRadius <= 0 {
		return SceneBounds{}, fmt.Errorf("degenerate bounding box: max radius %g", maxRadius)
	}
	inside := 2 * maxRadius
	return SceneBounds{
		Center:       center,
		InsideExtent: inside,
		SceneExtent:  inside * float32(uint(1)<<uint(outsideLevel)),
		OutsideLevel: outsideLevel,
	}, nil
}

func (b SceneBounds) SceneMin() mgl32.Vec3 {
	return b.Center.Sub(mgl32.Vec3{1, 1, 1}.Mul(0.5 * b.SceneExtent))
}

func (b SceneBounds) SceneMax() mgl32.Vec3 {
	return b.Center.Add(mgl32.Vec3{1, 1, 1}.Mul(0.5 * b.SceneExtent))
}

func (b SceneBounds) InsideMin() mgl32.Vec3 {
	return b.Center.Sub(mgl32.Vec3{1, 1, 1}.Mul(0.5 * b.InsideExtent))
}

func (b SceneBounds) InsideMax() mgl32.Vec3 {
	return b.Center.Add(mgl32.Vec3{1, 1, 1}.Mul(0.5 * b.InsideExtent))
}

// DerivedOutsideLevel recovers the outside level from the stored extents.
func (b SceneBounds) DerivedOutsideLevel() int {
	if b.InsideExtent <= 0 {
		return 0
	}
	return int(math.Round(math.Log2(float64(b.SceneExtent / b.InsideExtent))))
}

// BoundMode selects the heuristic used to estimate the foreground bounds
// from the training cameras.
type BoundMode int

const (
	// BoundAuto picks BoundForward for forward-facing captures (every pair
	// of view directions agrees) and BoundCameraMedian otherwise.
	BoundAuto BoundMode = iota
	// BoundCameraMax centers on the camera cloud, radius = farthest camera.
	BoundCameraMax
	// BoundCameraMedian centers on the camera cloud, radius = median distance.
	BoundCameraMedian
	// BoundForward pushes the bounds along the mean view direction, for
	// forward-facing captures.
	BoundForward
)

// BoundsFromCameras estimates scene bounds from the camera configuration.
// forwardDistScale shifts the forward-mode bounds along the mean view
// direction; boundScale inflates the estimated radius.
func BoundsFromCameras(cams []Camera, mode BoundMode, forwardDistScale, boundScale float32, outsideLevel int) (SceneBounds, error) {
	if len(cams) == 0 {
		return SceneBounds{}, fmt.Errorf("bounds heuristic requires at least one camera")
	}
	if boundScale <= 0 {
		boundScale = 1
	}

	if mode == BoundAuto {
		mode = BoundCameraMedian
		if camerasForwardFacing(cams) {
			mode = BoundForward
		}
	}

	var center mgl32.Vec3
	var radius float32
	switch mode {
	case BoundCameraMax, BoundCameraMedian:
		center = cameraCentroid(cams)
		dists := make([]float32, len(cams))
		for i, cam := range cams {
			dists[i] = cam.Position.Sub(center).Len()
		}
		if mode == BoundCameraMax {
			radius = dists[0]
			for _, d := range dists[1:] {
				if d > radius {
					radius = d
				}
			}
		} else {
			sort.Slice(dists, func(i, j int) bool { return dists[i] < dists[j] })
			radius = medianSorted(dists)
		}
	case BoundForward:
		if forwardDistScale <= 0 {
			forwardDistScale = 1
		}
		camCenter := cameraCentroid(cams)
		var lookat mgl32.Vec3
		for _, cam := range cams {
			lookat = lookat.Add(cam.Forward)
		}
		if lookat.Len() == 0 {
			return SceneBounds{}, fmt.Errorf("degenerate camera set: mean view direction is zero")
		}
		lookat = lookat.Normalize()
		var camExtent float32
		for _, cam := range cams {
			if d := cam.Position.Sub(camCenter).Len(); d > camExtent {
				camExtent = d
			}
		}
		camExtent *= 2
		center = camCenter.Add(lookat.Mul(forwardDistScale * camExtent))
		radius = 0.8 * forwardDistScale * camExtent
	default:
		return SceneBounds{}, fmt.Errorf("unknown bound mode %d", mode)
	}

	radius *= boundScale
	if radius <= 0 {
		return SceneBounds{}, fmt.Errorf("camera bounds heuristic produced radius %g", radius)
	}
	r := mgl32.Vec3{radius, radius, radius}
	return NewSceneBounds(center.Sub(r), center.Add(r), outsideLevel)
}

func cameraCentroid(cams []Camera) mgl32.Vec3 {
	var sum mgl32.Vec3
	for _, cam := range cams {
		sum = sum.Add(cam.Position)
	}
	return sum.Mul(1 / float32(len(cams)))
}

func camerasForwardFacing(cams []Camera) bool {
	for i := range cams {
		for j := i + 1; j < len(cams); j++ {
			if cams[i].Forward.Dot(cams[j].Forward) <= 0 {
				return false
			}
		}
	}
	return true
}

func medianSorted(sorted []float32) float32 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}
