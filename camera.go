package sparsevox

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Camera is a calibrated training view. Forward is the unit view direction
// (lookat), Up roughly opposes gravity; FovY is the vertical field of view
// in radians.
type Camera struct {
	Position mgl32.Vec3
	Forward  mgl32.Vec3
	Up       mgl32.Vec3
	FovY     float32
	Width    int
	Height   int
	Near     float32
	Far      float32
}

func (c *Camera) Aspect() float32 {
	return float32(c.Width) / float32(c.Height)
}

// FocalPixels returns the focal length expressed in pixels.
func (c *Camera) FocalPixels() float32 {
	return 0.5 * float32(c.Height) / float32(math.Tan(float64(c.FovY)*0.5))
}

func (c *Camera) ViewMatrix() mgl32.Mat4 {
	eye := c.Position
	target := eye.Add(c.Forward)
	up := c.Up
	if up.Len() == 0 {
		up = mgl32.Vec3{0, 0, 1}
	}
	return mgl32.LookAtV(eye, target, up)
}

func (c *Camera) ProjMatrix() mgl32.Mat4 {
	return mgl32.Perspective(c.FovY, c.Aspect(), c.Near, c.Far)
}

func (c *Camera) ViewProj() mgl32.Mat4 {
	return c.ProjMatrix().Mul4(c.ViewMatrix())
}

// ExtractFrustum extracts the 6 planes of the frustum from the
// view-projection matrix, in order Left, Right, Bottom, Top, Near, Far.
// Planes are Ax + By + Cz + D = 0 with normals pointing inside.
func ExtractFrustum(vp mgl32.Mat4) [6]mgl32.Vec4 {
	var planes [6]mgl32.Vec4

	// Left plane: Row 3 + Row 0
	planes[0] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(0, 0),
		vp.At(3, 1) + vp.At(0, 1),
		vp.At(3, 2) + vp.At(0, 2),
		vp.At(3, 3) + vp.At(0, 3),
	}
	// Right plane: Row 3 - Row 0
	planes[1] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(0, 0),
		vp.At(3, 1) - vp.At(0, 1),
		vp.At(3, 2) - vp.At(0, 2),
		vp.At(3, 3) - vp.At(0, 3),
	}
	// Bottom plane: Row 3 + Row 1
	planes[2] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(1, 0),
		vp.At(3, 1) + vp.At(1, 1),
		vp.At(3, 2) + vp.At(1, 2),
		vp.At(3, 3) + vp.At(1, 3),
	}
	// Top plane: Row 3 - Row 1
	planes[3] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(1, 0),
		vp.At(3, 1) - vp.At(1, 1),
		vp.At(3, 2) - vp.At(1, 2),
		vp.At(3, 3) - vp.At(1, 3),
	}
	// Near plane: Row 3 + Row 2
	planes[4] = mgl32.Vec4{
		vp.At(3, 0) + vp.At(2, 0),
		vp.At(3, 1) + vp.At(2, 1),
		vp.At(3, 2) + vp.At(2, 2),
		vp.At(3, 3) + vp.At(2, 3),
	}
	// Far plane: Row 3 - Row 2
	planes[5] = mgl32.Vec4{
		vp.At(3, 0) - vp.At(2, 0),
		vp.At(3, 1) - vp.At(2, 1),
		vp.At(3, 2) - vp.At(2, 2),
		vp.At(3, 3) - vp.At(2, 3),
	}

	for i := 0; i < 6; i++ {
		length := float32(math.Sqrt(float64(planes[i][0]*planes[i][0] + planes[i][1]*planes[i][1] + planes[i][2]*planes[i][2])))
		if length > 0 {
			planes[i] = planes[i].Mul(1.0 / length)
		}
	}

	return planes
}

// AABBInFrustum checks whether an AABB intersects the frustum. The box is
// outside when its most-inside corner still sits behind any plane.
func AABBInFrustum(aabb [2]mgl32.Vec3, planes [6]mgl32.Vec4) bool {
	for i := 0; i < 6; i++ {
		plane := planes[i]
		var p mgl32.Vec3
		if plane[0] > 0 {
			p[0] = aabb[1][0]
		} else {
			p[0] = aabb[0][0]
		}
		if plane[1] > 0 {
			p[1] = aabb[1][1]
		} else {
			p[1] = aabb[0][1]
		}
		if plane[2] > 0 {
			p[2] = aabb[1][2]
		} else {
			p[2] = aabb[0][2]
		}

		dist := plane[0]*p[0] + plane[1]*p[1] + plane[2]*p[2] + plane[3]
		if dist < 0 {
			return false
		}
	}
	return true
}

// VisibilityOracle scores candidate voxels against the training views.
// A sampling rate of 0 means no camera ever sees the voxel.
type VisibilityOracle interface {
	// MaxSampleRate returns, per voxel, the maximum sampling rate over all
	// cameras: the voxel's projected edge length in pixels at its center
	// depth, or 0 when invisible.
	MaxSampleRate(centers []mgl32.Vec3, sizes []float32) ([]float32, error)
	// MarkNear flags voxels whose bounding box comes within `near` world
	// units of any camera position.
	MarkNear(centers []mgl32.Vec3, sizes []float32, near float32) ([]bool, error)
}

// FrustumOracle is the stock VisibilityOracle: frustum culling per camera
// plus a projected-footprint score.
type FrustumOracle struct {
	cams   []Camera
	planes [][6]mgl32.Vec4
}

func NewFrustumOracle(cams []Camera) (*FrustumOracle, error) {
	if len(cams) == 0 {
		return nil, fmt.Errorf("visibility oracle requires at least one camera")
	}
	o := &FrustumOracle{
		cams:   cams,
		planes: make([][6]mgl32.Vec4, len(cams)),
	}
	for i := range cams {
		o.planes[i] = ExtractFrustum(cams[i].ViewProj())
	}
	return o, nil
}

func (o *FrustumOracle) Cameras() []Camera { return o.cams }

func (o *FrustumOracle) MaxSampleRate(centers []mgl32.Vec3, sizes []float32) ([]float32, error) {
	if len(centers) != len(sizes) {
		return nil, fmt.Errorf("voxel arrays out of sync: %d centers vs %d sizes", len(centers), len(sizes))
	}
	rates := make([]float32, len(centers))
	parallelFor(len(centers), func(begin, end int) {
		for i := begin; i < end; i++ {
			half := sizes[i] * 0.5
			aabb := [2]mgl32.Vec3{
				centers[i].Sub(mgl32.Vec3{half, half, half}),
				centers[i].Add(mgl32.Vec3{half, half, half}),
			}
			var best float32
			for ci := range o.cams {
				cam := &o.cams[ci]
				if !AABBInFrustum(aabb, o.planes[ci]) {
					continue
				}
				depth := centers[i].Sub(cam.Position).Dot(cam.Forward)
				// The near cap keeps the footprint finite for voxels that
				// straddle the camera origin, even with an unset near plane.
				minDepth := cam.Near
				if minDepth <= 0 {
					minDepth = 1e-4
				}
				if depth < minDepth {
					depth = minDepth
				}
				rate := sizes[i] * cam.FocalPixels() / depth
				if rate > best {
					best = rate
				}
			}
			rates[i] = best
		}
	})
	return rates, nil
}

func (o *FrustumOracle) MarkNear(centers []mgl32.Vec3, sizes []float32, near float32) ([]bool, error) {
	if len(centers) != len(sizes) {
		return nil, fmt.Errorf("voxel arrays out of sync: %d centers vs %d sizes", len(centers), len(sizes))
	}
	marks := make([]bool, len(centers))
	parallelFor(len(centers), func(begin, end int) {
		for i := begin; i < end; i++ {
			half := sizes[i] * 0.5
			for ci := range o.cams {
				if aabbPointDistance(centers[i], half, o.cams[ci].Position) < near {
					marks[i] = true
					break
				}
			}
		}
	})
	return marks, nil
}

// aabbPointDistance returns the distance from p to the cube centered at c
// with half edge half; 0 when p is inside.
func aabbPointDistance(c mgl32.Vec3, half float32, p mgl32.Vec3) float32 {
	var sq float32
	for axis := 0; axis < 3; axis++ {
		d := p[axis] - c[axis]
		if d < -half {
			d += half
		} else if d > half {
			d -= half
		} else {
			d = 0
		}
		sq += d * d
	}
	return float32(math.Sqrt(float64(sq)))
}
