package registration

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"dcm2nnunet/internal/models"
)

// RigidTransform rotates about Center by Euler angles (radians, applied in
// y, x, z order) and then translates. Coordinates are voxel indices of the
// fixed volume.
type RigidTransform struct {
	Angles      [3]float64
	Translation r3.Vec
	Center      r3.Vec

	m *r3.Mat
}

// NewRigidTransform returns the identity rotation about center
func NewRigidTransform(center r3.Vec) *RigidTransform {
	return &RigidTransform{Center: center}
}

// SetParameters sets angles and translation from a 6-vector
func (t *RigidTransform) SetParameters(p []float64) {
	t.Angles = [3]float64{p[0], p[1], p[2]}
	t.Translation = r3.Vec{X: p[3], Y: p[4], Z: p[5]}
	t.m = nil
}

// Parameters returns angles and translation as a 6-vector
func (t *RigidTransform) Parameters() []float64 {
	return []float64{t.Angles[0], t.Angles[1], t.Angles[2], t.Translation.X, t.Translation.Y, t.Translation.Z}
}

// Matrix returns the rotation matrix
func (t *RigidTransform) Matrix() *r3.Mat {
	if t.m != nil {
		return t.m
	}
	rx := r3.NewRotation(t.Angles[0], r3.Vec{X: 1})
	ry := r3.NewRotation(t.Angles[1], r3.Vec{Y: 1})
	rz := r3.NewRotation(t.Angles[2], r3.Vec{Z: 1})
	m := r3.NewMat(nil)
	for j, e := range []r3.Vec{{X: 1}, {Y: 1}, {Z: 1}} {
		col := rz.Rotate(rx.Rotate(ry.Rotate(e)))
		m.Set(0, j, col.X)
		m.Set(1, j, col.Y)
		m.Set(2, j, col.Z)
	}
	t.m = m
	return m
}

// Apply maps a fixed-space point into moving space
func (t *RigidTransform) Apply(p r3.Vec) r3.Vec {
	q := t.Matrix().MulVec(r3.Sub(p, t.Center))
	return r3.Add(r3.Add(q, t.Center), t.Translation)
}

// BSplineTransform is a cubic B-spline free-form deformation. Control points
// sit every Spacing voxels starting one spacing before the origin; each holds
// a displacement vector.
type BSplineTransform struct {
	Spacing [3]float64
	Size    [3]int

	// Coefficients holds all x displacements, then all y, then all z
	Coefficients []float64
}

// NewBSplineTransform returns a zero deformation covering a w x h x d volume
func NewBSplineTransform(w, h, d int, spacing [3]float64) *BSplineTransform {
	t := &BSplineTransform{Spacing: spacing}
	for i, n := range []int{w, h, d} {
		if t.Spacing[i] <= 0 {
			t.Spacing[i] = 1
		}
		t.Size[i] = int(math.Floor(float64(n-1)/t.Spacing[i])) + 4
	}
	t.Coefficients = make([]float64, 3*t.nodes())
	return t
}

func (t *BSplineTransform) nodes() int {
	return t.Size[0] * t.Size[1] * t.Size[2]
}

// NumberOfParameters returns the coefficient count
func (t *BSplineTransform) NumberOfParameters() int {
	return len(t.Coefficients)
}

func cubicWeights(u float64) [4]float64 {
	u2, u3 := u*u, u*u*u
	return [4]float64{
		(1 - 3*u + 3*u2 - u3) / 6,
		(3*u3 - 6*u2 + 4) / 6,
		(-3*u3 + 3*u2 + 3*u + 1) / 6,
		u3 / 6,
	}
}

// support calls fn for every control point influencing p with its weight
func (t *BSplineTransform) support(p r3.Vec, fn func(node int, w float64)) {
	var base [3]int
	var weights [3][4]float64
	for i, v := range []float64{p.X, p.Y, p.Z} {
		s := v/t.Spacing[i] + 1
		b := math.Floor(s)
		base[i] = int(b) - 1
		weights[i] = cubicWeights(s - b)
	}
	for k := 0; k < 4; k++ {
		z := base[2] + k
		if z < 0 || z >= t.Size[2] {
			continue
		}
		for j := 0; j < 4; j++ {
			y := base[1] + j
			if y < 0 || y >= t.Size[1] {
				continue
			}
			wyz := weights[1][j] * weights[2][k]
			for i := 0; i < 4; i++ {
				x := base[0] + i
				if x < 0 || x >= t.Size[0] {
					continue
				}
				fn((z*t.Size[1]+y)*t.Size[0]+x, weights[0][i]*wyz)
			}
		}
	}
}

// Displacement returns the deformation vector at p
func (t *BSplineTransform) Displacement(p r3.Vec) r3.Vec {
	n := t.nodes()
	var d r3.Vec
	t.support(p, func(node int, w float64) {
		d.X += w * t.Coefficients[node]
		d.Y += w * t.Coefficients[n+node]
		d.Z += w * t.Coefficients[2*n+node]
	})
	return d
}

// Apply maps a point through the deformation
func (t *BSplineTransform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(p, t.Displacement(p))
}

// Transform is the composed registration result: the rigid stage first, then
// the deformable stage on the rigidly mapped point.
type Transform struct {
	Rigid   *RigidTransform
	BSpline *BSplineTransform

	// Width, Height and Depth describe the fixed grid the transform was estimated on
	Width, Height, Depth int
}

// Apply maps a fixed-grid point into the moving volume
func (t *Transform) Apply(p r3.Vec) r3.Vec {
	q := p
	if t.Rigid != nil {
		q = t.Rigid.Apply(q)
	}
	if t.BSpline != nil {
		q = t.BSpline.Apply(q)
	}
	return q
}

// Resample maps moving onto the fixed grid of the transform. Order 0 uses
// nearest-neighbour interpolation, anything else trilinear. Points mapping
// outside moving get defaultValue.
func (t *Transform) Resample(moving *models.Volume, order int, defaultValue float64) *models.Volume {
	src := gridFromVolume(moving)
	out := models.NewVolume(t.Width, t.Height, t.Depth)
	sample := src.linear
	if order == 0 {
		sample = src.nearest
	}
	for z := 0; z < t.Depth; z++ {
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				v, ok := sample(t.Apply(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}))
				if !ok {
					v = defaultValue
				}
				out.Set(x, y, z, v)
			}
		}
	}
	return out
}

// ResampleLabels maps a label map with nearest-neighbour interpolation so masks
// drawn on the moving grid can follow the alignment
func (t *Transform) ResampleLabels(labels *models.LabelMap) *models.LabelMap {
	out := models.NewLabelMap(t.Width, t.Height, t.Depth)
	src := &grid{data: make([]float64, len(labels.Data)), w: labels.Width, h: labels.Height, d: labels.Depth}
	for i, v := range labels.Data {
		src.data[i] = float64(v)
	}
	for z := 0; z < t.Depth; z++ {
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				if v, ok := src.nearest(t.Apply(r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)})); ok {
					out.Data[(z*t.Height+y)*t.Width+x] = uint8(v)
				}
			}
		}
	}
	return out
}
