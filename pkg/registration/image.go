package registration

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/spatial/r3"

	"dcm2nnunet/internal/models"
)

// grid is a dense voxel image in index coordinates
type grid struct {
	data    []float64
	w, h, d int
}

func gridFromVolume(v *models.Volume) *grid {
	return &grid{data: v.Data, w: v.Width, h: v.Height, d: v.Depth}
}

func newGrid(w, h, d int) *grid {
	return &grid{data: make([]float64, w*h*d), w: w, h: h, d: d}
}

func (g *grid) at(x, y, z int) float64 {
	return g.data[(z*g.h+y)*g.w+x]
}

func (g *grid) center() r3.Vec {
	return r3.Vec{X: float64(g.w-1) / 2, Y: float64(g.h-1) / 2, Z: float64(g.d-1) / 2}
}

func axisIndex(v float64, n int) (int, int, float64, bool) {
	if v < 0 || v > float64(n-1) {
		return 0, 0, 0, false
	}
	i0 := int(math.Floor(v))
	if i0 >= n-1 {
		return n - 1, n - 1, 0, true
	}
	return i0, i0 + 1, v - float64(i0), true
}

// linear samples the grid with trilinear interpolation. Points outside the
// buffered region report false.
func (g *grid) linear(p r3.Vec) (float64, bool) {
	x0, x1, fx, ok := axisIndex(p.X, g.w)
	if !ok {
		return 0, false
	}
	y0, y1, fy, ok := axisIndex(p.Y, g.h)
	if !ok {
		return 0, false
	}
	z0, z1, fz, ok := axisIndex(p.Z, g.d)
	if !ok {
		return 0, false
	}
	c00 := g.at(x0, y0, z0)*(1-fx) + g.at(x1, y0, z0)*fx
	c10 := g.at(x0, y1, z0)*(1-fx) + g.at(x1, y1, z0)*fx
	c01 := g.at(x0, y0, z1)*(1-fx) + g.at(x1, y0, z1)*fx
	c11 := g.at(x0, y1, z1)*(1-fx) + g.at(x1, y1, z1)*fx
	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz, true
}

// sample is linear with outside returned for points beyond the grid
func (g *grid) sample(p r3.Vec, outside float64) float64 {
	if v, ok := g.linear(p); ok {
		return v
	}
	return outside
}

// nearest samples the grid with nearest-neighbour interpolation
func (g *grid) nearest(p r3.Vec) (float64, bool) {
	x, y, z := math.Round(p.X), math.Round(p.Y), math.Round(p.Z)
	if x < 0 || y < 0 || z < 0 || x > float64(g.w-1) || y > float64(g.h-1) || z > float64(g.d-1) {
		return 0, false
	}
	return g.at(int(x), int(y), int(z)), true
}

// gradient returns central-difference derivative images along x, y and z
func (g *grid) gradient() [3]*grid {
	var out [3]*grid
	for i := range out {
		out[i] = newGrid(g.w, g.h, g.d)
	}
	for z := 0; z < g.d; z++ {
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				idx := (z*g.h+y)*g.w + x
				out[0].data[idx] = diff(g, x, y, z, 1, 0, 0)
				out[1].data[idx] = diff(g, x, y, z, 0, 1, 0)
				out[2].data[idx] = diff(g, x, y, z, 0, 0, 1)
			}
		}
	}
	return out
}

func diff(g *grid, x, y, z, dx, dy, dz int) float64 {
	xa, ya, za := x+dx, y+dy, z+dz
	xb, yb, zb := x-dx, y-dy, z-dz
	span := 2.0
	if xa >= g.w || ya >= g.h || za >= g.d {
		xa, ya, za = x, y, z
		span--
	}
	if xb < 0 || yb < 0 || zb < 0 {
		xb, yb, zb = x, y, z
		span--
	}
	if span == 0 {
		return 0
	}
	return (g.at(xa, ya, za) - g.at(xb, yb, zb)) / span
}

// smooth applies a separable in-plane Gaussian with the given sigma (voxels)
func (g *grid) smooth(sigma float64) *grid {
	if sigma <= 0 {
		return g
	}
	radius := int(math.Ceil(3 * sigma))
	kernel := make([]float64, 2*radius+1)
	sum := 0.0
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	tmp := newGrid(g.w, g.h, g.d)
	out := newGrid(g.w, g.h, g.d)
	for z := 0; z < g.d; z++ {
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				acc := 0.0
				for k, kv := range kernel {
					xx := clampInt(x+k-radius, 0, g.w-1)
					acc += kv * g.at(xx, y, z)
				}
				tmp.data[(z*g.h+y)*g.w+x] = acc
			}
		}
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				acc := 0.0
				for k, kv := range kernel {
					yy := clampInt(y+k-radius, 0, g.h-1)
					acc += kv * tmp.at(x, yy, z)
				}
				out.data[(z*g.h+y)*g.w+x] = acc
			}
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResizeInPlane resizes every slice of v to width x height with Catmull-Rom
// (cubic) interpolation. Values are treated as 8-bit gray levels.
func ResizeInPlane(v *models.Volume, width, height int) *models.Volume {
	if v.Width == width && v.Height == height {
		return v.Clone()
	}
	out := v.Clone()
	out.Width, out.Height = width, height
	out.Data = make([]float64, width*height*v.Depth)
	for z := 0; z < v.Depth; z++ {
		src := image.NewGray(image.Rect(0, 0, v.Width, v.Height))
		for i, val := range v.SliceAt(z) {
			src.Pix[i] = clampByte(val)
		}
		dst := imaging.Resize(src, width, height, imaging.CatmullRom)
		plane := out.SliceAt(z)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				plane[y*width+x] = float64(dst.Pix[y*dst.Stride+x*4])
			}
		}
	}
	out.Spacing[0] = v.Spacing[0] * float64(v.Width) / float64(width)
	out.Spacing[1] = v.Spacing[1] * float64(v.Height) / float64(height)
	return out
}

func clampByte(v float64) uint8 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
