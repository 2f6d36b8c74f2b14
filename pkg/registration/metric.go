package registration

import (
	"math"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// Metric identifies a similarity measure. Lower values are better for all of them.
type Metric int

const (
	MeanSquares Metric = iota
	NormalizedCorrelation
	MutualInformation
)

// ParseMetric maps an elastix metric name to a Metric. Unknown names fall back
// to mean squares.
func ParseMetric(name string) Metric {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "mutualinformation"):
		return MutualInformation
	case strings.Contains(n, "correlation"):
		return NormalizedCorrelation
	default:
		return MeanSquares
	}
}

func (m Metric) String() string {
	switch m {
	case NormalizedCorrelation:
		return "AdvancedNormalizedCorrelation"
	case MutualInformation:
		return "AdvancedMattesMutualInformation"
	default:
		return "AdvancedMeanSquares"
	}
}

// penalty is returned when there are too few samples to compare
const penalty = 1e30

// samples is a fixed set of fixed-image voxel positions with their intensities
type samples struct {
	points []r3.Vec
	fixed  []float64
}

// drawSamples picks n voxels of fixed without replacement. When n covers the
// whole image every voxel is used.
func drawSamples(fixed *grid, n int, rng *rand.Rand) samples {
	total := fixed.w * fixed.h * fixed.d
	var idx []int
	if n <= 0 || n >= total {
		idx = make([]int, total)
		for i := range idx {
			idx[i] = i
		}
	} else {
		idx = rng.Perm(total)[:n]
	}
	s := samples{points: make([]r3.Vec, len(idx)), fixed: make([]float64, len(idx))}
	for i, k := range idx {
		x := k % fixed.w
		y := (k / fixed.w) % fixed.h
		z := k / (fixed.w * fixed.h)
		s.points[i] = r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}
		s.fixed[i] = fixed.data[k]
	}
	return s
}

// evaluate computes metric between the sampled fixed values and the moving
// image at the mapped points. Points mapped outside the moving image read as
// outside, so every sample counts whatever the overlap.
func evaluate(metric Metric, s samples, moving *grid, mapping func(r3.Vec) r3.Vec, bins int, outside float64) float64 {
	if len(s.points) < 2 {
		return penalty
	}
	f := s.fixed
	m := make([]float64, len(s.points))
	for i, p := range s.points {
		m[i] = moving.sample(mapping(p), outside)
	}
	switch metric {
	case NormalizedCorrelation:
		return -correlation(f, m)
	case MutualInformation:
		return -mutualInformation(f, m, bins)
	default:
		return meanSquares(f, m)
	}
}

func meanSquares(f, m []float64) float64 {
	sum := 0.0
	for i := range f {
		d := m[i] - f[i]
		sum += d * d
	}
	return sum / float64(len(f))
}

func correlation(f, m []float64) float64 {
	if stat.Variance(f, nil) == 0 || stat.Variance(m, nil) == 0 {
		return 0
	}
	return stat.Correlation(f, m, nil)
}

// mutualInformation estimates MI from a joint histogram with the given number
// of bins per axis
func mutualInformation(f, m []float64, bins int) float64 {
	if bins < 2 {
		bins = 32
	}
	fMin, fMax := bounds(f)
	mMin, mMax := bounds(m)

	joint := make([]float64, bins*bins)
	pf := make([]float64, bins)
	pm := make([]float64, bins)
	n := float64(len(f))
	for i := range f {
		a := bin(f[i], fMin, fMax, bins)
		b := bin(m[i], mMin, mMax, bins)
		joint[a*bins+b] += 1 / n
		pf[a] += 1 / n
		pm[b] += 1 / n
	}
	return stat.Entropy(pf) + stat.Entropy(pm) - stat.Entropy(joint)
}

func bounds(v []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func bin(v, lo, hi float64, bins int) int {
	if hi <= lo {
		return 0
	}
	b := int((v - lo) / (hi - lo) * float64(bins))
	return clampInt(b, 0, bins-1)
}

// deformable evaluates a metric and its gradient with respect to B-spline
// coefficients. Sample support weights are fixed because the rigid mapping is
// fixed during the deformable stage.
type deformable struct {
	metric    Metric
	transform *BSplineTransform
	moving    *grid
	outside   float64
	gradient  [3]*grid

	fixed   []float64
	mapped  []r3.Vec
	support [][]nodeWeight

	lastX []float64
	value float64
	grad  []float64
}

type nodeWeight struct {
	node   int
	weight float64
}

func newDeformable(metric Metric, t *BSplineTransform, moving *grid, s samples, rigid func(r3.Vec) r3.Vec, outside float64) *deformable {
	d := &deformable{
		metric:    metric,
		transform: t,
		moving:    moving,
		outside:   outside,
		gradient:  moving.gradient(),
		fixed:     s.fixed,
		mapped:    make([]r3.Vec, len(s.points)),
		support:   make([][]nodeWeight, len(s.points)),
		grad:      make([]float64, t.NumberOfParameters()),
	}
	for i, p := range s.points {
		q := rigid(p)
		d.mapped[i] = q
		t.support(q, func(node int, w float64) {
			d.support[i] = append(d.support[i], nodeWeight{node: node, weight: w})
		})
	}
	return d
}

// Func returns the metric value at coefficients x
func (d *deformable) Func(x []float64) float64 {
	d.compute(x)
	return d.value
}

// Grad writes the metric gradient at coefficients x into grad
func (d *deformable) Grad(grad, x []float64) {
	d.compute(x)
	copy(grad, d.grad)
}

func (d *deformable) compute(x []float64) {
	if d.lastX != nil && floatsEqual(d.lastX, x) {
		return
	}
	d.lastX = append(d.lastX[:0], x...)
	for i := range d.grad {
		d.grad[i] = 0
	}

	n := d.transform.nodes()
	if len(d.mapped) < 2 {
		d.value = penalty
		return
	}
	points := make([]r3.Vec, len(d.mapped))
	f := d.fixed
	m := make([]float64, len(d.mapped))
	for i, q := range d.mapped {
		var disp r3.Vec
		for _, nw := range d.support[i] {
			disp.X += nw.weight * x[nw.node]
			disp.Y += nw.weight * x[n+nw.node]
			disp.Z += nw.weight * x[2*n+nw.node]
		}
		points[i] = r3.Add(q, disp)
		m[i] = d.moving.sample(points[i], d.outside)
	}

	// dm holds dValue/dm_i for every sample. Samples outside the moving image
	// have a zero image gradient.
	dm := make([]float64, len(f))
	switch d.metric {
	case NormalizedCorrelation:
		d.value = d.correlationTerms(f, m, dm)
	default:
		d.value = meanSquares(f, m)
		scale := 2 / float64(len(f))
		for i := range f {
			dm[i] = scale * (m[i] - f[i])
		}
	}

	for k, p := range points {
		if dm[k] == 0 {
			continue
		}
		gx, _ := d.gradient[0].linear(p)
		gy, _ := d.gradient[1].linear(p)
		gz, _ := d.gradient[2].linear(p)
		for _, nw := range d.support[k] {
			c := dm[k] * nw.weight
			d.grad[nw.node] += c * gx
			d.grad[n+nw.node] += c * gy
			d.grad[2*n+nw.node] += c * gz
		}
	}
}

// correlationTerms returns the negated normalized correlation and fills dm
// with its derivative with respect to each moving sample
func (d *deformable) correlationTerms(f, m, dm []float64) float64 {
	fMean, mMean := stat.Mean(f, nil), stat.Mean(m, nil)
	var a, b, ff float64
	for i := range f {
		fc, mc := f[i]-fMean, m[i]-mMean
		a += fc * mc
		b += mc * mc
		ff += fc * fc
	}
	if b == 0 || ff == 0 {
		return 0
	}
	root := math.Sqrt(ff * b)
	for i := range f {
		fc, mc := f[i]-fMean, m[i]-mMean
		dm[i] = -(fc/root - a*mc/(math.Sqrt(ff)*math.Pow(b, 1.5)))
	}
	return -a / root
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
