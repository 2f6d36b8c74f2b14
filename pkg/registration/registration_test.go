package registration

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/apex/log/handlers/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"dcm2nnunet/internal/models"
)

func testLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.InfoLevel}
}

// blobVolume returns a Gaussian blob centred at (cx, cy) on every slice
func blobVolume(w, h, d int, cx, cy float64) *models.Volume {
	v := models.NewVolume(w, h, d)
	for z := 0; z < d; z++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				v.Set(x, y, z, 200*math.Exp(-(dx*dx+dy*dy)/(2*16)))
			}
		}
	}
	return v
}

func fastRigid(metric string) ParameterMap {
	p := DefaultRigidParameters()
	p["Metric"] = []string{metric}
	p["NumberOfResolutions"] = []string{"2"}
	p["MaximumNumberOfIterations"] = []string{"60"}
	p["NumberOfSpatialSamples"] = []string{"0"}
	return p
}

func fastBSpline(metric string) ParameterMap {
	p := DefaultBSplineParameters()
	p["Metric"] = []string{metric}
	p["NumberOfResolutions"] = []string{"1"}
	p["MaximumNumberOfIterations"] = []string{"15"}
	p["NumberOfSpatialSamples"] = []string{"0"}
	p["FinalGridSpacingInVoxels"] = []string{"8"}
	return p
}

func meanAbsDiff(a, b *models.Volume) float64 {
	sum := 0.0
	for i := range a.Data {
		sum += math.Abs(a.Data[i] - b.Data[i])
	}
	return sum / float64(len(a.Data))
}

func TestParseParameterMap(t *testing.T) {
	text := `// rigid stage
(Transform "EulerTransform")
(NumberOfResolutions 3) // pyramid levels
(MaximumNumberOfIterations 100 200 300)
(ResultImagePixelType "unsigned char")
(FinalGridSpacingInVoxels 8.0 8.0 4.0)
(Metric "AdvancedNormalizedCorrelation") (ErodeMask "false")
`
	p, err := ParseParameterMap(strings.NewReader(text))
	require.NoError(t, err)

	assert.Equal(t, "EulerTransform", p.String("Transform", ""))
	assert.Equal(t, 3, p.Int("NumberOfResolutions", 0))
	assert.Equal(t, 200, p.IntAt("MaximumNumberOfIterations", 1, 0))
	assert.Equal(t, 300, p.IntAt("MaximumNumberOfIterations", 7, 0))
	assert.Equal(t, "unsigned char", p.String("ResultImagePixelType", ""))
	assert.Equal(t, []float64{8, 8, 4}, p.Floats("FinalGridSpacingInVoxels"))
	assert.False(t, p.Bool("ErodeMask", true))
	assert.Equal(t, NormalizedCorrelation, ParseMetric(p.String("Metric", "")))
	assert.Equal(t, 7, p.Int("Missing", 7))
}

func TestParseParameterMapUnterminated(t *testing.T) {
	_, err := ParseParameterMap(strings.NewReader("(Transform \"Euler"))
	assert.Error(t, err)
}

func TestParseMetric(t *testing.T) {
	assert.Equal(t, MutualInformation, ParseMetric("AdvancedMattesMutualInformation"))
	assert.Equal(t, NormalizedCorrelation, ParseMetric("AdvancedNormalizedCorrelation"))
	assert.Equal(t, MeanSquares, ParseMetric("AdvancedMeanSquares"))
	assert.Equal(t, MeanSquares, ParseMetric("Unknown"))
}

func TestRigidRotation(t *testing.T) {
	rt := NewRigidTransform(r3.Vec{X: 5, Y: 5, Z: 0})
	rt.SetParameters([]float64{0, 0, math.Pi / 2, 1, 0, 0})

	got := rt.Apply(r3.Vec{X: 6, Y: 5, Z: 0})
	assert.InDelta(t, 6.0, got.X, 1e-9)
	assert.InDelta(t, 6.0, got.Y, 1e-9)
	assert.InDelta(t, 0.0, got.Z, 1e-9)
}

func TestBSplineConstantDisplacement(t *testing.T) {
	bt := NewBSplineTransform(20, 20, 4, [3]float64{8, 8, 8})
	assert.Equal(t, [3]int{6, 6, 4}, bt.Size)

	n := bt.NumberOfParameters() / 3
	for i := 0; i < n; i++ {
		bt.Coefficients[i] = 2
	}
	d := bt.Displacement(r3.Vec{X: 7.3, Y: 12.1, Z: 2})
	assert.InDelta(t, 2.0, d.X, 1e-9)
	assert.InDelta(t, 0.0, d.Y, 1e-9)
}

// TestTransformOrder verifies the deformation applies to the rigidly mapped point
func TestTransformOrder(t *testing.T) {
	rigid := NewRigidTransform(r3.Vec{})
	rigid.SetParameters([]float64{0, 0, 0, 3, 0, 0})
	bt := NewBSplineTransform(20, 20, 4, [3]float64{4, 4, 4})
	n := bt.NumberOfParameters() / 3
	for i := 0; i < n; i++ {
		bt.Coefficients[n+i] = float64(i % 7)
	}
	tr := &Transform{Rigid: rigid, BSpline: bt, Width: 20, Height: 20, Depth: 4}

	p := r3.Vec{X: 4, Y: 5, Z: 1}
	assert.Equal(t, bt.Apply(rigid.Apply(p)), tr.Apply(p))
}

func TestResizeInPlane(t *testing.T) {
	v := models.NewVolume(4, 4, 2)
	for i := range v.Data {
		v.Data[i] = 100
	}
	v.Spacing = [3]float64{1, 1, 3}

	out := ResizeInPlane(v, 8, 8)
	assert.Equal(t, 8, out.Width)
	assert.Equal(t, 8, out.Height)
	assert.Equal(t, 2, out.Depth)
	assert.Equal(t, [3]float64{0.5, 0.5, 3}, out.Spacing)
	for _, val := range out.Data {
		assert.Equal(t, 100.0, val)
	}
	assert.Len(t, v.Data, 32)
}

func TestRegisterIdentity(t *testing.T) {
	fixed := blobVolume(24, 24, 3, 12, 12)
	before := append([]float64(nil), fixed.Data...)

	e := NewEngine(Options{Rigid: fastRigid("AdvancedMeanSquares"), Seed: 1}, testLogger())
	res, err := e.Register(fixed, fixed.Clone())
	require.NoError(t, err)

	assert.Equal(t, before, fixed.Data)
	require.Len(t, res.Stages, 1)
	assert.Less(t, meanAbsDiff(fixed, res.Image), 1.0)
	assert.Nil(t, res.Transform.BSpline)
	assert.InDelta(t, 0.0, res.Transform.Rigid.Translation.Z, 0.1)
	assert.Equal(t, res.Stages[0].InitialValue, res.Stages[0].FinalValue)
}

// TestEvaluateCountsSamplesOutsideMoving checks that sliding identical slices
// out of the moving image does not improve the metric
func TestEvaluateCountsSamplesOutsideMoving(t *testing.T) {
	g := newGrid(4, 4, 3)
	for i := range g.data {
		g.data[i] = float64(10*(i%4) + 5)
	}
	s := drawSamples(g, 0, nil)
	identity := func(p r3.Vec) r3.Vec { return p }
	shifted := func(p r3.Vec) r3.Vec { return r3.Add(p, r3.Vec{Z: 2}) }

	for _, metric := range []Metric{MeanSquares, NormalizedCorrelation, MutualInformation} {
		still := evaluate(metric, s, g, identity, 8, 0)
		moved := evaluate(metric, s, g, shifted, 8, 0)
		assert.Less(t, still, moved, metric.String())
	}
	assert.InDelta(t, 350.0, evaluate(MeanSquares, s, g, shifted, 8, 0), 1e-9)
}

// TestRegisterRecoversTranslation shifts the blob two voxels along x
func TestRegisterRecoversTranslation(t *testing.T) {
	fixed := blobVolume(32, 32, 3, 15, 15)
	moving := blobVolume(32, 32, 3, 17, 15)

	e := NewEngine(Options{Rigid: fastRigid("AdvancedMeanSquares"), Seed: 1}, testLogger())
	res, err := e.Register(fixed, moving)
	require.NoError(t, err)

	tr := res.Transform.Rigid.Translation
	assert.InDelta(t, 2.0, tr.X, 0.5)
	assert.InDelta(t, 0.0, tr.Y, 0.5)
	assert.Less(t, meanAbsDiff(fixed, res.Image), meanAbsDiff(fixed, moving))
	assert.LessOrEqual(t, res.Stages[0].FinalValue, res.Stages[0].InitialValue)
}

func TestRegisterBSplineStage(t *testing.T) {
	fixed := blobVolume(24, 24, 3, 12, 12)
	moving := blobVolume(24, 24, 3, 13, 12)

	var buf bytes.Buffer
	e := NewEngine(Options{
		Rigid:   fastRigid("AdvancedNormalizedCorrelation"),
		BSpline: fastBSpline("AdvancedMeanSquares"),
		Seed:    3,
		Log:     &buf,
	}, testLogger())
	res, err := e.Register(fixed, moving)
	require.NoError(t, err)

	require.Len(t, res.Stages, 2)
	assert.Equal(t, "BSpline", res.Stages[1].Name)
	assert.NotNil(t, res.Transform.BSpline)
	assert.LessOrEqual(t, res.Stages[1].FinalValue, res.Stages[1].InitialValue)
	for _, v := range res.Image.Data {
		assert.True(t, v >= 0 && v <= 255 && v == math.Trunc(v))
	}
	assert.Contains(t, buf.String(), "Rigid stage")
	assert.Contains(t, buf.String(), "B-spline stage")
}

func TestBSplineMutualInformationFallsBack(t *testing.T) {
	handler := memory.New()
	logger := &log.Logger{Handler: handler, Level: log.InfoLevel}
	fixed := blobVolume(16, 16, 2, 8, 8)

	e := NewEngine(Options{
		Rigid:   fastRigid("AdvancedMeanSquares"),
		BSpline: fastBSpline("AdvancedMattesMutualInformation"),
	}, logger)
	res, err := e.Register(fixed, fixed.Clone())
	require.NoError(t, err)

	assert.Equal(t, NormalizedCorrelation.String(), res.Stages[1].Metric)
	require.NotEmpty(t, handler.Entries)
	assert.Equal(t, log.WarnLevel, handler.Entries[0].Level)
}

func TestRegisterAllKeepsOrder(t *testing.T) {
	fixed := blobVolume(16, 16, 2, 8, 8)
	small := blobVolume(8, 8, 2, 4, 4)

	e := NewEngine(Options{Rigid: fastRigid("AdvancedMattesMutualInformation")}, testLogger())
	res, err := e.RegisterAll(fixed, []*models.Volume{fixed.Clone(), small})
	require.NoError(t, err)

	require.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, 16, r.Image.Width)
		assert.Equal(t, 16, r.Image.Height)
		assert.Equal(t, 2, r.Image.Depth)
	}
}

func TestRegisterAllRunsVolumesInTurn(t *testing.T) {
	fixed := blobVolume(16, 16, 2, 8, 8)

	var buf bytes.Buffer
	e := NewEngine(Options{Rigid: fastRigid("AdvancedMeanSquares"), Log: &buf}, testLogger())
	_, err := e.RegisterAll(fixed, []*models.Volume{fixed.Clone(), blobVolume(16, 16, 2, 9, 8)})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	second := -1
	for i, line := range lines {
		if !assert.True(t, strings.HasPrefix(line, "[volume 0] ") || strings.HasPrefix(line, "[volume 1] "), line) {
			continue
		}
		if second < 0 && strings.HasPrefix(line, "[volume 1] ") {
			second = i
		}
	}
	require.Greater(t, second, 0)
	for _, line := range lines[second:] {
		assert.True(t, strings.HasPrefix(line, "[volume 1] "), line)
	}
}

func TestRegisterEmptyVolume(t *testing.T) {
	e := NewEngine(Options{}, testLogger())
	_, err := e.Register(models.NewVolume(0, 0, 0), blobVolume(4, 4, 1, 2, 2))
	assert.ErrorIs(t, err, ErrEmptyVolume)
}

func TestMutualInformationIdentical(t *testing.T) {
	f := []float64{0, 10, 20, 30, 40, 50, 60, 70}
	same := mutualInformation(f, f, 8)
	flat := mutualInformation(f, []float64{1, 1, 1, 1, 1, 1, 1, 1}, 8)
	assert.Greater(t, same, flat)
	assert.InDelta(t, 0.0, flat, 1e-12)
}
