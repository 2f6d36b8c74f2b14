// Package registration aligns auxiliary volumes to a reference volume with a
// rigid stage followed by a B-spline deformable stage.
package registration

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"dcm2nnunet/internal/models"
)

// ErrEmptyVolume is returned when a fixed or moving volume has no voxels
var ErrEmptyVolume = errors.New("empty volume")

// Options configures an Engine
type Options struct {
	// Rigid holds the rigid stage parameters
	Rigid ParameterMap

	// BSpline holds the deformable stage parameters. Nil runs the rigid stage only.
	BSpline ParameterMap

	// Seed initializes the sample selection
	Seed int64

	// Log receives the verbose registration log. Nil discards it.
	Log io.Writer
}

// StageReport summarizes how one optimisation stage ended
type StageReport struct {
	Name            string
	Metric          string
	Resolutions     int
	InitialValue    float64
	FinalValue      float64
	Iterations      int
	FuncEvaluations int
	Status          string
	Runtime         time.Duration
}

// Result is a registered volume and the transform that produced it
type Result struct {
	Image     *models.Volume
	Transform *Transform
	Stages    []StageReport
}

// Engine registers moving volumes onto a fixed volume
type Engine struct {
	opts   Options
	logger log.Interface

	mu sync.Mutex
}

// NewEngine returns an engine. Missing parameter maps take elastix defaults.
func NewEngine(opts Options, logger log.Interface) *Engine {
	if opts.Rigid == nil {
		opts.Rigid = DefaultRigidParameters()
	}
	if opts.Log == nil {
		opts.Log = io.Discard
	}
	return &Engine{opts: opts, logger: logger}
}

// Register aligns moving to fixed. The fixed volume is only read.
func (e *Engine) Register(fixed, moving *models.Volume) (*Result, error) {
	return e.register(fixed, moving, 0)
}

// RegisterAll registers every moving volume onto fixed, one after another.
// Results keep the order of moving.
func (e *Engine) RegisterAll(fixed *models.Volume, moving []*models.Volume) ([]*Result, error) {
	results := make([]*Result, 0, len(moving))
	for i, m := range moving {
		res, err := e.register(fixed, m, i)
		if err != nil {
			return nil, fmt.Errorf("error registering volume %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// register aligns one moving volume. index selects the sampling seed and tags
// every registration log line.
func (e *Engine) register(fixedVol, movingVol *models.Volume, index int) (*Result, error) {
	if fixedVol == nil || movingVol == nil || len(fixedVol.Data) == 0 || len(movingVol.Data) == 0 {
		return nil, ErrEmptyVolume
	}
	start := time.Now()
	resized := ResizeInPlane(movingVol, fixedVol.Width, fixedVol.Height)
	fixed := gridFromVolume(fixedVol)
	moving := gridFromVolume(resized)
	seed := e.opts.Seed + int64(index)
	rng := rand.New(rand.NewSource(seed))
	lg := stageLog{e: e, prefix: fmt.Sprintf("[volume %d] ", index)}

	lg.printf("Registering %dx%dx%d moving volume onto %dx%dx%d fixed volume (seed %d)",
		movingVol.Width, movingVol.Height, movingVol.Depth, fixedVol.Width, fixedVol.Height, fixedVol.Depth, seed)

	transform := &Transform{Width: fixed.w, Height: fixed.h, Depth: fixed.d}
	res := &Result{Transform: transform}

	rigid, report, err := e.rigidStage(lg, fixed, moving, rng)
	if err != nil {
		return nil, err
	}
	transform.Rigid = rigid
	res.Stages = append(res.Stages, report)

	last := e.opts.Rigid
	if e.opts.BSpline != nil {
		bspline, report, err := e.bsplineStage(lg, fixed, moving, rigid, rng)
		if err != nil {
			return nil, err
		}
		transform.BSpline = bspline
		res.Stages = append(res.Stages, report)
		last = e.opts.BSpline
	}

	order := last.Int("FinalBSplineInterpolationOrder", 1)
	res.Image = transform.Resample(resized, order, last.Float("DefaultPixelValue", 0))
	for i, v := range res.Image.Data {
		res.Image.Data[i] = float64(clampByte(v))
	}
	res.Image.Positions = fixedVol.Positions
	res.Image.Sources = resized.Sources
	res.Image.StartIndex = fixedVol.StartIndex
	res.Image.Spacing = fixedVol.Spacing
	res.Image.Origin = fixedVol.Origin

	fields := log.Fields{"stages": len(res.Stages), "elapsed": time.Since(start).Round(time.Millisecond)}
	for _, s := range res.Stages {
		fields[strings.ToLower(s.Name)+"_metric"] = s.FinalValue
	}
	e.logger.WithFields(fields).Debug("registration finished")
	lg.printf("Total time elapsed: %s", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// levelSigma returns the pyramid smoothing for resolution level r of n
func levelSigma(r, n int) float64 {
	return 0.5 * math.Pow(2, float64(n-1-r))
}

func (e *Engine) rigidStage(lg stageLog, fixed, moving *grid, rng *rand.Rand) (*RigidTransform, StageReport, error) {
	p := e.opts.Rigid
	metric := ParseMetric(p.String("Metric", "AdvancedMattesMutualInformation"))
	levels := p.Int("NumberOfResolutions", 4)
	if levels < 1 {
		levels = 1
	}
	bins := p.Int("NumberOfHistogramBins", 32)
	outside := p.Float("DefaultPixelValue", 0)

	t := NewRigidTransform(fixed.center())
	if p.Bool("AutomaticTransformInitialization", false) {
		var offset r3.Vec
		if strings.EqualFold(p.String("AutomaticTransformInitializationMethod", "GeometricalCenter"), "CenterOfGravity") {
			offset = r3.Sub(moving.centerOfGravity(), fixed.centerOfGravity())
		} else {
			offset = r3.Sub(moving.center(), fixed.center())
		}
		t.Translation = offset
	}

	// the optimiser sees angles multiplied by the volume radius
	radius := math.Max(1, math.Max(float64(fixed.w), float64(fixed.h))/2)
	toParams := func(x []float64) []float64 {
		return []float64{x[0] / radius, x[1] / radius, x[2] / radius, x[3], x[4], x[5]}
	}
	params := t.Parameters()
	x := []float64{params[0] * radius, params[1] * radius, params[2] * radius, params[3], params[4], params[5]}

	report := StageReport{Name: "Rigid", Metric: metric.String(), Resolutions: levels}
	lg.printf("Rigid stage: metric %s, %d resolutions", metric, levels)
	for r := 0; r < levels; r++ {
		sigma := levelSigma(r, levels)
		f, m := fixed.smooth(sigma), moving.smooth(sigma)
		s := drawSamples(f, p.IntAt("NumberOfSpatialSamples", r, 2048), rng)
		trial := NewRigidTransform(t.Center)
		problem := optimize.Problem{Func: func(x []float64) float64 {
			trial.SetParameters(toParams(x))
			return evaluate(metric, s, m, trial.Apply, bins, outside)
		}}

		iterations := p.IntAt("MaximumNumberOfIterations", r, 250)
		settings := &optimize.Settings{
			MajorIterations: iterations,
			FuncEvaluations: 4 * iterations,
			Converger:       &optimize.FunctionConverge{Absolute: 1e-6, Relative: 1e-6, Iterations: 25},
			Recorder:        &iterationLog{log: lg, stage: "Rigid", level: r},
		}
		initial := problem.Func(x)
		if r == 0 {
			report.InitialValue = initial
		}
		result, err := optimize.Minimize(problem, x, settings, &optimize.NelderMead{SimplexSize: math.Max(1, sigma*2)})
		if result == nil {
			return nil, report, fmt.Errorf("rigid stage resolution %d: %w", r, err)
		}
		if err != nil {
			e.logger.WithError(err).WithField("resolution", r).Debug("rigid optimiser stopped early")
		}
		if result.F < initial {
			x = append(x[:0], result.X...)
		}
		report.Iterations += result.Stats.MajorIterations
		report.FuncEvaluations += result.Stats.FuncEvaluations
		report.Runtime += result.Stats.Runtime
		report.Status = result.Status.String()
		report.FinalValue = math.Min(result.F, initial)
		lg.printf("Resolution %d: sigma %.2f, final metric %.6f, %d iterations, %s",
			r, sigma, report.FinalValue, result.Stats.MajorIterations, result.Status)
	}
	t.SetParameters(toParams(x))
	lg.printf("Rigid parameters: %v", t.Parameters())
	return t, report, nil
}

func (e *Engine) bsplineStage(lg stageLog, fixed, moving *grid, rigid *RigidTransform, rng *rand.Rand) (*BSplineTransform, StageReport, error) {
	p := e.opts.BSpline
	metric := ParseMetric(p.String("Metric", "AdvancedMeanSquares"))
	if metric == MutualInformation {
		e.logger.Warn("mutual information is not supported by the B-spline stage, using normalized correlation")
		metric = NormalizedCorrelation
	}
	levels := p.Int("NumberOfResolutions", 4)
	if levels < 1 {
		levels = 1
	}

	outside := p.Float("DefaultPixelValue", 0)
	spacing := gridSpacing(p)
	t := NewBSplineTransform(fixed.w, fixed.h, fixed.d, spacing)
	x := make([]float64, t.NumberOfParameters())

	report := StageReport{Name: "BSpline", Metric: metric.String(), Resolutions: levels}
	lg.printf("B-spline stage: metric %s, %d resolutions, grid %v, %d parameters",
		metric, levels, t.Size, t.NumberOfParameters())
	for r := 0; r < levels; r++ {
		sigma := levelSigma(r, levels)
		f, m := fixed.smooth(sigma), moving.smooth(sigma)
		s := drawSamples(f, p.IntAt("NumberOfSpatialSamples", r, 2048), rng)
		d := newDeformable(metric, t, m, s, rigid.Apply, outside)
		problem := optimize.Problem{Func: d.Func, Grad: d.Grad}

		iterations := p.IntAt("MaximumNumberOfIterations", r, 250)
		settings := &optimize.Settings{
			MajorIterations: iterations,
			FuncEvaluations: 4 * iterations,
			Converger:       &optimize.FunctionConverge{Absolute: 1e-6, Relative: 1e-6, Iterations: 10},
			Recorder:        &iterationLog{log: lg, stage: "BSpline", level: r},
		}
		initial := d.Func(x)
		if r == 0 {
			report.InitialValue = initial
		}
		result, err := optimize.Minimize(problem, x, settings, &optimize.LBFGS{GradStopThreshold: 1e-8})
		if result == nil {
			return nil, report, fmt.Errorf("B-spline stage resolution %d: %w", r, err)
		}
		if err != nil {
			e.logger.WithError(err).WithField("resolution", r).Debug("B-spline optimiser stopped early")
		}
		if result.F < initial {
			x = append(x[:0], result.X...)
		}
		report.Iterations += result.Stats.MajorIterations
		report.FuncEvaluations += result.Stats.FuncEvaluations
		report.Runtime += result.Stats.Runtime
		report.Status = result.Status.String()
		report.FinalValue = math.Min(result.F, initial)
		lg.printf("Resolution %d: sigma %.2f, final metric %.6f, %d iterations, %s",
			r, sigma, report.FinalValue, result.Stats.MajorIterations, result.Status)
	}
	copy(t.Coefficients, x)
	return t, report, nil
}

// gridSpacing reads the control point spacing in voxels. Physical spacing is
// taken as voxels because registration runs in index space.
func gridSpacing(p ParameterMap) [3]float64 {
	values := p.Floats("FinalGridSpacingInVoxels")
	if len(values) == 0 {
		values = p.Floats("FinalGridSpacingInPhysicalUnits")
	}
	if len(values) == 0 {
		values = []float64{16}
	}
	var out [3]float64
	for i := range out {
		if i < len(values) {
			out[i] = values[i]
		} else {
			out[i] = values[len(values)-1]
		}
	}
	return out
}

func (e *Engine) println(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fmt.Fprintln(e.opts.Log, line)
}

// stageLog writes registration log lines for one moving volume
type stageLog struct {
	e      *Engine
	prefix string
}

func (l stageLog) printf(format string, args ...interface{}) {
	l.e.println(l.prefix + fmt.Sprintf(format, args...))
}

// iterationLog writes one registration log line per optimiser iteration
type iterationLog struct {
	log   stageLog
	stage string
	level int
}

func (l *iterationLog) Init() error { return nil }

func (l *iterationLog) Record(loc *optimize.Location, op optimize.Operation, stats *optimize.Stats) error {
	if op != optimize.MajorIteration {
		return nil
	}
	l.log.printf("%s\t%d\t%d\t%.6f", l.stage, l.level, stats.MajorIterations, loc.F)
	return nil
}

func (g *grid) centerOfGravity() r3.Vec {
	var sum r3.Vec
	mass := 0.0
	for z := 0; z < g.d; z++ {
		for y := 0; y < g.h; y++ {
			for x := 0; x < g.w; x++ {
				v := g.at(x, y, z)
				if v <= 0 {
					continue
				}
				sum = r3.Add(sum, r3.Scale(v, r3.Vec{X: float64(x), Y: float64(y), Z: float64(z)}))
				mass += v
			}
		}
	}
	if mass == 0 {
		return g.center()
	}
	return r3.Scale(1/mass, sum)
}
