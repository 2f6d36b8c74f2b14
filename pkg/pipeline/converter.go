// Package pipeline converts raw DICOM studies into an nnU-Net training
// dataset. It discovers cases, builds the per-mode samples and fans cases out
// to a bounded pool of workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/apex/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/cheggaaa/pb/v3"

	"dcm2nnunet/internal/models"
	"dcm2nnunet/pkg/config"
	"dcm2nnunet/pkg/dataset"
	"dcm2nnunet/pkg/dicomio"
	"dcm2nnunet/pkg/labels"
	"dcm2nnunet/pkg/logging"
	"dcm2nnunet/pkg/matching"
	"dcm2nnunet/pkg/nifti"
	"dcm2nnunet/pkg/registration"
	"dcm2nnunet/pkg/rtstruct"
	"dcm2nnunet/pkg/volume"
)

var (
	// ErrOutput marks a failure to write the dataset; it aborts the run
	ErrOutput = errors.New("dataset output failed")

	// ErrNoCases is returned when the case glob matches nothing
	ErrNoCases = errors.New("no cases found")

	// ErrIncompleteCase is returned for a case without a reference series or structure set
	ErrIncompleteCase = errors.New("incomplete case")

	// ErrNoSlicesInRange is returned when the position filter leaves nothing to write
	ErrNoSlicesInRange = errors.New("no slices within the position filter")
)

// Case holds the resolved inputs of one patient directory
type Case struct {
	Dir           string
	PatientID     string
	ReferenceDir  string
	StructurePath string
	AuxiliaryDirs []string
}

// Summary reports the outcome of a run
type Summary struct {
	Cases       int
	Converted   int
	Skipped     int
	NumTraining int
}

// Converter turns a study tree into a dataset as configured by cfg
type Converter struct {
	cfg        *config.Config
	logger     log.Interface
	locator    *dicomio.Locator
	loader     *volume.Loader
	categories labels.CategoryMap
	bar        *pb.ProgressBar
}

// Option configures a Converter
type Option func(*Converter)

// WithProgress advances bar once per finished case
func WithProgress(bar *pb.ProgressBar) Option {
	return func(c *Converter) { c.bar = bar }
}

// NewConverter validates cfg and loads the ROI category map
func NewConverter(cfg *config.Config, logger log.Interface, opts ...Option) (*Converter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	categories, err := labels.LoadCategoryMap(cfg.Dataset.CategoryMapFile)
	if err != nil {
		return nil, err
	}

	locator := dicomio.NewLocator(logger)
	loader := NewLoader(cfg, locator, logger)

	c := &Converter{
		cfg:        cfg,
		logger:     logger,
		locator:    locator,
		loader:     loader,
		categories: categories,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewMatcher returns a slice matcher with the matching settings of cfg
func NewMatcher(cfg *config.Config, locator matching.Locator, logger log.Interface) *matching.Matcher {
	return matching.NewMatcher(matching.Options{
		Tolerance:     cfg.Matching.Tolerance,
		RoundDecimals: cfg.Matching.RoundDecimals,
		FlipAuxiliary: cfg.Matching.FlipAuxiliary,
		Exclusive:     cfg.Matching.Exclusive,
	}, locator, logger)
}

// NewLoader returns a volume loader with the windows and body ROIs of cfg
func NewLoader(cfg *config.Config, locator *dicomio.Locator, logger log.Interface) *volume.Loader {
	return volume.NewLoader(locator, NewMatcher(cfg, locator, logger), volume.Options{
		ReferenceCenter: cfg.Window.ReferenceCenter,
		ReferenceWidth:  cfg.Window.ReferenceWidth,
		AuxiliaryCenter: cfg.Window.AuxiliaryCenter,
		AuxiliaryWidth:  cfg.Window.AuxiliaryWidth,
		BodyROINames:    cfg.Dataset.BodyROINames,
	}, logger)
}

// Discover returns the case directories matched by the case glob, sorted
func (c *Converter) Discover() ([]string, error) {
	pattern := filepath.Join(c.cfg.Dataset.DataDir, c.cfg.Dataset.CaseGlob)
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("error matching cases %s: %w", pattern, err)
	}
	var dirs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCases, pattern)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Resolve finds the reference series, structure set and auxiliary series of a
// case directory. The patient id falls back to the directory name.
func (c *Converter) Resolve(dir string) (*Case, error) {
	cs := &Case{Dir: dir}

	refs, err := doublestar.FilepathGlob(filepath.Join(dir, c.cfg.Dataset.ReferenceGlob))
	if err != nil {
		return nil, fmt.Errorf("error matching reference series: %w", err)
	}
	for _, r := range refs {
		if info, err := os.Stat(r); err == nil && info.IsDir() {
			cs.ReferenceDir = r
			break
		}
	}
	if cs.ReferenceDir == "" {
		return nil, fmt.Errorf("%w: no reference series in %s", ErrIncompleteCase, dir)
	}

	structures, err := doublestar.FilepathGlob(filepath.Join(dir, c.cfg.Dataset.StructureGlob))
	if err != nil {
		return nil, fmt.Errorf("error matching structure set: %w", err)
	}
	for _, s := range structures {
		if info, err := os.Stat(s); err == nil && info.Mode().IsRegular() {
			cs.StructurePath = s
			break
		}
	}
	if cs.StructurePath == "" {
		return nil, fmt.Errorf("%w: no structure set in %s", ErrIncompleteCase, dir)
	}

	if c.cfg.Multimodal() {
		for _, aux := range c.cfg.Dataset.AuxiliaryDirs {
			cs.AuxiliaryDirs = append(cs.AuxiliaryDirs, filepath.Join(dir, aux))
		}
	}

	cs.PatientID, err = dicomio.PatientID(cs.ReferenceDir)
	if err != nil || cs.PatientID == "" {
		cs.PatientID = filepath.Base(dir)
	}
	return cs, nil
}

// run carries the per-Process output state
type run struct {
	*Converter
	writer *dataset.Writer
	engine *registration.Engine
}

// Process converts every discovered case and writes dataset.json. A case that
// fails to load is logged and skipped; an output failure aborts the run.
func (c *Converter) Process(ctx context.Context) (*Summary, error) {
	dirs, err := c.Discover()
	if err != nil {
		return nil, err
	}

	manifest := dataset.Manifest{
		Channels:     c.cfg.Dataset.Channels,
		FileEnding:   c.cfg.Dataset.FileEnding,
		ReaderWriter: c.cfg.Dataset.ReaderWriter,
		Labels:       dataset.CategoryLabels(c.cfg.Dataset.Categories),
	}
	datatype := nifti.Uint8
	if c.cfg.Dataset.Mode == config.ModeCTRaw {
		datatype = nifti.Int16
	}
	writer, err := dataset.NewWriter(c.cfg.Output.Dir, manifest, c.cfg.Output.Clean, c.logger,
		dataset.WithImageDatatype(datatype))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	r := &run{Converter: c, writer: writer}

	if c.cfg.Multimodal() {
		engine, closer, err := NewEngine(c.cfg, c.logger)
		if err != nil {
			return nil, err
		}
		defer closer.Close()
		r.engine = engine
	}

	c.logger.WithFields(log.Fields{
		"mode":    c.cfg.Dataset.Mode,
		"cases":   len(dirs),
		"workers": c.cfg.Processing.NumWorkers,
	}).Info("starting conversion")
	if c.bar != nil {
		c.bar.SetTotal(int64(len(dirs)))
	}

	summary, err := r.processAll(ctx, dirs)
	if err != nil {
		return summary, err
	}
	if err := writer.Close(); err != nil {
		return summary, fmt.Errorf("%w: %w", ErrOutput, err)
	}
	summary.NumTraining = writer.NumTraining()

	c.logger.WithFields(log.Fields{
		"converted":   summary.Converted,
		"skipped":     summary.Skipped,
		"numTraining": summary.NumTraining,
	}).Info("conversion finished")
	return summary, nil
}

// processAll runs the worker pool over dirs
func (r *run) processAll(ctx context.Context, dirs []string) (*Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	summary := &Summary{Cases: len(dirs)}
	jobs := make(chan string)
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
	)

	for w := 0; w < r.cfg.Processing.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for dir := range jobs {
				if ctx.Err() != nil {
					continue
				}
				n, err := r.convertCase(dir)

				mu.Lock()
				switch {
				case err == nil:
					summary.Converted++
					r.logger.WithFields(log.Fields{"case": dir, "samples": n}).Debug("case converted")
				case errors.Is(err, ErrOutput):
					if firstErr == nil {
						firstErr = err
					}
					cancel()
				default:
					summary.Skipped++
					r.logger.WithError(err).WithField("case", dir).Warn("case skipped")
				}
				mu.Unlock()

				if r.bar != nil {
					r.bar.Increment()
				}
			}
		}()
	}

feed:
	for _, dir := range dirs {
		select {
		case jobs <- dir:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return summary, firstErr
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// convertCase writes every sample of one case and returns how many were written
func (r *run) convertCase(dir string) (int, error) {
	cs, err := r.Resolve(dir)
	if err != nil {
		return 0, err
	}
	series, err := r.locator.Locate(cs.ReferenceDir)
	if err != nil {
		return 0, err
	}
	set, err := rtstruct.Load(series, cs.StructurePath)
	if err != nil {
		return 0, err
	}
	masks, err := labels.CategoryMasks(set, r.categories)
	if err != nil {
		return 0, err
	}

	switch r.cfg.Dataset.Mode {
	case config.ModeCT2D, config.ModeCTRaw:
		return r.convertSlices(cs, set, masks)
	case config.ModeCT3D:
		return r.convertStack(cs, set, masks)
	default:
		return r.convertMultimodal(cs, set, masks)
	}
}

func (r *run) inRange(position float64) bool {
	f := r.cfg.Filter
	return !f.Enabled || (position >= f.MinPosition && position <= f.MaxPosition)
}

// readReference decodes series slice i. Windowed modes apply the reference
// window and zero everything outside the body mask; ctraw keeps modality values.
func (r *run) readReference(set *rtstruct.StructureSet, body *models.Mask, i int) (*models.Slice, error) {
	src := set.Series()[i]
	sl, err := r.locator.ReadSlice(src.Source)
	if err != nil {
		return nil, fmt.Errorf("error decoding reference slice: %w", err)
	}
	sl.Position = src.Position
	sl.Index = src.Index
	if r.cfg.Dataset.Mode == config.ModeCTRaw {
		return sl, nil
	}
	var plane []bool
	if body != nil && i < body.Depth && body.Width*body.Height == len(sl.Pixels) {
		plane = body.SliceAt(i)
	}
	sl.Pixels = dicomio.ApplyMask(dicomio.Window(sl.Pixels, r.cfg.Window.ReferenceCenter, r.cfg.Window.ReferenceWidth), plane)
	return sl, nil
}

func (r *run) write(s dataset.Sample) error {
	if _, err := r.writer.Write(s); err != nil {
		return fmt.Errorf("%w: %w", ErrOutput, err)
	}
	return nil
}

// convertSlices writes one sample per in-range reference slice
func (r *run) convertSlices(cs *Case, set *rtstruct.StructureSet, masks map[string]*models.Mask) (int, error) {
	width, height, _ := set.Shape()
	body := set.BodyMask(r.cfg.Dataset.BodyROINames)
	written := 0
	for i, s := range set.Series() {
		if !r.inRange(s.Position) {
			continue
		}
		sl, err := r.readReference(set, body, i)
		if err != nil {
			return written, err
		}
		img, err := models.StackSlices([]*models.Slice{sl})
		if err != nil {
			return written, err
		}
		err = r.write(dataset.Sample{
			PatientID: cs.PatientID,
			Images:    []*models.Volume{img},
			Labels:    labels.Fuse(masks, r.cfg.Dataset.Categories, []int{i}, width, height),
		})
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// convertStack writes the in-range reference slices as one volume
func (r *run) convertStack(cs *Case, set *rtstruct.StructureSet, masks map[string]*models.Mask) (int, error) {
	width, height, _ := set.Shape()
	body := set.BodyMask(r.cfg.Dataset.BodyROINames)
	var (
		slices []*models.Slice
		zs     []int
	)
	for i, s := range set.Series() {
		if !r.inRange(s.Position) {
			continue
		}
		sl, err := r.readReference(set, body, i)
		if err != nil {
			return 0, err
		}
		slices = append(slices, sl)
		zs = append(zs, i)
	}
	if len(slices) == 0 {
		return 0, ErrNoSlicesInRange
	}
	img, err := models.StackSlices(slices)
	if err != nil {
		return 0, err
	}
	img.StartIndex = zs[0]
	err = r.write(dataset.Sample{
		PatientID: cs.PatientID,
		Images:    []*models.Volume{img},
		Labels:    labels.Fuse(masks, r.cfg.Dataset.Categories, zs, width, height),
	})
	if err != nil {
		return 0, err
	}
	return 1, nil
}

// convertMultimodal registers every auxiliary series onto the matched
// reference volume. Only slices that are both matched and in range are written.
func (r *run) convertMultimodal(cs *Case, set *rtstruct.StructureSet, masks map[string]*models.Mask) (int, error) {
	width, height, _ := set.Shape()
	res, err := r.loader.LoadAllWithStructure(set, cs.AuxiliaryDirs)
	if err != nil {
		return 0, err
	}

	// Volume slice k holds series slice res.SeriesIndices[k]
	series := set.Series()
	var ks, zs []int
	for k, idx := range res.SeriesIndices {
		if r.inRange(series[idx].Position) {
			ks = append(ks, k)
			zs = append(zs, idx)
		}
	}
	if len(ks) == 0 {
		return 0, ErrNoSlicesInRange
	}

	results, err := r.engine.RegisterAll(res.Reference, res.Auxiliary)
	if err != nil {
		return 0, err
	}
	channels := []*models.Volume{res.Reference}
	for i, reg := range results {
		channels = append(channels, reg.Image)
		r.report(cs, i, res.Reference, reg)
	}
	r.preview(cs, res.Reference, channels[1:], masks, res.SeriesIndices, width, height)

	if r.cfg.Volumetric() {
		images := make([]*models.Volume, len(channels))
		for c, v := range channels {
			images[c] = subVolume(v, ks)
		}
		err := r.write(dataset.Sample{
			PatientID: cs.PatientID,
			Images:    images,
			Labels:    labels.Fuse(masks, r.cfg.Dataset.Categories, zs, width, height),
		})
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	written := 0
	for j, k := range ks {
		images := make([]*models.Volume, len(channels))
		for c, v := range channels {
			images[c] = subVolume(v, []int{k})
		}
		err := r.write(dataset.Sample{
			PatientID: cs.PatientID,
			Images:    images,
			Labels:    labels.Fuse(masks, r.cfg.Dataset.Categories, zs[j:j+1], width, height),
		})
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// report logs the stage reports and similarity of one registered channel
func (r *run) report(cs *Case, i int, reference *models.Volume, reg *registration.Result) {
	channel := ""
	if i+1 < len(r.cfg.Dataset.Channels) {
		channel = r.cfg.Dataset.Channels[i+1]
	}
	for _, st := range reg.Stages {
		r.logger.WithFields(log.Fields{
			"patient_id":  cs.PatientID,
			"channel":     channel,
			"stage":       st.Name,
			"metric":      st.Metric,
			"final_value": st.FinalValue,
			"iterations":  st.Iterations,
			"status":      st.Status,
		}).Debug("registration stage")
	}
	q := MeasureQuality(reference, reg.Image)
	r.logger.WithFields(log.Fields{
		"patient_id":   cs.PatientID,
		"channel":      channel,
		"mi":           q.MI,
		"rmse":         q.RMSE,
		"ssim":         q.SSIM,
		"entropy_diff": q.EntropyDiff,
	}).Info("registration quality")
}

// subVolume copies slices ks of v into a new volume
func subVolume(v *models.Volume, ks []int) *models.Volume {
	out := models.NewVolume(v.Width, v.Height, len(ks))
	for i, k := range ks {
		copy(out.SliceAt(i), v.SliceAt(k))
		out.Positions[i] = v.Positions[k]
		out.Sources[i] = v.Sources[k]
	}
	out.Spacing = v.Spacing
	out.Origin = v.Origin
	out.Origin[2] += v.Positions[ks[0]] - v.Positions[0]
	out.StartIndex = v.StartIndex + ks[0]
	return out
}

// LoadParameters reads an elastix parameter file. An empty path or a missing
// file yields nil so the engine falls back to its defaults.
func LoadParameters(path string, logger log.Interface) (registration.ParameterMap, error) {
	if path == "" {
		return nil, nil
	}
	p, err := registration.ReadParameterFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("path", path).Warn("parameter file not found, using defaults")
		return nil, nil
	}
	return p, err
}

// NewEngine builds the registration engine described by cfg and opens its
// log. A relative log path is placed under the output directory. The returned
// closer releases the log file.
func NewEngine(cfg *config.Config, logger log.Interface) (*registration.Engine, io.Closer, error) {
	rigid, err := LoadParameters(cfg.Registration.RigidParamFile, logger)
	if err != nil {
		return nil, nil, err
	}
	var bspline registration.ParameterMap
	if cfg.Registration.Method == "bspline" {
		if bspline, err = LoadParameters(cfg.Registration.BSplineParamFile, logger); err != nil {
			return nil, nil, err
		}
		if bspline == nil {
			bspline = registration.DefaultBSplineParameters()
		}
	}

	logPath := cfg.Registration.LogFile
	if logPath != "" && !filepath.IsAbs(logPath) {
		logPath = filepath.Join(cfg.Output.Dir, logPath)
	}
	w, closer := logging.OpenSafeFile(logPath, logger)

	engine := registration.NewEngine(registration.Options{
		Rigid:   rigid,
		BSpline: bspline,
		Seed:    cfg.Registration.Seed,
		Log:     w,
	}, logger)
	return engine, closer, nil
}
