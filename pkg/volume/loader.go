// Package volume walks matched reference/auxiliary slice pairs and stacks
// them into windowed volumes ready for registration.
package volume

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/apex/log"
	"github.com/disintegration/imaging"

	"dcm2nnunet/internal/models"
	"dcm2nnunet/pkg/dicomio"
	"dcm2nnunet/pkg/matching"
	"dcm2nnunet/pkg/rtstruct"
)

// ErrNoMatchingSlices is returned when no reference slice has an auxiliary match
var ErrNoMatchingSlices = errors.New("no matching slices")

// Scanner locates and decodes series slices
type Scanner interface {
	Locate(dir string) ([]*models.Slice, error)
	ReadSlice(path string) (*models.Slice, error)
}

// Structure is the reference series bound to its structure set
type Structure interface {
	Series() []*models.Slice
	BodyMask(names []string) *models.Mask
}

// Options holds the intensity windows and body ROI names
type Options struct {
	ReferenceCenter float64
	ReferenceWidth  float64
	AuxiliaryCenter float64
	AuxiliaryWidth  float64
	BodyROINames    []string
}

// Result is a reference volume with one aligned auxiliary volume per auxiliary series.
// Slice k of every volume comes from the same matched reference slice.
type Result struct {
	Reference *models.Volume
	Auxiliary []*models.Volume

	// SeriesIndices maps each volume slice to its position in the reference series
	SeriesIndices []int

	// StartIndex is the series position of the first retained reference slice
	StartIndex int

	// Correspondences holds the match map of each auxiliary series
	Correspondences []*models.Correspondence
}

// Loader builds matched volumes
type Loader struct {
	scanner Scanner
	matcher *matching.Matcher
	opts    Options
	logger  log.Interface
}

// NewLoader returns a loader
func NewLoader(scanner Scanner, matcher *matching.Matcher, opts Options, logger log.Interface) *Loader {
	return &Loader{scanner: scanner, matcher: matcher, opts: opts, logger: logger}
}

// Load matches one auxiliary series against the reference series and stacks both
func (l *Loader) Load(referenceDir, auxiliaryDir, structureFile string) (*Result, error) {
	set, err := l.structure(referenceDir, structureFile)
	if err != nil {
		return nil, err
	}
	return l.LoadWithStructure(set, auxiliaryDir)
}

// LoadAll loads every auxiliary series against the same reference series
func (l *Loader) LoadAll(referenceDir string, auxiliaryDirs []string, structureFile string) (*Result, error) {
	set, err := l.structure(referenceDir, structureFile)
	if err != nil {
		return nil, err
	}
	return l.LoadAllWithStructure(set, auxiliaryDirs)
}

// LoadWithStructure is Load for an already parsed structure set
func (l *Loader) LoadWithStructure(set Structure, auxiliaryDir string) (*Result, error) {
	return l.LoadAllWithStructure(set, []string{auxiliaryDir})
}

// LoadAllWithStructure is LoadAll for an already parsed structure set. A
// reference slice is kept only when every auxiliary series matches it.
func (l *Loader) LoadAllWithStructure(set Structure, auxiliaryDirs []string) (*Result, error) {
	series := set.Series()

	correspondences := make([]*models.Correspondence, len(auxiliaryDirs))
	for i, dir := range auxiliaryDirs {
		auxiliary, err := l.scanner.Locate(dir)
		if err != nil {
			return nil, fmt.Errorf("error locating auxiliary series %s: %w", dir, err)
		}
		correspondences[i] = l.matcher.Match(series, auxiliary)
	}

	var kept []int
	for i, s := range series {
		matchedAll := true
		for _, c := range correspondences {
			if !c.Contains(s.Source) {
				matchedAll = false
				break
			}
		}
		if matchedAll {
			kept = append(kept, i)
		}
	}
	if len(kept) == 0 {
		return nil, ErrNoMatchingSlices
	}

	body := set.BodyMask(l.opts.BodyROINames)
	refSlices := make([]*models.Slice, 0, len(kept))
	auxSlices := make([][]*models.Slice, len(auxiliaryDirs))
	for _, i := range kept {
		ref, err := l.scanner.ReadSlice(series[i].Source)
		if err != nil {
			return nil, fmt.Errorf("error decoding reference slice: %w", err)
		}
		ref.Pixels = dicomio.ApplyMask(
			dicomio.Window(ref.Pixels, l.opts.ReferenceCenter, l.opts.ReferenceWidth),
			bodyPlane(body, i, ref.Width*ref.Height),
		)
		ref.Position = series[i].Position
		ref.Index = series[i].Index
		refSlices = append(refSlices, ref)

		for k, c := range correspondences {
			match, _ := c.Lookup(series[i].Source)
			aux, err := l.scanner.ReadSlice(match.Auxiliary)
			if err != nil {
				return nil, fmt.Errorf("error decoding auxiliary slice: %w", err)
			}
			aux.Pixels = dicomio.Window(aux.Pixels, l.opts.AuxiliaryCenter, l.opts.AuxiliaryWidth)
			auxSlices[k] = append(auxSlices[k], aux)
		}
	}

	res := &Result{
		SeriesIndices:   kept,
		StartIndex:      kept[0],
		Correspondences: correspondences,
	}
	var err error
	if res.Reference, err = models.StackSlices(refSlices); err != nil {
		return nil, fmt.Errorf("error stacking reference volume: %w", err)
	}
	res.Reference.StartIndex = kept[0]
	for k, slices := range auxSlices {
		if !sameShape(slices) {
			l.logger.WithField("series", auxiliaryDirs[k]).Warn("auxiliary slices differ in shape, resizing to the reference")
			for _, s := range slices {
				resizeSlice(s, res.Reference.Width, res.Reference.Height)
			}
		}
		vol, err := models.StackSlices(slices)
		if err != nil {
			return nil, fmt.Errorf("error stacking auxiliary volume %s: %w", auxiliaryDirs[k], err)
		}
		vol.StartIndex = kept[0]
		res.Auxiliary = append(res.Auxiliary, vol)
	}

	l.logger.WithFields(log.Fields{
		"series":      len(series),
		"depth":       len(kept),
		"start_index": kept[0],
		"auxiliary":   len(auxiliaryDirs),
	}).Debug("loaded matched volumes")
	return res, nil
}

func (l *Loader) structure(referenceDir, structureFile string) (*rtstruct.StructureSet, error) {
	series, err := l.scanner.Locate(referenceDir)
	if err != nil {
		return nil, fmt.Errorf("error locating reference series: %w", err)
	}
	if len(series) == 0 {
		return nil, ErrNoMatchingSlices
	}
	set, err := rtstruct.Load(series, structureFile)
	if err != nil {
		return nil, err
	}
	return set, nil
}

func bodyPlane(body *models.Mask, z, n int) []bool {
	if body == nil || z >= body.Depth || body.Width*body.Height != n {
		return nil
	}
	return body.SliceAt(z)
}

func sameShape(slices []*models.Slice) bool {
	for _, s := range slices[1:] {
		if s.Width != slices[0].Width || s.Height != slices[0].Height {
			return false
		}
	}
	return true
}

// resizeSlice scales windowed pixels to width x height with a cubic filter
func resizeSlice(s *models.Slice, width, height int) {
	if s.Width == width && s.Height == height {
		return
	}
	src := image.NewGray(image.Rect(0, 0, s.Width, s.Height))
	for i, v := range s.Pixels {
		src.Pix[i] = uint8(math.Max(0, math.Min(255, math.Round(v))))
	}
	dst := imaging.Resize(src, width, height, imaging.CatmullRom)
	s.Pixels = make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			s.Pixels[y*width+x] = float64(dst.Pix[y*dst.Stride+x*4])
		}
	}
	s.Width, s.Height = width, height
}
