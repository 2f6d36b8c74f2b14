// Package dicomio reads DICOM series into slices: positions along the stacking
// axis, modality pixel values, geometry and intensity windows.
package dicomio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dcm2nnunet/internal/models"
)

var (
	// ErrNoPosition is returned when a slice lacks SliceLocation
	ErrNoPosition = errors.New("slice has no position")

	// ErrNoPixelData is returned when a slice has no decodable native frame
	ErrNoPixelData = errors.New("slice has no native pixel data")
)

// Locator finds the slices of a series directory and decodes them
type Locator struct {
	Logger log.Interface

	// WithPixels makes Locate decode pixel data as well
	WithPixels bool
}

// NewLocator returns a locator logging to logger
func NewLocator(logger log.Interface) *Locator {
	return &Locator{Logger: logger}
}

// SeriesFiles lists the regular, non-hidden files of dir in discovery order
func SeriesFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading series directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Locate returns the position of every slice in dir. Files without
// SliceLocation are left out; files that are not DICOM fail the whole series.
// Pixel data is decoded only when WithPixels is set.
func (l *Locator) Locate(dir string) ([]*models.Slice, error) {
	files, err := SeriesFiles(dir)
	if err != nil {
		return nil, err
	}

	slices := make([]*models.Slice, 0, len(files))
	for i, path := range files {
		var opts []dicom.ParseOption
		if !l.WithPixels {
			opts = append(opts, dicom.SkipPixelData())
		}
		ds, err := SafelyParseFile(path, opts...)
		if err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", path, err)
		}
		pos, ok := findFloats(&ds, tag.SliceLocation)
		if !ok {
			l.Logger.WithField("file", path).Debug("skipping slice without SliceLocation")
			continue
		}
		s := &models.Slice{Source: path, Geometry: readGeometry(&ds)}
		if l.WithPixels {
			if s, err = decodeSlice(path, &ds); err != nil {
				return nil, err
			}
		}
		s.Index = i
		s.Position = pos[0]
		slices = append(slices, s)
	}

	l.Logger.WithFields(log.Fields{
		"dir":    dir,
		"files":  len(files),
		"slices": len(slices),
	}).Debug("located series")

	return slices, nil
}

// ReadSlice fully decodes one file into modality values (rescale applied)
func (l *Locator) ReadSlice(path string) (*models.Slice, error) {
	ds, err := SafelyParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	return decodeSlice(path, &ds)
}

// PatientID returns the PatientID of the first readable file in dir
func PatientID(dir string) (string, error) {
	files, err := SeriesFiles(dir)
	if err != nil {
		return "", err
	}
	for _, path := range files {
		ds, err := SafelyParseFile(path, dicom.SkipPixelData())
		if err != nil {
			continue
		}
		if id, ok := findString(&ds, tag.PatientID); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("no PatientID in %s: %w", dir, ErrMissingElement)
}

func readGeometry(ds *dicom.Dataset) models.Geometry {
	var g models.Geometry
	if v, ok := findFloats(ds, tag.Rows); ok {
		g.Rows = int(v[0])
	}
	if v, ok := findFloats(ds, tag.Columns); ok {
		g.Columns = int(v[0])
	}
	if v, ok := findFloats(ds, tag.PixelSpacing); ok && len(v) >= 2 {
		g.PixelSpacing = [2]float64{v[0], v[1]}
	}
	if v, ok := findFloats(ds, tag.ImagePositionPatient); ok && len(v) >= 3 {
		g.ImagePosition = [3]float64{v[0], v[1], v[2]}
	}
	g.Thickness = findFloat(ds, tag.SliceThickness, 0)
	return g
}

func decodeSlice(path string, ds *dicom.Dataset) (*models.Slice, error) {
	pixelElement, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoPixelData)
	}
	var info dicom.PixelDataInfo
	switch v := pixelElement.Value.GetValue().(type) {
	case dicom.PixelDataInfo:
		info = v
	case *dicom.PixelDataInfo:
		info = *v
	}
	if len(info.Frames) == 0 || info.Frames[0].Encapsulated || info.Frames[0].NativeData == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoPixelData)
	}
	native := info.Frames[0].NativeData

	slope := findFloat(ds, tag.RescaleSlope, 1)
	intercept := findFloat(ds, tag.RescaleIntercept, 0)
	signed := findFloat(ds, tag.PixelRepresentation, 0) == 1
	bitsStored := int(findFloat(ds, tag.BitsStored, float64(native.BitsPerSample())))

	width, height := native.Cols(), native.Rows()
	pixels := make([]float64, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			px, err := native.GetPixel(x, y)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			stored := px[0]
			if signed && bitsStored > 0 && stored >= 1<<(bitsStored-1) {
				stored -= 1 << bitsStored
			}
			pixels[y*width+x] = float64(stored)*slope + intercept
		}
	}

	s := &models.Slice{
		Source:   path,
		Pixels:   pixels,
		Width:    width,
		Height:   height,
		Geometry: readGeometry(ds),
	}
	if pos, ok := findFloats(ds, tag.SliceLocation); ok {
		s.Position = pos[0]
	}
	return s, nil
}
