// Package rtstruct reads RT structure sets and rasterizes their planar
// contours onto the pixel grid of the referenced image series.
package rtstruct

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"dcm2nnunet/internal/models"
	"dcm2nnunet/pkg/dicomio"
)

var (
	// ErrROINotFound is returned for an ROI name absent from the structure set
	ErrROINotFound = errors.New("ROI not found")

	// ErrEmptySeries is returned when the referenced series has no slices
	ErrEmptySeries = errors.New("structure set series is empty")
)

type roi struct {
	number int
	name   string
}

type contour struct {
	points [][3]float64
}

// StructureSet is a parsed RTSTRUCT bound to its image series
type StructureSet struct {
	series        []*models.Slice
	rois          []roi
	contours      map[int][]contour
	width, height int
}

// Load parses the structure file and binds it to the located series (in discovery order)
func Load(series []*models.Slice, path string) (*StructureSet, error) {
	if len(series) == 0 {
		return nil, ErrEmptySeries
	}
	ds, err := dicomio.SafelyParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("error parsing structure set %s: %w", path, err)
	}

	s := &StructureSet{
		series:   series,
		contours: make(map[int][]contour),
		width:    series[0].Geometry.Columns,
		height:   series[0].Geometry.Rows,
	}
	if s.width == 0 || s.height == 0 {
		return nil, fmt.Errorf("series has no rows/columns: %w", dicomio.ErrMissingElement)
	}

	if el, err := ds.FindElementByTag(tag.StructureSetROISequence); err == nil {
		for _, item := range dicomio.Items(el) {
			number, ok := intValue(dicomio.Find(item, tag.ROINumber))
			if !ok {
				continue
			}
			name := ""
			if names := dicomio.Strings(dicomio.Find(item, tag.ROIName)); len(names) > 0 {
				name = names[0]
			}
			s.rois = append(s.rois, roi{number: number, name: name})
		}
	}

	if el, err := ds.FindElementByTag(tag.ROIContourSequence); err == nil {
		for _, item := range dicomio.Items(el) {
			number, ok := intValue(dicomio.Find(item, tag.ReferencedROINumber))
			if !ok {
				continue
			}
			for _, c := range dicomio.Items(dicomio.Find(item, tag.ContourSequence)) {
				parsed, err := parseContour(c)
				if err != nil {
					return nil, fmt.Errorf("error reading contour of ROI %d: %w", number, err)
				}
				if len(parsed.points) >= 3 {
					s.contours[number] = append(s.contours[number], parsed)
				}
			}
		}
	}

	return s, nil
}

func parseContour(item []*dicom.Element) (contour, error) {
	values, err := dicomio.Floats(dicomio.Find(item, tag.ContourData))
	if err != nil {
		return contour{}, err
	}
	if len(values)%3 != 0 {
		return contour{}, fmt.Errorf("contour data has %d values", len(values))
	}
	c := contour{points: make([][3]float64, 0, len(values)/3)}
	for i := 0; i < len(values); i += 3 {
		c.points = append(c.points, [3]float64{values[i], values[i+1], values[i+2]})
	}
	return c, nil
}

func intValue(el *dicom.Element) (int, bool) {
	values := dicomio.Strings(el)
	if len(values) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ROINames returns the ROI names in structure set order
func (s *StructureSet) ROINames() []string {
	names := make([]string, len(s.rois))
	for i, r := range s.rois {
		names[i] = r.name
	}
	return names
}

// Series returns the bound image series in discovery order
func (s *StructureSet) Series() []*models.Slice {
	return s.series
}

// Shape returns the mask dimensions
func (s *StructureSet) Shape() (width, height, depth int) {
	return s.width, s.height, len(s.series)
}

// Mask rasterizes every contour of the named ROI
func (s *StructureSet) Mask(name string) (*models.Mask, error) {
	for _, r := range s.rois {
		if r.name == name {
			return s.rasterize(s.contours[r.number]), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrROINotFound, name)
}

// BodyMask returns the mask of the first present ROI in names, or a full mask
func (s *StructureSet) BodyMask(names []string) *models.Mask {
	for _, name := range names {
		if m, err := s.Mask(name); err == nil {
			return m
		}
	}
	return models.FullMask(s.width, s.height, len(s.series))
}

// insideCoverage is the canvas alpha a pixel must exceed to belong to a
// contour. Pixels whose centre lies on the outline are half covered and stay out.
const insideCoverage = 0x8800

func (s *StructureSet) rasterize(contours []contour) *models.Mask {
	mask := models.NewMask(s.width, s.height, len(s.series))

	bySlice := make(map[int][]contour)
	for _, c := range contours {
		if z, ok := s.sliceFor(c.points[0][2]); ok {
			bySlice[z] = append(bySlice[z], c)
		}
	}

	for z, cs := range bySlice {
		g := s.series[z].Geometry
		rowSpacing, colSpacing := g.PixelSpacing[0], g.PixelSpacing[1]
		if rowSpacing == 0 || colSpacing == 0 {
			rowSpacing, colSpacing = 1, 1
		}

		dc := gg.NewContext(s.width, s.height)
		dc.SetFillRuleEvenOdd()
		dc.SetRGB(1, 1, 1)
		for _, c := range cs {
			for i, p := range c.points {
				// pixel i covers [i, i+1) on the canvas, so its centre sits at i+0.5
				x := (p[0]-g.ImagePosition[0])/colSpacing + 0.5
				y := (p[1]-g.ImagePosition[1])/rowSpacing + 0.5
				if i == 0 {
					dc.MoveTo(x, y)
				} else {
					dc.LineTo(x, y)
				}
			}
			dc.ClosePath()
		}
		dc.Fill()

		img := dc.Image()
		plane := mask.SliceAt(z)
		for y := 0; y < s.height; y++ {
			for x := 0; x < s.width; x++ {
				if _, _, _, a := img.At(x, y).RGBA(); a > insideCoverage {
					plane[y*s.width+x] = true
				}
			}
		}
	}
	return mask
}

// sliceFor returns the series slice whose plane is nearest to patient z
func (s *StructureSet) sliceFor(z float64) (int, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, sl := range s.series {
		d := math.Abs(planeZ(sl) - z)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return 0, false
	}
	half := s.series[best].Geometry.Thickness / 2
	if half < 0.5 {
		half = 0.5
	}
	return best, bestDist <= half
}

func planeZ(sl *models.Slice) float64 {
	if sl.Geometry.ImagePosition != [3]float64{} {
		return sl.Geometry.ImagePosition[2]
	}
	return sl.Position
}
