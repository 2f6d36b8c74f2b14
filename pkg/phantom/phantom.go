// Package phantom writes small synthetic DICOM studies: a CT series, an RT
// structure set drawn on it and MR series with mirrored slice locations. The
// studies follow the on-disk layout the converter expects and are used for
// smoke runs and tests.
package phantom

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	ctStorage     = "1.2.840.10008.5.1.4.1.1.2"
	mrStorage     = "1.2.840.10008.5.1.4.1.1.4"
	rtStructStore = "1.2.840.10008.5.1.4.1.1.481.3"
	explicitLE    = "1.2.840.10008.1.2.1"
	uidRoot       = "1.2.826.0.1.3680043.10.1137"
)

// PixelFunc returns the stored value of pixel (x, y) on slice z
type PixelFunc func(x, y, z int) uint16

// Series describes one synthetic series
type Series struct {
	Dir          string
	PatientID    string
	Modality     string
	Width        int
	Height       int
	Positions    []float64
	PixelSpacing float64
	Thickness    float64
	Intercept    float64
	Pixel        PixelFunc

	// Unlocated lists slice numbers written without SliceLocation
	Unlocated map[int]bool
}

// Contour is a closed planar polygon in patient coordinates (mm)
type Contour struct {
	ROI    string
	Z      float64
	Points [][2]float64
}

// StructureSet describes a synthetic RTSTRUCT
type StructureSet struct {
	Path      string
	PatientID string
	ROINames  []string
	Contours  []Contour
}

func mustNewElement(t tag.Tag, data interface{}) *dicom.Element {
	el, err := dicom.NewElement(t, data)
	if err != nil {
		panic(fmt.Sprintf("phantom: element %s: %v", t, err))
	}
	return el
}

func ds(f float64) string {
	return fmt.Sprintf("%.6f", f)
}

func writeDatasetToFile(filename string, d dicom.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return dicom.Write(f, d)
}

// WriteSeries writes one file per position and returns the file paths
func WriteSeries(s Series) ([]string, error) {
	sopClass := ctStorage
	if s.Modality == "MR" {
		sopClass = mrStorage
	}
	spacing := s.PixelSpacing
	if spacing == 0 {
		spacing = 1
	}
	pixel := s.Pixel
	if pixel == nil {
		pixel = Blob(s.Width, s.Height, 1000)
	}

	var paths []string
	for z, pos := range s.Positions {
		sopUID := fmt.Sprintf("%s.%s.%d", uidRoot, s.Modality, z+1)
		elements := []*dicom.Element{
			mustNewElement(tag.TransferSyntaxUID, []string{explicitLE}),
			mustNewElement(tag.MediaStorageSOPClassUID, []string{sopClass}),
			mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sopUID}),
			mustNewElement(tag.PatientID, []string{s.PatientID}),
			mustNewElement(tag.Modality, []string{s.Modality}),
			mustNewElement(tag.SOPClassUID, []string{sopClass}),
			mustNewElement(tag.SOPInstanceUID, []string{sopUID}),
			mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", z+1)}),
			mustNewElement(tag.PixelSpacing, []string{ds(spacing), ds(spacing)}),
			mustNewElement(tag.SliceThickness, []string{ds(s.Thickness)}),
			mustNewElement(tag.ImagePositionPatient, []string{ds(0), ds(0), ds(pos)}),
			mustNewElement(tag.RescaleIntercept, []string{ds(s.Intercept)}),
			mustNewElement(tag.RescaleSlope, []string{ds(1)}),
			mustNewElement(tag.Rows, []int{s.Height}),
			mustNewElement(tag.Columns, []int{s.Width}),
			mustNewElement(tag.BitsAllocated, []int{16}),
			mustNewElement(tag.BitsStored, []int{16}),
			mustNewElement(tag.HighBit, []int{15}),
			mustNewElement(tag.PixelRepresentation, []int{0}),
			mustNewElement(tag.SamplesPerPixel, []int{1}),
			mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		}
		if !s.Unlocated[z] {
			elements = append(elements, mustNewElement(tag.SliceLocation, []string{ds(pos)}))
		}

		nativeFrame := frame.NewNativeFrame[uint16](16, s.Height, s.Width, s.Width*s.Height, 1)
		for y := 0; y < s.Height; y++ {
			for x := 0; x < s.Width; x++ {
				nativeFrame.RawData[y*s.Width+x] = pixel(x, y, z)
			}
		}
		pixelDataInfo := dicom.PixelDataInfo{
			Frames: []*frame.Frame{
				{
					Encapsulated: false,
					NativeData:   nativeFrame,
				},
			},
		}
		elements = append(elements, mustNewElement(tag.PixelData, pixelDataInfo))

		path := filepath.Join(s.Dir, fmt.Sprintf("%s%04d.dcm", s.Modality, z+1))
		if err := writeDatasetToFile(path, dicom.Dataset{Elements: elements}); err != nil {
			return nil, fmt.Errorf("write DICOM file %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// WriteStructureSet writes an RTSTRUCT with one ROI per name
func WriteStructureSet(s StructureSet) error {
	sopUID := uidRoot + ".RS.1"
	var roiItems [][]*dicom.Element
	var contourItems [][]*dicom.Element
	for i, name := range s.ROINames {
		number := fmt.Sprintf("%d", i+1)
		roiItems = append(roiItems, []*dicom.Element{
			mustNewElement(tag.ROINumber, []string{number}),
			mustNewElement(tag.ROIName, []string{name}),
		})

		var contours [][]*dicom.Element
		for _, c := range s.Contours {
			if c.ROI != name {
				continue
			}
			data := make([]string, 0, len(c.Points)*3)
			for _, p := range c.Points {
				data = append(data, ds(p[0]), ds(p[1]), ds(c.Z))
			}
			contours = append(contours, []*dicom.Element{
				mustNewElement(tag.ContourGeometricType, []string{"CLOSED_PLANAR"}),
				mustNewElement(tag.NumberOfContourPoints, []string{fmt.Sprintf("%d", len(c.Points))}),
				mustNewElement(tag.ContourData, data),
			})
		}
		item := []*dicom.Element{mustNewElement(tag.ReferencedROINumber, []string{number})}
		if len(contours) > 0 {
			item = append(item, mustNewElement(tag.ContourSequence, contours))
		}
		contourItems = append(contourItems, item)
	}

	elements := []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{explicitLE}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{rtStructStore}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{sopUID}),
		mustNewElement(tag.PatientID, []string{s.PatientID}),
		mustNewElement(tag.Modality, []string{"RTSTRUCT"}),
		mustNewElement(tag.SOPClassUID, []string{rtStructStore}),
		mustNewElement(tag.SOPInstanceUID, []string{sopUID}),
		mustNewElement(tag.StructureSetROISequence, roiItems),
		mustNewElement(tag.ROIContourSequence, contourItems),
	}
	if err := writeDatasetToFile(s.Path, dicom.Dataset{Elements: elements}); err != nil {
		return fmt.Errorf("write RTSTRUCT %s: %w", s.Path, err)
	}
	return nil
}

// Blob returns a smooth radial intensity pattern peaking at peak in the image centre
func Blob(width, height int, peak float64) PixelFunc {
	cx, cy := float64(width-1)/2, float64(height-1)/2
	sigma := math.Max(float64(width), float64(height)) / 4
	return func(x, y, z int) uint16 {
		dx, dy := float64(x)-cx, float64(y)-cy
		v := peak * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
		return uint16(math.Round(v))
	}
}

// Square returns the corners of an axis-aligned square centred on (cx, cy)
func Square(cx, cy, half float64) [][2]float64 {
	return [][2]float64{
		{cx - half, cy - half},
		{cx + half, cy - half},
		{cx + half, cy + half},
		{cx - half, cy + half},
	}
}
