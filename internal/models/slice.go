package models

import (
	"errors"
	"fmt"
)

// ErrShapeMismatch is returned when pixel data does not fit the target grid
var ErrShapeMismatch = errors.New("pixel data does not match grid shape")

// Geometry holds the physical placement of a DICOM slice
type Geometry struct {
	// Rows and Columns are the in-plane pixel dimensions
	Rows, Columns int

	// PixelSpacing is the (row, column) spacing in mm
	PixelSpacing [2]float64

	// ImagePosition is the patient-space position of the first pixel in mm
	ImagePosition [3]float64

	// Thickness is the nominal slice thickness in mm
	Thickness float64
}

// Slice represents a single DICOM slice with its position along the stacking axis
type Slice struct {
	// Source is the file path of the slice; it doubles as the slice id
	Source string

	// Index is the discovery order of this slice within its series
	Index int

	// Position is the physical position of the slice along the stacking axis
	Position float64

	// Pixels is the decoded slice in row-major order (may be nil for metadata-only scans)
	Pixels []float64

	// Width and Height are the dimensions of Pixels
	Width, Height int

	// Geometry is the physical placement of the slice
	Geometry Geometry
}

// Volume represents an ordered stack of slices sharing one in-plane shape
type Volume struct {
	// Data is the 3D volume data as a 1D array, x fastest, then y, then z
	Data []float64

	// Width is the width of the volume in voxels
	Width int

	// Height is the height of the volume in voxels
	Height int

	// Depth is the number of slices in the volume
	Depth int

	// Positions holds the along-axis position of every slice
	Positions []float64

	// Sources holds the source file of every slice
	Sources []string

	// StartIndex is the index of the first included slice within the reference series
	StartIndex int

	// Spacing is the physical voxel size in mm (x, y, z)
	Spacing [3]float64

	// Origin is the patient-space position of the first voxel
	Origin [3]float64
}

// NewVolume allocates a zeroed volume
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:      make([]float64, width*height*depth),
		Width:     width,
		Height:    height,
		Depth:     depth,
		Positions: make([]float64, depth),
		Sources:   make([]string, depth),
		Spacing:   [3]float64{1, 1, 1},
	}
}

// StackSlices builds a volume from slices that share one in-plane shape
func StackSlices(slices []*Slice) (*Volume, error) {
	if len(slices) == 0 {
		return nil, fmt.Errorf("stack slices: %w", ErrShapeMismatch)
	}
	width, height := slices[0].Width, slices[0].Height
	vol := NewVolume(width, height, len(slices))
	for z, s := range slices {
		if err := vol.SetSlice(z, s.Pixels); err != nil {
			return nil, fmt.Errorf("stack slice %s: %w", s.Source, err)
		}
		vol.Positions[z] = s.Position
		vol.Sources[z] = s.Source
	}
	g := slices[0].Geometry
	if g.PixelSpacing[0] > 0 && g.PixelSpacing[1] > 0 {
		vol.Spacing[0] = g.PixelSpacing[1]
		vol.Spacing[1] = g.PixelSpacing[0]
	}
	if g.Thickness > 0 {
		vol.Spacing[2] = g.Thickness
	}
	vol.Origin = g.ImagePosition
	return vol, nil
}

// Index returns the linear offset of voxel (x, y, z)
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set writes the voxel value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}

// SliceAt returns a view of slice z
func (v *Volume) SliceAt(z int) []float64 {
	n := v.Width * v.Height
	return v.Data[z*n : (z+1)*n]
}

// SetSlice copies pixels into slice z
func (v *Volume) SetSlice(z int, pixels []float64) error {
	if len(pixels) != v.Width*v.Height {
		return fmt.Errorf("slice %d has %d pixels, want %d: %w", z, len(pixels), v.Width*v.Height, ErrShapeMismatch)
	}
	copy(v.SliceAt(z), pixels)
	return nil
}

// Clone returns a deep copy of the volume
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = append([]float64(nil), v.Data...)
	out.Positions = append([]float64(nil), v.Positions...)
	out.Sources = append([]string(nil), v.Sources...)
	return &out
}

// Mask is a boolean voxel grid aligned to a volume
type Mask struct {
	Data                 []bool
	Width, Height, Depth int
}

// NewMask allocates an empty mask
func NewMask(width, height, depth int) *Mask {
	return &Mask{Data: make([]bool, width*height*depth), Width: width, Height: height, Depth: depth}
}

// FullMask allocates a mask with every voxel set
func FullMask(width, height, depth int) *Mask {
	m := NewMask(width, height, depth)
	for i := range m.Data {
		m.Data[i] = true
	}
	return m
}

// SliceAt returns a view of mask slice z
func (m *Mask) SliceAt(z int) []bool {
	n := m.Width * m.Height
	return m.Data[z*n : (z+1)*n]
}

// Union merges other into m with a logical OR
func (m *Mask) Union(other *Mask) error {
	if len(other.Data) != len(m.Data) {
		return fmt.Errorf("mask union: %w", ErrShapeMismatch)
	}
	for i, v := range other.Data {
		if v {
			m.Data[i] = true
		}
	}
	return nil
}

// Count returns the number of set voxels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// LabelMap holds class ids per voxel; 0 is background
type LabelMap struct {
	Data                 []uint8
	Width, Height, Depth int
}

// NewLabelMap allocates a background-only label map
func NewLabelMap(width, height, depth int) *LabelMap {
	return &LabelMap{Data: make([]uint8, width*height*depth), Width: width, Height: height, Depth: depth}
}

// SliceAt returns a view of label slice z
func (l *LabelMap) SliceAt(z int) []uint8 {
	n := l.Width * l.Height
	return l.Data[z*n : (z+1)*n]
}
