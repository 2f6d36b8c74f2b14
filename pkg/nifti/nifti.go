// Package nifti writes single-file NIfTI-1 images, optionally gzip compressed.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"dcm2nnunet/internal/models"
)

var (
	// ErrInvalidHeader is returned when a file is not a single-file NIfTI-1 image
	ErrInvalidHeader = errors.New("invalid NIfTI-1 header")
	// ErrUnsupportedDatatype is returned for datatypes other than uint8, int16 and float32
	ErrUnsupportedDatatype = errors.New("unsupported NIfTI datatype")
)

// Datatype is the NIfTI-1 datatype code
type Datatype int16

const (
	Uint8   Datatype = 2
	Int16   Datatype = 4
	Float32 Datatype = 16
)

func (d Datatype) bitpix() (int16, error) {
	switch d {
	case Uint8:
		return 8, nil
	case Int16:
		return 16, nil
	case Float32:
		return 32, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, d)
}

const (
	headerSize = 348
	voxOffset  = 352
	unitsMM    = 2
)

// header is the on-disk NIfTI-1 header
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// Image is a 2D or 3D NIfTI image
type Image struct {
	// Dims holds the size of each axis, first axis fastest in Data
	Dims []int

	// Pixdim is the voxel size in mm along each axis
	Pixdim [3]float64

	// Origin is written as the qform/sform offset
	Origin [3]float64

	Datatype Datatype

	// Data holds voxel values; they are converted to Datatype when written
	Data []float64

	Description string
}

func (img *Image) voxels() int {
	n := 1
	for _, d := range img.Dims {
		n *= d
	}
	return n
}

func (img *Image) header() (*header, error) {
	if len(img.Dims) == 0 || len(img.Dims) > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidHeader, len(img.Dims))
	}
	bitpix, err := img.Datatype.bitpix()
	if err != nil {
		return nil, err
	}
	h := &header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(img.Datatype),
		Bitpix:    bitpix,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		QformCode: 1,
		SformCode: 1,
		QoffsetX:  float32(img.Origin[0]),
		QoffsetY:  float32(img.Origin[1]),
		QoffsetZ:  float32(img.Origin[2]),
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim[0] = int16(len(img.Dims))
	for i := range h.Pixdim {
		h.Pixdim[i] = 1
	}
	for i, d := range img.Dims {
		h.Dim[i+1] = int16(d)
	}
	for i := 0; i < 3; i++ {
		if img.Pixdim[i] > 0 {
			h.Pixdim[i+1] = float32(img.Pixdim[i])
		}
	}
	h.SrowX = [4]float32{h.Pixdim[1], 0, 0, h.QoffsetX}
	h.SrowY = [4]float32{0, h.Pixdim[2], 0, h.QoffsetY}
	h.SrowZ = [4]float32{0, 0, h.Pixdim[3], h.QoffsetZ}
	copy(h.Descrip[:len(h.Descrip)-1], img.Description)
	return h, nil
}

// Write encodes the image as an uncompressed .nii stream
func (img *Image) Write(w io.Writer) error {
	if len(img.Data) != img.voxels() {
		return fmt.Errorf("%w: %d values for %v", models.ErrShapeMismatch, len(img.Data), img.Dims)
	}
	h, err := img.header()
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	// no extensions
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	switch img.Datatype {
	case Uint8:
		buf := make([]byte, len(img.Data))
		for i, v := range img.Data {
			buf[i] = uint8(math.Max(0, math.Min(255, v)))
		}
		_, err = bw.Write(buf)
	case Int16:
		buf := make([]int16, len(img.Data))
		for i, v := range img.Data {
			buf[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v))))
		}
		err = binary.Write(bw, binary.LittleEndian, buf)
	case Float32:
		buf := make([]float32, len(img.Data))
		for i, v := range img.Data {
			buf[i] = float32(v)
		}
		err = binary.Write(bw, binary.LittleEndian, buf)
	}
	if err != nil {
		return fmt.Errorf("error writing voxels: %w", err)
	}
	return bw.Flush()
}

// WriteFile writes img to path, gzip compressed when path ends in .gz
func WriteFile(path string, img *Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating NIfTI file: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(path, ".gz") {
		if err := img.Write(f); err != nil {
			return err
		}
		return f.Close()
	}

	zw := gzip.NewWriter(f)
	if err := img.Write(zw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("error compressing NIfTI file: %w", err)
	}
	return f.Close()
}

// Read decodes an uncompressed .nii stream
func Read(r io.Reader) (*Image, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	if h.SizeofHdr != headerSize || !bytes.Equal(h.Magic[:3], []byte("n+1")) {
		return nil, ErrInvalidHeader
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, fmt.Errorf("%w: %d dimensions", ErrInvalidHeader, h.Dim[0])
	}
	if _, err := io.CopyN(io.Discard, r, int64(h.VoxOffset)-headerSize); err != nil {
		return nil, fmt.Errorf("error skipping extensions: %w", err)
	}

	img := &Image{
		Datatype:    Datatype(h.Datatype),
		Origin:      [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)},
		Description: string(bytes.TrimRight(h.Descrip[:], "\x00")),
	}
	for i := 0; i < int(h.Dim[0]); i++ {
		img.Dims = append(img.Dims, int(h.Dim[i+1]))
	}
	for i := 0; i < 3; i++ {
		img.Pixdim[i] = float64(h.Pixdim[i+1])
	}

	n := img.voxels()
	img.Data = make([]float64, n)
	switch img.Datatype {
	case Uint8:
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("error reading voxels: %w", err)
		}
		for i, v := range buf {
			img.Data[i] = float64(v)
		}
	case Int16:
		buf := make([]int16, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("error reading voxels: %w", err)
		}
		for i, v := range buf {
			img.Data[i] = float64(v)
		}
	case Float32:
		buf := make([]float32, n)
		if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
			return nil, fmt.Errorf("error reading voxels: %w", err)
		}
		for i, v := range buf {
			img.Data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, img.Datatype)
	}
	return img, nil
}

// ReadFile reads a .nii or .nii.gz file
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening NIfTI file: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error decompressing NIfTI file: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Read(r)
}

// FromVolume lays v out with image rows along the first axis and columns
// along the second, the layout nnU-Net receives from numpy (rows, cols, slices)
// arrays. Spacing and origin follow.
func FromVolume(v *models.Volume, dt Datatype) *Image {
	img := &Image{
		Dims:     []int{v.Height, v.Width, v.Depth},
		Pixdim:   [3]float64{v.Spacing[1], v.Spacing[0], v.Spacing[2]},
		Origin:   v.Origin,
		Datatype: dt,
		Data:     make([]float64, len(v.Data)),
	}
	i := 0
	for z := 0; z < v.Depth; z++ {
		for x := 0; x < v.Width; x++ {
			for y := 0; y < v.Height; y++ {
				img.Data[i] = v.At(x, y, z)
				i++
			}
		}
	}
	return img
}

// FromLabels lays a label map out like FromVolume
func FromLabels(l *models.LabelMap, spacing, origin [3]float64) *Image {
	v := &models.Volume{
		Data:    make([]float64, len(l.Data)),
		Width:   l.Width,
		Height:  l.Height,
		Depth:   l.Depth,
		Spacing: spacing,
		Origin:  origin,
	}
	for i, c := range l.Data {
		v.Data[i] = float64(c)
	}
	return FromVolume(v, Uint8)
}
