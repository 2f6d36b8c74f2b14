package dicomio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcm2nnunet/pkg/phantom"
)

func testLocator() *Locator {
	return NewLocator(&log.Logger{Handler: discard.New(), Level: log.InfoLevel})
}

// TestLocateSkipsUnlocatedSlices verifies files without SliceLocation are left out
func TestLocateSkipsUnlocatedSlices(t *testing.T) {
	dir := t.TempDir()
	_, err := phantom.WriteSeries(phantom.Series{
		Dir:       dir,
		PatientID: "P001",
		Modality:  "CT",
		Width:     4,
		Height:    3,
		Positions: []float64{-3, 0, 3},
		Thickness: 3,
		Unlocated: map[int]bool{1: true},
	})
	require.NoError(t, err)

	slices, err := testLocator().Locate(dir)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, -3.0, slices[0].Position)
	assert.Equal(t, 3.0, slices[1].Position)
	assert.Equal(t, 0, slices[0].Index)
	assert.Equal(t, 2, slices[1].Index)
	assert.Equal(t, 4, slices[0].Geometry.Columns)
	assert.Equal(t, 3, slices[0].Geometry.Rows)
	assert.Nil(t, slices[0].Pixels)
}

func TestLocateWithPixels(t *testing.T) {
	dir := t.TempDir()
	_, err := phantom.WriteSeries(phantom.Series{
		Dir: dir, PatientID: "P001", Modality: "CT", Width: 4, Height: 3,
		Positions: []float64{-3, 0}, Thickness: 3,
		Pixel: func(x, y, z int) uint16 { return uint16(10 * (z + 1)) },
	})
	require.NoError(t, err)

	l := testLocator()
	l.WithPixels = true
	slices, err := l.Locate(dir)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, 1, slices[1].Index)
	assert.Equal(t, 0.0, slices[1].Position)
	require.Len(t, slices[1].Pixels, 12)
	assert.Equal(t, 20.0, slices[1].Pixels[0])
}

func TestLocateRejectsNonDICOM(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a scan"), 0644))

	_, err := testLocator().Locate(dir)
	assert.Error(t, err)
}

// TestReadSliceAppliesRescale verifies stored values are converted to modality values
func TestReadSliceAppliesRescale(t *testing.T) {
	dir := t.TempDir()
	paths, err := phantom.WriteSeries(phantom.Series{
		Dir:       dir,
		PatientID: "P001",
		Modality:  "CT",
		Width:     3,
		Height:    2,
		Positions: []float64{12.5},
		Intercept: -1024,
		Pixel: func(x, y, z int) uint16 {
			return uint16(1024 + 10*y + x)
		},
	})
	require.NoError(t, err)

	s, err := testLocator().ReadSlice(paths[0])
	require.NoError(t, err)
	assert.Equal(t, 3, s.Width)
	assert.Equal(t, 2, s.Height)
	assert.Equal(t, 12.5, s.Position)
	assert.InDeltaSlice(t, []float64{0, 1, 2, 10, 11, 12}, s.Pixels, 1e-9)
}

func TestPatientID(t *testing.T) {
	dir := t.TempDir()
	_, err := phantom.WriteSeries(phantom.Series{
		Dir: dir, PatientID: "NPC-042", Modality: "CT", Width: 2, Height: 2, Positions: []float64{0},
	})
	require.NoError(t, err)

	id, err := PatientID(dir)
	require.NoError(t, err)
	assert.Equal(t, "NPC-042", id)
}

func TestWindow(t *testing.T) {
	out := Window([]float64{-1000, 512, 2000, 0}, 512, 1024)

	assert.Equal(t, 0.0, out[0])
	assert.InDelta(t, 127.6, out[1], 0.2)
	assert.Equal(t, 255.0, out[2])
	assert.Equal(t, 0.0, out[3])
}

func TestApplyMask(t *testing.T) {
	out := ApplyMask([]float64{1, 2, 3}, []bool{true, false, true})
	assert.Equal(t, []float64{1, 0, 3}, out)
	assert.Equal(t, []float64{4}, ApplyMask([]float64{4}, nil))
}
