package visualization

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"dcm2nnunet/internal/models"
)

func gradientVolume(width, height, depth int) *models.Volume {
	v := models.NewVolume(width, height, depth)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, float64(z*50))
			}
		}
	}
	return v
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5
	viewer := NewViewer(gradientVolume(width, height, depth))

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		if got := img.GrayAt(width/2, height/2).Y; got != uint8(z*50) {
			t.Errorf("Expected Z slice value %d at center, got %d", z*50, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
}

// TestCheckerboard verifies tiles alternate between the two volumes
func TestCheckerboard(t *testing.T) {
	a := models.NewVolume(8, 8, 1)
	b := models.NewVolume(8, 8, 1)
	for i := range b.Data {
		b.Data[i] = 200
	}

	img, err := Checkerboard(a, b, 0, 4)
	if err != nil {
		t.Fatalf("Failed to build checkerboard: %v", err)
	}
	if got := img.GrayAt(0, 0).Y; got != 0 {
		t.Errorf("Expected first tile from a, got %d", got)
	}
	if got := img.GrayAt(5, 0).Y; got != 200 {
		t.Errorf("Expected second tile from b, got %d", got)
	}
	if got := img.GrayAt(5, 5).Y; got != 0 {
		t.Errorf("Expected diagonal tile from a, got %d", got)
	}

	if _, err := Checkerboard(a, models.NewVolume(4, 4, 1), 0, 4); err == nil {
		t.Error("Expected error for mismatched shapes, got nil")
	}
}

func TestOverlay(t *testing.T) {
	v := models.NewVolume(4, 4, 1)
	labels := models.NewLabelMap(4, 4, 1)
	labels.Data[5] = 1

	img, err := NewViewer(v).Overlay(labels, 0, 1)
	if err != nil {
		t.Fatalf("Failed to build overlay: %v", err)
	}
	if c := img.NRGBAAt(1, 1); c.R != 255 || c.G != 0 {
		t.Errorf("Expected labelled pixel tinted red, got %v", c)
	}
	if c := img.NRGBAAt(0, 0); c.R != 0 {
		t.Errorf("Expected background pixel untouched, got %v", c)
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	width, height, depth := 5, 5, 3
	viewer := NewViewer(gradientVolume(width, height, depth))

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir, ".png"); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}

	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir, ".png"); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
