// Package visualization renders preview images of converted volumes: plain
// slices, registration checkerboards and label overlays.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"dcm2nnunet/internal/models"
)

// labelColors colours class ids 1..n in overlays; ids beyond wrap around
var labelColors = []color.NRGBA{
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 0, G: 128, B: 255, A: 255},
	{R: 255, G: 200, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
}

// Viewer renders 8-bit previews of a volume
type Viewer struct {
	// volume holds intensities in the 0-255 range
	volume *models.Volume
}

// NewViewer creates a viewer over v
func NewViewer(v *models.Volume) *Viewer {
	return &Viewer{volume: v}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.volume

	var img *image.Gray
	switch axis {
	case "x", "X":
		// YZ plane
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Depth, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Depth; z++ {
				img.SetGray(z, y, color.Gray{Y: toByte(vol.At(position, y, z))})
			}
		}

	case "y", "Y":
		// XZ plane
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Depth))
		for z := 0; z < vol.Depth; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetGray(x, z, color.Gray{Y: toByte(vol.At(x, position, z))})
			}
		}

	case "z", "Z":
		// XY plane
		if position >= vol.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Depth)
		}
		img = image.NewGray(image.Rect(0, 0, vol.Width, vol.Height))
		for i, val := range vol.SliceAt(position) {
			img.Pix[i] = toByte(val)
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// Checkerboard interleaves slice z of a and b in tiles of the given size so
// misregistration shows up as broken edges at tile borders
func Checkerboard(a, b *models.Volume, z, tile int) (*image.Gray, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", models.ErrShapeMismatch, a.Width, a.Height, b.Width, b.Height)
	}
	if z < 0 || z >= a.Depth || z >= b.Depth {
		return nil, fmt.Errorf("slice %d out of range", z)
	}
	if tile <= 0 {
		tile = 16
	}
	img := image.NewGray(image.Rect(0, 0, a.Width, a.Height))
	for y := 0; y < a.Height; y++ {
		for x := 0; x < a.Width; x++ {
			src := a
			if (x/tile+y/tile)%2 == 1 {
				src = b
			}
			img.Pix[y*img.Stride+x] = toByte(src.At(x, y, z))
		}
	}
	return img, nil
}

// Overlay tints labelled pixels of slice z over the grayscale image
func (v *Viewer) Overlay(labels *models.LabelMap, z int, alpha float64) (*image.NRGBA, error) {
	gray, err := v.ExtractSlice("z", z)
	if err != nil {
		return nil, err
	}
	if labels.Width != v.volume.Width || labels.Height != v.volume.Height || z >= labels.Depth {
		return nil, models.ErrShapeMismatch
	}
	out := imaging.Clone(gray)
	for i, id := range labels.SliceAt(z) {
		if id == 0 {
			continue
		}
		c := labelColors[int(id-1)%len(labelColors)]
		p := out.Pix[i*4 : i*4+4]
		p[0] = blend(p[0], c.R, alpha)
		p[1] = blend(p[1], c.G, alpha)
		p[2] = blend(p[2], c.B, alpha)
	}
	return out, nil
}

// SaveSlice saves an image; the format follows the file extension
func SaveSlice(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	return imaging.Save(img, filename, imaging.JPEGQuality(90))
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis, outputDir, ext string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Width
	case "y", "Y":
		maxPos = v.volume.Height
	case "z", "Z":
		maxPos = v.volume.Depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if ext == "" {
		ext = ".png"
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", strings.ToLower(axis), pos, ext))
		if err := SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

func toByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

func blend(base, tint uint8, alpha float64) uint8 {
	return uint8(float64(base)*(1-alpha) + float64(tint)*alpha)
}
