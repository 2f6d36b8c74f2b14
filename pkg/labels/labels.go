// Package labels maps ROI names to training categories and fuses per-category
// masks into class-id label maps.
package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"dcm2nnunet/internal/models"
)

// CategoryMap maps ROI names to category names
type CategoryMap map[string]string

// ParseCategoryMap reads "<roi name> <category>" lines. The ROI name is every
// whitespace separated field but the last, joined by a single space.
func ParseCategoryMap(r io.Reader) (CategoryMap, error) {
	m := make(CategoryMap)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		m[strings.Join(fields[:len(fields)-1], " ")] = fields[len(fields)-1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading category map: %w", err)
	}
	return m, nil
}

// LoadCategoryMap reads a category map file
func LoadCategoryMap(path string) (CategoryMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening category map: %w", err)
	}
	defer f.Close()
	return ParseCategoryMap(f)
}

// ReadSelectedROINames returns the ROI name column of a category map file, in file order
func ReadSelectedROINames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening ROI list: %w", err)
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		names = append(names, strings.Join(fields[:len(fields)-1], " "))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading ROI list: %w", err)
	}
	return names, nil
}

// MaskSource rasterizes an ROI by name
type MaskSource interface {
	ROINames() []string
	Mask(name string) (*models.Mask, error)
}

// CategoryMasks merges every mapped ROI into one mask per category with a logical OR
func CategoryMasks(src MaskSource, categories CategoryMap) (map[string]*models.Mask, error) {
	out := make(map[string]*models.Mask)
	for _, name := range src.ROINames() {
		category, ok := categories[name]
		if !ok {
			continue
		}
		mask, err := src.Mask(name)
		if err != nil {
			return nil, fmt.Errorf("error rasterizing ROI %q: %w", name, err)
		}
		existing, ok := out[category]
		if !ok {
			out[category] = mask
			continue
		}
		if err := existing.Union(mask); err != nil {
			return nil, fmt.Errorf("error merging ROI %q into %s: %w", name, category, err)
		}
	}
	return out, nil
}

// FuseSlice builds the label plane of mask slice z. Category i gets class id
// i+1; a voxel already claimed by an earlier category is never overwritten.
// Categories without a mask contribute nothing.
func FuseSlice(masks map[string]*models.Mask, categories []string, z, width, height int) []uint8 {
	out := make([]uint8, width*height)
	for i, category := range categories {
		mask, ok := masks[category]
		if !ok {
			continue
		}
		plane := mask.SliceAt(z)
		id := uint8(i + 1)
		for p, v := range plane {
			if v && out[p] == 0 {
				out[p] = id
			}
		}
	}
	return out
}

// Fuse builds a label map over the mask slices listed in zs (in that order)
func Fuse(masks map[string]*models.Mask, categories []string, zs []int, width, height int) *models.LabelMap {
	lm := models.NewLabelMap(width, height, len(zs))
	for i, z := range zs {
		copy(lm.SliceAt(i), FuseSlice(masks, categories, z, width, height))
	}
	return lm
}
