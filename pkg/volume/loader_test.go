package volume

import (
	"fmt"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcm2nnunet/internal/models"
	"dcm2nnunet/pkg/dicomio"
	"dcm2nnunet/pkg/matching"
	"dcm2nnunet/pkg/phantom"
)

type fakeScanner struct {
	series map[string][]*models.Slice
	pixels map[string]float64
	sizes  map[string]int
}

func (f *fakeScanner) Locate(dir string) ([]*models.Slice, error) {
	s, ok := f.series[dir]
	if !ok {
		return nil, fmt.Errorf("no series %s", dir)
	}
	return s, nil
}

func (f *fakeScanner) ReadSlice(path string) (*models.Slice, error) {
	v, ok := f.pixels[path]
	if !ok {
		return nil, fmt.Errorf("no slice %s", path)
	}
	n := 2
	if size, ok := f.sizes[path]; ok {
		n = size
	}
	pixels := make([]float64, n*n)
	for i := range pixels {
		pixels[i] = v
	}
	return &models.Slice{Source: path, Width: n, Height: n, Pixels: pixels}, nil
}

type fakeStructure struct {
	series []*models.Slice
	body   *models.Mask
}

func (f fakeStructure) Series() []*models.Slice             { return f.series }
func (f fakeStructure) BodyMask(names []string) *models.Mask { return f.body }

func slices(prefix string, positions ...float64) []*models.Slice {
	out := make([]*models.Slice, len(positions))
	for i, p := range positions {
		out[i] = &models.Slice{Source: fmt.Sprintf("%s%d", prefix, i), Index: i, Position: p}
	}
	return out
}

func testLogger() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.InfoLevel}
}

func newTestLoader(scanner Scanner) *Loader {
	matcher := matching.NewMatcher(matching.DefaultOptions(), scanner, testLogger())
	opts := Options{ReferenceCenter: 40, ReferenceWidth: 400, AuxiliaryCenter: 512, AuxiliaryWidth: 1024}
	return NewLoader(scanner, matcher, opts, testLogger())
}

func fixture() (*fakeScanner, fakeStructure) {
	ct := slices("ct", -9, -6, -3, 0, 3)
	scanner := &fakeScanner{
		series: map[string][]*models.Slice{
			"t1": slices("t1", 3, 0, -3),
			"t2": slices("t2", 0, -3, -6),
		},
		pixels: map[string]float64{
			"ct0": 0, "ct1": 40, "ct2": 240, "ct3": 40, "ct4": 40,
			"t10": 512, "t11": 1024, "t12": 0,
			"t20": 512, "t21": 512, "t22": 512,
		},
	}
	body := models.FullMask(2, 2, len(ct))
	body.SliceAt(3)[0] = false
	return scanner, fakeStructure{series: ct, body: body}
}

// TestLoadDepthAndStartIndex verifies depth equals the match count and start index the first match
func TestLoadDepthAndStartIndex(t *testing.T) {
	scanner, set := fixture()
	l := newTestLoader(scanner)

	res, err := l.LoadWithStructure(set, "t1")
	require.NoError(t, err)

	require.Len(t, res.Auxiliary, 1)
	assert.Equal(t, res.Correspondences[0].Len(), res.Reference.Depth)
	assert.Equal(t, 3, res.Reference.Depth)
	assert.Equal(t, 3, res.Auxiliary[0].Depth)
	assert.Equal(t, 2, res.StartIndex)
	assert.Equal(t, []int{2, 3, 4}, res.SeriesIndices)
	assert.Equal(t, []string{"ct2", "ct3", "ct4"}, res.Reference.Sources)
	assert.Equal(t, []string{"t10", "t11", "t12"}, res.Auxiliary[0].Sources)
}

// TestLoadWindowsAndMasks verifies reference slices are windowed and body masked
func TestLoadWindowsAndMasks(t *testing.T) {
	scanner, set := fixture()
	l := newTestLoader(scanner)

	res, err := l.LoadWithStructure(set, "t1")
	require.NoError(t, err)

	assert.Equal(t, 255.0, res.Reference.At(1, 0, 0))
	assert.Equal(t, 0.0, res.Reference.At(0, 0, 1))
	assert.InDelta(t, 127.8, res.Reference.At(1, 0, 1), 0.5)
	assert.Equal(t, 255.0, res.Auxiliary[0].At(0, 0, 1))
	assert.Equal(t, 0.0, res.Auxiliary[0].At(0, 0, 2))
}

// TestLoadResizesMixedAuxiliaryShapes verifies an auxiliary series with mixed
// slice shapes is stacked at the reference shape
func TestLoadResizesMixedAuxiliaryShapes(t *testing.T) {
	scanner, set := fixture()
	scanner.sizes = map[string]int{"t11": 4}
	l := newTestLoader(scanner)

	res, err := l.LoadWithStructure(set, "t1")
	require.NoError(t, err)

	aux := res.Auxiliary[0]
	assert.Equal(t, []int{2, 2, 3}, []int{aux.Width, aux.Height, aux.Depth})
	for _, v := range aux.SliceAt(1) {
		assert.Equal(t, 255.0, v)
	}
	assert.Equal(t, 0.0, aux.At(0, 0, 2))
}

// TestLoadAllKeepsCommonSlices verifies multi-series loads keep slices matched by every series
func TestLoadAllKeepsCommonSlices(t *testing.T) {
	scanner, set := fixture()
	l := newTestLoader(scanner)

	res, err := l.LoadAllWithStructure(set, []string{"t1", "t2"})
	require.NoError(t, err)

	require.Len(t, res.Auxiliary, 2)
	assert.Equal(t, []int{3, 4}, res.SeriesIndices)
	for _, aux := range res.Auxiliary {
		assert.Equal(t, res.Reference.Depth, aux.Depth)
	}
}

func TestLoadNoMatches(t *testing.T) {
	scanner, set := fixture()
	scanner.series["far"] = slices("far", 100, 200)
	l := newTestLoader(scanner)

	_, err := l.LoadWithStructure(set, "far")
	assert.ErrorIs(t, err, ErrNoMatchingSlices)
}

// TestLoadFromDisk runs the loader over a synthetic study with real DICOM files
func TestLoadFromDisk(t *testing.T) {
	opts := phantom.DefaultStudyOptions("P9")
	opts.Width, opts.Height = 8, 8
	opts.ROIs = opts.ROIs[:1]
	study, err := phantom.WriteStudy(t.TempDir(), opts)
	require.NoError(t, err)

	locator := dicomio.NewLocator(testLogger())
	l := newTestLoader(locator)

	res, err := l.Load(study.CTDir, study.MRDirs[0], study.StructurePath)
	require.NoError(t, err)
	assert.Equal(t, len(opts.CTPositions), res.Reference.Depth)
	assert.Equal(t, 0, res.StartIndex)
	assert.Equal(t, 8, res.Auxiliary[0].Width)
}
