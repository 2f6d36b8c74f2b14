package dataset

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/disintegration/imaging"

	"dcm2nnunet/internal/models"
	"dcm2nnunet/pkg/nifti"
)

const (
	ImagesDir = "imagesTr"
	LabelsDir = "labelsTr"
)

// ErrChannelCount is returned when a sample does not carry one image per channel
var ErrChannelCount = errors.New("sample channel count does not match manifest")

// ErrNotPlanar is returned when a PNG dataset receives a multi-slice sample
var ErrNotPlanar = errors.New("PNG samples must hold a single slice")

// Sample is one training case: an image per channel and the label map on the same grid
type Sample struct {
	PatientID string
	Images    []*models.Volume
	Labels    *models.LabelMap
}

// Writer stores samples and tracks the training count. It is safe for
// concurrent use.
type Writer struct {
	dir      string
	imageDT  nifti.Datatype
	logger   log.Interface
	manifest Manifest

	mu  sync.Mutex
	seq int
}

// Option configures a Writer
type Option func(*Writer)

// WithImageDatatype sets the NIfTI datatype used for image channels
func WithImageDatatype(dt nifti.Datatype) Option {
	return func(w *Writer) { w.imageDT = dt }
}

// NewWriter creates dir/imagesTr and dir/labelsTr. With clean set, dir is
// emptied first.
func NewWriter(dir string, manifest Manifest, clean bool, logger log.Interface, opts ...Option) (*Writer, error) {
	if clean {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("error cleaning output directory: %w", err)
		}
	}
	for _, sub := range []string{ImagesDir, LabelsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("error creating output directory: %w", err)
		}
	}
	manifest.NumTraining = 0
	w := &Writer{dir: dir, imageDT: nifti.Float32, logger: logger, manifest: manifest}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Dir returns the dataset directory
func (w *Writer) Dir() string {
	return w.dir
}

// ImagePath returns the file name of channel of case number num
func (w *Writer) ImagePath(patientID string, num, channel int) string {
	name := fmt.Sprintf("%s_%d_%04d%s", patientID, num, channel, w.manifest.FileEnding)
	return filepath.Join(w.dir, ImagesDir, name)
}

// LabelPath returns the label file name of case number num
func (w *Writer) LabelPath(patientID string, num int) string {
	name := fmt.Sprintf("%s_%d%s", patientID, num, w.manifest.FileEnding)
	return filepath.Join(w.dir, LabelsDir, name)
}

func (w *Writer) next() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.seq
	w.seq++
	return n
}

// Write stores s under the next case number and returns that number
func (w *Writer) Write(s Sample) (int, error) {
	if len(s.Images) != len(w.manifest.Channels) {
		return 0, fmt.Errorf("%w: %d images, %d channels", ErrChannelCount, len(s.Images), len(w.manifest.Channels))
	}
	png := strings.EqualFold(w.manifest.FileEnding, ".png")
	if png {
		for _, img := range s.Images {
			if img.Depth != 1 {
				return 0, ErrNotPlanar
			}
		}
	}

	num := w.next()
	for c, img := range s.Images {
		path := w.ImagePath(s.PatientID, num, c)
		var err error
		if png {
			err = imaging.Save(grayImage(img.SliceAt(0), img.Width, img.Height), path)
		} else {
			err = nifti.WriteFile(path, nifti.FromVolume(img, w.imageDT))
		}
		if err != nil {
			return 0, fmt.Errorf("error writing image %s: %w", path, err)
		}
	}

	path := w.LabelPath(s.PatientID, num)
	var err error
	if png {
		err = imaging.Save(labelImage(s.Labels), path)
	} else {
		ref := s.Images[0]
		err = nifti.WriteFile(path, nifti.FromLabels(s.Labels, ref.Spacing, ref.Origin))
	}
	if err != nil {
		return 0, fmt.Errorf("error writing labels %s: %w", path, err)
	}

	w.mu.Lock()
	w.manifest.NumTraining++
	w.mu.Unlock()
	w.logger.WithFields(log.Fields{"patient_id": s.PatientID, "case": num}).Debug("sample written")
	return num, nil
}

// NumTraining returns the number of samples written so far
func (w *Writer) NumTraining() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest.NumTraining
}

// Close writes dataset.json
func (w *Writer) Close() error {
	w.mu.Lock()
	m := w.manifest
	w.mu.Unlock()
	if err := WriteManifest(w.dir, &m); err != nil {
		return err
	}
	w.logger.WithFields(log.Fields{"dir": w.dir, "numTraining": m.NumTraining}).Info("dataset manifest written")
	return nil
}

func grayImage(pixels []float64, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i, v := range pixels {
		switch {
		case v <= 0:
			img.Pix[i] = 0
		case v >= 255:
			img.Pix[i] = 255
		default:
			img.Pix[i] = uint8(v)
		}
	}
	return img
}

func labelImage(l *models.LabelMap) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, l.Width, l.Height))
	copy(img.Pix, l.SliceAt(0))
	return img
}
