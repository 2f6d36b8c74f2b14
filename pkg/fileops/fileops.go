// Package fileops copies files and existing datasets into the nnU-Net layout.
package fileops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/apex/log"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/cheggaaa/pb/v3"

	"dcm2nnunet/pkg/dataset"
)

// ErrNoFiles is returned when a copy finds nothing to copy
var ErrNoFiles = errors.New("no files matched")

// CopyFile copies src to dst, creating parent directories and keeping the
// source mode and modification time. A permission error is logged and the copy
// is skipped: copied reports false and err is nil.
func CopyFile(src, dst string, logger log.Interface) (copied bool, err error) {
	defer func() {
		if err != nil && errors.Is(err, fs.ErrPermission) {
			logger.WithError(err).WithField("src", src).Warn("copy skipped")
			copied, err = false, nil
		}
	}()

	in, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("error opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return false, fmt.Errorf("error reading %s: %w", src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("error creating %s: %w", filepath.Dir(dst), err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return false, fmt.Errorf("error creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, fmt.Errorf("error copying %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("error closing %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
		return false, fmt.Errorf("error setting times on %s: %w", dst, err)
	}
	logger.WithField("src", src).Debug("copied")
	return true, nil
}

// RemoveAndMakeDirs deletes dir if present and recreates it empty
func RemoveAndMakeDirs(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("error removing %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating %s: %w", dir, err)
	}
	return nil
}

// CopyOptions describes an existing image/label collection to import
type CopyOptions struct {
	// ImageGlob matches image files; each image is named after its parent directory
	ImageGlob string

	// LabelGlob matches label files; each label is named after its base name up to the first dot
	LabelGlob string

	// Labels is the label table written to the manifest
	Labels []dataset.Label

	// Channels defaults to a single CT channel
	Channels []string

	// FileEnding defaults to .nii.gz
	FileEnding string

	OutDir string
}

// CopyDataset pairs images and labels in sorted order, copies them into
// OutDir/imagesTr and OutDir/labelsTr and writes dataset.json. It returns the
// number of copied pairs. A non-nil bar advances once per pair.
func CopyDataset(opts CopyOptions, bar *pb.ProgressBar, logger log.Interface) (int, error) {
	if len(opts.Channels) == 0 {
		opts.Channels = []string{"CT"}
	}
	if opts.FileEnding == "" {
		opts.FileEnding = ".nii.gz"
	}

	images, err := glob(opts.ImageGlob)
	if err != nil {
		return 0, err
	}
	labels, err := glob(opts.LabelGlob)
	if err != nil {
		return 0, err
	}
	if len(images) == 0 || len(labels) == 0 {
		return 0, fmt.Errorf("%w: %d images, %d labels", ErrNoFiles, len(images), len(labels))
	}
	if len(images) != len(labels) {
		logger.WithFields(log.Fields{"images": len(images), "labels": len(labels)}).Warn("image and label counts differ, extra files ignored")
	}
	n := min(len(images), len(labels))
	if bar != nil {
		bar.SetTotal(int64(n))
	}

	for _, dir := range []string{dataset.ImagesDir, dataset.LabelsDir} {
		if err := os.MkdirAll(filepath.Join(opts.OutDir, dir), 0755); err != nil {
			return 0, fmt.Errorf("error creating output directory: %w", err)
		}
	}

	copied := 0
	for i := 0; i < n; i++ {
		imageID := filepath.Base(filepath.Dir(images[i])) + "_0000" + opts.FileEnding
		labelID := strings.SplitN(filepath.Base(labels[i]), ".", 2)[0] + opts.FileEnding

		okImage, err := CopyFile(images[i], filepath.Join(opts.OutDir, dataset.ImagesDir, imageID), logger)
		if err != nil {
			return copied, err
		}
		okLabel, err := CopyFile(labels[i], filepath.Join(opts.OutDir, dataset.LabelsDir, labelID), logger)
		if err != nil {
			return copied, err
		}
		if okImage && okLabel {
			copied++
		}
		if bar != nil {
			bar.Increment()
		}
	}

	manifest := &dataset.Manifest{
		Channels:     opts.Channels,
		FileEnding:   opts.FileEnding,
		ReaderWriter: "SimpleITKIO",
		Labels:       opts.Labels,
		NumTraining:  copied,
	}
	if err := dataset.WriteManifest(opts.OutDir, manifest); err != nil {
		return copied, err
	}
	logger.WithFields(log.Fields{"pairs": copied, "out": opts.OutDir}).Info("dataset copied")
	return copied, nil
}

func glob(pattern string) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("error matching %s: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}
