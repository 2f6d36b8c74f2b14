package pipeline

import (
	"fmt"
	"path/filepath"

	"dcm2nnunet/internal/models"
	"dcm2nnunet/pkg/labels"
	"dcm2nnunet/pkg/visualization"
)

// previewTile is the checkerboard tile size in pixels
const previewTile = 8

// preview saves a checkerboard of the reference against every registered
// channel and a label overlay, all at the middle slice. Failures are logged only.
func (r *run) preview(cs *Case, reference *models.Volume, registered []*models.Volume,
	masks map[string]*models.Mask, seriesIndices []int, width, height int) {
	dir := r.cfg.Output.PreviewDir
	if dir == "" {
		return
	}
	z := reference.Depth / 2
	logger := r.logger.WithField("patient_id", cs.PatientID)

	for i, reg := range registered {
		img, err := visualization.Checkerboard(reference, reg, z, previewTile)
		if err == nil {
			err = visualization.SaveSlice(img, filepath.Join(dir, fmt.Sprintf("%s_checker_%d.png", cs.PatientID, i+1)))
		}
		if err != nil {
			logger.WithError(err).Warn("checkerboard preview failed")
		}
	}

	lm := labels.Fuse(masks, r.cfg.Dataset.Categories, seriesIndices, width, height)
	img, err := visualization.NewViewer(reference).Overlay(lm, z, 0.4)
	if err == nil {
		err = visualization.SaveSlice(img, filepath.Join(dir, cs.PatientID+"_overlay.png"))
	}
	if err != nil {
		logger.WithError(err).Warn("overlay preview failed")
	}
}
