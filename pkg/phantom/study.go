package phantom

import (
	"fmt"
	"path/filepath"
)

// StudyOptions describes a synthetic patient
type StudyOptions struct {
	PatientID string
	Width     int
	Height    int

	// CTPositions are the CT slice locations; MR slices get the negated locations
	CTPositions []float64

	// MRSeries are the MR series directories relative to the case directory
	MRSeries []string

	// ROIs are drawn on every CT slice as squares; the first ROI named BODY covers the image
	ROIs []ROI
}

// ROI is a square region drawn on every CT slice
type ROI struct {
	Name   string
	Center [2]float64
	Half   float64
}

// Study holds the paths of a written synthetic study
type Study struct {
	CaseDir       string
	CTDir         string
	StructurePath string
	MRDirs        []string
}

// DefaultStudyOptions returns a small two-sequence study with overlapping targets
func DefaultStudyOptions(patientID string) StudyOptions {
	return StudyOptions{
		PatientID:   patientID,
		Width:       24,
		Height:      24,
		CTPositions: []float64{-160, -3, 0, 3, 6, 120},
		MRSeries:    []string{"MR/S2010", "MR/S3010"},
		ROIs: []ROI{
			{Name: "BODY", Center: [2]float64{11.5, 11.5}, Half: 11},
			{Name: "GTVp", Center: [2]float64{11, 11}, Half: 4},
			{Name: "GTV nd L", Center: [2]float64{13, 13}, Half: 4},
		},
	}
}

// WriteStudy writes a study under root/npc/<patient> in the layout of the
// source archive: CT and RTSTRUCT below 首次CT, MR series below MR.
func WriteStudy(root string, opts StudyOptions) (*Study, error) {
	caseDir := filepath.Join(root, "npc", opts.PatientID)
	seriesDir := filepath.Join(caseDir, "首次CT", "1", "1")
	study := &Study{
		CaseDir:       caseDir,
		CTDir:         filepath.Join(seriesDir, "CT"),
		StructurePath: filepath.Join(seriesDir, "RTSTRUCT", "RS.dcm"),
	}

	blob := Blob(opts.Width, opts.Height, 300)
	_, err := WriteSeries(Series{
		Dir:       study.CTDir,
		PatientID: opts.PatientID,
		Modality:  "CT",
		Width:     opts.Width,
		Height:    opts.Height,
		Positions: opts.CTPositions,
		Thickness: 3,
		Intercept: -1024,
		Pixel: func(x, y, z int) uint16 {
			return 1000 + blob(x, y, z)
		},
	})
	if err != nil {
		return nil, err
	}

	mrPositions := make([]float64, len(opts.CTPositions))
	for i, p := range opts.CTPositions {
		mrPositions[i] = -p
	}
	for i, rel := range opts.MRSeries {
		dir := filepath.Join(caseDir, rel)
		_, err := WriteSeries(Series{
			Dir:       dir,
			PatientID: opts.PatientID,
			Modality:  "MR",
			Width:     opts.Width,
			Height:    opts.Height,
			Positions: mrPositions,
			Thickness: 3,
			Pixel:     Blob(opts.Width, opts.Height, float64(600+200*i)),
		})
		if err != nil {
			return nil, fmt.Errorf("write MR series %s: %w", rel, err)
		}
		study.MRDirs = append(study.MRDirs, dir)
	}

	set := StructureSet{Path: study.StructurePath, PatientID: opts.PatientID}
	for _, roi := range opts.ROIs {
		set.ROINames = append(set.ROINames, roi.Name)
		for _, z := range opts.CTPositions {
			set.Contours = append(set.Contours, Contour{
				ROI:    roi.Name,
				Z:      z,
				Points: Square(roi.Center[0], roi.Center[1], roi.Half),
			})
		}
	}
	if err := WriteStructureSet(set); err != nil {
		return nil, err
	}
	return study, nil
}
