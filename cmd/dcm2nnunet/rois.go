package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/dicomio"
	"dcm2nnunet/pkg/labels"
	"dcm2nnunet/pkg/rtstruct"
)

var roisCmd = &cobra.Command{
	Use:   "rois <reference-dir> <structure-file>",
	Short: "List the ROIs of a structure set and the category each one maps to",
	Args:  cobra.ExactArgs(2),
	RunE:  runROIs,
}

func init() {
	rootCmd.AddCommand(roisCmd)
}

func runROIs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	series, err := dicomio.NewLocator(logger).Locate(args[0])
	if err != nil {
		return err
	}
	set, err := rtstruct.Load(series, args[1])
	if err != nil {
		return err
	}

	categories, err := labels.LoadCategoryMap(cfg.Dataset.CategoryMapFile)
	if err != nil {
		return err
	}
	selected, err := labels.ReadSelectedROINames(cfg.Dataset.CategoryMapFile)
	if err != nil {
		return err
	}
	listed := make(map[string]bool, len(selected))
	for _, name := range selected {
		listed[name] = true
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROI\tCATEGORY\tVOXELS")
	for _, name := range set.ROINames() {
		category := "-"
		if listed[name] {
			category = categories[name]
		}
		voxels := 0
		if mask, err := set.Mask(name); err == nil {
			voxels = mask.Count()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", name, category, voxels)
	}
	return tw.Flush()
}
