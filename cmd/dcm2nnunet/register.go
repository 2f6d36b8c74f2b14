package main

import (
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/dicomio"
	"dcm2nnunet/pkg/nifti"
	"dcm2nnunet/pkg/pipeline"
	"dcm2nnunet/pkg/visualization"
)

var registerCmd = &cobra.Command{
	Use:   "register <reference-dir> <structure-file> <auxiliary-dir>...",
	Short: "Register auxiliary series onto a reference series",
	Long: `Matches every auxiliary series against the reference series, registers
the matched volumes and writes the reference and registered volumes as NIfTI
together with checkerboard previews.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runRegister,
}

func init() {
	rootCmd.AddCommand(registerCmd)

	registerCmd.Flags().String("out", "registered", "Output directory")
	registerCmd.Flags().String("method", "", "Registration method: rigid or bspline")
	registerCmd.Flags().Bool("slices", false, "Also save every registered slice as PNG")
}

func runRegister(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Output.Dir, _ = cmd.Flags().GetString("out")
	if cmd.Flags().Changed("method") {
		cfg.Registration.Method, _ = cmd.Flags().GetString("method")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	loader := pipeline.NewLoader(cfg, dicomio.NewLocator(logger), logger)
	res, err := loader.LoadAll(args[0], args[2:], args[1])
	if err != nil {
		return err
	}

	engine, engineLog, err := pipeline.NewEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer engineLog.Close()

	results, err := engine.RegisterAll(res.Reference, res.Auxiliary)
	if err != nil {
		return err
	}

	out := cfg.Output.Dir
	if err := nifti.WriteFile(filepath.Join(out, "reference.nii.gz"), nifti.FromVolume(res.Reference, nifti.Uint8)); err != nil {
		return err
	}
	for i, r := range results {
		name := fmt.Sprintf("auxiliary_%d", i+1)
		if err := nifti.WriteFile(filepath.Join(out, name+".nii.gz"), nifti.FromVolume(r.Image, nifti.Uint8)); err != nil {
			return err
		}
		if img, err := visualization.Checkerboard(res.Reference, r.Image, res.Reference.Depth/2, 16); err == nil {
			if err := visualization.SaveSlice(img, filepath.Join(out, name+"_checker.png")); err != nil {
				logger.WithError(err).Warn("checkerboard preview failed")
			}
		}

		if slices, _ := cmd.Flags().GetBool("slices"); slices {
			viewer := visualization.NewViewer(r.Image)
			if err := viewer.SaveSliceSequence("z", filepath.Join(out, name), ".png"); err != nil {
				logger.WithError(err).Warn("slice export failed")
			}
		}

		for _, st := range r.Stages {
			logger.WithFields(log.Fields{
				"series":      args[2+i],
				"stage":       st.Name,
				"metric":      st.Metric,
				"initial":     st.InitialValue,
				"final":       st.FinalValue,
				"iterations":  st.Iterations,
				"evaluations": st.FuncEvaluations,
				"status":      st.Status,
				"runtime":     st.Runtime,
			}).Info("stage finished")
		}
		q := pipeline.MeasureQuality(res.Reference, r.Image)
		fmt.Printf("%s: MI %.3f, RMSE %.3f, SSIM %.3f, entropy difference %.3f\n",
			args[2+i], q.MI, q.RMSE, q.SSIM, q.EntropyDiff)
	}

	fmt.Printf("Registered %d series over %d matched slices (start index %d)\n",
		len(results), res.Reference.Depth, res.StartIndex)
	fmt.Printf("Output written to: %s\n", out)
	return nil
}
