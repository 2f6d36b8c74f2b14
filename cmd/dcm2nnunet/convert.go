package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/pipeline"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert every case of a study tree into a dataset",
	Long: `Discovers the cases below the data directory, converts them with the
selected mode (ct2d, ct3d, ctraw, multimodal2d, multimodal3d) and writes
dataset.json. Cases that cannot be read are skipped with a warning.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().String("mode", "", "Conversion mode; selects the channel/category preset")
	convertCmd.Flags().String("data-dir", "", "Root of the raw study tree")
	convertCmd.Flags().String("out", "", "Dataset output directory")
	convertCmd.Flags().Int("workers", 0, "Number of cases converted concurrently")
	convertCmd.Flags().Bool("clean", false, "Remove the output directory first")
	convertCmd.Flags().String("preview-dir", "", "Write registration previews to this directory")
	convertCmd.Flags().Bool("no-progress", false, "Disable the progress bar")
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		mode, _ := flags.GetString("mode")
		if err := cfg.ApplyPreset(mode); err != nil {
			return err
		}
	}
	if flags.Changed("data-dir") {
		cfg.Dataset.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("out") {
		cfg.Output.Dir, _ = flags.GetString("out")
	}
	if flags.Changed("workers") {
		cfg.Processing.NumWorkers, _ = flags.GetInt("workers")
	}
	if flags.Changed("clean") {
		cfg.Output.Clean, _ = flags.GetBool("clean")
	}
	if flags.Changed("preview-dir") {
		cfg.Output.PreviewDir, _ = flags.GetString("preview-dir")
	}

	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	var opts []pipeline.Option
	if noProgress, _ := flags.GetBool("no-progress"); !noProgress {
		bar := pb.New(0)
		bar.SetWriter(os.Stderr)
		bar.Start()
		defer bar.Finish()
		opts = append(opts, pipeline.WithProgress(bar))
	}

	converter, err := pipeline.NewConverter(cfg, logger, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	summary, err := converter.Process(ctx)
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}

	fmt.Printf("\nConversion completed in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Printf("Mode: %s\n", cfg.Dataset.Mode)
	fmt.Printf("Cases: %d converted, %d skipped of %d\n", summary.Converted, summary.Skipped, summary.Cases)
	fmt.Printf("Training samples: %d\n", summary.NumTraining)
	fmt.Printf("Dataset written to: %s\n", cfg.Output.Dir)
	return nil
}
