package main

import (
	"fmt"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/dataset"
	"dcm2nnunet/pkg/fileops"
)

var copyCmd = &cobra.Command{
	Use:   "copy",
	Short: "Import an existing NIfTI image/label collection",
	Long: `Copies images and labels matched by two globs into imagesTr and labelsTr.
Images are named after their parent directory, labels after their base name.
The label table file holds one "name id" pair per line.`,
	RunE: runCopy,
}

func init() {
	rootCmd.AddCommand(copyCmd)

	copyCmd.Flags().String("images", "", "Glob matching the image files (supports **)")
	copyCmd.Flags().String("labels", "", "Glob matching the label files (supports **)")
	copyCmd.Flags().String("label-table", "", "File listing label names and ids")
	copyCmd.Flags().StringSlice("channels", []string{"CT"}, "Channel names written to dataset.json")
	copyCmd.Flags().String("out", "", "Dataset output directory")
	copyCmd.Flags().Bool("clean", false, "Remove the output directory first")
	copyCmd.MarkFlagRequired("images")
	copyCmd.MarkFlagRequired("labels")
	copyCmd.MarkFlagRequired("out")
}

func runCopy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	flags := cmd.Flags()
	opts := fileops.CopyOptions{}
	opts.ImageGlob, _ = flags.GetString("images")
	opts.LabelGlob, _ = flags.GetString("labels")
	opts.Channels, _ = flags.GetStringSlice("channels")
	opts.OutDir, _ = flags.GetString("out")

	if table, _ := flags.GetString("label-table"); table != "" {
		if opts.Labels, err = dataset.ReadLabelTable(table); err != nil {
			return err
		}
	}
	if clean, _ := flags.GetBool("clean"); clean {
		if err := fileops.RemoveAndMakeDirs(opts.OutDir); err != nil {
			return err
		}
	}

	bar := pb.New(0)
	bar.SetWriter(os.Stderr)
	bar.Start()
	n, err := fileops.CopyDataset(opts, bar, logger)
	bar.Finish()
	if err != nil {
		return err
	}
	fmt.Printf("Copied %d image/label pairs to %s\n", n, opts.OutDir)
	return nil
}
