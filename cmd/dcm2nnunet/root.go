package main

import (
	"fmt"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/config"
	"dcm2nnunet/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "dcm2nnunet",
	Short: "Convert DICOM CT/MR studies into nnU-Net training datasets",
	Long: `dcm2nnunet matches MR slices to CT slices by position, registers the MR
volumes onto the CT grid, rasterizes RT structure sets into label maps and
writes imagesTr, labelsTr and dataset.json.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().String("config", "config.yaml", "Configuration file (defaults apply when missing)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// loadConfig reads --config and applies --verbose
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Output.Verbose = true
	}
	return cfg, nil
}

// newLogger returns the terminal logger, teeing into Output.LogFile when set
func newLogger(cfg *config.Config) (log.Interface, io.Closer, error) {
	return logging.NewWithFile(os.Stderr, cfg.Output.LogFile, cfg.Output.Verbose)
}
