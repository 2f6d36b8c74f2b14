package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/config"
)

var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if len(args) > 0 {
			path = args[0]
		}

		cfg := config.DefaultConfig()
		if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
			if err := cfg.ApplyPreset(mode); err != nil {
				return err
			}
		}
		if err := config.SaveConfig(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Configuration written to: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initConfigCmd)
	initConfigCmd.Flags().String("mode", "", "Preset to write (ct2d, ct3d, ctraw, multimodal2d, multimodal3d)")
}
