package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/phantom"
)

// categoryMap maps the synthetic ROI names onto the preset categories
const categoryMap = `GTVp GTV
GTV nd L GTVnd
`

var synthCmd = &cobra.Command{
	Use:   "synth <root>",
	Short: "Write synthetic CT/MR/RTSTRUCT studies for trying out the converter",
	Long: `Writes one small phantom study per patient below <root>/npc in the layout
the default configuration expects, plus a matching label_target.txt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("patients")
		root := args[0]
		for i := 1; i <= n; i++ {
			study, err := phantom.WriteStudy(root, phantom.DefaultStudyOptions(fmt.Sprintf("P%03d", i)))
			if err != nil {
				return err
			}
			fmt.Printf("Wrote study %s\n", study.CaseDir)
		}
		path := filepath.Join(root, "label_target.txt")
		if err := os.WriteFile(path, []byte(categoryMap), 0644); err != nil {
			return fmt.Errorf("error writing category map: %w", err)
		}
		fmt.Printf("Category map written to: %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(synthCmd)
	synthCmd.Flags().Int("patients", 2, "Number of synthetic patients")
}
