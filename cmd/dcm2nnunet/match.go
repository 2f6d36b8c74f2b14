package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dcm2nnunet/pkg/dicomio"
	"dcm2nnunet/pkg/pipeline"
)

var matchCmd = &cobra.Command{
	Use:   "match <reference-dir> <auxiliary-dir>",
	Short: "Print the slice correspondence between two series",
	Args:  cobra.ExactArgs(2),
	RunE:  runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)
}

func runMatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	matcher := pipeline.NewMatcher(cfg, dicomio.NewLocator(logger), logger)
	c, err := matcher.MatchDirs(args[0], args[1])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REF\tREFERENCE\tAUX\tAUXILIARY\tDISTANCE")
	for _, m := range c.Matches() {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%.2f\n", m.ReferenceIndex, m.Reference, m.AuxiliaryIndex, m.Auxiliary, m.Distance)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("%d matched slices\n", c.Len())
	return nil
}
