package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Thunderblok/thunderline-sub015/pkg/engine"
)

var algorithmsCmd = &cobra.Command{
	Use:   "algorithms",
	Short: "List the available rule presets",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := engine.NewManager(nil)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tRULES")
		for _, r := range mgr.AvailableAlgorithms() {
			fmt.Fprintf(w, "%s\t%s\n", r.Name, r.Key())
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(algorithmsCmd)
}
