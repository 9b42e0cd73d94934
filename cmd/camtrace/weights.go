package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newWeightsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "weights",
		Short: "Print the effective artifact weight table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.load(cmd)
			if err != nil {
				return err
			}

			types := make([]string, 0, len(cfg.Weights))
			for t := range cfg.Weights {
				types = append(types, t)
			}
			// Heaviest first, ties by name.
			sort.Slice(types, func(i, j int) bool {
				wi, wj := cfg.Weights[types[i]], cfg.Weights[types[j]]
				if wi != wj {
					return wi > wj
				}
				return types[i] < types[j]
			})

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "EVENT TYPE\tWEIGHT")
			for _, t := range types {
				fmt.Fprintf(tw, "%s\t%.2f\n", t, cfg.Weights[t])
			}
			return tw.Flush()
		},
	}
}
