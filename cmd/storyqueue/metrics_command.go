package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newMetricsCommand(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(*server)

			var snapshot map[string]int64
			if err := api.getJSON("/metrics", &snapshot); err != nil {
				return err
			}

			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)

			rows := make([][]string, len(keys))
			for i, k := range keys {
				rows[i] = []string{k, fmt.Sprintf("%d", snapshot[k])}
			}
			renderRows(cmd.OutOrStdout(), []string{"COUNTER", "VALUE"}, rows)
			return nil
		},
	}
}
