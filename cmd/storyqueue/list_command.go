package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"storyqueue/internal/models"
)

func newListCommand(server *string) *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(*server)

			var views []models.JobView
			path := fmt.Sprintf("/jobs?status=%s&limit=%d", url.QueryEscape(status), limit)
			if err := api.getJSON(path, &views); err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no %s jobs\n", status)
				return nil
			}

			rows := make([][]string, len(views))
			for i, v := range views {
				detail := v.Error
				if detail == "" && v.Result != "" {
					detail = truncate(v.Result, 40)
				}
				rows[i] = []string{
					v.ID,
					string(v.Status),
					fmt.Sprintf("%d", v.Attempts),
					v.CreatedAt.Local().Format(time.DateTime),
					detail,
				}
			}
			renderRows(cmd.OutOrStdout(),
				[]string{"ID", "STATUS", "ATTEMPTS", "CREATED", "DETAIL"}, rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "queued", "Job status to list")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum jobs to show")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
