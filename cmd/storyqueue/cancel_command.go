package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"storyqueue/internal/models"
)

func newCancelCommand(server *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(*server)

			var out struct {
				Cancelled bool            `json:"cancelled"`
				Job       *models.JobView `json:"job"`
			}
			if err := api.postJSON("/jobs/"+args[0]+"/cancel", nil, &out); err != nil {
				return err
			}

			if out.Cancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s cancelled\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s is running; cancellation requested\n", args[0])
			}
			return nil
		},
	}
}
