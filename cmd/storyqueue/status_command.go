package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"storyqueue/internal/models"
)

func newStatusCommand(server *string) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(*server)
			id := args[0]

			if wait > 0 {
				return waitAndPrint(cmd, api, id, wait)
			}

			var view models.JobView
			if err := api.getJSON("/jobs/"+id, &view); err != nil {
				return err
			}
			printJobView(cmd.OutOrStdout(), &view)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the job to finish")
	return cmd
}

func printJobView(out io.Writer, view *models.JobView) {
	fmt.Fprintf(out, "id:       %s\n", view.ID)
	fmt.Fprintf(out, "status:   %s\n", view.Status)
	fmt.Fprintf(out, "attempts: %d\n", view.Attempts)
	if view.Error != "" {
		fmt.Fprintf(out, "error:    %s\n", view.Error)
	}
	if view.Result != "" {
		fmt.Fprintf(out, "\n%s\n", view.Result)
	}
}
