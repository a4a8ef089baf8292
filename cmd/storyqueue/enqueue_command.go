package main

import (
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"storyqueue/internal/models"
)

func newEnqueueCommand(server *string) *cobra.Command {
	var (
		genre       string
		length      string
		priority    int
		delay       time.Duration
		maxAttempts int
		clientID    string
		wait        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "enqueue <prompt>",
		Short: "Submit a story-generation job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api := newAPIClient(*server)

			req := models.SubmitRequest{
				ClientID: clientID,
				Prompt:   args[0],
				Genre:    genre,
				Length:   length,
				Priority: priority,
				DelayMs:  delay.Milliseconds(),
			}
			if maxAttempts > 0 {
				req.MaxAttempts = &maxAttempts
			}

			var view models.JobView
			if err := api.postJSON("/jobs", req, &view); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s queued\n", view.ID)

			if wait <= 0 {
				return nil
			}
			return waitAndPrint(cmd, api, view.ID, wait)
		},
	}

	cmd.Flags().StringVar(&genre, "genre", "", "Story genre")
	cmd.Flags().StringVar(&length, "length", "", "Story length (short, medium, long)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Scheduling priority, higher runs first")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Hold the job back for this long")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Override the attempt cap")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client identifier for rate limiting")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for the result")

	return cmd
}

func waitAndPrint(cmd *cobra.Command, api *apiClient, id string, timeout time.Duration) error {
	out := cmd.OutOrStdout()
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			fmt.Fprintf(out, "job %s still running; check later with: storyqueue status %s\n", id, id)
			return nil
		}
		if remaining < time.Second {
			remaining = time.Second
		}

		var view models.JobView
		path := fmt.Sprintf("/jobs/%s/wait?timeout=%s", id, url.QueryEscape(remaining.Round(time.Second).String()))
		if err := api.getJSON(path, &view); err != nil {
			return err
		}
		if !view.Status.Terminal() {
			continue
		}
		printJobView(out, &view)
		return nil
	}
}
