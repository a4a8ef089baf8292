package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string
	var serverFlag string

	rootCmd := &cobra.Command{
		Use:           "storyqueue",
		Short:         "Story generation job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "storyqueue.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "http://localhost:8080", "Base URL of a running storyqueue server")

	rootCmd.AddCommand(newServeCommand(&configFlag))
	rootCmd.AddCommand(newEnqueueCommand(&serverFlag))
	rootCmd.AddCommand(newStatusCommand(&serverFlag))
	rootCmd.AddCommand(newListCommand(&serverFlag))
	rootCmd.AddCommand(newCancelCommand(&serverFlag))
	rootCmd.AddCommand(newMetricsCommand(&serverFlag))

	return rootCmd
}
