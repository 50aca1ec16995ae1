package main

import (
	"os"

	"github.com/spf13/cobra"

	"videoflow/internal/client"
)

const defaultServer = "http://localhost:8080"

func newRootCommand() *cobra.Command {
	var server string

	newClient := func() *client.Client {
		return client.New(server)
	}

	rootCmd := &cobra.Command{
		Use:           "videoctl",
		Short:         "Manage videoflow workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	def := os.Getenv("VIDEOFLOW_SERVER")
	if def == "" {
		def = defaultServer
	}
	rootCmd.PersistentFlags().StringVar(&server, "server", def, "videoflow API base URL (env VIDEOFLOW_SERVER)")

	rootCmd.AddCommand(newStartCommand(newClient))
	rootCmd.AddCommand(newStatusCommand(newClient))
	rootCmd.AddCommand(newListCommand(newClient))
	rootCmd.AddCommand(newDecisionCommand(newClient, "approve", "Approved"))
	rootCmd.AddCommand(newDecisionCommand(newClient, "reject", "Rejected"))

	return rootCmd
}
