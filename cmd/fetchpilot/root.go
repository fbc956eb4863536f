package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fetchpilot",
		Short: "Copilot agent that builds and runs HTTP requests",
		Long: `fetchpilot is a GitHub Copilot agent extension. It turns chat messages into
HTTP requests, asks the user to confirm each one, and runs confirmed requests
against public destinations only.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newCheckHostCmd())
	return root
}
