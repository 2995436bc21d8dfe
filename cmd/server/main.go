package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/christopherjohns/noticeboard/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "noticeboard",
		Short:         "Presence-aware notification broadcast server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	config.Flags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP and WebSocket server (default)",
			RunE:  runServe,
		},
		newSeedCmd(),
		newHealthCmd(),
	)
	return root
}
