package main

import (
	"context"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "tagwatch",
	DisableAutoGenTag: true,
	SilenceErrors:     true,
	SilenceUsage:      true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

func Execute(ctx context.Context) error {
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd.ExecuteContext(ctx)
}
