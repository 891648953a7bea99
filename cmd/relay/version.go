package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// 由 -ldflags "-X main.version=..." 注入。
var (
	version = "dev"
	commit  = "none"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "relay %s (%s) %s\n", version, commit, runtime.Version())
			return err
		},
	}
}
