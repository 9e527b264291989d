package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thesyncim/ndi"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show ndictl and engine versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ndictl version %s\n", version)
		return withRuntime(cmd.Context(), func(_ context.Context, rt *ndi.Runtime) error {
			fmt.Fprintf(out, "engine: %s\n", rt.Version())
			fmt.Fprintf(out, "supported CPU: %t\n", rt.IsSupportedCPU())
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
