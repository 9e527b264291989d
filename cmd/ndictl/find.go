package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/thesyncim/ndi"
)

var findWait time.Duration

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "List sources on the network",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *ndi.Runtime) error {
			f, err := rt.Find(finderOptions())
			if err != nil {
				return err
			}
			defer f.Destroy()

			// Keep waiting while the list is still changing.
			deadline := time.Now().Add(findWait)
			for {
				left := time.Until(deadline)
				if left <= 0 {
					break
				}
				if _, err := f.Wait(ctx, left); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}

			srcs, err := f.Sources()
			if err != nil {
				return err
			}
			if len(srcs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sources found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS")
			for _, s := range srcs {
				fmt.Fprintf(w, "%s\t%s\n", s.Name, s.Address)
			}
			return w.Flush()
		})
	},
}

func init() {
	findCmd.Flags().DurationVar(&findWait, "wait", 2*time.Second, "how long to collect announcements")
	rootCmd.AddCommand(findCmd)
}
