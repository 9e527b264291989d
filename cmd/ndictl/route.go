package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thesyncim/ndi"
)

var routeName string

var routeCmd = &cobra.Command{
	Use:   "route <upstream-name>",
	Short: "Advertise a router bound to an upstream source",
	Long: `route advertises a virtual source and forwards the named upstream to it
until interrupted. Receivers of the router stay connected if the upstream
disappears.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *ndi.Runtime) error {
			up, err := rt.FindSource(ctx, finderOptions(), ndi.NameContains(args[0]),
				ndi.DiscoverOptions{Timeout: cfg.Finder.Timeout})
			if err != nil {
				return err
			}

			r, err := rt.Routing(ndi.RouterOptions{Name: routeName, Groups: cfg.Sender.Groups})
			if err != nil {
				return err
			}
			defer r.Destroy()

			if err := changeRoute(ctx, r, up); err != nil {
				return err
			}
			name, _ := r.SourceName()
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", up.Name, name)

			<-ctx.Done()
			_, err = r.Clear(context.Background())
			return err
		})
	},
}

// changeRoute points r at up and turns a refused target into an error.
func changeRoute(ctx context.Context, r *ndi.Router, up ndi.Source) error {
	ok, err := r.Change(ctx, up)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: route to %s", ndi.ErrTransportRejected, up.Name)
	}
	return nil
}

func init() {
	routeCmd.Flags().StringVar(&routeName, "name", "ndictl-router", "stream name of the router")
	rootCmd.AddCommand(routeCmd)
}
