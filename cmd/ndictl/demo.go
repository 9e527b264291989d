package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/ndi"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run two senders, a router and a receiver on the loopback engine",
	Long: `demo sends two test patterns of different sizes, routes the first to a
receiver, switches the router to the second, and prints what the receiver
saw before and after the switch. It always uses the loopback engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg.Loopback = true
		cfg.Finder.ShowLocalSources = true
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *ndi.Runtime) error {
			return runDemo(ctx, cmd.OutOrStdout(), rt)
		})
	},
}

func runDemo(ctx context.Context, out io.Writer, rt *ndi.Runtime) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	srcs := make([]ndi.Source, 2)
	for i, size := range [][2]int{{64, 36}, {128, 72}} {
		s, err := rt.Send(ndi.SenderOptions{Name: fmt.Sprintf("demo-%d", i+1), ClockVideo: true})
		if err != nil {
			return err
		}
		defer s.Destroy()

		pcfg := ndi.DefaultTestPatternConfig()
		pcfg.Width, pcfg.Height = size[0], size[1]
		pcfg.Pattern = ndi.PatternMovingBox
		g.Go(func() error {
			_, err := ndi.Pump(gctx, s, ndi.PumpConfig{Pattern: pcfg})
			return err
		})
	}
	for i := range srcs {
		src, err := rt.FindSource(ctx, finderOptions(), ndi.StreamIs(fmt.Sprintf("demo-%d", i+1)), ndi.DiscoverOptions{})
		if err != nil {
			return err
		}
		srcs[i] = src
	}

	router, err := rt.Routing(ndi.RouterOptions{Name: "demo-router"})
	if err != nil {
		return err
	}
	defer router.Destroy()
	if err := changeRoute(ctx, router, srcs[0]); err != nil {
		return err
	}
	routed, err := router.SourceName()
	if err != nil {
		return err
	}

	recv, err := rt.Receive(ndi.ReceiverOptions{Source: ndi.Source{Name: routed}, NoAudio: true})
	if err != nil {
		return err
	}
	defer recv.Destroy()

	g.Go(func() error {
		defer cancel()
		for i, src := range srcs {
			if i > 0 {
				if err := changeRoute(gctx, router, src); err != nil {
					return err
				}
			}
			v, err := waitVideo(gctx, recv, func(v *ndi.VideoFrame) bool { return v.Width == 64*(i+1) })
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s via %s: video %dx%d\n", src.Name, routed, v.Width, v.Height)
		}
		return nil
	})
	return g.Wait()
}

// waitVideo captures video until ok accepts a frame, returning a copy of it.
func waitVideo(ctx context.Context, r *ndi.Receiver, ok func(*ndi.VideoFrame) bool) (*ndi.VideoFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for {
		v, err := r.Video(ctx, 500*time.Millisecond)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		match := ok(v)
		c := v.Clone()
		if err := v.Release(); err != nil {
			return nil, err
		}
		if match {
			return c, nil
		}
	}
}

func init() {
	rootCmd.AddCommand(demoCmd)
}
