package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/thesyncim/ndi"
)

var (
	recvFrames  int
	recvTimeout time.Duration
	recvRGBA    bool
	recvNoAudio bool
)

var errEnough = errors.New("enough frames")

var recvCmd = &cobra.Command{
	Use:   "recv <source-name>",
	Short: "Connect to a source and print the frames it sends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *ndi.Runtime) error {
			src, err := rt.FindSource(ctx, finderOptions(), ndi.NameContains(args[0]),
				ndi.DiscoverOptions{Timeout: cfg.Finder.Timeout})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connecting to %s\n", src)

			color := ndi.ColorFormatBGRXBGRA
			if recvRGBA {
				color = ndi.ColorFormatRGBXRGBA
			}
			r, err := rt.Receive(ndi.ReceiverOptions{
				Source:      src,
				Name:        "ndictl",
				ColorFormat: color,
				NoAudio:     recvNoAudio,
			})
			if err != nil {
				return err
			}
			defer r.Destroy()

			return printFrames(ctx, cmd.OutOrStdout(), r, recvFrames, recvTimeout)
		})
	},
}

// printFrames writes one line per frame until n frames were seen (n <= 0
// means forever) or ctx ends.
func printFrames(ctx context.Context, out io.Writer, r *ndi.Receiver, n int, timeout time.Duration) error {
	seen := 0
	err := r.Run(ctx, timeout, func(fr ndi.Frame) error {
		fmt.Fprintln(out, describe(fr))
		seen++
		if n > 0 && seen >= n {
			return errEnough
		}
		return nil
	})
	if errors.Is(err, errEnough) {
		return nil
	}
	return err
}

func describe(fr ndi.Frame) string {
	switch f := fr.(type) {
	case *ndi.VideoFrame:
		return fmt.Sprintf("video %dx%d %s %s @ %s tc=%s",
			f.Width, f.Height, f.FourCC, f.Format, f.FrameRate, f.Timecode.Duration())
	case *ndi.AudioFrame:
		return fmt.Sprintf("audio %d Hz x%d %d samples tc=%s",
			f.SampleRate, f.Channels, f.Samples, f.Timecode.Duration())
	case *ndi.MetadataFrame:
		return fmt.Sprintf("metadata %d bytes: %.60s", len(f.Data), f.Data)
	}
	return "unknown frame"
}

func init() {
	recvCmd.Flags().IntVar(&recvFrames, "frames", 10, "stop after this many frames (0 runs until interrupted)")
	recvCmd.Flags().DurationVar(&recvTimeout, "timeout", time.Second, "per-capture wait")
	recvCmd.Flags().BoolVar(&recvRGBA, "rgba", false, "ask for RGBA instead of BGRA")
	recvCmd.Flags().BoolVar(&recvNoAudio, "no-audio", false, "do not receive audio")
	rootCmd.AddCommand(recvCmd)
}
