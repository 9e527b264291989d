package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thesyncim/ndi"
)

var (
	sendName    string
	sendFPS     string
	sendWidth   int
	sendHeight  int
	sendPattern string
	sendAudio   bool
	sendFrames  int64
)

var patterns = map[string]ndi.PatternType{
	"bars":     ndi.PatternColorBars,
	"gradient": ndi.PatternGradient,
	"checker":  ndi.PatternCheckerboard,
	"solid":    ndi.PatternSolidColor,
	"box":      ndi.PatternMovingBox,
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Advertise a source and send a test pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		pcfg, err := patternConfig(cmd)
		if err != nil {
			return err
		}
		name := cfg.Sender.Name
		if cmd.Flags().Changed("name") {
			name = sendName
		}

		return withRuntime(cmd.Context(), func(ctx context.Context, rt *ndi.Runtime) error {
			s, err := rt.Send(ndi.SenderOptions{
				Name:       name,
				Groups:     cfg.Sender.Groups,
				ClockVideo: cfg.Sender.Clock,
			})
			if err != nil {
				return err
			}
			defer s.Destroy()

			if full, err := s.SourceName(); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "sending as %s (%dx%d @ %s)\n", full, pcfg.Width, pcfg.Height, pcfg.Rate)
			}
			stats, err := ndi.Pump(ctx, s, ndi.PumpConfig{Pattern: pcfg, Audio: sendAudio, Frames: sendFrames})
			slog.Info("send finished", "video", stats.Video, "audio", stats.Audio)
			return err
		})
	},
}

func patternConfig(cmd *cobra.Command) (ndi.TestPatternConfig, error) {
	pcfg := ndi.DefaultTestPatternConfig()
	pcfg.Width, pcfg.Height = cfg.Sender.Width, cfg.Sender.Height
	if cmd.Flags().Changed("width") {
		pcfg.Width = sendWidth
	}
	if cmd.Flags().Changed("height") {
		pcfg.Height = sendHeight
	}

	fps := cfg.Sender.FPS
	if cmd.Flags().Changed("fps") {
		fps = sendFPS
	}
	rate, err := ndi.ParseFrameRate(fps)
	if err != nil {
		return pcfg, err
	}
	pcfg.Rate = rate

	p, ok := patterns[strings.ToLower(sendPattern)]
	if !ok {
		return pcfg, fmt.Errorf("unknown pattern %q", sendPattern)
	}
	pcfg.Pattern = p
	return pcfg, nil
}

func init() {
	sendCmd.Flags().StringVar(&sendName, "name", "", "stream name to advertise")
	sendCmd.Flags().StringVar(&sendFPS, "fps", "", "frame rate as N/D or N (default from config, 30/1)")
	sendCmd.Flags().IntVar(&sendWidth, "width", 0, "frame width")
	sendCmd.Flags().IntVar(&sendHeight, "height", 0, "frame height")
	sendCmd.Flags().StringVar(&sendPattern, "pattern", "bars", "bars, gradient, checker, solid or box")
	sendCmd.Flags().BoolVar(&sendAudio, "audio", false, "send a 1 kHz tone alongside video")
	sendCmd.Flags().Int64Var(&sendFrames, "frames", 0, "stop after this many frames (0 runs until interrupted)")
	rootCmd.AddCommand(sendCmd)
}
