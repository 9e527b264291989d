package ndi

import (
	"context"
	"errors"
	"time"
)

// PumpConfig configures Pump.
type PumpConfig struct {
	Pattern TestPatternConfig
	Audio   bool  // interleave one audio block per video frame
	Frames  int64 // stop after this many frames; 0 runs until ctx ends
}

// PumpStats reports what Pump sent.
type PumpStats struct {
	Video int64
	Audio int64
}

// Pump sends test-pattern frames on s at the pattern's rate until ctx ends
// or cfg.Frames are sent. A sender clocked on video is paced by the engine,
// so Pump adds no sleep of its own.
func Pump(ctx context.Context, s *Sender, cfg PumpConfig) (PumpStats, error) {
	var stats PumpStats
	pattern := NewTestPattern(cfg.Pattern)
	rate := pattern.Config().Rate
	start := time.Now()

	s.log.Info("pump started", "width", pattern.Config().Width,
		"height", pattern.Config().Height, "rate", rate, "audio", cfg.Audio)
	defer func() {
		s.log.Info("pump stopped", "video", stats.Video, "audio", stats.Audio)
	}()

	for n := int64(0); cfg.Frames == 0 || n < cfg.Frames; n++ {
		if !s.opts.ClockVideo {
			if wait := time.Until(start.Add(rate.At(n))); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return stats, nil
				case <-t.C:
				}
			}
		}
		if ctx.Err() != nil {
			return stats, nil
		}

		if err := s.SendVideo(ctx, pattern.NextVideo()); err != nil {
			return stats, pumpErr(ctx, err)
		}
		stats.Video++

		if cfg.Audio {
			if err := s.SendAudio(ctx, pattern.NextAudio()); err != nil {
				return stats, pumpErr(ctx, err)
			}
			stats.Audio++
		}
	}
	return stats, nil
}

// pumpErr swallows the error from a send that lost a race with ctx.
func pumpErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
