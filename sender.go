package ndi

import (
	"context"
	"fmt"
	"time"
)

// SenderOptions configures a sender.
type SenderOptions struct {
	Name   string   // advertised stream name, required
	Groups []string // groups to advertise in (default: public)

	// ClockVideo and ClockAudio let the engine pace sends to each frame's
	// declared rate. A fully clocked sender needs no external rate limiting.
	ClockVideo bool
	ClockAudio bool
}

// Sender advertises a source and transmits frames to every connected
// receiver.
//
// A frame passed to a send call is borrowed until that call returns (or its
// future resolves): the caller must not modify the buffer before then, and
// may reuse it freely afterwards.
type Sender struct {
	*sessionCore
	handle SenderHandle
	opts   SenderOptions
}

// Send creates a sender session.
func (rt *Runtime) Send(opts SenderOptions) (*Sender, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: sender name is required", ErrInvalidConfig)
	}
	s := &Sender{sessionCore: newSessionCore(rt, SessionSender), opts: opts}
	err := rt.open(func() error {
		h, err := rt.engine.NewSender(SenderConfig(opts))
		if err != nil {
			return fmt.Errorf("%w: create sender %q: %w", ErrEngineUnavailable, opts.Name, err)
		}
		s.handle = h
		rt.track(s)
		s.activate()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("sender created", "name", opts.Name,
		"clock_video", opts.ClockVideo, "clock_audio", opts.ClockAudio)
	return s, nil
}

// Name returns the requested stream name.
func (s *Sender) Name() string { return s.opts.Name }

// Clocked reports whether the engine paces both video and audio.
func (s *Sender) Clocked() bool { return s.opts.ClockVideo && s.opts.ClockAudio }

// SendVideoAsync validates v and dispatches it. Shape errors are returned
// directly and nothing is dispatched.
func (s *Sender) SendVideoAsync(v *VideoFrame) (*Future[struct{}], error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return s.send("video", FrameKindVideo, func() error { return s.handle.SendVideo(v) }), nil
}

// SendVideo transmits v and returns once the engine is done with its
// buffer. ctx is consulted only before the frame is dispatched: a send that
// has started always runs to completion so the buffer is never released
// underneath the engine.
func (s *Sender) SendVideo(ctx context.Context, v *VideoFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := s.SendVideoAsync(v)
	if err != nil {
		return err
	}
	_, err = f.Result()
	return err
}

// SendAudioAsync validates a and dispatches it.
func (s *Sender) SendAudioAsync(a *AudioFrame) (*Future[struct{}], error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return s.send("audio", FrameKindAudio, func() error { return s.handle.SendAudio(a) }), nil
}

// SendAudio transmits a with the same buffer rules as SendVideo.
func (s *Sender) SendAudio(ctx context.Context, a *AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := s.SendAudioAsync(a)
	if err != nil {
		return err
	}
	_, err = f.Result()
	return err
}

// SendMetadataAsync dispatches a metadata frame.
func (s *Sender) SendMetadataAsync(m *MetadataFrame) *Future[struct{}] {
	if m == nil {
		return resolvedFuture(struct{}{}, fmt.Errorf("%w: nil metadata frame", ErrInvalidFrame))
	}
	return s.send("metadata", FrameKindMetadata, func() error { return s.handle.SendMetadata(m) })
}

// SendMetadata transmits m.
func (s *Sender) SendMetadata(ctx context.Context, m *MetadataFrame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.SendMetadataAsync(m).Result()
	return err
}

func (s *Sender) send(op string, kind FrameKind, fn func() error) *Future[struct{}] {
	return dispatch(s.d, op, func(context.Context) (struct{}, error) {
		if err := fn(); err != nil {
			return struct{}{}, fmt.Errorf("%w: send %s: %w", ErrTransportRejected, kind, err)
		}
		s.rt.metrics.frameSent(kind)
		return struct{}{}, nil
	})
}

// Connections returns the number of receivers connected right now.
func (s *Sender) Connections() (int, error) {
	return call(s.d, "connections", func() int { return s.handle.Connections(0) })
}

// WaitForConnections blocks until at least one receiver is connected,
// timeout elapses, or ctx is done. It returns the count seen last.
func (s *Sender) WaitForConnections(ctx context.Context, timeout time.Duration) (int, error) {
	return dispatch(s.d, "connections", func(ctx context.Context) (int, error) {
		var n int
		_, err := sliced(ctx, timeout, s.rt.bridge.slice, func(d time.Duration) bool {
			n = s.handle.Connections(d)
			return n > 0
		})
		if err != nil {
			return n, s.d.lifecycleErr("connections", ErrDestroyed)
		}
		return n, nil
	}).Wait(ctx)
}

// SourceName returns the full name the sender is advertised under.
func (s *Sender) SourceName() (string, error) {
	return call(s.d, "source_name", s.handle.SourceName)
}

// Destroy cancels queued sends, waits for the one in flight, and releases
// the engine handle.
func (s *Sender) Destroy() error {
	return s.destroy(func() error {
		s.handle.Destroy()
		return nil
	})
}
