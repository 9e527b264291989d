package ndi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ReceiverOptions configures a receiver.
type ReceiverOptions struct {
	Source      Source      // endpoint to connect to
	Name        string      // receiver name shown to the sender (optional)
	ColorFormat ColorFormat // requested pixel layout
	Bandwidth   Bandwidth   // default: BandwidthHighest

	// NoVideo and NoAudio turn off a kind entirely; calls for a disabled
	// kind fail with ErrKindDisabled.
	NoVideo bool
	NoAudio bool

	AllowVideoFields bool // deliver fielded video as-is instead of progressive
}

// Receiver pulls frames from one source. Video, audio and metadata waits are
// independent and may run concurrently.
//
// Every frame it returns is owned by the caller until Release. Destroy
// reclaims frames that were never released and reports them with
// ErrFramesOutstanding; slices taken from such frames must not be used
// afterwards.
type Receiver struct {
	*sessionCore
	handle ReceiverHandle
	opts   ReceiverOptions

	mu          sync.Mutex
	outstanding map[Frame]struct{}
}

// Receive creates a receiver session connected to opts.Source.
func (rt *Runtime) Receive(opts ReceiverOptions) (*Receiver, error) {
	if opts.Source.IsZero() {
		return nil, fmt.Errorf("%w: receiver source is required", ErrInvalidConfig)
	}
	if opts.NoVideo && opts.NoAudio && opts.Bandwidth == BandwidthHighest {
		opts.Bandwidth = BandwidthMetadataOnly
	} else if opts.NoVideo && opts.Bandwidth != BandwidthMetadataOnly {
		opts.Bandwidth = BandwidthAudioOnly
	}
	r := &Receiver{
		sessionCore: newSessionCore(rt, SessionReceiver),
		opts:        opts,
		outstanding: make(map[Frame]struct{}),
	}
	err := rt.open(func() error {
		h, err := rt.engine.NewReceiver(ReceiverConfig{
			Source:           opts.Source,
			Name:             opts.Name,
			ColorFormat:      opts.ColorFormat,
			Bandwidth:        opts.Bandwidth,
			AllowVideoFields: opts.AllowVideoFields,
		})
		if err != nil {
			return fmt.Errorf("%w: create receiver for %s: %w", ErrEngineUnavailable, opts.Source.Name, err)
		}
		r.handle = h
		rt.track(r)
		r.activate()
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("receiver created", "source", opts.Source.Name,
		"color_format", opts.ColorFormat, "bandwidth", opts.Bandwidth)
	return r, nil
}

// Source returns the endpoint the receiver was created for.
func (r *Receiver) Source() Source { return r.opts.Source }

func (r *Receiver) allowed(kind FrameKind) error {
	switch {
	case kind == FrameKindVideo && (r.opts.NoVideo || !r.opts.Bandwidth.Allows(kind)),
		kind == FrameKindAudio && (r.opts.NoAudio || !r.opts.Bandwidth.Allows(kind)):
		return fmt.Errorf("%w: %s", ErrKindDisabled, kind)
	}
	return nil
}

// capture waits up to timeout for a frame of kind. A nil frame with a nil
// error means nothing arrived.
func (r *Receiver) capture(ctx context.Context, op string, kind FrameKind, timeout time.Duration) (Frame, error) {
	var (
		got    Frame
		capErr error
	)
	_, err := sliced(ctx, timeout, r.rt.bridge.slice, func(d time.Duration) bool {
		fr, err := r.handle.Capture(kind, d)
		if err != nil {
			capErr = err
			return true
		}
		if fr != nil && r.wanted(kind, fr) {
			got = fr
			return true
		}
		if fr != nil {
			r.handle.Free(fr)
		}
		return false
	})
	switch {
	case capErr != nil:
		return nil, fmt.Errorf("capture %s: %w", kind, capErr)
	case got != nil:
		return r.adopt(ctx, op, got)
	case err != nil:
		return nil, r.d.lifecycleErr(op, ErrDestroyed)
	}
	r.rt.metrics.receiveTimeout(kind)
	return nil, nil
}

// wanted drops frames of a kind the caller turned off when capturing any
// kind.
func (r *Receiver) wanted(kind FrameKind, fr Frame) bool {
	if kind != FrameKindAny {
		return fr.Kind() == kind
	}
	return r.allowed(fr.Kind()) == nil
}

// adopt hands fr to the caller, or frees it if the receiver is being
// destroyed.
func (r *Receiver) adopt(ctx context.Context, op string, fr Frame) (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		r.handle.Free(fr)
		return nil, r.d.lifecycleErr(op, ErrDestroyed)
	}
	l := &lease{free: func() error { return r.release(fr) }}
	switch v := fr.(type) {
	case *VideoFrame:
		v.lease = l
	case *AudioFrame:
		v.lease = l
	case *MetadataFrame:
		v.lease = l
	}
	r.outstanding[fr] = struct{}{}
	r.rt.metrics.frameReceived(fr.Kind())
	return fr, nil
}

// release frees fr under r.mu so a concurrent Destroy cannot tear the
// handle down between the bookkeeping and the engine call.
func (r *Receiver) release(fr Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outstanding[fr]; !ok {
		// Reclaimed by Destroy.
		return ErrFrameReleased
	}
	delete(r.outstanding, fr)
	r.handle.Free(fr)
	return nil
}

// VideoAsync waits up to timeout for a video frame. The future resolves to
// nil when nothing arrived.
func (r *Receiver) VideoAsync(timeout time.Duration) *Future[*VideoFrame] {
	if err := r.allowed(FrameKindVideo); err != nil {
		return resolvedFuture[*VideoFrame](nil, err)
	}
	return dispatch(r.d, "video", func(ctx context.Context) (*VideoFrame, error) {
		fr, err := r.capture(ctx, "video", FrameKindVideo, timeout)
		if fr == nil {
			return nil, err
		}
		return fr.(*VideoFrame), err
	})
}

// Video waits up to timeout for a video frame and returns nil, nil when
// none arrived. If ctx ends first, a frame that arrives later is released
// on the caller's behalf.
func (r *Receiver) Video(ctx context.Context, timeout time.Duration) (*VideoFrame, error) {
	return awaitFrame(ctx, r.VideoAsync(timeout))
}

// AudioAsync waits up to timeout for an audio frame.
func (r *Receiver) AudioAsync(timeout time.Duration) *Future[*AudioFrame] {
	if err := r.allowed(FrameKindAudio); err != nil {
		return resolvedFuture[*AudioFrame](nil, err)
	}
	return dispatch(r.d, "audio", func(ctx context.Context) (*AudioFrame, error) {
		fr, err := r.capture(ctx, "audio", FrameKindAudio, timeout)
		if fr == nil {
			return nil, err
		}
		return fr.(*AudioFrame), err
	})
}

// Audio waits up to timeout for an audio frame.
func (r *Receiver) Audio(ctx context.Context, timeout time.Duration) (*AudioFrame, error) {
	return awaitFrame(ctx, r.AudioAsync(timeout))
}

// MetadataAsync waits up to timeout for a metadata frame.
func (r *Receiver) MetadataAsync(timeout time.Duration) *Future[*MetadataFrame] {
	return dispatch(r.d, "metadata", func(ctx context.Context) (*MetadataFrame, error) {
		fr, err := r.capture(ctx, "metadata", FrameKindMetadata, timeout)
		if fr == nil {
			return nil, err
		}
		return fr.(*MetadataFrame), err
	})
}

// Metadata waits up to timeout for a metadata frame.
func (r *Receiver) Metadata(ctx context.Context, timeout time.Duration) (*MetadataFrame, error) {
	return awaitFrame(ctx, r.MetadataAsync(timeout))
}

// CaptureAsync waits up to timeout for a frame of any enabled kind.
func (r *Receiver) CaptureAsync(timeout time.Duration) *Future[Frame] {
	return dispatch(r.d, "capture", func(ctx context.Context) (Frame, error) {
		return r.capture(ctx, "capture", FrameKindAny, timeout)
	})
}

// Capture waits up to timeout for a frame of any enabled kind; switch on
// the concrete type to demultiplex.
func (r *Receiver) Capture(ctx context.Context, timeout time.Duration) (Frame, error) {
	return awaitFrame(ctx, r.CaptureAsync(timeout))
}

func awaitFrame[F Frame](ctx context.Context, f *Future[F]) (F, error) {
	fr, err := f.Wait(ctx)
	if err != nil && errors.Is(err, ctx.Err()) {
		go func() {
			if late, _ := f.Result(); !isNilFrame(late) {
				_ = late.Release()
			}
		}()
	}
	return fr, err
}

func isNilFrame(f Frame) bool {
	switch v := f.(type) {
	case *VideoFrame:
		return v == nil
	case *AudioFrame:
		return v == nil
	case *MetadataFrame:
		return v == nil
	}
	return f == nil
}

// Run captures frames of any enabled kind until ctx is done, handing each to
// fn and releasing it when fn returns. An error from fn stops the loop.
func (r *Receiver) Run(ctx context.Context, timeout time.Duration, fn func(Frame) error) error {
	for {
		fr, err := r.Capture(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if fr == nil {
			continue
		}
		err = fn(fr)
		if rerr := fr.Release(); rerr != nil && !errors.Is(rerr, ErrFrameReleased) {
			return rerr
		}
		if err != nil {
			return err
		}
	}
}

// Outstanding returns the number of delivered frames not yet released.
func (r *Receiver) Outstanding() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outstanding)
}

// Connections returns the number of sources the receiver is connected to.
func (r *Receiver) Connections() (int, error) {
	return call(r.d, "connections", r.handle.Connections)
}

// Destroy cancels pending waits, frees any frame the caller still holds,
// and releases the engine handle. Reclaimed frames are reported with
// ErrFramesOutstanding.
func (r *Receiver) Destroy() error {
	return r.destroy(func() error {
		r.mu.Lock()
		leaked := len(r.outstanding)
		for fr := range r.outstanding {
			r.handle.Free(fr)
		}
		clear(r.outstanding)
		r.handle.Destroy()
		r.mu.Unlock()

		if leaked > 0 {
			r.log.Warn("reclaimed unreleased frames", "count", leaked)
			return fmt.Errorf("%w: %d reclaimed", ErrFramesOutstanding, leaked)
		}
		return nil
	})
}
