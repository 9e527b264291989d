package ndi

import (
	"sync"
	"time"
)

// Engine is the native media transport. Every method blocks the calling
// goroutine; sessions dispatch the slow ones through the bridge.
//
// Initialize must succeed exactly once before any handle is created, and
// Shutdown runs only after every handle is destroyed. An engine cannot be
// initialized again after Shutdown.
type Engine interface {
	Initialize() error
	Shutdown()
	Version() string
	IsSupportedCPU() bool

	NewFinder(FinderConfig) (FinderHandle, error)
	NewSender(SenderConfig) (SenderHandle, error)
	NewReceiver(ReceiverConfig) (ReceiverHandle, error)
	NewRouter(RouterConfig) (RouterHandle, error)
}

// FinderConfig configures source discovery.
type FinderConfig struct {
	ShowLocalSources bool
	Groups           []string
	ExtraIPs         []string
}

// SenderConfig configures a sender.
type SenderConfig struct {
	Name       string
	Groups     []string
	ClockVideo bool
	ClockAudio bool
}

// ReceiverConfig configures a receiver.
type ReceiverConfig struct {
	Source           Source
	Name             string
	ColorFormat      ColorFormat
	Bandwidth        Bandwidth
	AllowVideoFields bool
}

// RouterConfig configures a routing source.
type RouterConfig struct {
	Name   string
	Groups []string
}

// FinderHandle is an engine discovery instance.
type FinderHandle interface {
	// Wait blocks until the source list changes or timeout elapses.
	Wait(timeout time.Duration) bool
	// Sources returns a copy of the current source list.
	Sources() []Source
	Destroy()
}

// SenderHandle is an engine sender instance. Send calls return once the
// engine no longer references the frame's buffer.
type SenderHandle interface {
	SendVideo(*VideoFrame) error
	SendAudio(*AudioFrame) error
	SendMetadata(*MetadataFrame) error
	Connections(timeout time.Duration) int
	SourceName() string
	Destroy()
}

// ReceiverHandle is an engine receiver instance. Capture of different kinds
// may run concurrently.
type ReceiverHandle interface {
	// Capture waits up to timeout for a frame of kind, or of any kind when
	// kind is FrameKindAny. It returns nil, nil when nothing arrived.
	Capture(kind FrameKind, timeout time.Duration) (Frame, error)
	// Free returns a captured frame's memory to the engine.
	Free(Frame)
	Connections() int
	Destroy()
}

// RouterHandle is an engine routing instance: an advertised source whose
// upstream can be switched without disconnecting its receivers.
type RouterHandle interface {
	Change(Source) bool
	Clear() bool
	Connections(timeout time.Duration) int
	SourceName() string
	Destroy()
}

// ColorFormat is the pixel layout a receiver asks the engine to deliver.
type ColorFormat int

const (
	ColorFormatBGRXBGRA ColorFormat = iota // BGRX without alpha, BGRA with
	ColorFormatUYVYBGRA                    // UYVY without alpha, BGRA with
	ColorFormatRGBXRGBA                    // RGBX without alpha, RGBA with
	ColorFormatUYVYRGBA                    // UYVY without alpha, RGBA with
	ColorFormatFastest                     // whatever decodes cheapest
	ColorFormatBest                        // highest fidelity the engine offers
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatBGRXBGRA:
		return "BGRX_BGRA"
	case ColorFormatUYVYBGRA:
		return "UYVY_BGRA"
	case ColorFormatRGBXRGBA:
		return "RGBX_RGBA"
	case ColorFormatUYVYRGBA:
		return "UYVY_RGBA"
	case ColorFormatFastest:
		return "fastest"
	case ColorFormatBest:
		return "best"
	default:
		return "unknown"
	}
}

// Bandwidth selects which streams a receiver pulls.
type Bandwidth int

const (
	BandwidthHighest      Bandwidth = iota // full-resolution video, audio and metadata
	BandwidthLowest                        // preview video, audio and metadata
	BandwidthAudioOnly                     // audio and metadata
	BandwidthMetadataOnly                  // metadata only
)

func (b Bandwidth) String() string {
	switch b {
	case BandwidthHighest:
		return "highest"
	case BandwidthLowest:
		return "lowest"
	case BandwidthAudioOnly:
		return "audio_only"
	case BandwidthMetadataOnly:
		return "metadata_only"
	default:
		return "unknown"
	}
}

// Allows reports whether streams of kind pass at this bandwidth.
func (b Bandwidth) Allows(kind FrameKind) bool {
	switch kind {
	case FrameKindVideo:
		return b == BandwidthHighest || b == BandwidthLowest
	case FrameKindAudio:
		return b != BandwidthMetadataOnly
	default:
		return true
	}
}

// engineGuard enforces the initialize-once, no-restart rule shared by every
// Engine implementation.
type engineGuard struct {
	mu    sync.Mutex
	state int
}

const (
	engineIdle = iota
	engineRunning
	engineStopped
)

func (g *engineGuard) initialize(start func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case engineRunning:
		return ErrAlreadyInitialized
	case engineStopped:
		return ErrReinitialize
	}
	if err := start(); err != nil {
		return err
	}
	g.state = engineRunning
	return nil
}

func (g *engineGuard) shutdown(stop func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != engineRunning {
		return
	}
	stop()
	g.state = engineStopped
}

func (g *engineGuard) running() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != engineRunning {
		return ErrNotInitialized
	}
	return nil
}
