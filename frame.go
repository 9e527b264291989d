// Core frame types carried by senders and receivers.
package ndi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// FourCC identifies the pixel or sample layout of a frame buffer.
// Values match the engine's little-endian four character codes.
type FourCC uint32

const (
	FourCCUYVY FourCC = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24 // 4:2:2 packed, 2 bytes per pixel
	FourCCUYVA FourCC = 'U' | 'Y'<<8 | 'V'<<16 | 'A'<<24 // UYVY followed by an alpha plane
	FourCCP216 FourCC = 'P' | '2'<<8 | '1'<<16 | '6'<<24 // 16-bit 4:2:2 semi-planar
	FourCCPA16 FourCC = 'P' | 'A'<<8 | '1'<<16 | '6'<<24 // P216 followed by a 16-bit alpha plane
	FourCCYV12 FourCC = 'Y' | 'V'<<8 | '1'<<16 | '2'<<24 // 4:2:0 planar (Y, V, U)
	FourCCI420 FourCC = 'I' | '4'<<8 | '2'<<16 | '0'<<24 // 4:2:0 planar (Y, U, V)
	FourCCNV12 FourCC = 'N' | 'V'<<8 | '1'<<16 | '2'<<24 // 4:2:0 semi-planar
	FourCCBGRA FourCC = 'B' | 'G'<<8 | 'R'<<16 | 'A'<<24 // packed, 4 bytes per pixel
	FourCCBGRX FourCC = 'B' | 'G'<<8 | 'R'<<16 | 'X'<<24
	FourCCRGBA FourCC = 'R' | 'G'<<8 | 'B'<<16 | 'A'<<24
	FourCCRGBX FourCC = 'R' | 'G'<<8 | 'B'<<16 | 'X'<<24

	FourCCFLTp FourCC = 'F' | 'L'<<8 | 'T'<<16 | 'p'<<24 // planar 32-bit float audio
)

func (f FourCC) String() string {
	b := [4]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("FourCC(0x%08x)", uint32(f))
		}
	}
	return string(b[:])
}

// BytesPerPixel returns the size of one pixel in the first plane, or 0 for
// audio and unknown codes.
func (f FourCC) BytesPerPixel() int {
	switch f {
	case FourCCUYVY, FourCCUYVA:
		return 2
	case FourCCP216, FourCCPA16:
		return 2
	case FourCCYV12, FourCCI420, FourCCNV12:
		return 1
	case FourCCBGRA, FourCCBGRX, FourCCRGBA, FourCCRGBX:
		return 4
	default:
		return 0
	}
}

// videoBufferSize returns the minimum buffer length for a frame of this
// layout. It is never smaller than stride*height.
func (f FourCC) videoBufferSize(stride, width, height int) int {
	base := stride * height
	switch f {
	case FourCCUYVA:
		return base + width*height
	case FourCCP216:
		return base * 2
	case FourCCPA16:
		return base * 3
	case FourCCYV12, FourCCI420, FourCCNV12:
		return base + base/2
	default:
		return base
	}
}

// FrameKind selects one variant of Frame.
type FrameKind int

const (
	FrameKindVideo FrameKind = iota + 1
	FrameKindAudio
	FrameKindMetadata

	// FrameKindAny is a capture selector, never the kind of a frame.
	FrameKindAny FrameKind = 0
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindVideo:
		return "video"
	case FrameKindAudio:
		return "audio"
	case FrameKindMetadata:
		return "metadata"
	case FrameKindAny:
		return "any"
	default:
		return "unknown"
	}
}

// FrameFormat describes how a video frame's lines are arranged in time.
type FrameFormat int

const (
	FrameFormatInterleaved FrameFormat = iota // both fields, interleaved
	FrameFormatProgressive                    // a full progressive frame
	FrameFormatField0                         // even lines only
	FrameFormatField1                         // odd lines only
)

func (f FrameFormat) String() string {
	switch f {
	case FrameFormatInterleaved:
		return "interleaved"
	case FrameFormatProgressive:
		return "progressive"
	case FrameFormatField0:
		return "field0"
	case FrameFormatField1:
		return "field1"
	default:
		return "unknown"
	}
}

// FrameRate is an exact rational rate in frames per second. It is never
// reduced to a float for pacing math.
type FrameRate struct {
	N int // numerator
	D int // denominator
}

// Common broadcast rates.
var (
	Rate24    = FrameRate{24, 1}
	Rate25    = FrameRate{25, 1}
	Rate29_97 = FrameRate{30000, 1001}
	Rate30    = FrameRate{30, 1}
	Rate50    = FrameRate{50, 1}
	Rate59_94 = FrameRate{60000, 1001}
	Rate60    = FrameRate{60, 1}
)

// Valid reports whether both terms are positive.
func (r FrameRate) Valid() bool { return r.N > 0 && r.D > 0 }

// Duration returns the length of one frame, truncated to nanoseconds.
func (r FrameRate) Duration() time.Duration {
	if !r.Valid() {
		return 0
	}
	return time.Duration(int64(time.Second) * int64(r.D) / int64(r.N))
}

// At returns the offset of frame n from frame 0 without accumulating
// rounding error.
func (r FrameRate) At(n int64) time.Duration {
	if !r.Valid() {
		return 0
	}
	num, den := int64(r.N), int64(r.D)
	whole := n / num * den
	return time.Duration(whole)*time.Second + time.Duration(n%num*den*int64(time.Second)/num)
}

func (r FrameRate) String() string { return fmt.Sprintf("%d/%d", r.N, r.D) }

// ParseFrameRate parses "N/D" or a whole number of frames per second.
func ParseFrameRate(s string) (FrameRate, error) {
	var r FrameRate
	num, den, ok := strings.Cut(strings.TrimSpace(s), "/")
	var err error
	if r.N, err = strconv.Atoi(num); err != nil {
		return FrameRate{}, fmt.Errorf("%w: frame rate %q", ErrInvalidFrame, s)
	}
	r.D = 1
	if ok {
		if r.D, err = strconv.Atoi(den); err != nil {
			return FrameRate{}, fmt.Errorf("%w: frame rate %q", ErrInvalidFrame, s)
		}
	}
	if !r.Valid() {
		return FrameRate{}, fmt.Errorf("%w: frame rate %q", ErrInvalidFrame, s)
	}
	return r, nil
}

// Ticks is a time value in 100ns units, the engine's timecode resolution.
type Ticks int64

const (
	// TimecodeSynthesize asks the engine to generate a timecode on send.
	TimecodeSynthesize Ticks = math.MaxInt64
	// TimestampUndefined marks a received frame without a sender timestamp.
	TimestampUndefined Ticks = math.MaxInt64
)

// TicksFromDuration converts d to 100ns units.
func TicksFromDuration(d time.Duration) Ticks { return Ticks(d / 100) }

// Duration converts t to a time.Duration.
func (t Ticks) Duration() time.Duration { return time.Duration(t) * 100 }

// Pair splits t into seconds and nanoseconds. The sentinel values map to a
// zero pair.
func (t Ticks) Pair() TimePair {
	if t == TimecodeSynthesize {
		return TimePair{}
	}
	ns := int64(t) * 100
	return TimePair{ns / int64(time.Second), ns % int64(time.Second)}
}

// TimePair is a (seconds, nanoseconds) pair. Both elements are always
// present, zero when the value is unknown.
type TimePair [2]int64

func (p TimePair) Seconds() int64     { return p[0] }
func (p TimePair) Nanoseconds() int64 { return p[1] }

// Duration recombines the pair.
func (p TimePair) Duration() time.Duration {
	return time.Duration(p[0])*time.Second + time.Duration(p[1])
}

// Frame is one unit of video, audio or metadata. Exactly one of
// *VideoFrame, *AudioFrame and *MetadataFrame implements it.
type Frame interface {
	Kind() FrameKind
	// Release returns a received frame's buffer to the engine. It is a
	// no-op for frames built by the caller.
	Release() error
	isFrame()
}

// lease ties a received frame to the receiver that must free it.
type lease struct {
	released atomic.Bool
	free     func() error
}

func (l *lease) release() error {
	if l == nil {
		return nil
	}
	if !l.released.CompareAndSwap(false, true) {
		return ErrFrameReleased
	}
	return l.free()
}

// VideoFrame is a single picture over a contiguous byte region.
//
// Frames returned by a Receiver reference engine memory: Data and any slice
// taken from it are valid only until Release, or until the receiver is
// destroyed.
type VideoFrame struct {
	Width       int         // pixels
	Height      int         // lines
	FrameRate   FrameRate   // exact rational rate
	AspectRatio float32     // picture aspect ratio; 0 means Width/Height
	FourCC      FourCC      // pixel layout
	Format      FrameFormat // progressive or field layout
	Stride      int         // bytes per line of the first plane
	Data        []byte
	Metadata    string // optional per-frame XML
	Timecode    Ticks
	Timestamp   Ticks

	lease *lease
}

// NewVideoFrame fills defaults on v and validates its shape. A zero Stride
// becomes Width*BytesPerPixel, a zero FrameRate becomes 30/1, a zero FourCC
// becomes BGRA, and a zero Timecode becomes TimecodeSynthesize.
func NewVideoFrame(v VideoFrame) (*VideoFrame, error) {
	if v.FourCC == 0 {
		v.FourCC = FourCCBGRA
	}
	if v.Stride == 0 {
		v.Stride = v.Width * v.FourCC.BytesPerPixel()
	}
	if v.FrameRate == (FrameRate{}) {
		v.FrameRate = Rate30
	}
	if v.Timecode == 0 {
		v.Timecode = TimecodeSynthesize
	}
	v.lease = nil
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

// Validate checks dimensions, rate and buffer size.
func (v *VideoFrame) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil video frame", ErrInvalidFrame)
	}
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("%w: video dimensions %dx%d", ErrInvalidFrame, v.Width, v.Height)
	}
	if !v.FrameRate.Valid() {
		return fmt.Errorf("%w: frame rate %s", ErrInvalidFrame, v.FrameRate)
	}
	if bpp := v.FourCC.BytesPerPixel(); bpp == 0 {
		return fmt.Errorf("%w: unsupported video FourCC %s", ErrInvalidFrame, v.FourCC)
	} else if v.Stride < v.Width*bpp {
		return &BufferShapeError{Kind: FrameKindVideo, Field: "stride", Have: v.Stride, Need: v.Width * bpp}
	}
	if need := v.FourCC.videoBufferSize(v.Stride, v.Width, v.Height); len(v.Data) < need {
		return &BufferShapeError{Kind: FrameKindVideo, Field: "data", Have: len(v.Data), Need: need}
	}
	return nil
}

// PictureAspect returns AspectRatio, or Width/Height when unset.
func (v *VideoFrame) PictureAspect() float32 {
	if v.AspectRatio > 0 || v.Height == 0 {
		return v.AspectRatio
	}
	return float32(v.Width) / float32(v.Height)
}

func (v *VideoFrame) TimecodePair() TimePair  { return v.Timecode.Pair() }
func (v *VideoFrame) TimestampPair() TimePair { return v.Timestamp.Pair() }

func (v *VideoFrame) Kind() FrameKind { return FrameKindVideo }
func (v *VideoFrame) Release() error  { return v.lease.release() }
func (v *VideoFrame) isFrame()        {}

// Clone creates a deep copy of the frame in Go memory.
// Use this when you need to keep the frame data beyond Release.
func (v *VideoFrame) Clone() *VideoFrame {
	clone := *v
	clone.lease = nil
	if v.Data != nil {
		clone.Data = make([]byte, len(v.Data))
		copy(clone.Data, v.Data)
	}
	return &clone
}

// AudioFrame holds planar samples: each channel occupies ChannelStride bytes.
type AudioFrame struct {
	SampleRate    int    // e.g. 48000
	Channels      int    // number of planes
	Samples       int    // samples per channel
	ChannelStride int    // bytes between the start of consecutive channels
	FourCC        FourCC // sample layout; only FLTp is defined
	Data          []byte
	Metadata      string
	Timecode      Ticks
	Timestamp     Ticks

	lease *lease
}

// bytesPerSample is fixed by FLTp.
const bytesPerSample = 4

// NewAudioFrame fills defaults on a and validates its shape. A zero
// ChannelStride becomes Samples*4, a zero FourCC becomes FLTp, and a zero
// Timecode becomes TimecodeSynthesize.
func NewAudioFrame(a AudioFrame) (*AudioFrame, error) {
	if a.FourCC == 0 {
		a.FourCC = FourCCFLTp
	}
	if a.ChannelStride == 0 {
		a.ChannelStride = a.Samples * bytesPerSample
	}
	if a.Timecode == 0 {
		a.Timecode = TimecodeSynthesize
	}
	a.lease = nil
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// Validate checks the sample layout and buffer size.
func (a *AudioFrame) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: nil audio frame", ErrInvalidFrame)
	}
	if a.SampleRate <= 0 || a.Channels <= 0 || a.Samples <= 0 {
		return fmt.Errorf("%w: audio %d Hz, %d channels, %d samples",
			ErrInvalidFrame, a.SampleRate, a.Channels, a.Samples)
	}
	if a.FourCC != FourCCFLTp {
		return fmt.Errorf("%w: unsupported audio FourCC %s", ErrInvalidFrame, a.FourCC)
	}
	if least := a.Samples * bytesPerSample; a.ChannelStride < least {
		return &BufferShapeError{Kind: FrameKindAudio, Field: "stride", Have: a.ChannelStride, Need: least}
	}
	if need := a.ChannelStride * a.Channels; len(a.Data) < need {
		return &BufferShapeError{Kind: FrameKindAudio, Field: "data", Have: len(a.Data), Need: need}
	}
	return nil
}

// Duration returns the time span covered by the frame.
func (a *AudioFrame) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(a.Samples) * int64(time.Second) / int64(a.SampleRate))
}

// Channel returns the bytes of channel i.
func (a *AudioFrame) Channel(i int) []byte {
	if i < 0 || i >= a.Channels {
		return nil
	}
	start := i * a.ChannelStride
	return a.Data[start : start+a.Samples*bytesPerSample]
}

func (a *AudioFrame) TimecodePair() TimePair  { return a.Timecode.Pair() }
func (a *AudioFrame) TimestampPair() TimePair { return a.Timestamp.Pair() }

func (a *AudioFrame) Kind() FrameKind { return FrameKindAudio }
func (a *AudioFrame) Release() error  { return a.lease.release() }
func (a *AudioFrame) isFrame()        {}

// Clone creates a deep copy of the frame in Go memory.
func (a *AudioFrame) Clone() *AudioFrame {
	clone := *a
	clone.lease = nil
	if a.Data != nil {
		clone.Data = make([]byte, len(a.Data))
		copy(clone.Data, a.Data)
	}
	return &clone
}

// MetadataFrame carries an XML payload.
type MetadataFrame struct {
	Data     string
	Timecode Ticks

	lease *lease
}

func (m *MetadataFrame) TimecodePair() TimePair { return m.Timecode.Pair() }

func (m *MetadataFrame) Kind() FrameKind { return FrameKindMetadata }
func (m *MetadataFrame) Release() error  { return m.lease.release() }
func (m *MetadataFrame) isFrame()        {}
