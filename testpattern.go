package ndi

import (
	"encoding/binary"
	"math"
)

// PatternType selects the picture a TestPattern draws.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// TestPatternConfig configures a test pattern generator.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 1280)
	Height  int         // Frame height (default: 720)
	Rate    FrameRate   // Frame rate (default: 30/1)
	Pattern PatternType // Pattern type (default: ColorBars)

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)

	// Audio tone
	SampleRate int     // default: 48000
	Channels   int     // default: 2
	ToneHz     float64 // default: 1000
}

// DefaultTestPatternConfig returns a default test pattern configuration.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{
		Width:       1280,
		Height:      720,
		Rate:        Rate30,
		Pattern:     PatternColorBars,
		CheckerSize: 32,
		SampleRate:  48000,
		Channels:    2,
		ToneHz:      1000,
	}
}

// TestPattern generates BGRA video and FLTp sine audio in lockstep. Buffers
// are reused: a returned frame is valid until the next call of the same kind.
type TestPattern struct {
	config TestPatternConfig

	video      []byte
	audio      []byte
	videoFrame VideoFrame
	audioFrame AudioFrame

	videoCount int64
	audioCount int64
	phase      float64
}

// NewTestPattern creates a generator, applying defaults to zero fields.
func NewTestPattern(config TestPatternConfig) *TestPattern {
	def := DefaultTestPatternConfig()
	if config.Width <= 0 {
		config.Width = def.Width
	}
	if config.Height <= 0 {
		config.Height = def.Height
	}
	if !config.Rate.Valid() {
		config.Rate = def.Rate
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = def.CheckerSize
	}
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Channels <= 0 {
		config.Channels = def.Channels
	}
	if config.ToneHz <= 0 {
		config.ToneHz = def.ToneHz
	}

	// Largest per-frame sample count the rate can produce.
	maxSamples := int((int64(config.SampleRate)*int64(config.Rate.D) + int64(config.Rate.N) - 1) / int64(config.Rate.N))

	p := &TestPattern{
		config: config,
		video:  make([]byte, config.Width*config.Height*4),
		audio:  make([]byte, maxSamples*bytesPerSample*config.Channels),
	}
	p.generatePattern(0)
	return p
}

// Config returns the configuration with defaults applied.
func (p *TestPattern) Config() TestPatternConfig { return p.config }

// NextVideo draws the next picture and returns it as a frame ready to send.
func (p *TestPattern) NextVideo() *VideoFrame {
	n := p.videoCount
	p.videoCount++
	if n > 0 && p.config.Pattern == PatternMovingBox {
		p.generatePattern(n)
	}
	p.videoFrame = VideoFrame{
		Width:     p.config.Width,
		Height:    p.config.Height,
		FrameRate: p.config.Rate,
		FourCC:    FourCCBGRA,
		Format:    FrameFormatProgressive,
		Stride:    p.config.Width * 4,
		Data:      p.video,
		Timecode:  TicksFromDuration(p.config.Rate.At(n)),
	}
	return &p.videoFrame
}

// SamplesFor returns how many samples per channel audio frame n carries so
// that audio stays aligned with video at the configured rate.
func (p *TestPattern) SamplesFor(n int64) int {
	sr, r := int64(p.config.SampleRate), p.config.Rate
	at := func(i int64) int64 { return sr * i * int64(r.D) / int64(r.N) }
	return int(at(n+1) - at(n))
}

// NextAudio synthesizes the next block of tone, one video frame long.
func (p *TestPattern) NextAudio() *AudioFrame {
	n := p.audioCount
	p.audioCount++
	samples := p.SamplesFor(n)
	stride := samples * bytesPerSample
	step := 2 * math.Pi * p.config.ToneHz / float64(p.config.SampleRate)

	for i := 0; i < samples; i++ {
		v := float32(0.25 * math.Sin(p.phase))
		bits := math.Float32bits(v)
		for ch := 0; ch < p.config.Channels; ch++ {
			binary.LittleEndian.PutUint32(p.audio[ch*stride+i*bytesPerSample:], bits)
		}
		p.phase += step
		if p.phase > 2*math.Pi {
			p.phase -= 2 * math.Pi
		}
	}

	p.audioFrame = AudioFrame{
		SampleRate:    p.config.SampleRate,
		Channels:      p.config.Channels,
		Samples:       samples,
		ChannelStride: stride,
		FourCC:        FourCCFLTp,
		Data:          p.audio[:stride*p.config.Channels],
		Timecode:      TicksFromDuration(p.config.Rate.At(n)),
	}
	return &p.audioFrame
}

func (p *TestPattern) generatePattern(frameNum int64) {
	switch p.config.Pattern {
	case PatternGradient:
		p.generateGradient()
	case PatternCheckerboard:
		p.generateCheckerboard()
	case PatternSolidColor:
		p.fill(p.config.SolidR, p.config.SolidG, p.config.SolidB)
	case PatternMovingBox:
		p.generateMovingBox(frameNum)
	default:
		p.generateColorBars()
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func (p *TestPattern) set(x, y int, r, g, b uint8) {
	i := (y*p.config.Width + x) * 4
	p.video[i] = b
	p.video[i+1] = g
	p.video[i+2] = r
	p.video[i+3] = 0xff
}

func (p *TestPattern) fill(r, g, b uint8) {
	for y := 0; y < p.config.Height; y++ {
		for x := 0; x < p.config.Width; x++ {
			p.set(x, y, r, g, b)
		}
	}
}

func (p *TestPattern) generateColorBars() {
	w, h := p.config.Width, p.config.Height
	barWidth := max(w/8, 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			rgb := colorBarsRGB[min(x/barWidth, 7)]
			p.set(x, y, rgb[0], rgb[1], rgb[2])
		}
	}
}

func (p *TestPattern) generateGradient() {
	w, h := p.config.Width, p.config.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x * 255) / w)
			p.set(x, y, v, v, v)
		}
	}
}

func (p *TestPattern) generateCheckerboard() {
	size := p.config.CheckerSize
	for y := 0; y < p.config.Height; y++ {
		for x := 0; x < p.config.Width; x++ {
			v := uint8(16)
			if ((x/size)+(y/size))%2 == 0 {
				v = 235
			}
			p.set(x, y, v, v, v)
		}
	}
}

func (p *TestPattern) generateMovingBox(frameNum int64) {
	w, h := p.config.Width, p.config.Height
	p.fill(16, 16, 16)

	// Box circles the center.
	boxSize := max(min(w, h)/6, 1)
	radius := float64(min(w, h)) / 4
	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			p.set(x, y, 235, 235, 235)
		}
	}
}
