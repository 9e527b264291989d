package ndi

import (
	"errors"
	"testing"
	"time"
)

func TestFourCC_String(t *testing.T) {
	tests := []struct {
		fourcc FourCC
		want   string
	}{
		{FourCCUYVY, "UYVY"},
		{FourCCBGRA, "BGRA"},
		{FourCCRGBX, "RGBX"},
		{FourCCI420, "I420"},
		{FourCCFLTp, "FLTp"},
		{FourCC(1), "FourCC(0x00000001)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.fourcc.String(); got != tt.want {
				t.Errorf("FourCC.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFourCC_BytesPerPixel(t *testing.T) {
	tests := []struct {
		fourcc FourCC
		want   int
	}{
		{FourCCUYVY, 2},
		{FourCCUYVA, 2},
		{FourCCP216, 2},
		{FourCCNV12, 1},
		{FourCCYV12, 1},
		{FourCCBGRA, 4},
		{FourCCRGBA, 4},
		{FourCCFLTp, 0},
	}

	for _, tt := range tests {
		t.Run(tt.fourcc.String(), func(t *testing.T) {
			if got := tt.fourcc.BytesPerPixel(); got != tt.want {
				t.Errorf("FourCC.BytesPerPixel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFrameRate_At(t *testing.T) {
	tests := []struct {
		rate FrameRate
		n    int64
		want time.Duration
	}{
		{Rate30, 0, 0},
		{Rate30, 30, time.Second},
		{Rate25, 1, 40 * time.Millisecond},
		{Rate29_97, 30000, 1001 * time.Second},
		{Rate59_94, 60000 * 24, 1001 * 24 * time.Second},
		{FrameRate{}, 10, 0},
	}

	for _, tt := range tests {
		if got := tt.rate.At(tt.n); got != tt.want {
			t.Errorf("%s.At(%d) = %v, want %v", tt.rate, tt.n, got, tt.want)
		}
	}
}

func TestFrameRate_AtMonotonic(t *testing.T) {
	var prev time.Duration
	for n := int64(1); n < 5000; n++ {
		got := Rate29_97.At(n)
		if got <= prev {
			t.Fatalf("At(%d) = %v, not after At(%d) = %v", n, got, n-1, prev)
		}
		prev = got
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := []struct {
		in      string
		want    FrameRate
		wantErr bool
	}{
		{"30", Rate30, false},
		{"30000/1001", Rate29_97, false},
		{" 60/1 ", Rate60, false},
		{"0/1", FrameRate{}, true},
		{"30/0", FrameRate{}, true},
		{"fast", FrameRate{}, true},
	}

	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFrameRate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTicks_Pair(t *testing.T) {
	tests := []struct {
		ticks Ticks
		want  TimePair
	}{
		{0, TimePair{0, 0}},
		{1, TimePair{0, 100}},
		{10_000_000, TimePair{1, 0}},
		{15_000_001, TimePair{1, 500_000_100}},
		{TimecodeSynthesize, TimePair{}},
	}

	for _, tt := range tests {
		got := tt.ticks.Pair()
		if got != tt.want {
			t.Errorf("Ticks(%d).Pair() = %v, want %v", tt.ticks, got, tt.want)
		}
		if tt.ticks != TimecodeSynthesize && got.Duration() != tt.ticks.Duration() {
			t.Errorf("pair duration %v != %v", got.Duration(), tt.ticks.Duration())
		}
	}
}

func TestNewVideoFrame_Defaults(t *testing.T) {
	v, err := NewVideoFrame(VideoFrame{Width: 64, Height: 36, Data: make([]byte, 64*36*4)})
	if err != nil {
		t.Fatalf("NewVideoFrame: %v", err)
	}
	if v.FourCC != FourCCBGRA {
		t.Errorf("FourCC = %v, want BGRA", v.FourCC)
	}
	if v.Stride != 256 {
		t.Errorf("Stride = %d, want 256", v.Stride)
	}
	if v.FrameRate != Rate30 {
		t.Errorf("FrameRate = %v, want 30/1", v.FrameRate)
	}
	if v.Timecode != TimecodeSynthesize {
		t.Errorf("Timecode = %d, want synthesize", v.Timecode)
	}
	if got := v.PictureAspect(); got != float32(64)/36 {
		t.Errorf("PictureAspect() = %v", got)
	}
	if err := v.Release(); err != nil {
		t.Errorf("Release on sender-built frame = %v, want nil", err)
	}
}

func TestVideoFrame_BufferShape(t *testing.T) {
	tests := []struct {
		name   string
		frame  VideoFrame
		field  string
		wantOK bool
	}{
		{"bgra exact", VideoFrame{Width: 4, Height: 2, FourCC: FourCCBGRA, Data: make([]byte, 32)}, "", true},
		{"bgra short", VideoFrame{Width: 4, Height: 2, FourCC: FourCCBGRA, Data: make([]byte, 31)}, "data", false},
		{"bgra narrow stride", VideoFrame{Width: 4, Height: 2, FourCC: FourCCBGRA, Stride: 12, Data: make([]byte, 32)}, "stride", false},
		{"uyvy padded stride", VideoFrame{Width: 4, Height: 2, FourCC: FourCCUYVY, Stride: 16, Data: make([]byte, 32)}, "", true},
		{"nv12 needs chroma", VideoFrame{Width: 4, Height: 2, FourCC: FourCCNV12, Data: make([]byte, 8)}, "data", false},
		{"nv12 exact", VideoFrame{Width: 4, Height: 2, FourCC: FourCCNV12, Data: make([]byte, 12)}, "", true},
		{"uyva needs alpha", VideoFrame{Width: 4, Height: 2, FourCC: FourCCUYVA, Data: make([]byte, 16)}, "data", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVideoFrame(tt.frame)
			if tt.wantOK {
				if err != nil {
					t.Fatalf("NewVideoFrame: %v", err)
				}
				return
			}
			var shape *BufferShapeError
			if !errors.As(err, &shape) {
				t.Fatalf("err = %v, want *BufferShapeError", err)
			}
			if !errors.Is(err, ErrBufferShape) {
				t.Errorf("errors.Is(err, ErrBufferShape) = false")
			}
			if shape.Field != tt.field {
				t.Errorf("Field = %q, want %q", shape.Field, tt.field)
			}
			if shape.Have >= shape.Need {
				t.Errorf("Have = %d, Need = %d", shape.Have, shape.Need)
			}
		})
	}
}

func TestVideoFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame VideoFrame
	}{
		{"zero width", VideoFrame{Height: 2, Data: make([]byte, 8)}},
		{"bad rate", VideoFrame{Width: 1, Height: 1, FrameRate: FrameRate{N: 30}, Data: make([]byte, 4)}},
		{"audio fourcc", VideoFrame{Width: 1, Height: 1, FourCC: FourCCFLTp, Data: make([]byte, 4)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewVideoFrame(tt.frame); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("err = %v, want ErrInvalidFrame", err)
			}
		})
	}
}

func TestNewAudioFrame(t *testing.T) {
	a, err := NewAudioFrame(AudioFrame{SampleRate: 48000, Channels: 2, Samples: 480, Data: make([]byte, 2*480*4)})
	if err != nil {
		t.Fatalf("NewAudioFrame: %v", err)
	}
	if a.ChannelStride != 1920 {
		t.Errorf("ChannelStride = %d, want 1920", a.ChannelStride)
	}
	if a.Duration() != 10*time.Millisecond {
		t.Errorf("Duration() = %v, want 10ms", a.Duration())
	}
	if got := len(a.Channel(1)); got != 1920 {
		t.Errorf("len(Channel(1)) = %d, want 1920", got)
	}
	if a.Channel(2) != nil {
		t.Error("Channel(2) should be nil")
	}

	_, err = NewAudioFrame(AudioFrame{SampleRate: 48000, Channels: 2, Samples: 480, Data: make([]byte, 1920)})
	if !errors.Is(err, ErrBufferShape) {
		t.Errorf("short audio err = %v, want ErrBufferShape", err)
	}
	_, err = NewAudioFrame(AudioFrame{SampleRate: 48000, Channels: 1, Samples: 4, FourCC: FourCCBGRA, Data: make([]byte, 16)})
	if !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("non-FLTp err = %v, want ErrInvalidFrame", err)
	}
}

func TestVideoFrame_Clone(t *testing.T) {
	v, err := NewVideoFrame(VideoFrame{Width: 2, Height: 1, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}})
	if err != nil {
		t.Fatal(err)
	}
	c := v.Clone()
	c.Data[0] = 99
	if v.Data[0] != 1 {
		t.Error("Clone shares the data buffer")
	}
	if c.Width != 2 || c.Stride != v.Stride {
		t.Errorf("Clone changed shape: %+v", c)
	}
}

func TestLease_ReleaseOnce(t *testing.T) {
	calls := 0
	l := &lease{free: func() error { calls++; return nil }}
	if err := l.release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := l.release(); !errors.Is(err, ErrFrameReleased) {
		t.Errorf("second release = %v, want ErrFrameReleased", err)
	}
	if calls != 1 {
		t.Errorf("free called %d times, want 1", calls)
	}
}
