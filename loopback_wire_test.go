package ndi

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pion/rtp"
)

func TestPacketizer_VideoRoundTrip(t *testing.T) {
	p := newPacketizer(0x1234, 200)
	v := &VideoFrame{
		Width: 10, Height: 10, FrameRate: Rate59_94, AspectRatio: 16.0 / 9,
		FourCC: FourCCBGRA, Format: FrameFormatField1, Stride: 40,
		Data: bytes.Repeat([]byte{1, 2, 3, 4}, 100), Metadata: "<x/>",
		Timecode: 1_000_000, Timestamp: 2_000_000,
	}
	wf, err := p.video(v)
	if err != nil {
		t.Fatalf("video: %v", err)
	}
	if len(wf.packets) < 2 {
		t.Fatalf("got %d packets, want the frame split", len(wf.packets))
	}

	var pkt rtp.Packet
	for i, raw := range wf.packets {
		if len(raw) > 200 {
			t.Errorf("packet %d is %d bytes, over MTU", i, len(raw))
		}
		if err := pkt.Unmarshal(raw); err != nil {
			t.Fatalf("unmarshal %d: %v", i, err)
		}
		if pkt.PayloadType != payloadVideo || pkt.SSRC != 0x1234 {
			t.Errorf("packet %d header = %+v", i, pkt.Header)
		}
		if pkt.Timestamp != 9_000 {
			t.Errorf("packet %d timestamp = %d, want 9000", i, pkt.Timestamp)
		}
		if pkt.Marker != (i == len(wf.packets)-1) {
			t.Errorf("packet %d marker = %v", i, pkt.Marker)
		}
	}

	fr, err := depacketize(wf)
	if err != nil {
		t.Fatalf("depacketize: %v", err)
	}
	got, ok := fr.(*VideoFrame)
	if !ok {
		t.Fatalf("depacketize returned %T", fr)
	}
	if got.Width != 10 || got.Height != 10 || got.Stride != 40 || got.FrameRate != Rate59_94 {
		t.Errorf("shape = %dx%d stride %d rate %s", got.Width, got.Height, got.Stride, got.FrameRate)
	}
	if got.Format != FrameFormatField1 || got.FourCC != FourCCBGRA || got.AspectRatio != v.AspectRatio {
		t.Errorf("layout = %s %s %v", got.Format, got.FourCC, got.AspectRatio)
	}
	if got.Timecode != v.Timecode || got.Timestamp != v.Timestamp {
		t.Errorf("times = %d %d", got.Timecode, got.Timestamp)
	}
	if !bytes.Equal(got.Data, v.Data) || got.Metadata != v.Metadata {
		t.Error("payload changed on the wire")
	}
}

func TestPacketizer_CopiesSenderBuffer(t *testing.T) {
	p := newPacketizer(1, DefaultMTU)
	data := []byte{9, 9, 9, 9}
	wf, err := p.video(&VideoFrame{Width: 1, Height: 1, FrameRate: Rate30, FourCC: FourCCBGRA, Stride: 4, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 0
	fr, err := depacketize(wf)
	if err != nil {
		t.Fatal(err)
	}
	if fr.(*VideoFrame).Data[0] != 9 {
		t.Error("wire frame aliases the sender's buffer")
	}
}

func TestPacketizer_AudioAndMetadata(t *testing.T) {
	p := newPacketizer(7, 64)
	a := &AudioFrame{
		SampleRate: 48000, Channels: 2, Samples: 8, ChannelStride: 32,
		FourCC: FourCCFLTp, Data: bytes.Repeat([]byte{0xab}, 64), Timecode: 5,
	}
	wf, err := p.audio(a)
	if err != nil {
		t.Fatal(err)
	}
	fr, err := depacketize(wf)
	if err != nil {
		t.Fatal(err)
	}
	got := fr.(*AudioFrame)
	if got.SampleRate != 48000 || got.Channels != 2 || got.Samples != 8 || got.ChannelStride != 32 {
		t.Errorf("audio shape = %+v", got)
	}
	if !bytes.Equal(got.Data, a.Data) {
		t.Error("audio payload changed")
	}

	xml := strings.Repeat("<tally on=\"true\"/>", 10)
	wf, err = p.metadata(&MetadataFrame{Data: xml, Timecode: 42})
	if err != nil {
		t.Fatal(err)
	}
	fr, err = depacketize(wf)
	if err != nil {
		t.Fatal(err)
	}
	if m := fr.(*MetadataFrame); m.Data != xml || m.Timecode != 42 {
		t.Errorf("metadata = %q @ %d", m.Data, m.Timecode)
	}
}

func TestDepacketize_Errors(t *testing.T) {
	p := newPacketizer(1, 64)
	build := func() *wireFrame {
		wf, err := p.metadata(&MetadataFrame{Data: strings.Repeat("m", 200)})
		if err != nil {
			t.Fatal(err)
		}
		return wf
	}

	tests := []struct {
		name   string
		mangle func(*wireFrame)
		want   string
	}{
		{"sequence gap", func(wf *wireFrame) {
			wf.packets = append(wf.packets[:1], wf.packets[2:]...)
		}, "sequence gap"},
		{"missing marker", func(wf *wireFrame) {
			wf.packets = wf.packets[:len(wf.packets)-1]
		}, "marker"},
		{"garbage", func(wf *wireFrame) {
			wf.packets[0] = []byte{1, 2}
		}, "unmarshal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := build()
			tt.mangle(wf)
			_, err := depacketize(wf)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("depacketize error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestDepacketize_SequenceWraps(t *testing.T) {
	p := newPacketizer(1, 64)
	p.sequencer = rtp.NewFixedSequencer(65534)
	wf, err := p.metadata(&MetadataFrame{Data: strings.Repeat("w", 300)})
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.packets) < 4 {
		t.Fatalf("got %d packets, want the sequence to wrap", len(wf.packets))
	}
	if _, err := depacketize(wf); err != nil {
		t.Errorf("depacketize across wrap: %v", err)
	}
}

func TestSwizzle(t *testing.T) {
	tests := []struct {
		name  string
		in    FourCC
		want  ColorFormat
		out   FourCC
		first byte
	}{
		{"bgra to rgba", FourCCBGRA, ColorFormatRGBXRGBA, FourCCRGBA, 3},
		{"bgrx to rgbx", FourCCBGRX, ColorFormatUYVYRGBA, FourCCRGBX, 3},
		{"rgba to bgra", FourCCRGBA, ColorFormatBGRXBGRA, FourCCBGRA, 3},
		{"bgra kept", FourCCBGRA, ColorFormatUYVYBGRA, FourCCBGRA, 1},
		{"fastest kept", FourCCBGRA, ColorFormatFastest, FourCCBGRA, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &VideoFrame{Width: 2, Height: 1, Stride: 8, FourCC: tt.in, Data: []byte{1, 2, 3, 4, 1, 2, 3, 4}}
			swizzle(v, tt.want)
			if v.FourCC != tt.out {
				t.Errorf("FourCC = %s, want %s", v.FourCC, tt.out)
			}
			if v.Data[0] != tt.first || v.Data[4] != tt.first {
				t.Errorf("Data = %v", v.Data)
			}
			if v.Data[1] != 2 || v.Data[3] != 4 {
				t.Errorf("green or alpha moved: %v", v.Data)
			}
		})
	}
}
