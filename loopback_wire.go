package ndi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/pion/rtp"
)

// Payload types on the loopback wire, one per frame kind.
const (
	payloadVideo    uint8 = 96
	payloadAudio    uint8 = 97
	payloadMetadata uint8 = 98
)

// DefaultMTU bounds the size of one marshaled loopback packet.
const DefaultMTU = 1200

const rtpHeaderSize = 12

// Descriptor sizes. The descriptor leads the first packet of every frame.
const (
	videoDescriptorSize    = 4*9 + 1 + 8*2
	audioDescriptorSize    = 4*7 + 8*2
	metadataDescriptorSize = 4 + 8
)

var errWireTruncated = errors.New("loopback wire: truncated frame")

// wireFrame is one frame as marshaled RTP packets. Packets are immutable
// once built and may be shared by every sink a frame fans out to.
type wireFrame struct {
	kind    FrameKind
	packets [][]byte
}

// packetizer segments raw frames into RTP packets. Building the payload
// copies the caller's buffer, so a send never retains it.
type packetizer struct {
	ssrc      uint32
	mtu       int
	sequencer rtp.Sequencer
	mu        sync.Mutex
}

func newPacketizer(ssrc uint32, mtu int) *packetizer {
	if mtu <= rtpHeaderSize {
		mtu = DefaultMTU
	}
	return &packetizer{
		ssrc:      ssrc,
		mtu:       mtu,
		sequencer: rtp.NewRandomSequencer(),
	}
}

func (p *packetizer) video(v *VideoFrame) (*wireFrame, error) {
	size := v.FourCC.videoBufferSize(v.Stride, v.Width, v.Height)
	buf := make([]byte, videoDescriptorSize, videoDescriptorSize+size+len(v.Metadata))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(v.Width))
	le.PutUint32(buf[4:], uint32(v.Height))
	le.PutUint32(buf[8:], uint32(v.FrameRate.N))
	le.PutUint32(buf[12:], uint32(v.FrameRate.D))
	le.PutUint32(buf[16:], math.Float32bits(v.AspectRatio))
	le.PutUint32(buf[20:], uint32(v.FourCC))
	le.PutUint32(buf[24:], uint32(v.Stride))
	le.PutUint32(buf[28:], uint32(size))
	le.PutUint32(buf[32:], uint32(len(v.Metadata)))
	buf[36] = byte(v.Format)
	le.PutUint64(buf[37:], uint64(v.Timecode))
	le.PutUint64(buf[45:], uint64(v.Timestamp))
	buf = append(buf, v.Data[:size]...)
	buf = append(buf, v.Metadata...)
	return p.packetize(FrameKindVideo, payloadVideo, v.Timecode, buf)
}

func (p *packetizer) audio(a *AudioFrame) (*wireFrame, error) {
	size := a.ChannelStride * a.Channels
	buf := make([]byte, audioDescriptorSize, audioDescriptorSize+size+len(a.Metadata))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(a.SampleRate))
	le.PutUint32(buf[4:], uint32(a.Channels))
	le.PutUint32(buf[8:], uint32(a.Samples))
	le.PutUint32(buf[12:], uint32(a.ChannelStride))
	le.PutUint32(buf[16:], uint32(a.FourCC))
	le.PutUint32(buf[20:], uint32(size))
	le.PutUint32(buf[24:], uint32(len(a.Metadata)))
	le.PutUint64(buf[28:], uint64(a.Timecode))
	le.PutUint64(buf[36:], uint64(a.Timestamp))
	buf = append(buf, a.Data[:size]...)
	buf = append(buf, a.Metadata...)
	return p.packetize(FrameKindAudio, payloadAudio, a.Timecode, buf)
}

func (p *packetizer) metadata(m *MetadataFrame) (*wireFrame, error) {
	buf := make([]byte, metadataDescriptorSize, metadataDescriptorSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(m.Data)))
	binary.LittleEndian.PutUint64(buf[4:], uint64(m.Timecode))
	buf = append(buf, m.Data...)
	return p.packetize(FrameKindMetadata, payloadMetadata, m.Timecode, buf)
}

func (p *packetizer) packetize(kind FrameKind, pt uint8, tc Ticks, payload []byte) (*wireFrame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	chunk := p.mtu - rtpHeaderSize
	n := (len(payload) + chunk - 1) / chunk
	wf := &wireFrame{kind: kind, packets: make([][]byte, 0, n)}
	// 90kHz media clock, derived from the 100ns timecode.
	ts := uint32(int64(tc) * 9 / 1000)
	for i := 0; i < n; i++ {
		end := min((i+1)*chunk, len(payload))
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == n-1,
				PayloadType:    pt,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: payload[i*chunk : end],
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal %s packet: %w", kind, err)
		}
		wf.packets = append(wf.packets, raw)
	}
	return wf, nil
}

// depacketize reassembles a wire frame. Sequence gaps, a missing marker and
// short payloads are reported as errors.
func depacketize(wf *wireFrame) (Frame, error) {
	var (
		payload []byte
		next    uint16
		pkt     rtp.Packet
	)
	for i, raw := range wf.packets {
		if err := pkt.Unmarshal(raw); err != nil {
			return nil, fmt.Errorf("unmarshal %s packet: %w", wf.kind, err)
		}
		if i > 0 && pkt.SequenceNumber != next {
			return nil, fmt.Errorf("loopback wire: sequence gap at %d", pkt.SequenceNumber)
		}
		next = pkt.SequenceNumber + 1
		payload = append(payload, pkt.Payload...)
		if pkt.Marker != (i == len(wf.packets)-1) {
			return nil, fmt.Errorf("loopback wire: unexpected marker at packet %d", i)
		}
	}

	switch pkt.PayloadType {
	case payloadVideo:
		return decodeVideo(payload)
	case payloadAudio:
		return decodeAudio(payload)
	case payloadMetadata:
		return decodeMetadata(payload)
	default:
		return nil, fmt.Errorf("loopback wire: unknown payload type %d", pkt.PayloadType)
	}
}

func decodeVideo(b []byte) (*VideoFrame, error) {
	if len(b) < videoDescriptorSize {
		return nil, errWireTruncated
	}
	le := binary.LittleEndian
	size, meta := int(le.Uint32(b[28:])), int(le.Uint32(b[32:]))
	if len(b) < videoDescriptorSize+size+meta {
		return nil, errWireTruncated
	}
	body := b[videoDescriptorSize:]
	return &VideoFrame{
		Width:       int(le.Uint32(b[0:])),
		Height:      int(le.Uint32(b[4:])),
		FrameRate:   FrameRate{N: int(le.Uint32(b[8:])), D: int(le.Uint32(b[12:]))},
		AspectRatio: math.Float32frombits(le.Uint32(b[16:])),
		FourCC:      FourCC(le.Uint32(b[20:])),
		Stride:      int(le.Uint32(b[24:])),
		Format:      FrameFormat(b[36]),
		Timecode:    Ticks(le.Uint64(b[37:])),
		Timestamp:   Ticks(le.Uint64(b[45:])),
		Data:        body[:size:size],
		Metadata:    string(body[size : size+meta]),
	}, nil
}

func decodeAudio(b []byte) (*AudioFrame, error) {
	if len(b) < audioDescriptorSize {
		return nil, errWireTruncated
	}
	le := binary.LittleEndian
	size, meta := int(le.Uint32(b[20:])), int(le.Uint32(b[24:]))
	if len(b) < audioDescriptorSize+size+meta {
		return nil, errWireTruncated
	}
	body := b[audioDescriptorSize:]
	return &AudioFrame{
		SampleRate:    int(le.Uint32(b[0:])),
		Channels:      int(le.Uint32(b[4:])),
		Samples:       int(le.Uint32(b[8:])),
		ChannelStride: int(le.Uint32(b[12:])),
		FourCC:        FourCC(le.Uint32(b[16:])),
		Timecode:      Ticks(le.Uint64(b[28:])),
		Timestamp:     Ticks(le.Uint64(b[36:])),
		Data:          body[:size:size],
		Metadata:      string(body[size : size+meta]),
	}, nil
}

func decodeMetadata(b []byte) (*MetadataFrame, error) {
	if len(b) < metadataDescriptorSize {
		return nil, errWireTruncated
	}
	n := int(binary.LittleEndian.Uint32(b[0:]))
	if len(b) < metadataDescriptorSize+n {
		return nil, errWireTruncated
	}
	return &MetadataFrame{
		Timecode: Ticks(binary.LittleEndian.Uint64(b[4:])),
		Data:     string(b[metadataDescriptorSize : metadataDescriptorSize+n]),
	}, nil
}

// swizzle converts between the BGRA and RGBA channel orders in place. It is
// the only pixel change the loopback engine makes on receive.
func swizzle(v *VideoFrame, want ColorFormat) {
	var to FourCC
	switch {
	case want == ColorFormatRGBXRGBA || want == ColorFormatUYVYRGBA:
		to = map[FourCC]FourCC{FourCCBGRA: FourCCRGBA, FourCCBGRX: FourCCRGBX}[v.FourCC]
	case want == ColorFormatBGRXBGRA || want == ColorFormatUYVYBGRA:
		to = map[FourCC]FourCC{FourCCRGBA: FourCCBGRA, FourCCRGBX: FourCCBGRX}[v.FourCC]
	}
	if to == 0 {
		return
	}
	for y := 0; y < v.Height; y++ {
		row := v.Data[y*v.Stride : y*v.Stride+v.Width*4]
		for i := 0; i < len(row); i += 4 {
			row[i], row[i+2] = row[i+2], row[i]
		}
	}
	v.FourCC = to
}
