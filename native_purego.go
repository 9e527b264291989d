//go:build darwin || linux

// NDI SDK binding loaded at runtime with purego. No cgo toolchain or SDK
// headers are needed at build time; the runtime library is located on first
// use.

package ndi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	ndiOnce    sync.Once
	ndiHandle  uintptr
	ndiInitErr error

	// The SDK keeps process-wide state, so every NativeEngine shares one
	// guard.
	nativeGuard engineGuard
)

// NDIlib function pointers
var (
	ndiInitialize      func() bool
	ndiDestroy         func()
	ndiVersion         func() uintptr
	ndiIsSupportedCPU  func() bool
	ndiFindCreateV2    func(*cFindCreate) uintptr
	ndiFindDestroy     func(uintptr)
	ndiFindWait        func(inst uintptr, timeoutMs uint32) bool
	ndiFindGetSources  func(inst uintptr, count *uint32) uintptr
	ndiSendCreate      func(*cSendCreate) uintptr
	ndiSendDestroy     func(uintptr)
	ndiSendVideoV2     func(uintptr, *cVideoFrameV2)
	ndiSendAudioV3     func(uintptr, *cAudioFrameV3)
	ndiSendMetadata    func(uintptr, *cMetadataFrame)
	ndiSendConnections func(inst uintptr, timeoutMs uint32) int32
	ndiSendSourceName  func(uintptr) uintptr
	ndiRecvCreateV3    func(*cRecvCreateV3) uintptr
	ndiRecvDestroy     func(uintptr)
	ndiRecvCaptureV3   func(uintptr, *cVideoFrameV2, *cAudioFrameV3, *cMetadataFrame, uint32) int32
	ndiRecvFreeVideoV2 func(uintptr, *cVideoFrameV2)
	ndiRecvFreeAudioV3 func(uintptr, *cAudioFrameV3)
	ndiRecvFreeMeta    func(uintptr, *cMetadataFrame)
	ndiRecvConnections func(uintptr) int32
	ndiRoutingCreate   func(*cRoutingCreate) uintptr
	ndiRoutingDestroy  func(uintptr)
	ndiRoutingChange   func(uintptr, *cSource) bool
	ndiRoutingClear    func(uintptr) bool
	ndiRoutingConns    func(inst uintptr, timeoutMs uint32) int32
	ndiRoutingName     func(uintptr) uintptr
)

// Constants from Processing.NDI.Structs.h
const (
	ndiFrameNone         = 0
	ndiFrameVideo        = 1
	ndiFrameAudio        = 2
	ndiFrameMetadata     = 3
	ndiFrameError        = 4
	ndiFrameStatusChange = 100

	ndiBandwidthMetadataOnly = -10
	ndiBandwidthAudioOnly    = 10
	ndiBandwidthLowest       = 0
	ndiBandwidthHighest      = 100

	ndiColorBGRXBGRA = 0
	ndiColorUYVYBGRA = 1
	ndiColorRGBXRGBA = 2
	ndiColorUYVYRGBA = 3
	ndiColorFastest  = 100
	ndiColorBest     = 101

	// Longest C string read back from the SDK; metadata XML can be large.
	ndiMaxString = 1 << 20
)

// C struct mirrors, 64-bit layout.

type cSource struct {
	name       unsafe.Pointer
	urlAddress unsafe.Pointer
}

type cFindCreate struct {
	showLocalSources bool
	_                [7]byte
	groups           unsafe.Pointer
	extraIPs         unsafe.Pointer
}

type cSendCreate struct {
	name       unsafe.Pointer
	groups     unsafe.Pointer
	clockVideo bool
	clockAudio bool
	_          [6]byte
}

type cRecvCreateV3 struct {
	source           cSource
	colorFormat      int32
	bandwidth        int32
	allowVideoFields bool
	_                [7]byte
	name             unsafe.Pointer
}

type cRoutingCreate struct {
	name   unsafe.Pointer
	groups unsafe.Pointer
}

type cVideoFrameV2 struct {
	xres, yres         int32
	fourCC             uint32
	frameRateN         int32
	frameRateD         int32
	pictureAspectRatio float32
	frameFormatType    int32
	_                  int32
	timecode           int64
	data               unsafe.Pointer
	lineStride         int32 // union with data_size_in_bytes
	_                  int32
	metadata           unsafe.Pointer
	timestamp          int64
}

type cAudioFrameV3 struct {
	sampleRate    int32
	channels      int32
	samples       int32
	_             int32
	timecode      int64
	fourCC        uint32
	_             int32
	data          unsafe.Pointer
	channelStride int32 // union with data_size_in_bytes
	_             int32
	metadata      unsafe.Pointer
	timestamp     int64
}

type cMetadataFrame struct {
	length   int32
	_        int32
	timecode int64
	data     unsafe.Pointer
}

func loadNDI() error {
	ndiOnce.Do(func() {
		ndiInitErr = loadNDILib()
	})
	return ndiInitErr
}

func loadNDILib() error {
	var lastErr error
	for _, path := range ndiLibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		ndiHandle = handle
		if err := loadNDISymbols(); err != nil {
			purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load NDI runtime: %w", lastErr)
	}
	return errors.New("NDI runtime not found in any standard location")
}

func ndiLibPaths() []string {
	var paths []string

	names := []string{"libndi.so.6", "libndi.so.5", "libndi.so"}
	if runtime.GOOS == "darwin" {
		names = []string{"libndi.dylib"}
	}

	// Environment variable overrides
	if envPath := os.Getenv("NDI_LIB_PATH"); envPath != "" {
		paths = append(paths, envPath)
	}
	for _, env := range []string{"NDI_RUNTIME_DIR_V6", "NDI_RUNTIME_DIR_V5"} {
		if dir := os.Getenv(env); dir != "" {
			for _, name := range names {
				paths = append(paths, filepath.Join(dir, name))
			}
		}
	}

	// Next to the executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		for _, name := range names {
			paths = append(paths,
				filepath.Join(exeDir, name),
				filepath.Join(exeDir, "..", "lib", name),
			)
		}
	}

	paths = append(paths, bundledLibPaths(names)...)

	// System paths
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			"/Library/NDI SDK for Apple/lib/macOS/libndi.dylib",
			"/usr/local/lib/libndi.dylib",
			"/opt/homebrew/lib/libndi.dylib",
			"libndi.dylib",
		)
	case "linux":
		for _, name := range names {
			paths = append(paths,
				filepath.Join("/usr/local/lib", name),
				filepath.Join("/usr/lib", name),
				filepath.Join("/usr/lib/x86_64-linux-gnu", name),
				filepath.Join("/usr/lib/aarch64-linux-gnu", name),
				name,
			)
		}
	}

	return paths
}

func loadNDISymbols() (err error) {
	// RegisterLibFunc panics on a missing symbol; an old runtime missing a
	// v3 entry point is reported as a load failure instead.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("NDI runtime symbol: %v", r)
		}
	}()

	purego.RegisterLibFunc(&ndiInitialize, ndiHandle, "NDIlib_initialize")
	purego.RegisterLibFunc(&ndiDestroy, ndiHandle, "NDIlib_destroy")
	purego.RegisterLibFunc(&ndiVersion, ndiHandle, "NDIlib_version")
	purego.RegisterLibFunc(&ndiIsSupportedCPU, ndiHandle, "NDIlib_is_supported_CPU")

	// Finder
	purego.RegisterLibFunc(&ndiFindCreateV2, ndiHandle, "NDIlib_find_create_v2")
	purego.RegisterLibFunc(&ndiFindDestroy, ndiHandle, "NDIlib_find_destroy")
	purego.RegisterLibFunc(&ndiFindWait, ndiHandle, "NDIlib_find_wait_for_sources")
	purego.RegisterLibFunc(&ndiFindGetSources, ndiHandle, "NDIlib_find_get_current_sources")

	// Sender
	purego.RegisterLibFunc(&ndiSendCreate, ndiHandle, "NDIlib_send_create")
	purego.RegisterLibFunc(&ndiSendDestroy, ndiHandle, "NDIlib_send_destroy")
	purego.RegisterLibFunc(&ndiSendVideoV2, ndiHandle, "NDIlib_send_send_video_v2")
	purego.RegisterLibFunc(&ndiSendAudioV3, ndiHandle, "NDIlib_send_send_audio_v3")
	purego.RegisterLibFunc(&ndiSendMetadata, ndiHandle, "NDIlib_send_send_metadata")
	purego.RegisterLibFunc(&ndiSendConnections, ndiHandle, "NDIlib_send_get_no_connections")
	purego.RegisterLibFunc(&ndiSendSourceName, ndiHandle, "NDIlib_send_get_source_name")

	// Receiver
	purego.RegisterLibFunc(&ndiRecvCreateV3, ndiHandle, "NDIlib_recv_create_v3")
	purego.RegisterLibFunc(&ndiRecvDestroy, ndiHandle, "NDIlib_recv_destroy")
	purego.RegisterLibFunc(&ndiRecvCaptureV3, ndiHandle, "NDIlib_recv_capture_v3")
	purego.RegisterLibFunc(&ndiRecvFreeVideoV2, ndiHandle, "NDIlib_recv_free_video_v2")
	purego.RegisterLibFunc(&ndiRecvFreeAudioV3, ndiHandle, "NDIlib_recv_free_audio_v3")
	purego.RegisterLibFunc(&ndiRecvFreeMeta, ndiHandle, "NDIlib_recv_free_metadata")
	purego.RegisterLibFunc(&ndiRecvConnections, ndiHandle, "NDIlib_recv_get_no_connections")

	// Routing
	purego.RegisterLibFunc(&ndiRoutingCreate, ndiHandle, "NDIlib_routing_create")
	purego.RegisterLibFunc(&ndiRoutingDestroy, ndiHandle, "NDIlib_routing_destroy")
	purego.RegisterLibFunc(&ndiRoutingChange, ndiHandle, "NDIlib_routing_change")
	purego.RegisterLibFunc(&ndiRoutingClear, ndiHandle, "NDIlib_routing_clear")
	purego.RegisterLibFunc(&ndiRoutingConns, ndiHandle, "NDIlib_routing_get_no_connections")
	purego.RegisterLibFunc(&ndiRoutingName, ndiHandle, "NDIlib_routing_get_source_name")

	return nil
}

// IsNativeAvailable reports whether the NDI runtime library can be loaded.
func IsNativeAvailable() bool { return loadNDI() == nil }

// NativeEngine drives the NDI SDK runtime. The SDK is process-wide: every
// NativeEngine shares one initialize/shutdown lifecycle.
type NativeEngine struct{}

var _ Engine = (*NativeEngine)(nil)

// NewNativeEngine loads the NDI runtime. It fails with ErrEngineUnavailable
// when no library can be found.
func NewNativeEngine() (Engine, error) {
	if err := loadNDI(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	return &NativeEngine{}, nil
}

func (*NativeEngine) Initialize() error {
	return nativeGuard.initialize(func() error {
		if !ndiInitialize() {
			return fmt.Errorf("%w: NDIlib_initialize failed", ErrEngineUnavailable)
		}
		return nil
	})
}

func (*NativeEngine) Shutdown() { nativeGuard.shutdown(ndiDestroy) }

func (*NativeEngine) Version() string { return goStringFromPtr(ndiVersion()) }

func (*NativeEngine) IsSupportedCPU() bool { return ndiIsSupportedCPU() }

func (*NativeEngine) NewFinder(cfg FinderConfig) (FinderHandle, error) {
	if err := nativeGuard.running(); err != nil {
		return nil, err
	}
	groups, ips := cstrList(cfg.Groups), cstrList(cfg.ExtraIPs)
	c := &cFindCreate{
		showLocalSources: cfg.ShowLocalSources,
		groups:           bytePtr(groups),
		extraIPs:         bytePtr(ips),
	}
	inst := ndiFindCreateV2(c)
	runtime.KeepAlive(groups)
	runtime.KeepAlive(ips)
	if inst == 0 {
		return nil, errors.New("NDIlib_find_create_v2 returned NULL")
	}
	return &nativeFinder{inst: inst}, nil
}

func (*NativeEngine) NewSender(cfg SenderConfig) (SenderHandle, error) {
	if err := nativeGuard.running(); err != nil {
		return nil, err
	}
	name, groups := cstr(cfg.Name), cstrList(cfg.Groups)
	c := &cSendCreate{
		name:       bytePtr(name),
		groups:     bytePtr(groups),
		clockVideo: cfg.ClockVideo,
		clockAudio: cfg.ClockAudio,
	}
	inst := ndiSendCreate(c)
	runtime.KeepAlive(name)
	runtime.KeepAlive(groups)
	if inst == 0 {
		return nil, errors.New("NDIlib_send_create returned NULL")
	}
	return &nativeSender{inst: inst}, nil
}

func (*NativeEngine) NewReceiver(cfg ReceiverConfig) (ReceiverHandle, error) {
	if err := nativeGuard.running(); err != nil {
		return nil, err
	}
	srcName, srcURL, name := cstr(cfg.Source.Name), cstrOrNil(cfg.Source.Address), cstrOrNil(cfg.Name)
	c := &cRecvCreateV3{
		source:           cSource{name: bytePtr(srcName), urlAddress: bytePtr(srcURL)},
		colorFormat:      nativeColorFormat(cfg.ColorFormat),
		bandwidth:        nativeBandwidth(cfg.Bandwidth),
		allowVideoFields: cfg.AllowVideoFields,
		name:             bytePtr(name),
	}
	inst := ndiRecvCreateV3(c)
	runtime.KeepAlive(srcName)
	runtime.KeepAlive(srcURL)
	runtime.KeepAlive(name)
	if inst == 0 {
		return nil, errors.New("NDIlib_recv_create_v3 returned NULL")
	}
	return &nativeReceiver{inst: inst, frames: make(map[Frame]any)}, nil
}

func (*NativeEngine) NewRouter(cfg RouterConfig) (RouterHandle, error) {
	if err := nativeGuard.running(); err != nil {
		return nil, err
	}
	name, groups := cstr(cfg.Name), cstrList(cfg.Groups)
	c := &cRoutingCreate{name: bytePtr(name), groups: bytePtr(groups)}
	inst := ndiRoutingCreate(c)
	runtime.KeepAlive(name)
	runtime.KeepAlive(groups)
	if inst == 0 {
		return nil, errors.New("NDIlib_routing_create returned NULL")
	}
	return &nativeRouter{inst: inst}, nil
}

func nativeColorFormat(c ColorFormat) int32 {
	switch c {
	case ColorFormatUYVYBGRA:
		return ndiColorUYVYBGRA
	case ColorFormatRGBXRGBA:
		return ndiColorRGBXRGBA
	case ColorFormatUYVYRGBA:
		return ndiColorUYVYRGBA
	case ColorFormatFastest:
		return ndiColorFastest
	case ColorFormatBest:
		return ndiColorBest
	default:
		return ndiColorBGRXBGRA
	}
}

func nativeBandwidth(b Bandwidth) int32 {
	switch b {
	case BandwidthLowest:
		return ndiBandwidthLowest
	case BandwidthAudioOnly:
		return ndiBandwidthAudioOnly
	case BandwidthMetadataOnly:
		return ndiBandwidthMetadataOnly
	default:
		return ndiBandwidthHighest
	}
}

func timeoutMs(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(min(d.Milliseconds(), int64(^uint32(0)>>1)))
}

type nativeFinder struct{ inst uintptr }

func (f *nativeFinder) Wait(timeout time.Duration) bool { return ndiFindWait(f.inst, timeoutMs(timeout)) }

func (f *nativeFinder) Sources() []Source {
	var n uint32
	ptr := ndiFindGetSources(f.inst, &n)
	if ptr == 0 || n == 0 {
		return nil
	}
	// The array belongs to the finder and is replaced on the next call, so
	// copy it out now.
	raw := unsafe.Slice((*cSource)(unsafe.Pointer(ptr)), n)
	out := make([]Source, len(raw))
	for i, s := range raw {
		out[i] = goSource(s)
	}
	return out
}

func (f *nativeFinder) Destroy() { ndiFindDestroy(f.inst) }

type nativeSender struct{ inst uintptr }

func (s *nativeSender) SendVideo(v *VideoFrame) error {
	meta := cstrOrNil(v.Metadata)
	c := &cVideoFrameV2{
		xres:               int32(v.Width),
		yres:               int32(v.Height),
		fourCC:             uint32(v.FourCC),
		frameRateN:         int32(v.FrameRate.N),
		frameRateD:         int32(v.FrameRate.D),
		pictureAspectRatio: v.AspectRatio,
		frameFormatType:    int32(v.Format),
		timecode:           int64(v.Timecode),
		data:               unsafe.Pointer(unsafe.SliceData(v.Data)),
		lineStride:         int32(v.Stride),
		metadata:           bytePtr(meta),
	}
	ndiSendVideoV2(s.inst, c)
	runtime.KeepAlive(v)
	runtime.KeepAlive(meta)
	return nil
}

func (s *nativeSender) SendAudio(a *AudioFrame) error {
	meta := cstrOrNil(a.Metadata)
	c := &cAudioFrameV3{
		sampleRate:    int32(a.SampleRate),
		channels:      int32(a.Channels),
		samples:       int32(a.Samples),
		timecode:      int64(a.Timecode),
		fourCC:        uint32(a.FourCC),
		data:          unsafe.Pointer(unsafe.SliceData(a.Data)),
		channelStride: int32(a.ChannelStride),
		metadata:      bytePtr(meta),
	}
	ndiSendAudioV3(s.inst, c)
	runtime.KeepAlive(a)
	runtime.KeepAlive(meta)
	return nil
}

func (s *nativeSender) SendMetadata(m *MetadataFrame) error {
	data := cstr(m.Data)
	c := &cMetadataFrame{
		length:   int32(len(m.Data) + 1),
		timecode: int64(m.Timecode),
		data:     bytePtr(data),
	}
	ndiSendMetadata(s.inst, c)
	runtime.KeepAlive(data)
	return nil
}

func (s *nativeSender) Connections(timeout time.Duration) int {
	return int(ndiSendConnections(s.inst, timeoutMs(timeout)))
}

func (s *nativeSender) SourceName() string { return sourceNameAt(ndiSendSourceName(s.inst)) }

func (s *nativeSender) Destroy() { ndiSendDestroy(s.inst) }

type nativeReceiver struct {
	inst uintptr

	mu     sync.Mutex
	frames map[Frame]any // received frame -> C struct to free
}

func (r *nativeReceiver) Capture(kind FrameKind, timeout time.Duration) (Frame, error) {
	var (
		v *cVideoFrameV2
		a *cAudioFrameV3
		m *cMetadataFrame
	)
	switch kind {
	case FrameKindVideo:
		v = new(cVideoFrameV2)
	case FrameKindAudio:
		a = new(cAudioFrameV3)
	case FrameKindMetadata:
		m = new(cMetadataFrame)
	default:
		v, a, m = new(cVideoFrameV2), new(cAudioFrameV3), new(cMetadataFrame)
	}

	var fr Frame
	var c any
	switch ndiRecvCaptureV3(r.inst, v, a, m, timeoutMs(timeout)) {
	case ndiFrameVideo:
		fr, c = goVideoFrame(v), v
	case ndiFrameAudio:
		fr, c = goAudioFrame(a), a
	case ndiFrameMetadata:
		fr, c = goMetadataFrame(m), m
	case ndiFrameError:
		return nil, errors.New("NDI receiver lost its connection")
	default:
		// ndiFrameNone and ndiFrameStatusChange carry no frame.
		return nil, nil
	}
	r.mu.Lock()
	r.frames[fr] = c
	r.mu.Unlock()
	return fr, nil
}

func (r *nativeReceiver) Free(fr Frame) {
	r.mu.Lock()
	c, ok := r.frames[fr]
	delete(r.frames, fr)
	r.mu.Unlock()
	if !ok {
		return
	}
	switch c := c.(type) {
	case *cVideoFrameV2:
		ndiRecvFreeVideoV2(r.inst, c)
	case *cAudioFrameV3:
		ndiRecvFreeAudioV3(r.inst, c)
	case *cMetadataFrame:
		ndiRecvFreeMeta(r.inst, c)
	}
}

func (r *nativeReceiver) Connections() int { return int(ndiRecvConnections(r.inst)) }

func (r *nativeReceiver) Destroy() { ndiRecvDestroy(r.inst) }

type nativeRouter struct{ inst uintptr }

func (r *nativeRouter) Change(src Source) bool {
	name, url := cstr(src.Name), cstrOrNil(src.Address)
	c := &cSource{name: bytePtr(name), urlAddress: bytePtr(url)}
	ok := ndiRoutingChange(r.inst, c)
	runtime.KeepAlive(name)
	runtime.KeepAlive(url)
	return ok
}

func (r *nativeRouter) Clear() bool { return ndiRoutingClear(r.inst) }

func (r *nativeRouter) Connections(timeout time.Duration) int {
	return int(ndiRoutingConns(r.inst, timeoutMs(timeout)))
}

func (r *nativeRouter) SourceName() string { return sourceNameAt(ndiRoutingName(r.inst)) }

func (r *nativeRouter) Destroy() { ndiRoutingDestroy(r.inst) }

// goVideoFrame wraps SDK memory without copying. Data is valid until the
// frame is freed.
func goVideoFrame(c *cVideoFrameV2) *VideoFrame {
	fourCC := FourCC(c.fourCC)
	w, h, stride := int(c.xres), int(c.yres), int(c.lineStride)
	v := &VideoFrame{
		Width:       w,
		Height:      h,
		FrameRate:   FrameRate{N: int(c.frameRateN), D: int(c.frameRateD)},
		AspectRatio: c.pictureAspectRatio,
		FourCC:      fourCC,
		Format:      FrameFormat(c.frameFormatType),
		Stride:      stride,
		Metadata:    goStringN(uintptr(c.metadata), ndiMaxString),
		Timecode:    Ticks(c.timecode),
		Timestamp:   Ticks(c.timestamp),
	}
	if c.data != nil {
		v.Data = unsafe.Slice((*byte)(c.data), fourCC.videoBufferSize(stride, w, h))
	}
	return v
}

func goAudioFrame(c *cAudioFrameV3) *AudioFrame {
	a := &AudioFrame{
		SampleRate:    int(c.sampleRate),
		Channels:      int(c.channels),
		Samples:       int(c.samples),
		ChannelStride: int(c.channelStride),
		FourCC:        FourCC(c.fourCC),
		Metadata:      goStringN(uintptr(c.metadata), ndiMaxString),
		Timecode:      Ticks(c.timecode),
		Timestamp:     Ticks(c.timestamp),
	}
	if c.data != nil {
		a.Data = unsafe.Slice((*byte)(c.data), a.ChannelStride*a.Channels)
	}
	return a
}

func goMetadataFrame(c *cMetadataFrame) *MetadataFrame {
	return &MetadataFrame{
		Data:     goStringN(uintptr(c.data), ndiMaxString),
		Timecode: Ticks(c.timecode),
	}
}

func goSource(s cSource) Source {
	return Source{
		Name:    goStringFromPtr(uintptr(s.name)),
		Address: goStringFromPtr(uintptr(s.urlAddress)),
	}
}

func sourceNameAt(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	return goSource(*(*cSource)(unsafe.Pointer(ptr))).Name
}

// cstr returns s as a NUL-terminated byte slice.
func cstr(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// cstrOrNil is cstr, except that the empty string becomes NULL.
func cstrOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return cstr(s)
}

// cstrList joins values the way the SDK expects lists: comma separated, or
// NULL for the default.
func cstrList(values []string) []byte {
	return cstrOrNil(strings.Join(values, ","))
}

func bytePtr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
