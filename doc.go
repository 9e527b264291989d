// Package ndi wraps the NDI runtime for Go: source discovery, sending,
// receiving and routing of video, audio and metadata frames.
//
// Key pieces include:
//   - Runtime, the process-wide engine context that creates sessions
//   - Finder and Discover for locating sources on the network
//   - Sender, Receiver and Router sessions with explicit Destroy
//   - VideoFrame, AudioFrame and MetadataFrame with shape validation
//   - TestPattern and Pump for generating traffic
//
// # Architecture
//
//	Open(Engine) -> Runtime -> Find / Send / Receive / Routing -> session
//	session call -> dispatcher -> worker pool -> engine handle
//
// Every blocking engine call runs on a bounded worker pool and is exposed
// both as a Future and as a context-aware synchronous method. Waits are
// split into short slices so Destroy can cancel them; Destroy then drains
// in-flight calls before releasing the engine handle.
//
// Received frames are leased: call Release when done. Destroying a
// receiver reclaims anything still held and reports ErrFramesOutstanding.
//
// # Engines
//
// NewNativeEngine loads the NDI SDK runtime with purego (CGO_ENABLED=0).
// Set NDI_LIB_PATH to the directory containing libndi, or rely on the
// NDI_RUNTIME_DIR_V6 variable set by the SDK installer.
//
// NewLoopbackEngine is an in-process engine for tests and demos. Engines
// sharing a LoopbackNetwork see each other's sources; frames cross it as
// RTP packets.
//
// # Build Tags
//
// The native engine builds on darwin and linux. On other platforms
// NewNativeEngine returns ErrUnsupportedPlatform.
package ndi
