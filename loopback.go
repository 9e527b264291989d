package ndi

import (
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const loopbackVersion = "6.0.0.0"

// Receive queue depths. The oldest frame is dropped when a queue is full.
const (
	loopVideoQueue    = 4
	loopAudioQueue    = 16
	loopMetadataQueue = 32
)

const defaultGroup = "public"

// LoopbackConfig configures a LoopbackEngine.
type LoopbackConfig struct {
	Network *LoopbackNetwork // shared network (default: a private one)
	Machine string           // machine name sources advertise (default: hostname)
	MTU     int              // wire packet size (default: DefaultMTU)
}

// LoopbackEngine is an in-process Engine. Sources advertised through it are
// visible to every engine on the same LoopbackNetwork, and frames cross it
// as RTP packets, so senders never share memory with receivers.
type LoopbackEngine struct {
	guard   engineGuard
	net     *LoopbackNetwork
	machine string
	mtu     int

	held atomic.Int64
}

var _ Engine = (*LoopbackEngine)(nil)

// NewLoopbackEngine creates a loopback engine.
func NewLoopbackEngine(cfg LoopbackConfig) *LoopbackEngine {
	if cfg.Network == nil {
		cfg.Network = NewLoopbackNetwork()
	}
	if cfg.Machine == "" {
		cfg.Machine = "LOOPBACK"
		if h, err := os.Hostname(); err == nil && h != "" {
			cfg.Machine = h
		}
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	return &LoopbackEngine{
		net:     cfg.Network,
		machine: strings.ToUpper(cfg.Machine),
		mtu:     cfg.MTU,
	}
}

func (e *LoopbackEngine) Initialize() error {
	return e.guard.initialize(func() error { return nil })
}

func (e *LoopbackEngine) Shutdown() { e.guard.shutdown(func() {}) }

func (e *LoopbackEngine) Version() string { return "NDI SDK LOOPBACK " + loopbackVersion }

func (e *LoopbackEngine) IsSupportedCPU() bool { return true }

// Network returns the network the engine advertises on.
func (e *LoopbackEngine) Network() *LoopbackNetwork { return e.net }

// FramesHeld returns the number of captured frames not yet freed.
func (e *LoopbackEngine) FramesHeld() int64 { return e.held.Load() }

func (e *LoopbackEngine) NewFinder(cfg FinderConfig) (FinderHandle, error) {
	if err := e.guard.running(); err != nil {
		return nil, err
	}
	return &loopFinder{e: e, cfg: cfg}, nil
}

func (e *LoopbackEngine) NewSender(cfg SenderConfig) (SenderHandle, error) {
	if err := e.guard.running(); err != nil {
		return nil, err
	}
	src := e.net.publish(e.machine, cfg.Name, cfg.Groups, nil)
	return &loopSender{
		e:    e,
		src:  src,
		cfg:  cfg,
		pack: newPacketizer(rand.Uint32(), e.mtu),
	}, nil
}

func (e *LoopbackEngine) NewReceiver(cfg ReceiverConfig) (ReceiverHandle, error) {
	if err := e.guard.running(); err != nil {
		return nil, err
	}
	r := &loopReceiver{
		e:   e,
		cfg: cfg,
		key: sourceKey(cfg.Source),
		queues: [...]chan Frame{
			FrameKindVideo:    make(chan Frame, loopVideoQueue),
			FrameKindAudio:    make(chan Frame, loopAudioQueue),
			FrameKindMetadata: make(chan Frame, loopMetadataQueue),
		},
	}
	e.net.connect(r, r.key)
	return r, nil
}

func (e *LoopbackEngine) NewRouter(cfg RouterConfig) (RouterHandle, error) {
	if err := e.guard.running(); err != nil {
		return nil, err
	}
	r := &loopRouter{e: e}
	r.src = e.net.publish(e.machine, cfg.Name, cfg.Groups, r)
	return r, nil
}

// sink consumes whole frames from a source's hub.
type sink interface {
	deliver(*wireFrame)
	attached(*loopSource)
}

// hub fans frames out to the sinks attached to one source.
type hub struct {
	mu      sync.Mutex
	sinks   map[sink]struct{}
	changed chan struct{}
}

func newHub() *hub {
	return &hub{sinks: make(map[sink]struct{}), changed: make(chan struct{})}
}

// notify must be called with h.mu held.
func (h *hub) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

func (h *hub) attach(s sink) {
	h.mu.Lock()
	h.sinks[s] = struct{}{}
	h.notify()
	h.mu.Unlock()
}

func (h *hub) detach(s sink) {
	h.mu.Lock()
	delete(h.sinks, s)
	h.notify()
	h.mu.Unlock()
}

func (h *hub) detachAll() []sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]sink, 0, len(h.sinks))
	for s := range h.sinks {
		out = append(out, s)
	}
	clear(h.sinks)
	h.notify()
	return out
}

func (h *hub) fanout(wf *wireFrame) {
	h.mu.Lock()
	out := make([]sink, 0, len(h.sinks))
	for s := range h.sinks {
		out = append(out, s)
	}
	h.mu.Unlock()
	for _, s := range out {
		s.deliver(wf)
	}
}

// waitCount returns the sink count, waiting up to timeout for it to become
// non-zero.
func (h *hub) waitCount(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		n, ch := len(h.sinks), h.changed
		h.mu.Unlock()
		remaining := time.Until(deadline)
		if n > 0 || remaining <= 0 {
			return n
		}
		t := time.NewTimer(remaining)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
		}
	}
}

// loopSource is one advertised endpoint.
type loopSource struct {
	Source
	machine string
	groups  []string
	hub     *hub
	router  *loopRouter // non-nil for routing sources
}

func (s *loopSource) inGroups(groups []string) bool {
	if len(groups) == 0 {
		groups = []string{defaultGroup}
	}
	for _, g := range groups {
		for _, h := range s.groups {
			if strings.EqualFold(g, h) {
				return true
			}
		}
	}
	return false
}

// sourceKey is how receivers wait for a source: by address, or by name
// when the caller only knows the name.
func sourceKey(s Source) string {
	if s.Address != "" {
		return s.Address
	}
	return "name:" + s.Name
}

// LoopbackNetwork is the shared medium loopback engines advertise on. Use
// one network for engines that should see each other.
type LoopbackNetwork struct {
	mu       sync.Mutex
	nextPort int
	ports    map[string]int // advertised name -> last port, reused on republish
	sources  map[string]*loopSource
	pending  map[string]map[sink]struct{}
	changed  chan struct{}
}

// NewLoopbackNetwork creates an empty network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		nextPort: 5960,
		ports:    make(map[string]int),
		sources:  make(map[string]*loopSource),
		pending:  make(map[string]map[sink]struct{}),
		changed:  make(chan struct{}),
	}
}

// notify must be called with n.mu held.
func (n *LoopbackNetwork) notify() {
	close(n.changed)
	n.changed = make(chan struct{})
}

func (n *LoopbackNetwork) publish(machine, stream string, groups []string, router *loopRouter) *loopSource {
	if len(groups) == 0 {
		groups = []string{defaultGroup}
	}
	name := advertisedName(machine, stream)

	n.mu.Lock()
	defer n.mu.Unlock()
	port, ok := n.ports[name]
	if !ok || n.sources[loopAddress(port)] != nil {
		port = n.nextPort
		n.nextPort++
		n.ports[name] = port
	}
	src := &loopSource{
		Source:  Source{Name: name, Address: loopAddress(port)},
		machine: machine,
		groups:  slices.Clone(groups),
		hub:     newHub(),
		router:  router,
	}
	n.sources[src.Address] = src

	for _, key := range []string{src.Address, "name:" + name} {
		for s := range n.pending[key] {
			src.hub.attach(s)
			s.attached(src)
		}
		delete(n.pending, key)
	}
	n.notify()
	return src
}

func loopAddress(port int) string { return fmt.Sprintf("127.0.0.1:%d", port) }

// withdraw removes src. Its sinks wait for the address to be published
// again.
func (n *LoopbackNetwork) withdraw(src *loopSource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.sources, src.Address)
	for _, s := range src.hub.detachAll() {
		key := src.Address
		if r, ok := s.(*loopReceiver); ok {
			key = r.key
		}
		n.addPending(key, s)
		s.attached(nil)
	}
	n.notify()
}

// addPending must be called with n.mu held.
func (n *LoopbackNetwork) addPending(key string, s sink) {
	m := n.pending[key]
	if m == nil {
		m = make(map[sink]struct{})
		n.pending[key] = m
	}
	m[s] = struct{}{}
}

// lookup resolves a key to a live source. Must be called with n.mu held.
func (n *LoopbackNetwork) lookup(key string) *loopSource {
	if src := n.sources[key]; src != nil {
		return src
	}
	if name, ok := strings.CutPrefix(key, "name:"); ok {
		for _, src := range n.sources {
			if src.Name == name {
				return src
			}
		}
	}
	return nil
}

// connect attaches s to key now, or as soon as it is published.
func (n *LoopbackNetwork) connect(s sink, key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if src := n.lookup(key); src != nil {
		src.hub.attach(s)
		s.attached(src)
		return
	}
	n.addPending(key, s)
}

func (n *LoopbackNetwork) disconnect(s sink, keys ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range keys {
		n.detachLocked(s, key)
	}
}

func (n *LoopbackNetwork) detachLocked(s sink, key string) {
	if key == "" {
		return
	}
	if src := n.lookup(key); src != nil {
		src.hub.detach(s)
	}
	if m := n.pending[key]; m != nil {
		delete(m, s)
		if len(m) == 0 {
			delete(n.pending, key)
		}
	}
	s.attached(nil)
}

// retarget moves router r from its current upstream to the source named by
// key. An empty key only detaches. It fails for keys that resolve to no live
// source and for targets that would route back into r.
func (n *LoopbackNetwork) retarget(r *loopRouter, key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	var dst *loopSource
	if key != "" {
		dst = n.lookup(key)
		if dst == nil || n.loops(dst, r) {
			return false
		}
	}
	n.detachLocked(r, r.target)
	r.target = ""
	if dst != nil {
		dst.hub.attach(r)
		r.attached(dst)
	}
	return true
}

// loops reports whether following routers from dst reaches r.
func (n *LoopbackNetwork) loops(dst *loopSource, r *loopRouter) bool {
	seen := make(map[*loopRouter]bool)
	for dst != nil && dst.router != nil {
		if dst.router == r || seen[dst.router] {
			return true
		}
		seen[dst.router] = true
		dst = n.sources[dst.router.target]
	}
	return false
}

// snapshot returns what a finder on machine with cfg sees, sorted by
// address.
func (n *LoopbackNetwork) snapshot(machine string, cfg FinderConfig) ([]Source, <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Source, 0, len(n.sources))
	for _, src := range n.sources {
		if src.machine == machine && !cfg.ShowLocalSources {
			continue
		}
		if !src.inGroups(cfg.Groups) {
			continue
		}
		out = append(out, src.Source)
	}
	slices.SortFunc(out, func(a, b Source) int { return strings.Compare(a.Address, b.Address) })
	return out, n.changed
}

// Sources returns every source on the network regardless of group.
func (n *LoopbackNetwork) Sources() []Source {
	srcs, _ := n.snapshot("", FinderConfig{ShowLocalSources: true, Groups: n.groups()})
	return srcs
}

func (n *LoopbackNetwork) groups() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, src := range n.sources {
		out = append(out, src.groups...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type loopFinder struct {
	e    *LoopbackEngine
	cfg  FinderConfig
	mu   sync.Mutex
	seen string
}

func snapshotKey(srcs []Source) string {
	var b strings.Builder
	for _, s := range srcs {
		b.WriteString(s.Address)
		b.WriteByte('|')
		b.WriteString(s.Name)
		b.WriteByte(';')
	}
	return b.String()
}

func (f *loopFinder) Wait(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		srcs, ch := f.e.net.snapshot(f.e.machine, f.cfg)
		key := snapshotKey(srcs)
		f.mu.Lock()
		changed := key != f.seen
		f.seen = key
		f.mu.Unlock()
		if changed {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		t := time.NewTimer(remaining)
		select {
		case <-ch:
			t.Stop()
		case <-t.C:
			return false
		}
	}
}

func (f *loopFinder) Sources() []Source {
	srcs, _ := f.e.net.snapshot(f.e.machine, f.cfg)
	return srcs
}

func (f *loopFinder) Destroy() {}

// pacer sleeps so that units (frames or samples) leave at rate n/d per
// second. It resets when it falls more than a second behind.
type pacer struct {
	mu    sync.Mutex
	base  time.Time
	units int64
	n, d  int64
}

func (p *pacer) pace(n, d, units int64) {
	p.mu.Lock()
	now := time.Now()
	if p.base.IsZero() || p.n != n || p.d != d {
		p.base, p.units, p.n, p.d = now, 0, n, d
	}
	due := p.base.Add(unitsAt(p.units, n, d))
	if now.Sub(due) > time.Second {
		p.base, p.units, due = now, 0, now
	}
	p.units += units
	p.mu.Unlock()
	if wait := time.Until(due); wait > 0 {
		time.Sleep(wait)
	}
}

// unitsAt is the offset of unit u at rate n/d, exact without overflowing
// for long runs.
func unitsAt(u, n, d int64) time.Duration {
	whole := u / n * d
	return time.Duration(whole)*time.Second + time.Duration(u%n*d*int64(time.Second)/n)
}

type loopSender struct {
	e    *LoopbackEngine
	src  *loopSource
	cfg  SenderConfig
	pack *packetizer

	videoClock pacer
	audioClock pacer
}

func nowTicks() Ticks { return Ticks(time.Now().UnixNano() / 100) }

func stamp(tc Ticks) (Ticks, Ticks) {
	now := nowTicks()
	if tc == TimecodeSynthesize {
		tc = now
	}
	return tc, now
}

func (s *loopSender) SendVideo(v *VideoFrame) error {
	if s.cfg.ClockVideo {
		s.videoClock.pace(int64(v.FrameRate.N), int64(v.FrameRate.D), 1)
	}
	out := *v
	out.Timecode, out.Timestamp = stamp(v.Timecode)
	wf, err := s.pack.video(&out)
	if err != nil {
		return err
	}
	s.src.hub.fanout(wf)
	return nil
}

func (s *loopSender) SendAudio(a *AudioFrame) error {
	if s.cfg.ClockAudio {
		s.audioClock.pace(int64(a.SampleRate), 1, int64(a.Samples))
	}
	out := *a
	out.Timecode, out.Timestamp = stamp(a.Timecode)
	wf, err := s.pack.audio(&out)
	if err != nil {
		return err
	}
	s.src.hub.fanout(wf)
	return nil
}

func (s *loopSender) SendMetadata(m *MetadataFrame) error {
	out := *m
	out.Timecode, _ = stamp(m.Timecode)
	wf, err := s.pack.metadata(&out)
	if err != nil {
		return err
	}
	s.src.hub.fanout(wf)
	return nil
}

func (s *loopSender) Connections(timeout time.Duration) int { return s.src.hub.waitCount(timeout) }

func (s *loopSender) SourceName() string { return s.src.Name }

func (s *loopSender) Destroy() { s.e.net.withdraw(s.src) }

type loopReceiver struct {
	e        *LoopbackEngine
	cfg      ReceiverConfig
	key      string
	upstream atomic.Pointer[loopSource]
	closed   atomic.Bool

	mu     sync.Mutex // serializes enqueue
	queues [FrameKindMetadata + 1]chan Frame
}

func (r *loopReceiver) attached(src *loopSource) { r.upstream.Store(src) }

func (r *loopReceiver) deliver(wf *wireFrame) {
	if r.closed.Load() || !r.cfg.Bandwidth.Allows(wf.kind) {
		return
	}
	fr, err := depacketize(wf)
	if err != nil {
		return
	}
	if v, ok := fr.(*VideoFrame); ok {
		if v.Format != FrameFormatProgressive && !r.cfg.AllowVideoFields {
			v.Format = FrameFormatProgressive
		}
		swizzle(v, r.cfg.ColorFormat)
	}

	q := r.queues[fr.Kind()]
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		select {
		case q <- fr:
			return
		default:
		}
		select {
		case <-q:
		default:
		}
	}
}

func (r *loopReceiver) Capture(kind FrameKind, timeout time.Duration) (Frame, error) {
	if kind != FrameKindAny && (kind < FrameKindVideo || kind > FrameKindMetadata) {
		return nil, fmt.Errorf("loopback: cannot capture %s", kind)
	}
	if fr := r.poll(kind); fr != nil {
		r.e.held.Add(1)
		return fr, nil
	}
	if timeout <= 0 {
		return nil, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	var fr Frame
	if kind == FrameKindAny {
		select {
		case fr = <-r.queues[FrameKindVideo]:
		case fr = <-r.queues[FrameKindAudio]:
		case fr = <-r.queues[FrameKindMetadata]:
		case <-t.C:
			return nil, nil
		}
	} else {
		select {
		case fr = <-r.queues[kind]:
		case <-t.C:
			return nil, nil
		}
	}
	r.e.held.Add(1)
	return fr, nil
}

// poll takes a queued frame without waiting, video first.
func (r *loopReceiver) poll(kind FrameKind) Frame {
	for k := FrameKindVideo; k <= FrameKindMetadata; k++ {
		if kind != FrameKindAny && kind != k {
			continue
		}
		select {
		case fr := <-r.queues[k]:
			return fr
		default:
		}
	}
	return nil
}

func (r *loopReceiver) Free(Frame) { r.e.held.Add(-1) }

func (r *loopReceiver) Connections() int {
	if r.upstream.Load() != nil {
		return 1
	}
	return 0
}

func (r *loopReceiver) Destroy() {
	r.closed.Store(true)
	keys := []string{r.key}
	if up := r.upstream.Load(); up != nil {
		keys = append(keys, up.Address)
	}
	r.e.net.disconnect(r, keys...)
	for _, q := range r.queues[FrameKindVideo:] {
		for len(q) > 0 {
			<-q
		}
	}
}

type loopRouter struct {
	e        *LoopbackEngine
	src      *loopSource
	upstream atomic.Pointer[loopSource]

	mu     sync.Mutex // serializes route calls
	target string     // guarded by the network lock
}

func (r *loopRouter) attached(src *loopSource) {
	r.upstream.Store(src)
	if src != nil {
		r.target = src.Address
	}
}

func (r *loopRouter) deliver(wf *wireFrame) { r.src.hub.fanout(wf) }

func (r *loopRouter) Change(s Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.IsZero() {
		return false
	}
	return r.e.net.retarget(r, sourceKey(s))
}

func (r *loopRouter) Clear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.e.net.retarget(r, "")
}

func (r *loopRouter) Connections(timeout time.Duration) int { return r.src.hub.waitCount(timeout) }

func (r *loopRouter) SourceName() string { return r.src.Name }

func (r *loopRouter) Destroy() {
	r.Clear()
	r.e.net.withdraw(r.src)
}
