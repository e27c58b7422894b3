// Package platformtest provides a scriptable in-memory platform.Backend.
//
// The first stream activated on each resolved device is labelled "render"
// and the second "capture", which matches the order the engine opens them in.
// Every call is appended to Calls as "<label>.<op>" so tests can assert
// ordering, and every handle is counted so tests can assert nothing leaked.
package platformtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petems/loopback-tray/internal/platform"
)

// ErrInjected is the default error returned by failures set with Fail.
var ErrInjected = errors.New("injected failure")

// DefaultFormat is a 48kHz stereo float mix format.
var DefaultFormat = platform.WaveFormat{
	FormatTag:      platform.WaveFormatIEEEFloat,
	Channels:       2,
	SamplesPerSec:  48000,
	AvgBytesPerSec: 48000 * 8,
	BlockAlign:     8,
	BitsPerSample:  32,
}

// Step is one scripted result of CaptureClient.NextPacket.
type Step struct {
	Frames   uint32
	Flags    platform.BufferFlags
	Position uint64
	QPC      uint64
	Data     []byte
	Err      error
}

// Backend is a fake platform.Backend.
type Backend struct {
	mu sync.Mutex

	Format     platform.WaveFormat
	BufferSize uint32
	CounterVal int64
	Frequency  int64

	calls       []string
	failures    map[string]error
	steps       []Step
	live        map[string]int
	violations  []string
	outstanding bool
}

// New returns a fake backend with DefaultFormat.
func New() *Backend {
	return &Backend{
		Format:     DefaultFormat,
		BufferSize: DefaultFormat.SamplesPerSec,
		CounterVal: 1_000_000,
		Frequency:  10_000_000,
		failures:   make(map[string]error),
		live:       make(map[string]int),
	}
}

// Fail makes the named call ("render.start", "capture.next", "device.resolve"...)
// return err, or ErrInjected when err is nil.
func (b *Backend) Fail(call string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	b.failures[call] = err
}

// Clear removes an injected failure.
func (b *Backend) Clear(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, call)
}

// Queue appends scripted capture results. An exhausted script yields no data.
func (b *Backend) Queue(steps ...Step) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, steps...)
}

// QueueContiguous queues n packets of frames each, starting at position start.
func (b *Backend) QueueContiguous(n int, frames uint32, start uint64) {
	pos := start
	for i := 0; i < n; i++ {
		b.Queue(Step{Frames: frames, Position: pos})
		pos += uint64(frames)
	}
}

// Calls returns a copy of the call log.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Live returns the number of handles that were acquired and not released.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.live {
		n += c
	}
	return n
}

// LiveOf returns the outstanding count for one handle kind, e.g. "capture.stream".
func (b *Backend) LiveOf(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[kind]
}

// Violations lists contract violations seen: double releases, acquire while
// a packet is outstanding, buffer requests on a stopped stream.
func (b *Backend) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

func (b *Backend) record(call string) error {
	b.calls = append(b.calls, call)
	return b.failures[call]
}

func (b *Backend) acquire(kind string) {
	b.live[kind]++
}

func (b *Backend) release(kind string) {
	if b.live[kind] <= 0 {
		b.violations = append(b.violations, "double release of "+kind)
		return
	}
	b.live[kind]--
}

func (b *Backend) DefaultRenderDevice() (platform.Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("device.resolve"); err != nil {
		return nil, fmt.Errorf("%w: %w", platform.ErrNotFound, err)
	}
	b.acquire("device")
	return &device{b: b}, nil
}

func (b *Backend) Counter() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "counter")
	return b.CounterVal
}

func (b *Backend) CounterFrequency() int64 {
	return b.Frequency
}

type device struct {
	b         *Backend
	activated int
	released  bool
}

func (d *device) Activate() (platform.Stream, error) {
	b := d.b
	b.mu.Lock()
	defer b.mu.Unlock()
	label := "render"
	if d.activated > 0 {
		label = "capture"
	}
	d.activated++
	if err := b.record(label + ".activate"); err != nil {
		return nil, err
	}
	b.acquire(label + ".stream")
	return &stream{b: b, label: label}, nil
}

func (d *device) Release() {
	d.b.mu.Lock()
	defer d.b.mu.Unlock()
	d.b.calls = append(d.b.calls, "device.release")
	if d.released {
		d.b.violations = append(d.b.violations, "double release of device")
		return
	}
	d.released = true
	d.b.release("device")
}

type format struct {
	b     *Backend
	label string
	wave  platform.WaveFormat
	freed bool
}

func (f *format) Wave() platform.WaveFormat { return f.wave }

func (f *format) Free() {
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	f.b.calls = append(f.b.calls, f.label+".format.free")
	if f.freed {
		f.b.violations = append(f.b.violations, "double free of "+f.label+" format")
		return
	}
	f.freed = true
	f.b.release(f.label + ".format")
}

type stream struct {
	b        *Backend
	label    string
	started  bool
	released bool
}

func (s *stream) MixFormat() (platform.Format, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.record(s.label + ".mixformat"); err != nil {
		return nil, err
	}
	s.b.acquire(s.label + ".format")
	return &format{b: s.b, label: s.label, wave: s.b.Format}, nil
}

func (s *stream) Initialize(mode platform.ShareMode, flags platform.StreamFlags, bufferDuration int64, f platform.Format) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.record(s.label + ".initialize"); err != nil {
		return err
	}
	loopback := flags&platform.StreamFlagLoopback != 0
	if loopback != (s.label == "capture") {
		s.b.violations = append(s.b.violations, fmt.Sprintf("%s stream initialized with flags %#x", s.label, flags))
	}
	if bufferDuration <= 0 {
		return fmt.Errorf("invalid buffer duration %d", bufferDuration)
	}
	return nil
}

func (s *stream) BufferSize() (uint32, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.record(s.label + ".buffersize"); err != nil {
		return 0, err
	}
	return s.b.BufferSize, nil
}

func (s *stream) RenderClient() (platform.RenderClient, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.record(s.label + ".service"); err != nil {
		return nil, err
	}
	s.b.acquire(s.label + ".client")
	return &renderClient{s: s}, nil
}

func (s *stream) CaptureClient() (platform.CaptureClient, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.record(s.label + ".service"); err != nil {
		return nil, err
	}
	s.b.acquire(s.label + ".client")
	return &captureClient{s: s}, nil
}

func (s *stream) Start() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if err := s.b.record(s.label + ".start"); err != nil {
		return err
	}
	s.started = true
	return nil
}

func (s *stream) Stop() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.started = false
	return s.b.record(s.label + ".stop")
}

func (s *stream) Release() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.calls = append(s.b.calls, s.label+".stream.release")
	if s.started {
		s.b.violations = append(s.b.violations, s.label+" stream released while started")
	}
	if s.released {
		s.b.violations = append(s.b.violations, "double release of "+s.label+" stream")
		return
	}
	s.released = true
	s.b.release(s.label + ".stream")
}

type renderClient struct {
	s        *stream
	released bool
}

func (r *renderClient) GetBuffer(frames uint32) ([]byte, error) {
	b := r.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.record("render.getbuffer"); err != nil {
		return nil, err
	}
	return make([]byte, int(frames)*int(b.Format.BlockAlign)), nil
}

func (r *renderClient) ReleaseBuffer(frames uint32, flags platform.BufferFlags) error {
	b := r.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	call := "render.releasebuffer"
	if flags&platform.BufferFlagSilent != 0 {
		call += ".silent"
	}
	return b.record(call)
}

func (r *renderClient) Release() {
	b := r.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "render.client.release")
	if r.released {
		b.violations = append(b.violations, "double release of render client")
		return
	}
	r.released = true
	b.release("render.client")
}

type captureClient struct {
	s        *stream
	released bool
}

func (c *captureClient) NextPacket() (*platform.Packet, error) {
	b := c.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outstanding {
		b.violations = append(b.violations, "capture buffer acquired while another is outstanding")
	}
	if !c.s.started {
		b.violations = append(b.violations, "capture buffer requested on a stream that is not started")
	}
	if err := b.record("capture.next"); err != nil {
		return nil, err
	}
	if len(b.steps) == 0 {
		return nil, nil
	}
	step := b.steps[0]
	b.steps = b.steps[1:]
	if step.Err != nil {
		return nil, step.Err
	}
	data := step.Data
	if data == nil {
		data = make([]byte, int(step.Frames)*int(b.Format.BlockAlign))
		if step.Flags&platform.BufferFlagSilent == 0 {
			for i := range data {
				data[i] = 0x11
			}
		}
	}
	b.outstanding = true
	b.calls = append(b.calls, "capture.acquire")
	return &platform.Packet{
		Data:           data,
		Frames:         step.Frames,
		Flags:          step.Flags,
		DevicePosition: step.Position,
		QPCPosition:    step.QPC,
	}, nil
}

func (c *captureClient) ReleaseBuffer(frames uint32) error {
	b := c.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.outstanding {
		b.violations = append(b.violations, "capture buffer released without acquire")
	}
	b.outstanding = false
	return b.record("capture.release")
}

func (c *captureClient) Release() {
	b := c.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, "capture.client.release")
	if c.released {
		b.violations = append(b.violations, "double release of capture client")
		return
	}
	c.released = true
	b.release("capture.client")
}
