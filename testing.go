package iio

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-iio/internal/interfaces"
)

// MockBackend provides an in-memory implementation of Backend for testing.
// It implements all optional interfaces and tracks method calls for verification.
//
// Input buffers produce an incrementing byte pattern; output buffers
// record what they were given. Transfers can be stalled to exercise
// cancellation.
type MockBackend struct {
	info *ContextInfo

	mu       sync.RWMutex
	attrs    map[string]string
	triggers map[int]int
	timeout  time.Duration
	closed   bool
	buffers  []*MockBuffer
	events   map[int]chan interfaces.Event

	// BackendBlocks makes buffers hand out backend-managed blocks instead
	// of falling back to emulated ones.
	BackendBlocks bool

	// Method call tracking
	readAttrCalls     int
	writeAttrCalls    int
	createBufferCalls int
}

// NewMockBackend creates a mock serving info. A nil info selects
// MockContextInfo().
func NewMockBackend(info *ContextInfo) *MockBackend {
	if info == nil {
		info = MockContextInfo()
	}
	m := &MockBackend{
		info:     info,
		attrs:    make(map[string]string),
		triggers: make(map[int]int),
		events:   make(map[int]chan interfaces.Event),
	}
	return m
}

// MockContextInfo describes a context with an input ADC, an output DAC
// and a trigger.
func MockContextInfo() *ContextInfo {
	chAttrs := []interfaces.ChannelAttr{{Name: "raw"}, {Name: "scale"}}
	return &ContextInfo{
		Name:        "mock",
		Description: "in-memory mock context",
		Attrs:       []interfaces.ContextAttr{{Name: "hw_model", Value: "mock"}},
		Devices: []interfaces.DeviceInfo{
			{
				ID: "iio:device0", Name: "adc", Label: "mock-adc",
				Attrs:       []string{"sampling_frequency"},
				DebugAttrs:  []string{"direct_reg_access"},
				BufferAttrs: []string{"length", "watermark"},
				Channels: []interfaces.ChannelInfo{
					{ID: "voltage0", ScanElement: true, Index: 0, Format: "le:s12/16>>4", Attrs: chAttrs},
					{ID: "voltage1", ScanElement: true, Index: 1, Format: "le:s12/16>>4", Attrs: chAttrs},
					{ID: "timestamp", ScanElement: true, Index: 2, Format: "le:S64/64>>0"},
					{ID: "temp", Name: "die", Index: -1, Attrs: []interfaces.ChannelAttr{{Name: "input"}}},
				},
			},
			{
				ID: "iio:device1", Name: "dac",
				Attrs:       []string{"sampling_frequency"},
				BufferAttrs: []string{"length"},
				Channels: []interfaces.ChannelInfo{
					{ID: "voltage0", Output: true, ScanElement: true, Index: 0, Format: "le:s16/16>>0", Attrs: chAttrs},
					{ID: "voltage1", Output: true, ScanElement: true, Index: 1, Format: "le:s16/16>>0", Attrs: chAttrs},
				},
			},
			{
				ID: "trigger0", Name: "mock-trigger",
				Attrs: []string{"frequency"},
			},
		},
	}
}

// Info returns the context description served by the mock.
func (m *MockBackend) Info() *ContextInfo { return m.info }

func attrKey(ref AttrRef) string {
	return fmt.Sprintf("%s/%d/%d/%t/%d/%s", ref.Type, ref.Dev, ref.Chan, ref.Output, ref.Buf, ref.File())
}

// SetAttr presets the value returned for an attribute.
func (m *MockBackend) SetAttr(ref AttrRef, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrs[attrKey(ref)] = value
}

// ReadAttr implements the Backend interface
func (m *MockBackend) ReadAttr(ref AttrRef, dst []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readAttrCalls++
	if m.closed {
		return 0, unix.EBADF
	}

	v, ok := m.attrs[attrKey(ref)]
	if !ok {
		return 0, unix.ENOENT
	}
	if len(dst) < len(v) {
		return 0, unix.EFBIG
	}
	return copy(dst, v), nil
}

// WriteAttr implements the Backend interface
func (m *MockBackend) WriteAttr(ref AttrRef, src []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeAttrCalls++
	if m.closed {
		return 0, unix.EBADF
	}

	m.attrs[attrKey(ref)] = string(src)
	return len(src), nil
}

// Close implements the Backend interface
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, ch := range m.events {
		close(ch)
	}
	m.events = make(map[int]chan interfaces.Event)
	return nil
}

// Trigger implements the TriggerBackend interface
func (m *MockBackend) Trigger(dev int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trig, ok := m.triggers[dev]
	if !ok {
		return -1, unix.ENODEV
	}
	return trig, nil
}

// SetTrigger implements the TriggerBackend interface
func (m *MockBackend) SetTrigger(dev, trig int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trig < 0 {
		delete(m.triggers, dev)
	} else {
		m.triggers[dev] = trig
	}
	return nil
}

// Version implements the VersionBackend interface
func (m *MockBackend) Version() (uint, uint, string, error) {
	return 0, 26, "mock", nil
}

// SetTimeout implements the TimeoutBackend interface
func (m *MockBackend) SetTimeout(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
	return nil
}

// CreateBuffer implements the BufferBackend interface
func (m *MockBackend) CreateBuffer(p BufferParams) (BackendBuffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createBufferCalls++
	if m.closed {
		return nil, unix.EBADF
	}
	if p.Idx != 0 {
		return nil, unix.EINVAL
	}

	b := &MockBuffer{
		params:        p,
		backendBlocks: m.BackendBlocks,
	}
	b.cond = sync.NewCond(&b.mu)
	m.buffers = append(m.buffers, b)
	return b, nil
}

// Buffers returns every buffer opened so far.
func (m *MockBackend) Buffers() []*MockBuffer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*MockBuffer(nil), m.buffers...)
}

// OpenEventStream implements the EventBackend interface
func (m *MockBackend) OpenEventStream(dev int) (BackendEvents, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, unix.EBADF
	}
	ch, ok := m.events[dev]
	if !ok {
		ch = make(chan interfaces.Event, 64)
		m.events[dev] = ch
	}
	return &mockEventStream{ch: ch, done: make(chan struct{})}, nil
}

// PushEvent queues an event for the device's event streams.
func (m *MockBackend) PushEvent(dev int, id uint64, timestamp int64) {
	m.mu.Lock()
	ch, ok := m.events[dev]
	if !ok {
		ch = make(chan interfaces.Event, 64)
		m.events[dev] = ch
	}
	m.mu.Unlock()

	ch <- interfaces.Event{ID: id, Timestamp: timestamp}
}

// Testing utility methods

// IsClosed returns true if the backend has been closed
func (m *MockBackend) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns the number of times each method has been called
func (m *MockBackend) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int{
		"read_attr":     m.readAttrCalls,
		"write_attr":    m.writeAttrCalls,
		"create_buffer": m.createBufferCalls,
	}
}

// MockBuffer is the backend state of a buffer opened on a MockBackend.
type MockBuffer struct {
	params        BufferParams
	backendBlocks bool

	mu        sync.Mutex
	cond      *sync.Cond
	enabled   bool
	cyclic    bool
	nbSamples int
	stalled   bool
	cancelled bool
	closed    bool
	counter   byte
	written   [][]byte

	enableCalls int
	cancelCalls int
}

// Params returns the parameters the buffer was opened with.
func (b *MockBuffer) Params() BufferParams { return b.params }

// Stall blocks every transfer until Resume or Cancel.
func (b *MockBuffer) Stall() {
	b.mu.Lock()
	b.stalled = true
	b.mu.Unlock()
}

// Resume releases stalled transfers.
func (b *MockBuffer) Resume() {
	b.mu.Lock()
	b.stalled = false
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Written returns copies of the payloads written to an output buffer.
func (b *MockBuffer) Written() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.written...)
}

// State returns the enable state last requested.
func (b *MockBuffer) State() (enabled, cyclic bool, nbSamples int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled, b.cyclic, b.nbSamples
}

// CancelCalls returns how many times Cancel was called.
func (b *MockBuffer) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelCalls
}

// Enable implements the BackendBuffer interface
func (b *MockBuffer) Enable(nbSamples int, enable, cyclic bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.enableCalls++
	if b.cancelled {
		return unix.EBADF
	}
	b.enabled, b.cyclic, b.nbSamples = enable, cyclic, nbSamples
	b.cond.Broadcast()
	return nil
}

// Cancel implements the BackendBuffer interface
func (b *MockBuffer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cancelCalls++
	b.cancelled = true
	b.cond.Broadcast()
}

// Close implements the BackendBuffer interface
func (b *MockBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
	return nil
}

// wait blocks while transfers are stalled. Called with b.mu held.
func (b *MockBuffer) wait(nonblock bool) error {
	for b.stalled && !b.cancelled {
		if nonblock {
			return unix.EAGAIN
		}
		b.cond.Wait()
	}
	if b.cancelled {
		return unix.EBADF
	}
	return nil
}

func (b *MockBuffer) fill(dst []byte) {
	for i := range dst {
		dst[i] = b.counter
		b.counter++
	}
}

// ReadBuf implements the StreamIO interface
func (b *MockBuffer) ReadBuf(dst []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.wait(false); err != nil {
		return 0, err
	}
	b.fill(dst)
	return len(dst), nil
}

// WriteBuf implements the StreamIO interface
func (b *MockBuffer) WriteBuf(src []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.wait(false); err != nil {
		return 0, err
	}
	b.written = append(b.written, append([]byte(nil), src...))
	return len(src), nil
}

// CreateBlock implements the BlockCreator interface
func (b *MockBuffer) CreateBlock(size int) (BackendBlock, []byte, error) {
	if !b.backendBlocks {
		return nil, nil, unix.ENOSYS
	}
	blk := &MockBlock{buf: b, data: make([]byte, size), fd: -1}
	return blk, blk.data, nil
}

// MockBlock is a backend-managed block of a MockBuffer.
type MockBlock struct {
	buf       *MockBuffer
	data      []byte
	fd        int
	enqueued  bool
	bytesUsed int
	noCPU     bool
}

// Enqueue implements the BackendBlock interface
func (k *MockBlock) Enqueue(bytesUsed int, cyclic bool) error {
	b := k.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancelled {
		return unix.EBADF
	}
	if k.enqueued {
		return unix.EPERM
	}
	k.enqueued = true
	k.bytesUsed = bytesUsed
	return nil
}

// Dequeue implements the BackendBlock interface
func (k *MockBlock) Dequeue(nonblock bool) error {
	b := k.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	if !k.enqueued {
		return unix.EPERM
	}
	if err := b.wait(nonblock); err != nil {
		return err
	}

	if b.params.TX {
		b.written = append(b.written, append([]byte(nil), k.data[:k.bytesUsed]...))
	} else {
		b.fill(k.data[:k.bytesUsed])
	}
	k.enqueued = false
	return nil
}

// Close implements the BackendBlock interface
func (k *MockBlock) Close() error { return nil }

// BytesUsed implements the BytesUsedBlock interface
func (k *MockBlock) BytesUsed() int { return k.bytesUsed }

// DMABUFFD implements the DMABUFBlock interface
func (k *MockBlock) DMABUFFD() int { return k.fd }

// DisableCPUAccess implements the DMABUFBlock interface
func (k *MockBlock) DisableCPUAccess(disable bool) error {
	k.noCPU = disable
	return nil
}

type mockEventStream struct {
	ch   chan interfaces.Event
	done chan struct{}
	once sync.Once
}

func (s *mockEventStream) Read(nonblock bool) (interfaces.Event, error) {
	if nonblock {
		select {
		case <-s.done:
			return interfaces.Event{}, unix.EINTR
		case ev, ok := <-s.ch:
			if !ok {
				return interfaces.Event{}, unix.EINTR
			}
			return ev, nil
		default:
			return interfaces.Event{}, unix.EAGAIN
		}
	}

	select {
	case <-s.done:
		return interfaces.Event{}, unix.EINTR
	case ev, ok := <-s.ch:
		if !ok {
			return interfaces.Event{}, unix.EINTR
		}
		return ev, nil
	}
}

func (s *mockEventStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Compile-time interface checks
var (
	_ Backend        = (*MockBackend)(nil)
	_ TriggerBackend = (*MockBackend)(nil)
	_ VersionBackend = (*MockBackend)(nil)
	_ TimeoutBackend = (*MockBackend)(nil)
	_ BufferBackend  = (*MockBackend)(nil)
	_ EventBackend   = (*MockBackend)(nil)
	_ BackendBuffer  = (*MockBuffer)(nil)
	_ StreamIO       = (*MockBuffer)(nil)
	_ BlockCreator   = (*MockBuffer)(nil)
	_ BackendBlock   = (*MockBlock)(nil)
	_ DMABUFBlock    = (*MockBlock)(nil)
)
