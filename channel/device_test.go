package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/go-gpfifo/tracksem"
	"github.com/stretchr/testify/require"
)

// fakeDevice completes work only when told to, or immediately, if
// autoComplete is set
type fakeDevice struct {
	caps         []CopyEngineCaps
	numEntries   uint32
	eccEnabled   bool
	ecc          atomic.Bool
	autoComplete atomic.Bool
	barriers     atomic.Int64

	mu sync.Mutex
	// negative disables
	failSemaphoresAfter int
	failChannelsAfter   int
	failCopyEngine      bool
	semaphores          int
	channels            []*fakeHWChannel
	pushbuffers         map[uint64][]byte
	nextVA              uint64
}

type fakeHWChannel struct {
	dev        *fakeDevice
	id         uint32
	numEntries uint32
	notifier   atomic.Uint32
	put        atomic.Uint32
	mu         sync.Mutex
	// releases emitted, not yet executed by the "device"
	pending    []fakeRelease
	entries    map[uint32]uint64
	copyEngine int
	closed     bool
}

type fakeRelease struct {
	sem     tracksem.Semaphore
	payload uint32
}

type (
	fakeCopyEngine struct{ dev *fakeDevice }
	fakeHost       struct{ dev *fakeDevice }
)

func defaultTestCaps() []CopyEngineCaps {
	return []CopyEngineCaps{
		{Supported: true, GraphicsReserved: true, Sysmem: true, PhysicalMask: 0b1},
		{Supported: true, Sysmem: true, SysmemRead: true, SysmemWrite: true, PhysicalMask: 0b10},
		{Supported: true, Sysmem: true, SysmemRead: true, SysmemWrite: true, PhysicalMask: 0b100},
		{Supported: true, P2P: true, LinkP2P: true, PhysicalMask: 0b11000},
	}
}

func newFakeDevice(numEntries uint32) *fakeDevice {
	d := &fakeDevice{
		caps:                defaultTestCaps(),
		numEntries:          numEntries,
		failSemaphoresAfter: -1,
		failChannelsAfter:   -1,
		pushbuffers:         make(map[uint64][]byte),
		nextVA:              0x10000,
	}
	d.autoComplete.Store(true)
	return d
}

func (d *fakeDevice) Name() string { return `fake` }

func (d *fakeDevice) CopyEngineCaps() []CopyEngineCaps { return d.caps }

func (d *fakeDevice) allocVA(size uint64) uint64 {
	va := d.nextVA
	d.nextVA += (size + 0xfff) &^ 0xfff
	return va
}

func (d *fakeDevice) AllocSemaphore() (tracksem.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failSemaphoresAfter == 0 {
		return tracksem.Semaphore{}, fmt.Errorf(`%w: semaphore`, ErrNoMemory)
	}
	if d.failSemaphoresAfter > 0 {
		d.failSemaphoresAfter--
	}
	d.semaphores++
	return tracksem.New(new(atomic.Uint32), d.allocVA(4)), nil
}

func (d *fakeDevice) FreeSemaphore(tracksem.Semaphore) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.semaphores--
}

func (d *fakeDevice) AllocChannel() (HWChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failChannelsAfter == 0 {
		return nil, fmt.Errorf(`%w: channel`, ErrNoMemory)
	}
	if d.failChannelsAfter > 0 {
		d.failChannelsAfter--
	}
	ch := &fakeHWChannel{
		dev:        d,
		id:         uint32(len(d.channels)) + 1,
		numEntries: d.numEntries,
		entries:    make(map[uint32]uint64),
		copyEngine: -1,
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDevice) AllocPushbuffer(size uint64) ([]byte, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	va := d.allocVA(size)
	mem := make([]byte, size)
	d.pushbuffers[va] = mem
	return mem, va, nil
}

func (d *fakeDevice) FreePushbuffer(gpuVA uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pushbuffers[gpuVA]; !ok {
		panic(`free of unknown pushbuffer`)
	}
	delete(d.pushbuffers, gpuVA)
}

func (d *fakeDevice) ECCEnabled() bool { return d.eccEnabled }

func (d *fakeDevice) ECCError() bool { return d.ecc.Load() }

func (d *fakeDevice) CopyEngine() CopyEngineHAL { return fakeCopyEngine{d} }

func (d *fakeDevice) Host() HostHAL { return fakeHost{d} }

func (d *fakeDevice) openChannels() (n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.channels {
		ch.mu.Lock()
		if !ch.closed {
			n++
		}
		ch.mu.Unlock()
	}
	return
}

func (d *fakeDevice) liveSemaphores() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.semaphores
}

func (d *fakeDevice) livePushbuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushbuffers)
}

func (c *fakeHWChannel) ID() uint32 { return c.id }

func (c *fakeHWChannel) NumEntries() uint32 { return c.numEntries }

func (c *fakeHWChannel) ErrorNotifier() uint32 { return c.notifier.Load() }

func (c *fakeHWChannel) AllocCopyEngine(index int) error {
	if c.dev.failCopyEngine {
		return fmt.Errorf(`%w: copy engine %d`, ErrNotSupported, index)
	}
	c.copyEngine = index
	return nil
}

func (c *fakeHWChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New(`already closed`)
	}
	c.closed = true
	return nil
}

// complete executes up to n of the pending releases, in order, or all of
// them, if n < 0
func (c *fakeHWChannel) complete(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ; n != 0 && len(c.pending) != 0; n-- {
		r := c.pending[0]
		c.pending = c.pending[1:]
		r.sem.Release(r.payload)
	}
}

func (c *fakeHWChannel) pendingReleases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (x fakeCopyEngine) Init(p *Push) { p.Write(0xce) }

func (x fakeCopyEngine) SemaphoreRelease(p *Push, sem tracksem.Semaphore, payload uint32) {
	p.Write(0x5e, uint32(sem.GPUAddress()), payload)
	c := p.Channel().hw.(*fakeHWChannel)
	c.mu.Lock()
	c.pending = append(c.pending, fakeRelease{sem: sem, payload: payload})
	c.mu.Unlock()
}

// opcode, address, payload
func (x fakeCopyEngine) SemaphoreReleaseSize() uint32 { return 12 }

func (x fakeHost) Init(p *Push) { p.Write(0x40) }

func (x fakeHost) SetGPFIFOEntry(ch HWChannel, index uint32, gpuVA uint64, size uint32) {
	c := ch.(*fakeHWChannel)
	c.mu.Lock()
	c.entries[index] = gpuVA<<16 | uint64(size)
	c.mu.Unlock()
}

func (x fakeHost) WriteGPPut(ch HWChannel, put uint32) {
	c := ch.(*fakeHWChannel)
	c.put.Store(put)
	if x.dev.autoComplete.Load() {
		c.complete(-1)
	}
}

func (x fakeHost) WriteBarrier() { x.dev.barriers.Add(1) }

type fakeIntrospector struct {
	err        error
	registered atomic.Pointer[Manager]
	unregister atomic.Int32
}

func (x *fakeIntrospector) Register(m *Manager) error {
	if x.err != nil {
		return x.err
	}
	x.registered.Store(m)
	return nil
}

func (x *fakeIntrospector) Unregister(m *Manager) {
	if x.registered.Load() != m {
		panic(`unregister of unknown manager`)
	}
	x.unregister.Add(1)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newTestManager creates a manager with small, fast settings, then stops the
// device from completing work, on its own
func newTestManager(t *testing.T, dev *fakeDevice, cfg *ManagerConfig) *Manager {
	t.Helper()
	if cfg == nil {
		cfg = new(ManagerConfig)
	}
	if cfg.PushbufferConfig == nil {
		cfg.PushbufferConfig = &pushbuffer.Config{Chunks: 4, ChunkSize: 4096, MaxPushSize: 256}
	}
	m, err := NewManager(testContext(t), dev, cfg)
	require.NoError(t, err)
	require.NoError(t, m.Wait(testContext(t)))
	dev.autoComplete.Store(false)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fakeHW returns the fake hardware channel, backing ch
func fakeHW(ch *Channel) *fakeHWChannel { return ch.hw.(*fakeHWChannel) }

// outstanding returns the ring occupancy, and the number of free diagnostic
// slots, of ch
func outstanding(ch *Channel) (pending uint32, free int) {
	ch.pool.mu.Lock()
	defer ch.pool.mu.Unlock()
	return ringDistance(ch.gpuGet, ch.cpuPut, ch.numEntries), ch.free.Len()
}
