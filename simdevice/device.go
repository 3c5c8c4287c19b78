// Package simdevice implements an in-memory, asynchronous device, for use
// with the channel package. Each hardware channel is consumed by its own
// goroutine, which decodes the commands referenced by the ring, and executes
// them, releasing tracking semaphores as it goes.
//
// Faults may be injected, per channel (InjectChannelError), or device-wide
// (InjectECCError), as may allocation failures. Consumption may be suspended
// using Pause, during which Step and Drain execute entries synchronously, for
// deterministic tests.
package simdevice

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-gpfifo/channel"
	"github.com/joeycumines/go-gpfifo/tracksem"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/cpu"
)

const (
	// DefaultName is the default value for Config.Name.
	DefaultName = `sim0`
	// DefaultGPFIFOEntries is the default value for Config.GPFIFOEntries.
	DefaultGPFIFOEntries = 32
	// DefaultMaxSemaphores is the default value for Config.MaxSemaphores.
	DefaultMaxSemaphores = 256

	semaphoreBase   = 0x1_0000_0000
	semaphoreStride = 16
	pushbufferBase  = 0x10_0000_0000
	pushbufferAlign = 64 << 10
)

type (
	// Config models optional configuration, for New.
	Config struct {
		// Logger receives diagnostics, e.g. channel faults. It may be nil.
		Logger *logiface.Logger[logiface.Event]

		// Name identifies the device.
		// Defaults to DefaultName, if empty.
		Name string

		// CopyEngines is the capability table.
		// Defaults to DefaultCopyEngines(), if nil.
		CopyEngines []channel.CopyEngineCaps

		// GPFIFOEntries is the ring capacity of every channel.
		// Defaults to DefaultGPFIFOEntries, if 0.
		GPFIFOEntries uint32

		// MaxSemaphores is the capacity of the semaphore pool.
		// Defaults to DefaultMaxSemaphores, if 0.
		MaxSemaphores int

		// FailSemaphoreAllocAfter causes every semaphore allocation to fail,
		// once this many have succeeded, if > 0. A value < 0 causes every
		// allocation to fail.
		FailSemaphoreAllocAfter int

		// FailChannelAllocAfter causes every channel allocation to fail, once
		// this many have succeeded, if > 0. A value < 0 causes every
		// allocation to fail.
		FailChannelAllocAfter int

		// ECC enables ECC error reporting.
		ECC bool
	}

	// Device is the simulated device, instances must be initialized using
	// New, and should be closed, to stop every channel's consumer.
	Device struct {
		logger     *logiface.Logger[logiface.Event]
		name       string
		caps       []channel.CopyEngineCaps
		numEntries uint32
		eccEnabled bool
		eccError   atomic.Bool
		paused     atomic.Bool
		barriers   atomic.Uint64
		executed   atomic.Uint64
		semaphores []semaphoreCell
		wg         sync.WaitGroup

		mu           sync.Mutex
		freeSems     []int
		pushbuffers  map[uint64][]byte
		channels     map[uint32]*HWChannel
		nextChannel  uint32
		nextVA       uint64
		semAllocs    int
		failSemAfter int
		chAllocs     int
		failChAfter  int
	}

	// Stats is a point-in-time view of a Device.
	Stats struct {
		Channels    int
		Semaphores  int
		Pushbuffers int
		Executed    uint64
		Barriers    uint64
	}

	// the device writes the payload, and pollers read it, keep each on its
	// own cache line
	semaphoreCell struct {
		v atomic.Uint32
		_ cpu.CacheLinePad
	}
)

var _ channel.Device = (*Device)(nil)

// DefaultCopyEngines returns a capability table resembling a discrete device,
// with one engine reserved for graphics, two general purpose engines, and a
// pair of peer link engines.
func DefaultCopyEngines() []channel.CopyEngineCaps {
	return []channel.CopyEngineCaps{
		{Supported: true, GraphicsReserved: true, Sysmem: true, PhysicalMask: 0b1},
		{Supported: true, Sysmem: true, SysmemRead: true, SysmemWrite: true, P2P: true, PhysicalMask: 0b10},
		{Supported: true, Sysmem: true, SysmemRead: true, SysmemWrite: true, P2P: true, PhysicalMask: 0b100},
		{Supported: true, P2P: true, LinkP2P: true, PhysicalMask: 0b11000},
		{Supported: true, P2P: true, LinkP2P: true, Shared: true, PhysicalMask: 0b11000},
	}
}

// New initializes a Device, the cfg parameter is optional.
func New(cfg *Config) *Device {
	x := Device{
		name:        DefaultName,
		caps:        DefaultCopyEngines(),
		numEntries:  DefaultGPFIFOEntries,
		pushbuffers: make(map[uint64][]byte),
		channels:    make(map[uint32]*HWChannel),
		nextChannel: 1,
		nextVA:      pushbufferBase,
	}
	maxSemaphores := DefaultMaxSemaphores
	if cfg != nil {
		x.logger = cfg.Logger
		if cfg.Name != `` {
			x.name = cfg.Name
		}
		if cfg.CopyEngines != nil {
			x.caps = append([]channel.CopyEngineCaps(nil), cfg.CopyEngines...)
		}
		if cfg.GPFIFOEntries != 0 {
			x.numEntries = cfg.GPFIFOEntries
		}
		if cfg.MaxSemaphores > 0 {
			maxSemaphores = cfg.MaxSemaphores
		}
		x.failSemAfter = cfg.FailSemaphoreAllocAfter
		x.failChAfter = cfg.FailChannelAllocAfter
		x.eccEnabled = cfg.ECC
	}
	x.semaphores = make([]semaphoreCell, maxSemaphores)
	x.freeSems = make([]int, maxSemaphores)
	for i := range x.freeSems {
		x.freeSems[i] = maxSemaphores - 1 - i
	}
	return &x
}

// Name implements channel.Device.
func (x *Device) Name() string { return x.name }

// CopyEngineCaps implements channel.Device.
func (x *Device) CopyEngineCaps() []channel.CopyEngineCaps {
	return append([]channel.CopyEngineCaps(nil), x.caps...)
}

// AllocSemaphore implements channel.Device.
func (x *Device) AllocSemaphore() (tracksem.Semaphore, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if allocFails(x.failSemAfter, x.semAllocs) {
		return tracksem.Semaphore{}, fmt.Errorf(`%w: simdevice: semaphore allocation disabled after %d`, channel.ErrNoMemory, x.semAllocs)
	}
	if len(x.freeSems) == 0 {
		return tracksem.Semaphore{}, fmt.Errorf(`%w: simdevice: semaphore pool exhausted`, channel.ErrNoMemory)
	}
	index := x.freeSems[len(x.freeSems)-1]
	x.freeSems = x.freeSems[:len(x.freeSems)-1]
	x.semAllocs++
	return tracksem.New(&x.semaphores[index].v, semaphoreBase+uint64(index)*semaphoreStride), nil
}

// FreeSemaphore implements channel.Device.
func (x *Device) FreeSemaphore(sem tracksem.Semaphore) {
	index, ok := x.semaphoreIndex(sem.GPUAddress())
	if !ok {
		panic(fmt.Errorf(`simdevice: free of unknown semaphore: %v`, sem))
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.freeSems = append(x.freeSems, index)
}

func (x *Device) semaphoreIndex(gpuVA uint64) (int, bool) {
	if gpuVA < semaphoreBase || (gpuVA-semaphoreBase)%semaphoreStride != 0 {
		return 0, false
	}
	index := (gpuVA - semaphoreBase) / semaphoreStride
	if index >= uint64(len(x.semaphores)) {
		return 0, false
	}
	return int(index), true
}

// AllocChannel implements channel.Device, starting the channel's consumer.
func (x *Device) AllocChannel() (channel.HWChannel, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if allocFails(x.failChAfter, x.chAllocs) {
		return nil, fmt.Errorf(`%w: simdevice: channel allocation disabled after %d`, channel.ErrNoMemory, x.chAllocs)
	}
	x.chAllocs++
	c := &HWChannel{
		dev:        x,
		id:         x.nextChannel,
		ring:       make([][2]uint32, x.numEntries),
		copyEngine: -1,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	x.nextChannel++
	x.channels[c.id] = c
	x.wg.Add(1)
	go c.consume()
	return c, nil
}

// AllocPushbuffer implements channel.Device.
func (x *Device) AllocPushbuffer(size uint64) ([]byte, uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	va := x.nextVA
	x.nextVA += (size + pushbufferAlign - 1) &^ (pushbufferAlign - 1)
	mem := make([]byte, size)
	x.pushbuffers[va] = mem
	return mem, va, nil
}

// FreePushbuffer implements channel.Device.
func (x *Device) FreePushbuffer(gpuVA uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.pushbuffers[gpuVA]; !ok {
		panic(fmt.Errorf(`simdevice: free of unmapped pushbuffer: %#x`, gpuVA))
	}
	delete(x.pushbuffers, gpuVA)
}

// resolve returns the mapped memory for the given range, or nil.
func (x *Device) resolve(gpuVA uint64, size uint32) []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	for base, mem := range x.pushbuffers {
		if gpuVA >= base && gpuVA-base+uint64(size) <= uint64(len(mem)) {
			offset := gpuVA - base
			return mem[offset : offset+uint64(size)]
		}
	}
	return nil
}

// ECCEnabled implements channel.Device.
func (x *Device) ECCEnabled() bool { return x.eccEnabled }

// ECCError implements channel.Device.
func (x *Device) ECCError() bool { return x.eccError.Load() }

// CopyEngine implements channel.Device.
func (x *Device) CopyEngine() channel.CopyEngineHAL { return copyEngineHAL{} }

// Host implements channel.Device.
func (x *Device) Host() channel.HostHAL { return hostHAL{x} }

// Channel returns the open channel with the given id, or nil.
func (x *Device) Channel(id uint32) *HWChannel {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.channels[id]
}

// InjectChannelError sets the error notifier of the channel with the given
// id, which stops its consumer, as if the device had faulted.
func (x *Device) InjectChannelError(id uint32, status uint32) error {
	c := x.Channel(id)
	if c == nil {
		return fmt.Errorf(`simdevice: unknown channel: %d`, id)
	}
	if status == 0 {
		return errors.New(`simdevice: invalid error status: 0`)
	}
	c.fault(status, `injected`)
	return nil
}

// InjectECCError sets the device-wide ECC error notifier, and faults every
// open channel, with NotifierECC.
func (x *Device) InjectECCError() {
	x.eccError.Store(true)
	x.logger.Err().Str(`device`, x.name).Log(`ECC error`)
	for _, c := range x.openChannels() {
		c.fault(NotifierECC, `ecc`)
	}
}

// Pause stops every consumer, after its current entry.
func (x *Device) Pause() { x.paused.Store(true) }

// Resume restarts every consumer.
func (x *Device) Resume() {
	x.paused.Store(false)
	for _, c := range x.openChannels() {
		c.wake()
	}
}

// Step synchronously executes up to n entries on the channel with the given
// id, returning the number executed. It's intended for use while paused.
func (x *Device) Step(id uint32, n int) (int, error) {
	c := x.Channel(id)
	if c == nil {
		return 0, fmt.Errorf(`simdevice: unknown channel: %d`, id)
	}
	return c.run(n), nil
}

// Drain synchronously executes every submitted entry, on every channel,
// returning the number executed.
func (x *Device) Drain() (n int) {
	for _, c := range x.openChannels() {
		n += c.run(-1)
	}
	return
}

// Stats returns a snapshot of the device's resource usage, and activity.
func (x *Device) Stats() Stats {
	x.mu.Lock()
	defer x.mu.Unlock()
	return Stats{
		Channels:    len(x.channels),
		Semaphores:  len(x.semaphores) - len(x.freeSems),
		Pushbuffers: len(x.pushbuffers),
		Executed:    x.executed.Load(),
		Barriers:    x.barriers.Load(),
	}
}

// Close stops every channel that is still open, and waits for every consumer
// to exit.
func (x *Device) Close() error {
	for _, c := range x.openChannels() {
		_ = c.Close()
	}
	x.wg.Wait()
	return nil
}

func (x *Device) openChannels() []*HWChannel {
	x.mu.Lock()
	defer x.mu.Unlock()
	channels := make([]*HWChannel, 0, len(x.channels))
	for _, c := range x.channels {
		channels = append(channels, c)
	}
	return channels
}

func allocFails(after, allocs int) bool {
	return after < 0 || (after > 0 && allocs >= after)
}
