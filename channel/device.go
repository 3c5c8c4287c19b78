package channel

import (
	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/go-gpfifo/tracksem"
)

type (
	// Device models the device and its driver, i.e. the allocation layer,
	// and the hardware-specific instruction emitters.
	Device interface {
		// Name identifies the device, for diagnostics.
		Name() string

		// CopyEngineCaps returns the capabilities of each copy engine, by
		// index.
		CopyEngineCaps() []CopyEngineCaps

		// AllocSemaphore allocates a device-writable semaphore.
		AllocSemaphore() (tracksem.Semaphore, error)

		// FreeSemaphore releases a semaphore allocated by AllocSemaphore.
		FreeSemaphore(sem tracksem.Semaphore)

		// AllocChannel allocates a hardware channel.
		AllocChannel() (HWChannel, error)

		// AllocPushbuffer allocates device-visible memory for the
		// pushbuffer, returning the memory, and its device virtual address.
		AllocPushbuffer(size uint64) (mem []byte, gpuVA uint64, err error)

		// FreePushbuffer releases memory allocated by AllocPushbuffer.
		FreePushbuffer(gpuVA uint64)

		// ECCEnabled returns true if ECC error reporting is enabled.
		ECCEnabled() bool

		// ECCError returns true if the device-wide ECC error notifier is set.
		ECCError() bool

		// CopyEngine returns the copy engine instruction emitter.
		CopyEngine() CopyEngineHAL

		// Host returns the host (ring and doorbell) instruction emitter.
		Host() HostHAL
	}

	// HWChannel models a hardware channel, allocated by a Device.
	HWChannel interface {
		// ID is the hardware channel id.
		ID() uint32

		// NumEntries is the ring capacity, which must be at least 2.
		NumEntries() uint32

		// ErrorNotifier returns the channel's error notifier, which is
		// non-zero if the channel has faulted.
		ErrorNotifier() uint32

		// AllocCopyEngine binds the channel to the copy engine at index.
		AllocCopyEngine(index int) error

		// Close destroys the channel.
		Close() error
	}

	// CopyEngineHAL emits copy engine instructions.
	CopyEngineHAL interface {
		// Init emits the copy engine initialization sequence.
		Init(push *Push)

		// SemaphoreRelease emits an instruction that writes payload to sem,
		// once all prior instructions in the push have completed. It must
		// write exactly SemaphoreReleaseSize bytes.
		SemaphoreRelease(push *Push, sem tracksem.Semaphore, payload uint32)

		// SemaphoreReleaseSize is the number of bytes written by
		// SemaphoreRelease, which are kept free at the end of every push.
		SemaphoreReleaseSize() uint32
	}

	// HostHAL emits host instructions, and writes the ring and doorbell.
	HostHAL interface {
		// Init emits the host initialization sequence.
		Init(push *Push)

		// SetGPFIFOEntry writes the hardware ring entry at index, to point
		// at the given pushbuffer range.
		SetGPFIFOEntry(ch HWChannel, index uint32, gpuVA uint64, size uint32)

		// WriteGPPut writes the doorbell (the put pointer). It must be
		// implemented as an atomic store, publishing all prior writes to the
		// pushbuffer and ring, as the device may begin fetching immediately.
		WriteGPPut(ch HWChannel, put uint32)

		// WriteBarrier flushes any write-combining buffers on the doorbell
		// path. It's called after each submission, outside any lock.
		WriteBarrier()
	}

	// Pushbuffer is the arena from which push regions are reserved, see also
	// the pushbuffer package.
	Pushbuffer interface {
		// Begin reserves a region, returning pushbuffer.ErrFull if the
		// caller must make progress, and retry.
		Begin() (pushbuffer.Region, error)

		// End finishes a push, where used is the number of bytes written.
		End(region pushbuffer.Region, used uint32)

		// Complete releases the region of a retired ring entry.
		Complete(offset uint64, size uint32)
	}

	// Introspector exposes read-only state of a Manager, e.g. via a debug
	// endpoint. Implementations should use Manager.Snapshot.
	Introspector interface {
		Register(m *Manager) error
		Unregister(m *Manager)
	}

	// CopyEngineCaps models the capabilities of a copy engine.
	CopyEngineCaps struct {
		// Supported is false if the engine doesn't exist, or is unusable.
		Supported bool

		// GraphicsReserved indicates the engine is reserved for use by the
		// graphics engine.
		GraphicsReserved bool

		// Sysmem indicates the engine can access system memory.
		Sysmem bool

		// SysmemRead indicates fast system memory reads.
		SysmemRead bool

		// SysmemWrite indicates fast system memory writes.
		SysmemWrite bool

		// P2P indicates the engine can access peer device memory.
		P2P bool

		// LinkP2P indicates the engine is attached to a dedicated peer link.
		LinkP2P bool

		// Shared indicates the engine's physical engines are shared with
		// another logical engine.
		Shared bool

		// PhysicalMask is the set of physical engines backing this engine.
		PhysicalMask uint32
	}
)
