package simdevice

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// HWChannel is a simulated hardware channel, see Device.AllocChannel.
type HWChannel struct {
	dev        *Device
	ring       [][2]uint32
	kick       chan struct{}
	stop       chan struct{}
	closeOnce  sync.Once
	copyEngine int
	id         uint32
	put        atomic.Uint32
	notifier   atomic.Uint32

	// serializes execution, guards the fields below
	mu       sync.Mutex
	get      uint32
	executed uint64
}

// ID implements channel.HWChannel.
func (x *HWChannel) ID() uint32 { return x.id }

// NumEntries implements channel.HWChannel.
func (x *HWChannel) NumEntries() uint32 { return uint32(len(x.ring)) }

// ErrorNotifier implements channel.HWChannel.
func (x *HWChannel) ErrorNotifier() uint32 { return x.notifier.Load() }

// AllocCopyEngine implements channel.HWChannel.
func (x *HWChannel) AllocCopyEngine(index int) error {
	if index < 0 || index >= len(x.dev.caps) || !x.dev.caps[index].Supported {
		return fmt.Errorf(`simdevice: channel %d: unsupported copy engine: %d`, x.id, index)
	}
	x.copyEngine = index
	return nil
}

// Close implements channel.HWChannel, stopping the consumer. Entries that
// were not yet executed are discarded.
func (x *HWChannel) Close() error {
	err := fmt.Errorf(`simdevice: channel %d: already closed`, x.id)
	x.closeOnce.Do(func() {
		err = nil
		close(x.stop)
		x.dev.mu.Lock()
		delete(x.dev.channels, x.id)
		x.dev.mu.Unlock()
	})
	return err
}

// Get returns the index of the next entry to be executed.
func (x *HWChannel) Get() uint32 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.get
}

// Put returns the last value written to the doorbell.
func (x *HWChannel) Put() uint32 { return x.put.Load() }

// Executed returns the number of entries executed.
func (x *HWChannel) Executed() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.executed
}

func (x *HWChannel) wake() {
	select {
	case x.kick <- struct{}{}:
	default:
	}
}

func (x *HWChannel) consume() {
	defer x.dev.wg.Done()
	for {
		select {
		case <-x.stop:
			return
		case <-x.kick:
		}
		x.execute(-1, x.dev.paused.Load)
	}
}

// run executes up to n entries, or all of them, if n < 0
func (x *HWChannel) run(n int) int { return x.execute(n, nil) }

func (x *HWChannel) execute(n int, paused func() bool) (executed int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for ; n != 0; n-- {
		if paused != nil && paused() {
			return
		}
		if x.notifier.Load() != 0 || x.get == x.put.Load() {
			return
		}
		if !x.executeEntry(x.ring[x.get]) {
			return
		}
		x.get++
		if x.get == uint32(len(x.ring)) {
			x.get = 0
		}
		x.executed++
		x.dev.executed.Add(1)
		executed++
	}
	return
}

// executeEntry returns false if the channel faulted
func (x *HWChannel) executeEntry(entry [2]uint32) bool {
	gpuVA, size := decodeEntry(entry)
	b := x.dev.resolve(gpuVA, size)
	if b == nil {
		x.fault(NotifierBadAddress, fmt.Sprintf(`unmapped entry %#x+%d`, gpuVA, size))
		return false
	}

	d := decoder{b: b}
	for !d.done() {
		op, _ := d.next()
		switch op {
		case OpNop:

		case OpSemaphoreRelease:
			lo, ok1 := d.next()
			hi, ok2 := d.next()
			payload, ok3 := d.next()
			if !ok1 || !ok2 || !ok3 {
				x.fault(NotifierTruncated, `semaphore release`)
				return false
			}
			addr := uint64(hi)<<32 | uint64(lo)
			index, ok := x.dev.semaphoreIndex(addr)
			if !ok {
				x.fault(NotifierBadAddress, fmt.Sprintf(`semaphore %#x`, addr))
				return false
			}
			x.dev.semaphores[index].v.Store(payload)

		case OpInit:
			engine, ok := d.next()
			if !ok {
				x.fault(NotifierTruncated, `init`)
				return false
			}
			if engine != EngineHost && int(engine) != x.copyEngine {
				x.fault(NotifierBadEngine, fmt.Sprintf(`init engine %d`, engine))
				return false
			}

		case OpPayload:
			words, ok := d.next()
			if !ok || !d.skip(words) {
				x.fault(NotifierTruncated, `payload`)
				return false
			}

		default:
			x.fault(NotifierBadOpcode, fmt.Sprintf(`opcode %#x`, op))
			return false
		}
	}

	return true
}

// fault sets the notifier, if it isn't already set
func (x *HWChannel) fault(status uint32, reason string) {
	if !x.notifier.CompareAndSwap(0, status) {
		return
	}
	x.dev.logger.Err().
		Str(`device`, x.dev.name).
		Int64(`hw_id`, int64(x.id)).
		Int64(`notifier`, int64(status)).
		Str(`reason`, reason).
		Log(`channel fault`)
}
