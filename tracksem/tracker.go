package tracksem

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Tracker models a tracking semaphore. The queued value is owned by the CPU,
// and MUST be advanced by one serialized writer at a time (e.g. under the lock
// guarding the associated ring), while the completed value may be refreshed
// concurrently, by any number of callers.
//
// Invariant: Completed() <= Queued(), given the device only ever releases
// payloads derived from queued values.
type Tracker struct {
	sem    Semaphore
	queued atomic.Uint64
	// the completed value is refreshed by any number of pollers, and the
	// queued value by the submitting goroutine, keep them apart
	_         cpu.CacheLinePad
	completed atomic.Uint64
}

// NewTracker initializes a Tracker, resetting the payload of sem to 0.
func NewTracker(sem Semaphore) *Tracker {
	if !sem.Valid() {
		panic(`tracksem: invalid semaphore`)
	}
	sem.Release(0)
	return &Tracker{sem: sem}
}

// Semaphore returns the device-visible semaphore.
func (x *Tracker) Semaphore() Semaphore { return x.sem }

// Queue allocates the next value to be released by the device, returning it.
func (x *Tracker) Queue() uint64 { return x.queued.Add(1) }

// Queued returns the most recently queued value.
func (x *Tracker) Queued() uint64 { return x.queued.Load() }

// Completed returns the cached completed value, without reading the payload.
func (x *Tracker) Completed() uint64 { return x.completed.Load() }

// Peek reconstructs the completed value from the current payload, without
// storing it, i.e. it doesn't modify the receiver.
func (x *Tracker) Peek() uint64 {
	return reconstruct(x.completed.Load(), x.sem.Payload())
}

// Update refreshes the cached completed value from the payload, returning the
// new value. The returned value is never less than any value previously
// returned by Update or Completed.
func (x *Tracker) Update() uint64 {
	for {
		old := x.completed.Load()
		v := reconstruct(old, x.sem.Payload())
		if v == old {
			return old
		}
		if x.completed.CompareAndSwap(old, v) {
			return v
		}
	}
}

// IsValueCompleted returns true if value has been completed, refreshing the
// cached value only if necessary.
func (x *Tracker) IsValueCompleted(value uint64) bool {
	if value <= x.completed.Load() {
		return true
	}
	return value <= x.Update()
}

// IsCompleted returns true if all queued values have been completed.
func (x *Tracker) IsCompleted() bool {
	return x.IsValueCompleted(x.queued.Load())
}

// reconstruct combines the upper 32 bits of the last known completed value
// with the 32-bit payload, adding 2^32 if the payload wrapped.
func reconstruct(old uint64, payload uint32) uint64 {
	v := old&^0xFFFFFFFF | uint64(payload)
	if v < old {
		v += 1 << 32
	}
	return v
}
