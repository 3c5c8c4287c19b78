package tracksem

import (
	"fmt"
	"sync/atomic"
)

// Semaphore is a handle to a 32-bit payload that is written by the device,
// when it executes a semaphore release, and read by the CPU. The zero value is
// not valid, see New.
type Semaphore struct {
	payload *atomic.Uint32
	gpuVA   uint64
}

// New initializes a Semaphore, backed by payload, which must be located at the
// given device virtual address. It panics if payload is nil.
func New(payload *atomic.Uint32, gpuVA uint64) Semaphore {
	if payload == nil {
		panic(`tracksem: nil payload`)
	}
	return Semaphore{payload: payload, gpuVA: gpuVA}
}

// Valid returns true if the receiver was initialized using New.
func (x Semaphore) Valid() bool { return x.payload != nil }

// GPUAddress returns the device virtual address of the payload.
func (x Semaphore) GPUAddress() uint64 { return x.gpuVA }

// Payload performs an atomic load of the current payload.
func (x Semaphore) Payload() uint32 { return x.payload.Load() }

// Release performs an atomic store of the payload, modeling the device
// executing a semaphore release.
func (x Semaphore) Release(payload uint32) { x.payload.Store(payload) }

// String implements fmt.Stringer.
func (x Semaphore) String() string {
	if !x.Valid() {
		return `semaphore(invalid)`
	}
	return fmt.Sprintf(`semaphore(va=%#x, payload=%d)`, x.gpuVA, x.Payload())
}
