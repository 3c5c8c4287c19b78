package channel

import (
	"fmt"
)

// Type is the logical role of a channel.
type Type int

const (
	// TypeHostToDevice is used for copies from host (system) memory to device
	// memory.
	TypeHostToDevice Type = iota
	// TypeDeviceToHost is used for copies from device memory to host memory.
	TypeDeviceToHost
	// TypeDeviceInternal is used for copies and fills within device memory.
	TypeDeviceInternal
	// TypeMemOps is used for latency-sensitive memory operations, e.g.
	// semaphore releases and small fills.
	TypeMemOps
	// TypeDeviceToDevice is used for peer-to-peer copies.
	TypeDeviceToDevice
	// TypeAny matches every type, and may only be used for iteration, never
	// allocation.
	TypeAny
)

// numTypes is the number of allocatable types, i.e. excluding TypeAny.
const numTypes = int(TypeAny)

// Types returns every allocatable type, in declaration order.
func Types() []Type {
	return []Type{
		TypeHostToDevice,
		TypeDeviceToHost,
		TypeDeviceInternal,
		TypeMemOps,
		TypeDeviceToDevice,
	}
}

// String implements fmt.Stringer.
func (x Type) String() string {
	switch x {
	case TypeHostToDevice:
		return `host_to_device`
	case TypeDeviceToHost:
		return `device_to_host`
	case TypeDeviceInternal:
		return `device_internal`
	case TypeMemOps:
		return `memops`
	case TypeDeviceToDevice:
		return `device_to_device`
	case TypeAny:
		return `any`
	default:
		return fmt.Sprintf(`Type(%d)`, int(x))
	}
}

// allocatable returns true if x may be used for allocation.
func (x Type) allocatable() bool {
	return x >= 0 && int(x) < numTypes
}
