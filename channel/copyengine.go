package channel

import (
	"fmt"
	"math/bits"
)

// CopyEngineAssignment maps each allocatable Type to a copy engine index.
type CopyEngineAssignment [numTypes]int

// copyEngineSelectionOrder is significant, as every pick increments the usage
// count of the picked engine, which biases later picks away from it. Memory
// ops go last, as they only care about low usage.
var copyEngineSelectionOrder = [...]Type{
	TypeHostToDevice,
	TypeDeviceToHost,
	TypeDeviceInternal,
	TypeDeviceToDevice,
	TypeMemOps,
}

// For returns the copy engine index for t, which must be allocatable.
func (x CopyEngineAssignment) For(t Type) int {
	if !t.allocatable() {
		panic(fmt.Errorf(`channel: copy engine for invalid type: %s`, t))
	}
	return x[t]
}

// SelectCopyEngines deterministically binds every allocatable Type to one
// copy engine, given the capabilities of each engine (by index). It fails
// with ErrNotSupported if no engine is usable for a type.
func SelectCopyEngines(caps []CopyEngineCaps) (CopyEngineAssignment, error) {
	var (
		assignment CopyEngineAssignment
		usage      = make([]int, len(caps))
	)
	for i := range assignment {
		assignment[i] = -1
	}
	for _, t := range copyEngineSelectionOrder {
		best := -1
		for i := range caps {
			if !copyEngineUsable(t, &caps[i]) {
				continue
			}
			if best == -1 || compareCopyEngines(t, caps, i, best, usage) < 0 {
				best = i
			}
		}
		if best == -1 {
			return assignment, fmt.Errorf(`%w: no usable copy engine for channel type %s`, ErrNotSupported, t)
		}
		usage[best]++
		assignment[t] = best
	}
	return assignment, nil
}

func copyEngineUsable(t Type, c *CopyEngineCaps) bool {
	if !c.Supported || c.GraphicsReserved {
		return false
	}
	switch t {
	case TypeHostToDevice, TypeDeviceToHost:
		return c.Sysmem
	case TypeDeviceInternal, TypeMemOps:
		return true
	case TypeDeviceToDevice:
		return c.P2P
	default:
		panic(fmt.Errorf(`channel: unexpected channel type: %s`, t))
	}
}

// compareCopyEngines returns a negative value if the engine at index a is a
// better choice for t than the engine at index b, or a positive value if
// worse. It never returns 0, for a != b.
func compareCopyEngines(t Type, caps []CopyEngineCaps, a, b int, usage []int) int {
	ca, cb := &caps[a], &caps[b]

	switch t {
	case TypeHostToDevice:
		if ca.SysmemRead != cb.SysmemRead {
			return preferTrue(ca.SysmemRead)
		}
		// leave link engines for peer copies
		if ca.LinkP2P != cb.LinkP2P {
			return -preferTrue(ca.LinkP2P)
		}

	case TypeDeviceToHost:
		if ca.SysmemWrite != cb.SysmemWrite {
			return preferTrue(ca.SysmemWrite)
		}
		if ca.LinkP2P != cb.LinkP2P {
			return -preferTrue(ca.LinkP2P)
		}

	case TypeDeviceToDevice:
		if ca.LinkP2P != cb.LinkP2P {
			return preferTrue(ca.LinkP2P)
		}
		if ca.LinkP2P {
			if d := physicalCount(cb) - physicalCount(ca); d != 0 {
				return d
			}
		}

	case TypeDeviceInternal:
		// the number of physical engines approximates bandwidth
		if d := physicalCount(cb) - physicalCount(ca); d != 0 {
			return d
		}
		if ca.LinkP2P != cb.LinkP2P {
			return -preferTrue(ca.LinkP2P)
		}

	case TypeMemOps:
		// latency only, which is best on the least used engine

	default:
		panic(fmt.Errorf(`channel: unexpected channel type: %s`, t))
	}

	if usage[a] != usage[b] {
		return usage[a] - usage[b]
	}

	if ca.Shared != cb.Shared {
		return -preferTrue(ca.Shared)
	}

	return a - b
}

// preferTrue returns -1 if v, otherwise 1, for use when the values differ.
func preferTrue(v bool) int {
	if v {
		return -1
	}
	return 1
}

func physicalCount(c *CopyEngineCaps) int {
	return bits.OnesCount32(c.PhysicalMask)
}
