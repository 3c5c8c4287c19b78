package channel

import (
	"golang.org/x/exp/constraints"
)

// GPFIFOEntry is the CPU-side record of one ring slot.
type GPFIFOEntry struct {
	// TrackingValue is the tracking semaphore value, released by the device
	// once the entry has been executed.
	TrackingValue uint64

	// PushbufferOffset is the offset of the entry's region, within the
	// pushbuffer.
	PushbufferOffset uint64

	// PushbufferSize is the size of the entry's region, in bytes.
	PushbufferSize uint32

	// slot is the index of the diagnostic slot, owned by the entry until it
	// is retired
	slot uint32
}

func ringNext[T constraints.Unsigned](i, n T) T {
	return (i + 1) % n
}

// ringDistance returns the number of entries from get to put, in a ring of n.
func ringDistance[T constraints.Unsigned](get, put, n T) T {
	if put >= get {
		return put - get
	}
	return n - get + put
}

// freeList is a FIFO of diagnostic slot indexes. Slot identity is stable,
// i.e. the same index always refers to the same slot.
type freeList struct {
	s     []uint32
	head  uint32
	count uint32
}

func newFreeList(n uint32) freeList {
	s := make([]uint32, n)
	for i := range s {
		s[i] = uint32(i)
	}
	return freeList{s: s, count: n}
}

func (x *freeList) Len() int { return int(x.count) }

func (x *freeList) Pop() uint32 {
	if x.count == 0 {
		panic(`channel: free list: empty`)
	}
	v := x.s[x.head]
	x.head = ringNext(x.head, uint32(len(x.s)))
	x.count--
	return v
}

func (x *freeList) Push(v uint32) {
	if int(x.count) == len(x.s) {
		panic(`channel: free list: full`)
	}
	x.s[(x.head+x.count)%uint32(len(x.s))] = v
	x.count++
}
