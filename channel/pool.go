package channel

import (
	"sync"
)

// Pool is a group of channels of one type. A single mutex guards the ring
// state of every channel in the pool.
type Pool struct {
	manager  *Manager
	channels []*Channel
	typ      Type
	mu       sync.Mutex
}

// Type returns the type of every channel in the pool.
func (x *Pool) Type() Type { return x.typ }

// Channels returns the channels of the pool, in creation order.
func (x *Pool) Channels() []*Channel {
	return append([]*Channel(nil), x.channels...)
}
