// Package pushbuffer implements a chunked byte arena, from which command
// regions are reserved per push, and later reclaimed, once the device has
// finished executing them.
//
// The arena is split into fixed-size chunks. A chunk is written by at most one
// push at a time, with successive pushes appending to it, and it becomes
// reusable (from the start) once every push written to it has been completed.
package pushbuffer

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// DefaultChunks is the default value for Config.Chunks.
	DefaultChunks = 16
	// DefaultChunkSize is the default value for Config.ChunkSize.
	DefaultChunkSize = 64 << 10
	// DefaultMaxPushSize is the default value for Config.MaxPushSize.
	DefaultMaxPushSize = 4 << 10

	// Alignment is the alignment of every region, in bytes.
	Alignment = 8
)

// ErrFull indicates that no chunk currently has room for another push. It is
// a transient condition, and will clear as outstanding pushes complete.
var ErrFull = errors.New(`pushbuffer: full`)

type (
	// Config models optional configuration, for New and Size.
	Config struct {
		// Chunks is the number of chunks.
		// Defaults to DefaultChunks, if 0.
		Chunks int

		// ChunkSize is the size of each chunk, in bytes, and must be a
		// multiple of Alignment.
		// Defaults to DefaultChunkSize, if 0.
		ChunkSize uint32

		// MaxPushSize is the maximum size of a single push, in bytes, and
		// must be a multiple of Alignment, and no greater than ChunkSize.
		// Defaults to DefaultMaxPushSize, if 0.
		MaxPushSize uint32
	}

	// Region is a reserved, writable range of the pushbuffer.
	Region struct {
		// Mem is the writable memory, len(Mem) is the maximum push size.
		Mem []byte
		// Offset is the byte offset of Mem, within the pushbuffer.
		Offset uint64
		// GPUAddress is the device virtual address of Mem.
		GPUAddress uint64
	}

	// Stats is a point-in-time view of the chunks.
	Stats struct {
		Chunks   int
		Busy     int
		Idle     int
		InFlight int
	}

	// Buffer is the pushbuffer, instances must be initialized using New.
	// It is safe for concurrent use.
	Buffer struct {
		mem       []byte
		gpuVA     uint64
		chunkSize uint32
		maxPush   uint32
		mu        sync.Mutex
		chunks    []chunk
		current   int
	}

	chunk struct {
		// write offset, within the chunk
		next uint32
		// number of ended, but not yet completed, pushes
		inFlight int
		// a push is in progress
		busy bool
	}
)

func (c *Config) resolve() (chunks int, chunkSize, maxPush uint32, err error) {
	chunks, chunkSize, maxPush = DefaultChunks, DefaultChunkSize, DefaultMaxPushSize
	if c != nil {
		if c.Chunks != 0 {
			chunks = c.Chunks
		}
		if c.ChunkSize != 0 {
			chunkSize = c.ChunkSize
		}
		if c.MaxPushSize != 0 {
			maxPush = c.MaxPushSize
		}
	}
	switch {
	case chunks < 0:
		err = fmt.Errorf(`pushbuffer: invalid chunks: %d`, chunks)
	case chunkSize%Alignment != 0:
		err = fmt.Errorf(`pushbuffer: invalid chunk size: %d`, chunkSize)
	case maxPush%Alignment != 0 || maxPush > chunkSize:
		err = fmt.Errorf(`pushbuffer: invalid max push size: %d`, maxPush)
	}
	return
}

// Size returns the number of bytes of memory required by New, for the given
// config.
func Size(cfg *Config) (uint64, error) {
	chunks, chunkSize, _, err := cfg.resolve()
	if err != nil {
		return 0, err
	}
	return uint64(chunks) * uint64(chunkSize), nil
}

// New initializes a Buffer over mem, which must be visible to the device at
// gpuVA, and must be exactly Size(cfg) bytes. The cfg parameter is optional.
func New(mem []byte, gpuVA uint64, cfg *Config) (*Buffer, error) {
	chunks, chunkSize, maxPush, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	if size := uint64(chunks) * uint64(chunkSize); uint64(len(mem)) != size {
		return nil, fmt.Errorf(`pushbuffer: memory size %d, want %d`, len(mem), size)
	}
	return &Buffer{
		mem:       mem,
		gpuVA:     gpuVA,
		chunkSize: chunkSize,
		maxPush:   maxPush,
		chunks:    make([]chunk, chunks),
	}, nil
}

// GPUAddress returns the device virtual address of the start of the buffer.
func (x *Buffer) GPUAddress() uint64 { return x.gpuVA }

// MaxPushSize returns the maximum size of a single push, in bytes.
func (x *Buffer) MaxPushSize() uint32 { return x.maxPush }

// Begin reserves a region for a push, returning ErrFull if there's no room.
// Every successful call must be paired with a call to End.
func (x *Buffer) Begin() (Region, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	// stick with the current chunk, if possible, and only then go looking for
	// another, in order
	for i := range x.chunks {
		index := (x.current + i) % len(x.chunks)
		c := &x.chunks[index]
		if c.busy {
			continue
		}
		if c.inFlight == 0 {
			c.next = 0
		}
		if x.chunkSize-c.next < x.maxPush {
			continue
		}
		c.busy = true
		x.current = index
		offset := uint64(index)*uint64(x.chunkSize) + uint64(c.next)
		return Region{
			Mem:        x.mem[offset : offset+uint64(x.maxPush) : offset+uint64(x.maxPush)],
			Offset:     offset,
			GPUAddress: x.gpuVA + offset,
		}, nil
	}

	return Region{}, ErrFull
}

// End finishes a push started by Begin, where used is the number of bytes
// actually written. The region remains allocated until Complete is called.
func (x *Buffer) End(region Region, used uint32) {
	if used > x.maxPush {
		panic(fmt.Errorf(`pushbuffer: push size %d exceeds max %d`, used, x.maxPush))
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	c, within := x.chunkAt(region.Offset)
	if !c.busy {
		panic(`pushbuffer: end without begin`)
	}
	c.busy = false
	c.next = within + (used+Alignment-1)&^(Alignment-1)
	c.inFlight++
}

// Complete releases a region previously ended, once the device no longer
// needs it.
func (x *Buffer) Complete(offset uint64, size uint32) {
	x.mu.Lock()
	defer x.mu.Unlock()

	c, within := x.chunkAt(offset)
	if uint64(within)+uint64(size) > uint64(x.chunkSize) {
		panic(fmt.Errorf(`pushbuffer: region out of range: offset=%d size=%d`, offset, size))
	}
	if c.inFlight <= 0 {
		panic(`pushbuffer: complete without end`)
	}
	c.inFlight--
}

// Stats returns a snapshot of the chunk states.
func (x *Buffer) Stats() (s Stats) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s.Chunks = len(x.chunks)
	for _, c := range x.chunks {
		if c.busy {
			s.Busy++
		} else if c.inFlight == 0 {
			s.Idle++
		}
		s.InFlight += c.inFlight
	}
	return
}

func (x *Buffer) chunkAt(offset uint64) (*chunk, uint32) {
	index := offset / uint64(x.chunkSize)
	if index >= uint64(len(x.chunks)) {
		panic(fmt.Errorf(`pushbuffer: offset out of range: %d`, offset))
	}
	return &x.chunks[index], uint32(offset % uint64(x.chunkSize))
}
