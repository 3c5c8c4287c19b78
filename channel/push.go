package channel

import (
	"context"
	"encoding/binary"
	"fmt"
	"runtime"

	"github.com/joeycumines/go-gpfifo/pushbuffer"
)

type (
	// PushInfo is the provenance of a push, retained (in a diagnostic slot)
	// until the push's ring entry is retired.
	PushInfo struct {
		Description string
		File        string
		Function    string
		Line        int
	}

	// Push is one in-progress submission, between Channel.BeginPush and
	// Push.End. It must not be used concurrently.
	Push struct {
		// OnComplete is an optional callback, called once the push has been
		// retired, outside of any lock. It may be set prior to End.
		OnComplete func()

		channel       *Channel
		region        pushbuffer.Region
		info          PushInfo
		trackingValue uint64
		size          uint32
		// tail of the region held back for the tracking release
		reserved uint32
		// diagnostic slot index, or -1
		slot int
	}

	// diagnostic slot
	pushSlot struct {
		onComplete func()
		info       PushInfo
	}
)

// NewPush initializes a Push, capturing the caller's location, see also
// Manager.Begin and Channel.Begin.
func NewPush(description string) *Push {
	return newPush(description, 2)
}

func newPush(description string, skip int) *Push {
	info := PushInfo{Description: description}
	if pc, file, line, ok := runtime.Caller(skip); ok {
		info.File = file
		info.Line = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			info.Function = fn.Name()
		}
	}
	return &Push{info: info, slot: -1}
}

// Info returns the provenance of the push.
func (x *Push) Info() PushInfo { return x.info }

// Channel returns the channel the push was begun on, or nil.
func (x *Push) Channel() *Channel { return x.channel }

// Write appends 32-bit words to the push, little-endian. It panics if the
// push would exceed Capacity.
func (x *Push) Write(words ...uint32) {
	if x.channel == nil || x.slot < 0 {
		panic(`channel: write to push that is not in progress`)
	}
	if end := uint64(x.size) + uint64(len(words))*4; end > uint64(x.Capacity()) {
		panic(fmt.Errorf(`channel: push overflow: %d bytes exceeds %d`, end, x.Capacity()))
	}
	for _, w := range words {
		binary.LittleEndian.PutUint32(x.region.Mem[x.size:], w)
		x.size += 4
	}
}

// Bytes returns the bytes written so far.
func (x *Push) Bytes() []byte { return x.region.Mem[:x.size:x.size] }

// Capacity returns the number of bytes that may be written, in total, which is
// the region less the room kept for the tracking release. It is 0 unless the
// push is in progress.
func (x *Push) Capacity() uint32 {
	if x.slot < 0 {
		return 0
	}
	return uint32(len(x.region.Mem)) - x.reserved
}

// Size returns the number of bytes written so far.
func (x *Push) Size() uint32 { return x.size }

// Offset returns the offset of the push within the pushbuffer.
func (x *Push) Offset() uint64 { return x.region.Offset }

// GPUAddress returns the device virtual address of the push.
func (x *Push) GPUAddress() uint64 { return x.region.GPUAddress }

// TrackingValue returns the value that the channel's tracking semaphore will
// reach, once the push has completed, or 0, if the push hasn't ended.
func (x *Push) TrackingValue() uint64 { return x.trackingValue }

// End submits the push, see Channel.EndPush.
func (x *Push) End() {
	if x.channel == nil {
		panic(`channel: end of push that was never begun`)
	}
	x.channel.EndPush(x)
}

// Wait spin-polls until the push has completed, or a fatal error is detected,
// or ctx is canceled. It panics if the push hasn't ended.
func (x *Push) Wait(ctx context.Context) error {
	if x.trackingValue == 0 {
		panic(`channel: wait for push that has not ended`)
	}
	return x.channel.WaitForValue(ctx, x.trackingValue)
}

// EndAndWait calls End then Wait.
func (x *Push) EndAndWait(ctx context.Context) error {
	x.End()
	return x.Wait(ctx)
}
