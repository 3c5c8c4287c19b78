package simdevice

import (
	"encoding/binary"
	"fmt"

	"github.com/joeycumines/go-gpfifo/channel"
)

// Opcodes, each command is an opcode word, followed by its operands, all
// little-endian 32-bit words.
const (
	// OpNop has no operands.
	OpNop uint32 = iota
	// OpSemaphoreRelease is followed by the low and high words of the
	// semaphore address, then the payload.
	OpSemaphoreRelease
	// OpInit is followed by the engine being initialized, a copy engine
	// index, or EngineHost.
	OpInit
	// OpPayload is followed by a word count, then that many opaque words.
	OpPayload
)

// SemaphoreReleaseSize is the size of an OpSemaphoreRelease command, in bytes.
const SemaphoreReleaseSize = 16

// EngineHost identifies the host engine, as the operand of OpInit.
const EngineHost = 0xffff

// Notifier values, set on a channel that faults while executing.
const (
	NotifierBadOpcode uint32 = 0x10 + iota
	NotifierBadAddress
	NotifierTruncated
	NotifierBadEngine
	// NotifierECC is set on every open channel, by Device.InjectECCError.
	NotifierECC
)

// Nop appends OpNop to p.
func Nop(p *channel.Push) { p.Write(OpNop) }

// Payload appends opaque data to p, which the device skips over.
func Payload(p *channel.Push, words ...uint32) {
	p.Write(OpPayload, uint32(len(words)))
	p.Write(words...)
}

// Words decodes b as little-endian 32-bit words, b must be word aligned.
func Words(b []byte) []uint32 {
	if len(b)%4 != 0 {
		panic(fmt.Errorf(`simdevice: unaligned command buffer: %d bytes`, len(b)))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return words
}

// decoder walks the commands of one ring entry
type decoder struct {
	b   []byte
	pos int
}

func (x *decoder) done() bool { return x.pos >= len(x.b) }

func (x *decoder) next() (uint32, bool) {
	if x.pos+4 > len(x.b) {
		return 0, false
	}
	v := binary.LittleEndian.Uint32(x.b[x.pos:])
	x.pos += 4
	return v, true
}

func (x *decoder) skip(words uint32) bool {
	n := uint64(words) * 4
	if uint64(x.pos)+n > uint64(len(x.b)) {
		return false
	}
	x.pos += int(n)
	return true
}

// encodeEntry packs a ring entry, the address must be word aligned, and fit
// in 40 bits.
func encodeEntry(gpuVA uint64, size uint32) [2]uint32 {
	if gpuVA&3 != 0 || gpuVA >= 1<<40 || size&3 != 0 || size>>2 >= 1<<22 {
		panic(fmt.Errorf(`simdevice: invalid gpfifo entry: va=%#x size=%d`, gpuVA, size))
	}
	return [2]uint32{uint32(gpuVA), uint32(gpuVA>>32) | (size>>2)<<10}
}

func decodeEntry(e [2]uint32) (gpuVA uint64, size uint32) {
	return uint64(e[0]) | uint64(e[1]&0xff)<<32, (e[1] >> 10) << 2
}
