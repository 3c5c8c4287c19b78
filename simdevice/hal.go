package simdevice

import (
	"github.com/joeycumines/go-gpfifo/channel"
	"github.com/joeycumines/go-gpfifo/tracksem"
)

type (
	copyEngineHAL struct{}

	hostHAL struct{ dev *Device }
)

var (
	_ channel.CopyEngineHAL = copyEngineHAL{}
	_ channel.HostHAL       = hostHAL{}
)

func (copyEngineHAL) Init(p *channel.Push) {
	p.Write(OpInit, uint32(p.Channel().CopyEngine()))
}

func (copyEngineHAL) SemaphoreRelease(p *channel.Push, sem tracksem.Semaphore, payload uint32) {
	va := sem.GPUAddress()
	p.Write(OpSemaphoreRelease, uint32(va), uint32(va>>32), payload)
}

func (copyEngineHAL) SemaphoreReleaseSize() uint32 { return SemaphoreReleaseSize }

func (hostHAL) Init(p *channel.Push) { p.Write(OpInit, EngineHost) }

func (hostHAL) SetGPFIFOEntry(ch channel.HWChannel, index uint32, gpuVA uint64, size uint32) {
	ch.(*HWChannel).ring[index] = encodeEntry(gpuVA, size)
}

func (hostHAL) WriteGPPut(ch channel.HWChannel, put uint32) {
	c := ch.(*HWChannel)
	c.put.Store(put)
	c.wake()
}

func (x hostHAL) WriteBarrier() { x.dev.barriers.Add(1) }
