package simdevice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/joeycumines/go-gpfifo/channel"
	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestManager(t *testing.T, dev *Device) *channel.Manager {
	t.Helper()
	m, err := channel.NewManager(testContext(t), dev, &channel.ManagerConfig{
		PushbufferConfig: &pushbuffer.Config{Chunks: 4, ChunkSize: 4096, MaxPushSize: 512},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Close()
		_ = dev.Close()
	})
	return m
}

func TestEncodeEntry(t *testing.T) {
	for _, tc := range [...]struct {
		va   uint64
		size uint32
	}{
		{0, 0},
		{4, 4},
		{0x10_0000_1000, 512},
		{1<<40 - 4, 1<<24 - 4},
	} {
		t.Run(fmt.Sprintf(`%#x+%d`, tc.va, tc.size), func(t *testing.T) {
			va, size := decodeEntry(encodeEntry(tc.va, tc.size))
			assert.Equal(t, tc.va, va)
			assert.Equal(t, tc.size, size)
		})
	}

	assert.Panics(t, func() { encodeEntry(2, 4) })
	assert.Panics(t, func() { encodeEntry(1<<40, 4) })
	assert.Panics(t, func() { encodeEntry(4, 6) })
	assert.Panics(t, func() { encodeEntry(4, 1<<24) })
}

func TestWords(t *testing.T) {
	assert.Equal(t, []uint32{1, 0x04030201}, Words([]byte{1, 0, 0, 0, 1, 2, 3, 4}))
	assert.Panics(t, func() { Words([]byte{1}) })
}

func TestDevice_endToEnd(t *testing.T) {
	dev := New(&Config{GPFIFOEntries: 8})
	m := newTestManager(t, dev)

	ctx := testContext(t)
	var eg errgroup.Group
	for i := 0; i < 8; i++ {
		typ := channel.Types()[i%len(channel.Types())]
		eg.Go(func() error {
			for j := 0; j < 50; j++ {
				p, err := m.Begin(ctx, typ, `copy`)
				if err != nil {
					return err
				}
				Payload(p, uint32(i), uint32(j))
				Nop(p)
				if j%10 == 0 {
					if err := p.EndAndWait(ctx); err != nil {
						return err
					}
				} else {
					p.End()
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.NoError(t, m.Wait(ctx))

	stats := dev.Stats()
	// every channel was initialized, plus 400 pushes
	assert.Equal(t, uint64(len(m.Channels())+400), stats.Executed)
	assert.GreaterOrEqual(t, stats.Barriers, stats.Executed)
	assert.Equal(t, len(m.Channels()), stats.Channels)
	assert.Equal(t, len(m.Channels()), stats.Semaphores)
	assert.Equal(t, 1, stats.Pushbuffers)

	for _, ch := range m.Channels() {
		hw := dev.Channel(ch.HWID())
		require.NotNil(t, hw)
		assert.Equal(t, hw.Put(), hw.Get())
		assert.Zero(t, hw.ErrorNotifier())
	}

	require.NoError(t, m.Close())
	require.NoError(t, dev.Close())
	assert.Equal(t, Stats{Executed: stats.Executed, Barriers: stats.Barriers}, dev.Stats())
}

func TestDevice_pauseStep(t *testing.T) {
	dev := New(nil)
	m := newTestManager(t, dev)
	ctx := testContext(t)

	dev.Pause()

	var pushes []*channel.Push
	for i := 0; i < 3; i++ {
		p, err := m.Begin(ctx, channel.TypeMemOps, `paused`)
		require.NoError(t, err)
		p.End()
		pushes = append(pushes, p)
	}
	ch := pushes[0].Channel()
	require.Same(t, ch, pushes[2].Channel())

	assert.False(t, ch.IsValueCompleted(pushes[0].TrackingValue()))

	n, err := dev.Step(ch.HWID(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, ch.IsValueCompleted(pushes[0].TrackingValue()))
	assert.False(t, ch.IsValueCompleted(pushes[1].TrackingValue()))

	assert.Equal(t, 2, dev.Drain())
	assert.True(t, ch.IsValueCompleted(pushes[2].TrackingValue()))

	dev.Resume()
	require.NoError(t, m.Wait(ctx))
}

func TestDevice_resume(t *testing.T) {
	dev := New(nil)
	m := newTestManager(t, dev)
	ctx := testContext(t)

	dev.Pause()
	p, err := m.Begin(ctx, channel.TypeHostToDevice, `resumed`)
	require.NoError(t, err)
	p.End()

	dev.Resume()
	require.NoError(t, p.Wait(ctx))
}

func TestDevice_Step_unknownChannel(t *testing.T) {
	dev := New(nil)
	defer dev.Close()
	_, err := dev.Step(42, 1)
	assert.EqualError(t, err, `simdevice: unknown channel: 42`)
	assert.EqualError(t, dev.InjectChannelError(42, 1), `simdevice: unknown channel: 42`)
}

func TestDevice_InjectChannelError(t *testing.T) {
	var buf bytes.Buffer
	dev := New(&Config{Logger: stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(&buf), stumpy.WithTimeField(``)),
	).Logger()})
	m := newTestManager(t, dev)
	ctx := testContext(t)

	dev.Pause()
	p, err := m.Begin(ctx, channel.TypeDeviceToHost, `doomed`)
	require.NoError(t, err)
	p.End()

	ch := p.Channel()
	assert.Error(t, dev.InjectChannelError(ch.HWID(), 0))
	require.NoError(t, dev.InjectChannelError(ch.HWID(), 0x99))
	assert.Zero(t, dev.Drain())

	err = p.Wait(ctx)
	require.ErrorIs(t, err, channel.ErrDeviceFault)
	var fault *channel.FaultError
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, uint32(0x99), fault.Notifier)
	require.NotNil(t, fault.Push)
	assert.Equal(t, `doomed`, fault.Push.Description)

	assert.Equal(t, err, m.Status())
	assert.Contains(t, buf.String(), `"reason":"injected"`)
}

func TestDevice_fullPush(t *testing.T) {
	dev := New(nil)
	m := newTestManager(t, dev)
	ctx := testContext(t)

	p, err := m.Begin(ctx, channel.TypeHostToDevice, `full`)
	require.NoError(t, err)
	require.Equal(t, uint32(512-SemaphoreReleaseSize), p.Capacity())
	// opcode and count, then the rest
	Payload(p, make([]uint32, p.Capacity()/4-2)...)
	require.Equal(t, p.Capacity(), p.Size())
	require.NoError(t, p.EndAndWait(ctx))
	assert.Equal(t, uint32(512), p.Size())
	assert.Zero(t, dev.Channel(p.Channel().HWID()).ErrorNotifier())
	require.NoError(t, m.Wait(ctx))
}

func TestDevice_badOpcode(t *testing.T) {
	dev := New(nil)
	m := newTestManager(t, dev)
	ctx := testContext(t)

	p, err := m.Begin(ctx, channel.TypeDeviceInternal, `garbage`)
	require.NoError(t, err)
	p.Write(0xdead)
	err = p.EndAndWait(ctx)
	require.ErrorIs(t, err, channel.ErrDeviceFault)
	assert.Equal(t, NotifierBadOpcode, dev.Channel(p.Channel().HWID()).ErrorNotifier())

	_, err = m.Begin(ctx, channel.TypeDeviceInternal, `after`)
	assert.ErrorIs(t, err, channel.ErrDeviceFault)
}

func TestDevice_truncated(t *testing.T) {
	dev := New(nil)
	m := newTestManager(t, dev)
	ctx := testContext(t)

	p, err := m.Begin(ctx, channel.TypeMemOps, `truncated`)
	require.NoError(t, err)
	// claims 100 words, the tracking release follows
	p.Write(OpPayload, 100)
	require.ErrorIs(t, p.EndAndWait(ctx), channel.ErrDeviceFault)
	assert.Equal(t, NotifierTruncated, dev.Channel(p.Channel().HWID()).ErrorNotifier())
}

func TestDevice_InjectECCError(t *testing.T) {
	dev := New(&Config{ECC: true})
	m := newTestManager(t, dev)

	require.NoError(t, m.CheckErrors())
	dev.InjectECCError()
	err := m.CheckErrors()
	require.ErrorIs(t, err, channel.ErrECC)
	assert.NotErrorIs(t, err, channel.ErrDeviceFault)
	for _, ch := range m.Channels() {
		assert.Equal(t, NotifierECC, dev.Channel(ch.HWID()).ErrorNotifier())
	}
}

func TestDevice_InjectECCError_disabled(t *testing.T) {
	dev := New(nil)
	m := newTestManager(t, dev)
	dev.InjectECCError()
	assert.False(t, dev.ECCEnabled())
	assert.True(t, dev.ECCError())
	assert.ErrorIs(t, m.CheckErrors(), channel.ErrDeviceFault)
}

func TestDevice_allocationFailures(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		cfg  Config
	}{
		{`channels`, Config{FailChannelAllocAfter: 3}},
		{`semaphores`, Config{FailSemaphoreAllocAfter: 4}},
		{`all channels`, Config{FailChannelAllocAfter: -1}},
		{`semaphore pool`, Config{MaxSemaphores: 2}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dev := New(&tc.cfg)
			defer dev.Close()
			m, err := channel.NewManager(testContext(t), dev, nil)
			require.ErrorIs(t, err, channel.ErrNoMemory)
			assert.Nil(t, m)
			assert.Equal(t, Stats{Executed: dev.Stats().Executed, Barriers: dev.Stats().Barriers}, dev.Stats())
		})
	}
}

func TestDevice_AllocCopyEngine_unsupported(t *testing.T) {
	caps := DefaultCopyEngines()
	dev := New(&Config{CopyEngines: caps})
	defer dev.Close()
	hw, err := dev.AllocChannel()
	require.NoError(t, err)
	defer hw.Close()
	assert.Error(t, hw.AllocCopyEngine(-1))
	assert.Error(t, hw.AllocCopyEngine(len(caps)))
	assert.NoError(t, hw.AllocCopyEngine(1))
}

func TestHWChannel_Close(t *testing.T) {
	dev := New(nil)
	hw, err := dev.AllocChannel()
	require.NoError(t, err)
	assert.Equal(t, 1, dev.Stats().Channels)
	require.NoError(t, hw.Close())
	assert.EqualError(t, hw.Close(), `simdevice: channel 1: already closed`)
	assert.Zero(t, dev.Stats().Channels)
	require.NoError(t, dev.Close())
}

func TestDevice_FreePushbuffer_unmapped(t *testing.T) {
	dev := New(nil)
	assert.Panics(t, func() { dev.FreePushbuffer(0x1234) })
}

func TestDevice_logger(t *testing.T) {
	// nil loggers are valid
	var logger *logiface.Logger[logiface.Event]
	dev := New(&Config{Logger: logger, ECC: true})
	dev.InjectECCError()
	assert.True(t, dev.ECCError())
}
