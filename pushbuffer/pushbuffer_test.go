package pushbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuffer(t *testing.T, cfg *Config) *Buffer {
	t.Helper()
	size, err := Size(cfg)
	require.NoError(t, err)
	b, err := New(make([]byte, size), 0x10000, cfg)
	require.NoError(t, err)
	return b
}

func TestSize_defaults(t *testing.T) {
	size, err := Size(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultChunks*DefaultChunkSize), size)
}

func TestConfig_invalid(t *testing.T) {
	for _, tc := range [...]struct {
		name string
		cfg  Config
	}{
		{`negative chunks`, Config{Chunks: -1}},
		{`unaligned chunk`, Config{ChunkSize: 1001}},
		{`unaligned push`, Config{MaxPushSize: 12}},
		{`push exceeds chunk`, Config{ChunkSize: 64, MaxPushSize: 128}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Size(&tc.cfg)
			assert.Error(t, err)
		})
	}
}

func TestNew_wrongSize(t *testing.T) {
	_, err := New(make([]byte, 10), 0, nil)
	assert.ErrorContains(t, err, `memory size 10`)
}

func TestBuffer_beginEndComplete(t *testing.T) {
	b := newTestBuffer(t, &Config{Chunks: 2, ChunkSize: 256, MaxPushSize: 64})

	r1, err := b.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r1.Offset)
	assert.Equal(t, uint64(0x10000), r1.GPUAddress)
	assert.Len(t, r1.Mem, 64)
	b.End(r1, 20)

	r2, err := b.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(24), r2.Offset, `should append to the same chunk, aligned`)
	b.End(r2, 8)

	assert.Equal(t, Stats{Chunks: 2, Idle: 1, InFlight: 2}, b.Stats())

	b.Complete(r1.Offset, 20)
	b.Complete(r2.Offset, 8)
	assert.Equal(t, Stats{Chunks: 2, Idle: 2}, b.Stats())

	r3, err := b.Begin()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r3.Offset, `idle chunk should restart from zero`)
	b.End(r3, 8)
}

func TestBuffer_full(t *testing.T) {
	b := newTestBuffer(t, &Config{Chunks: 2, ChunkSize: 64, MaxPushSize: 64})

	r1, err := b.Begin()
	require.NoError(t, err)
	r2, err := b.Begin()
	require.NoError(t, err)
	assert.NotEqual(t, r1.Offset, r2.Offset)

	_, err = b.Begin()
	assert.ErrorIs(t, err, ErrFull)

	b.End(r1, 64)
	_, err = b.Begin()
	assert.ErrorIs(t, err, ErrFull, `chunk is exhausted until completed`)

	b.Complete(r1.Offset, 64)
	r3, err := b.Begin()
	require.NoError(t, err)
	assert.Equal(t, r1.Offset, r3.Offset)
	b.End(r3, 8)
	b.End(r2, 8)
}

func TestBuffer_panics(t *testing.T) {
	b := newTestBuffer(t, &Config{Chunks: 1, ChunkSize: 64, MaxPushSize: 32})
	assert.PanicsWithValue(t, `pushbuffer: end without begin`, func() { b.End(Region{}, 8) })
	assert.PanicsWithValue(t, `pushbuffer: complete without end`, func() { b.Complete(0, 8) })
	assert.Panics(t, func() { b.End(Region{}, 33) })
	assert.Panics(t, func() { b.Complete(1<<20, 8) })
}
