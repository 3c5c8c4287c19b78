package main

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-gpfifo/channel"
	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/go-gpfifo/simdevice"
	"github.com/joeycumines/logiface"
)

//go:embed default.toml
var defaultProfile string

type (
	// profile describes the simulated device, and the manager's geometry
	profile struct {
		Name            string              `toml:"name"`
		GPFIFOEntries   uint32              `toml:"gpfifo_entries"`
		ChannelsPerPool int                 `toml:"channels_per_pool"`
		ECC             bool                `toml:"ecc"`
		Pushbuffer      pushbufferProfile   `toml:"pushbuffer"`
		CopyEngines     []copyEngineProfile `toml:"copy_engines"`
	}

	pushbufferProfile struct {
		Chunks      int    `toml:"chunks"`
		ChunkSize   uint32 `toml:"chunk_size"`
		MaxPushSize uint32 `toml:"max_push_size"`
	}

	copyEngineProfile struct {
		Supported        bool   `toml:"supported"`
		GraphicsReserved bool   `toml:"graphics_reserved"`
		Sysmem           bool   `toml:"sysmem"`
		SysmemRead       bool   `toml:"sysmem_read"`
		SysmemWrite      bool   `toml:"sysmem_write"`
		P2P              bool   `toml:"p2p"`
		LinkP2P          bool   `toml:"link_p2p"`
		Shared           bool   `toml:"shared"`
		PhysicalMask     uint32 `toml:"physical_mask"`
	}
)

// loadProfile decodes the profile at path, or the embedded default, if path
// is empty. Unknown keys are rejected.
func loadProfile(path string) (*profile, error) {
	var (
		p   profile
		md  toml.MetaData
		err error
	)
	if path == `` {
		md, err = toml.Decode(defaultProfile, &p)
	} else {
		md, err = toml.DecodeFile(path, &p)
	}
	if err != nil {
		return nil, fmt.Errorf(`load profile: %w`, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf(`load profile: unknown keys: %s`, strings.Join(keys, `, `))
	}
	return &p, nil
}

func (x *profile) deviceConfig(logger *logiface.Logger[logiface.Event]) *simdevice.Config {
	cfg := simdevice.Config{
		Logger:        logger,
		Name:          x.Name,
		GPFIFOEntries: x.GPFIFOEntries,
		ECC:           x.ECC,
	}
	if x.CopyEngines != nil {
		cfg.CopyEngines = make([]channel.CopyEngineCaps, len(x.CopyEngines))
		for i, ce := range x.CopyEngines {
			cfg.CopyEngines[i] = channel.CopyEngineCaps(ce)
		}
	}
	return &cfg
}

func (x *profile) pushbufferConfig() *pushbuffer.Config {
	return &pushbuffer.Config{
		Chunks:      x.Pushbuffer.Chunks,
		ChunkSize:   x.Pushbuffer.ChunkSize,
		MaxPushSize: x.Pushbuffer.MaxPushSize,
	}
}

// maxPushSize resolves the default
func (x *profile) maxPushSize() uint32 {
	if x.Pushbuffer.MaxPushSize == 0 {
		return pushbuffer.DefaultMaxPushSize
	}
	return x.Pushbuffer.MaxPushSize
}

// pushCapacity is the number of bytes available to each push, after the
// simulated device's tracking release
func (x *profile) pushCapacity() uint64 {
	return uint64(x.maxPushSize()) - min(uint64(x.maxPushSize()), simdevice.SemaphoreReleaseSize)
}
