package channel

import (
	"time"

	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/logiface"
)

// DefaultChannelsPerPool is the default value for ManagerConfig.ChannelsPerPool.
const DefaultChannelsPerPool = 2

// ManagerConfig models optional configuration, for NewManager.
type ManagerConfig struct {
	// Logger is used for diagnostics, it may be nil.
	Logger *logiface.Logger[logiface.Event]

	// Pushbuffer is the arena shared by every channel. If nil, one will be
	// created using PushbufferConfig, over memory allocated from the device,
	// and released on Close.
	Pushbuffer Pushbuffer

	// PushbufferConfig configures the pushbuffer, if Pushbuffer is nil.
	PushbufferConfig *pushbuffer.Config

	// Introspector is optional, and will be registered once the manager is
	// initialized. Failure to register is not fatal, see
	// Manager.IntrospectionErr.
	Introspector Introspector

	// ChannelsPerPool is the number of channels created per type.
	// Defaults to DefaultChannelsPerPool, if 0.
	ChannelsPerPool int

	// SpinWarnAfter is the interval between warnings, for spin-poll loops
	// that have been waiting for a long time. Setting this to a value < 0
	// disables the warnings.
	// Defaults to spinloop.DefaultWarnAfter, if 0.
	SpinWarnAfter time.Duration
}
