package channel

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrNoMemory indicates an allocation failure, during creation.
	ErrNoMemory = errors.New(`channel: out of memory`)

	// ErrNotSupported indicates a configuration or capability failure, e.g.
	// no copy engine is usable for one of the channel types.
	// It is not retryable.
	ErrNotSupported = errors.New(`channel: not supported`)

	// ErrDeviceFault indicates the device reported a channel error.
	ErrDeviceFault = errors.New(`channel: device fault`)

	// ErrECC indicates the device reported an uncorrectable memory (ECC)
	// error. It takes precedence over ErrDeviceFault.
	ErrECC = errors.New(`channel: ECC error`)

	// ErrOperatingSystem indicates a failure to integrate with the operating
	// environment, e.g. registering introspection. It is not fatal.
	ErrOperatingSystem = errors.New(`channel: operating system error`)

	// ErrInvalidType indicates a Type that may not be used for allocation.
	ErrInvalidType = errors.New(`channel: invalid type`)

	// ErrClosed indicates the Manager has been closed.
	ErrClosed = errors.New(`channel: manager closed`)
)

// FaultError is returned when a device fault is detected, see
// Channel.CheckErrors. It wraps either ErrECC or ErrDeviceFault.
type FaultError struct {
	// Err is the cause, ErrECC or ErrDeviceFault.
	Err error

	// Push identifies the push that likely caused the fault, i.e. the
	// oldest push that hadn't completed, when the fault was detected. It is
	// nil if there were no pending pushes.
	Push *PushInfo

	// Channel is the name of the faulting channel.
	Channel string

	// TrackingValue is the tracking value of Push, if any.
	TrackingValue uint64

	// Notifier is the value of the channel's error notifier.
	Notifier uint32
}

func (e *FaultError) Error() string {
	msg := fmt.Sprintf(`%v: channel %s: notifier %#x`, e.Err, e.Channel, e.Notifier)
	if e.Push != nil {
		msg += fmt.Sprintf(`: likely caused by push %q started at %s:%d in %s`,
			e.Push.Description, e.Push.File, e.Push.Line, e.Push.Function)
	}
	return msg
}

func (e *FaultError) Unwrap() error { return e.Err }

// statusCell latches the first fatal error, it's set at most once, and read
// thereafter.
type statusCell struct {
	p atomic.Pointer[error]
}

func (x *statusCell) Load() error {
	if p := x.p.Load(); p != nil {
		return *p
	}
	return nil
}

// Latch sets err, if no error has been set, returning the latched error.
func (x *statusCell) Latch(err error) error {
	if err == nil {
		panic(`channel: latch nil error`)
	}
	if x.p.CompareAndSwap(nil, &err) {
		return err
	}
	return x.Load()
}
