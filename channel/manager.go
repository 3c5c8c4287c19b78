package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/go-gpfifo/spinloop"
	"github.com/joeycumines/logiface"
)

// Manager owns every channel of a device, grouped into one Pool per Type,
// along with the shared pushbuffer, and the copy engine assignment. It also
// latches the first fatal error detected on any of its channels, which all
// subsequent reservation and wait operations will observe.
//
// Instances must be initialized using NewManager, and are safe for
// concurrent use.
type Manager struct {
	device           Device
	pushbuffer       Pushbuffer
	introspector     Introspector
	introspectionErr error
	logger           *logiface.Logger[logiface.Event]
	pools            [numTypes]*Pool
	channels         []*Channel
	copyEngines      CopyEngineAssignment
	status           statusCell
	closeErr         error
	// address of the pushbuffer memory, if ownsPushbuffer
	pushbufferVA    uint64
	ownsPushbuffer  bool
	registered      bool
	channelsPerPool int
	spinWarnAfter   time.Duration
	closeOnce       sync.Once
	closed          atomic.Bool
}

// NewManager creates every pool and channel, assigns copy engines, and runs
// an initialization push on each channel, waiting for it to complete. On
// failure, everything created so far is destroyed. The cfg parameter is
// optional.
func NewManager(ctx context.Context, device Device, cfg *ManagerConfig) (*Manager, error) {
	if device == nil {
		panic(`channel: nil device`)
	}

	x := Manager{
		device:          device,
		channelsPerPool: DefaultChannelsPerPool,
	}
	var pbConfig *pushbuffer.Config
	if cfg != nil {
		x.logger = cfg.Logger
		x.pushbuffer = cfg.Pushbuffer
		x.introspector = cfg.Introspector
		x.spinWarnAfter = cfg.SpinWarnAfter
		pbConfig = cfg.PushbufferConfig
		if cfg.ChannelsPerPool != 0 {
			x.channelsPerPool = cfg.ChannelsPerPool
		}
	}

	if err := x.init(ctx, pbConfig); err != nil {
		x.logger.Err().
			Err(err).
			Str(`device`, device.Name()).
			Log(`failed to create channel manager`)
		_ = x.Close()
		return nil, err
	}

	return &x, nil
}

func (x *Manager) init(ctx context.Context, pbConfig *pushbuffer.Config) error {
	if x.channelsPerPool < 0 {
		return fmt.Errorf(`%w: channels per pool: %d`, ErrNotSupported, x.channelsPerPool)
	}

	if x.pushbuffer == nil {
		if err := x.createPushbuffer(pbConfig); err != nil {
			return err
		}
	}

	var err error
	if x.copyEngines, err = SelectCopyEngines(x.device.CopyEngineCaps()); err != nil {
		return err
	}
	for _, t := range copyEngineSelectionOrder {
		x.logger.Debug().
			Str(`type`, t.String()).
			Int(`copy_engine`, x.copyEngines[t]).
			Log(`picked copy engine`)
	}

	for _, t := range Types() {
		pool := &Pool{manager: x, typ: t}
		x.pools[t] = pool
		for i := 0; i < x.channelsPerPool; i++ {
			ch, err := x.createChannel(pool)
			if err != nil {
				return err
			}
			pool.channels = append(pool.channels, ch)
			x.channels = append(x.channels, ch)
		}
	}

	if err := x.initChannels(ctx); err != nil {
		return err
	}

	if x.introspector != nil {
		if err := x.introspector.Register(x); err != nil {
			x.introspectionErr = fmt.Errorf(`%w: register introspection: %w`, ErrOperatingSystem, err)
			x.logger.Warning().
				Err(x.introspectionErr).
				Log(`introspection unavailable`)
		} else {
			x.registered = true
		}
	}

	return nil
}

func (x *Manager) createPushbuffer(cfg *pushbuffer.Config) error {
	size, err := pushbuffer.Size(cfg)
	if err != nil {
		return fmt.Errorf(`%w: %w`, ErrNotSupported, err)
	}
	mem, va, err := x.device.AllocPushbuffer(size)
	if err != nil {
		x.logger.Err().
			Err(err).
			Uint64(`size`, size).
			Log(`failed to allocate pushbuffer`)
		return err
	}
	x.pushbufferVA = va
	x.ownsPushbuffer = true
	pb, err := pushbuffer.New(mem, va, cfg)
	if err != nil {
		return err
	}
	x.pushbuffer = pb
	return nil
}

func (x *Manager) createChannel(pool *Pool) (*Channel, error) {
	sem, err := x.device.AllocSemaphore()
	if err != nil {
		x.logger.Err().
			Err(err).
			Str(`type`, pool.typ.String()).
			Log(`failed to allocate tracking semaphore`)
		return nil, err
	}

	hw, err := x.device.AllocChannel()
	if err != nil {
		x.device.FreeSemaphore(sem)
		x.logger.Err().
			Err(err).
			Str(`type`, pool.typ.String()).
			Log(`failed to allocate channel`)
		return nil, err
	}

	ce := x.copyEngines[pool.typ]
	if err := hw.AllocCopyEngine(ce); err != nil {
		_ = hw.Close()
		x.device.FreeSemaphore(sem)
		x.logger.Err().
			Err(err).
			Int(`copy_engine`, ce).
			Int64(`hw_id`, int64(hw.ID())).
			Log(`failed to allocate copy engine`)
		return nil, err
	}

	ch, err := newChannel(pool, hw, sem, ce)
	if err != nil {
		_ = hw.Close()
		x.device.FreeSemaphore(sem)
		return nil, err
	}

	return ch, nil
}

func (x *Manager) initChannels(ctx context.Context) error {
	for _, ch := range x.channels {
		p, err := ch.Begin(ctx, `init channel`)
		if err != nil {
			return fmt.Errorf(`begin init push on channel %s: %w`, ch.name, err)
		}
		x.device.CopyEngine().Init(p)
		x.device.Host().Init(p)
		if err := p.EndAndWait(ctx); err != nil {
			return fmt.Errorf(`init channel %s: %w`, ch.name, err)
		}
	}
	return nil
}

func (x *Manager) newSpin(description string) *spinloop.Loop {
	return spinloop.New(&spinloop.Config{
		Logger:      x.logger,
		Description: description,
		WarnAfter:   x.spinWarnAfter,
	})
}

// Device returns the device the manager was created for.
func (x *Manager) Device() Device { return x.device }

// Pool returns the pool for t, which must be allocatable.
func (x *Manager) Pool(t Type) *Pool {
	if !t.allocatable() {
		panic(fmt.Errorf(`channel: pool for invalid type: %s`, t))
	}
	return x.pools[t]
}

// Channels returns every channel, of every type, in creation order.
func (x *Manager) Channels() []*Channel {
	return append([]*Channel(nil), x.channels...)
}

// CopyEngines returns the copy engine assignment.
func (x *Manager) CopyEngines() CopyEngineAssignment { return x.copyEngines }

// Status returns the latched fatal error, if any.
func (x *Manager) Status() error { return x.status.Load() }

// IntrospectionErr returns the error that prevented introspection from
// being registered, if any. It wraps ErrOperatingSystem.
func (x *Manager) IntrospectionErr() error { return x.introspectionErr }

// ReserveType claims an entry on one of the channels of type t. Channels are
// tried in creation order. If all are full, it spin-polls each in turn,
// updating progress, attempting to claim, then checking for errors, until a
// claim succeeds, or a fatal error is detected, or ctx is canceled.
func (x *Manager) ReserveType(ctx context.Context, t Type) (*Channel, error) {
	if !t.allocatable() {
		return nil, fmt.Errorf(`%w: %s`, ErrInvalidType, t)
	}
	if x.closed.Load() {
		return nil, ErrClosed
	}
	if err := x.status.Load(); err != nil {
		return nil, err
	}

	pool := x.pools[t]

	// TODO: prefer idle, or less busy, channels
	for _, ch := range pool.channels {
		if ch.tryClaim() {
			return ch, nil
		}
	}

	spin := x.newSpin(`reserve ` + t.String())
	for {
		for _, ch := range pool.channels {
			ch.UpdateProgress()

			if ch.tryClaim() {
				return ch, nil
			}

			if err := ch.CheckErrors(); err != nil {
				return nil, err
			}

			if err := ctx.Err(); err != nil {
				return nil, err
			}

			spin.Spin()
		}
	}
}

// Begin reserves an entry on a channel of type t, then begins a push on it.
func (x *Manager) Begin(ctx context.Context, t Type, description string) (*Push, error) {
	p := newPush(description, 2)
	ch, err := x.ReserveType(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := ch.BeginPush(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateProgress updates the progress of every channel, using the default
// batch, returning the total number of entries still outstanding.
func (x *Manager) UpdateProgress() (pending int) {
	for _, ch := range x.channels {
		pending += ch.UpdateProgress()
	}
	return
}

// Wait spin-polls until no channel has outstanding work, returning the
// result of CheckErrors, or until a fatal error is detected, or ctx is
// canceled.
func (x *Manager) Wait(ctx context.Context) error {
	if x.UpdateProgress() == 0 {
		return x.CheckErrors()
	}

	spin := x.newSpin(`channel manager idle`)
	for x.UpdateProgress() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		spin.Spin()
		if err := x.CheckErrors(); err != nil {
			return err
		}
	}

	return nil
}

// FindAvailableChannel returns the first channel, of any type, that has room
// for another entry, or nil. Nothing is claimed.
func (x *Manager) FindAvailableChannel() *Channel {
	for _, ch := range x.channels {
		ch.pool.mu.Lock()
		available := ch.availableLocked()
		ch.pool.mu.Unlock()
		if available {
			return ch
		}
	}
	return nil
}

// CheckErrors returns the latched error, if any, otherwise checks every
// channel, see Channel.CheckErrors.
func (x *Manager) CheckErrors() error {
	if err := x.status.Load(); err != nil {
		return err
	}
	for _, ch := range x.channels {
		if err := ch.CheckErrors(); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot describes the manager, and every channel, see Channel.Snapshot.
func (x *Manager) Snapshot(finished int) ManagerSnapshot {
	s := ManagerSnapshot{
		Device:      x.device.Name(),
		Status:      x.status.Load(),
		CopyEngines: x.copyEngines,
		Channels:    make([]ChannelSnapshot, 0, len(x.channels)),
	}
	for _, ch := range x.channels {
		s.Channels = append(s.Channels, ch.Snapshot(finished))
	}
	return s
}

// PendingPushes returns the pending pushes of every channel with any, keyed
// by channel name.
func (x *Manager) PendingPushes() map[string][]PushSnapshot {
	m := make(map[string][]PushSnapshot)
	for _, ch := range x.channels {
		if s := ch.Snapshot(0); len(s.Pushes) != 0 {
			m[s.Name] = s.Pushes
		}
	}
	return m
}

// Close destroys every channel, force-draining any outstanding work, then
// releases the pushbuffer, if it was allocated by the manager. Callers
// should Wait, or observe a fatal error, prior to calling Close. Subsequent
// calls return the same result.
func (x *Manager) Close() error {
	x.closeOnce.Do(func() {
		x.closed.Store(true)

		if x.registered {
			x.introspector.Unregister(x)
		}

		var errs []error
		for _, ch := range x.channels {
			if err := ch.destroy(); err != nil {
				errs = append(errs, fmt.Errorf(`close channel %s: %w`, ch.name, err))
			}
		}

		if x.ownsPushbuffer {
			x.device.FreePushbuffer(x.pushbufferVA)
		}

		x.closeErr = errors.Join(errs...)
	})
	return x.closeErr
}
