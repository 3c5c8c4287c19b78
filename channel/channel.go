package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-gpfifo/pushbuffer"
	"github.com/joeycumines/go-gpfifo/tracksem"
	"github.com/joeycumines/logiface"
)

// DefaultProgressBatch is the maximum number of entries retired by a single
// call to Channel.UpdateProgress, which bounds the time the pool lock is held.
const DefaultProgressBatch = 8

type updateMode int

const (
	// retire only entries the device has completed
	updateCompleted updateMode = iota
	// retire every outstanding entry, regardless of completion
	updateForceAll
)

// Channel is one hardware ring, and the bookkeeping for each of its entries.
// All methods are safe for concurrent use, see also Pool.
type Channel struct {
	pool       *Pool
	hw         HWChannel
	tracking   *tracksem.Tracker
	logger     *logiface.Logger[logiface.Event]
	name       string
	copyEngine int
	numEntries uint32

	// guarded by pool.mu

	entries []GPFIFOEntry
	slots   []pushSlot
	free    freeList
	// next entry to be written
	cpuPut uint32
	// next entry presumed not yet retired
	gpuGet uint32
	// reservations that haven't been ended
	currentPushes uint32
}

func newChannel(pool *Pool, hw HWChannel, sem tracksem.Semaphore, copyEngine int) (*Channel, error) {
	n := hw.NumEntries()
	if n < 2 {
		return nil, fmt.Errorf(`%w: channel %d has %d gpfifo entries`, ErrNotSupported, hw.ID(), n)
	}
	x := Channel{
		pool:       pool,
		hw:         hw,
		tracking:   tracksem.NewTracker(sem),
		name:       fmt.Sprintf(`%s id %d (%#x) ce %d`, pool.typ, hw.ID(), hw.ID(), copyEngine),
		copyEngine: copyEngine,
		numEntries: n,
		entries:    make([]GPFIFOEntry, n),
		slots:      make([]pushSlot, n),
		free:       newFreeList(n),
	}
	x.logger = pool.manager.logger.Clone().
		Str(`channel`, x.name).
		Str(`type`, pool.typ.String()).
		Logger()
	return &x, nil
}

// Name returns the diagnostic name of the channel.
func (x *Channel) Name() string { return x.name }

// Type returns the type of the channel's pool.
func (x *Channel) Type() Type { return x.pool.typ }

// Pool returns the pool the channel belongs to.
func (x *Channel) Pool() *Pool { return x.pool }

// HWID returns the hardware channel id.
func (x *Channel) HWID() uint32 { return x.hw.ID() }

// CopyEngine returns the index of the copy engine the channel is bound to.
func (x *Channel) CopyEngine() int { return x.copyEngine }

// NumEntries returns the ring capacity. At most NumEntries-1 entries may be
// outstanding at once.
func (x *Channel) NumEntries() uint32 { return x.numEntries }

// TrackingSemaphore returns the semaphore the device releases as entries
// complete.
func (x *Channel) TrackingSemaphore() tracksem.Semaphore { return x.tracking.Semaphore() }

// IsValueCompleted returns true if the tracking value has been reached.
func (x *Channel) IsValueCompleted(value uint64) bool { return x.tracking.IsValueCompleted(value) }

// UpdateCompletedValue refreshes and returns the completed tracking value.
func (x *Channel) UpdateCompletedValue() uint64 { return x.tracking.Update() }

func (x *Channel) manager() *Manager { return x.pool.manager }

// availableLocked reports whether one more entry may be claimed, leaving one
// slot empty, to distinguish full from empty.
func (x *Channel) availableLocked() bool {
	return ringNext(x.cpuPut+x.currentPushes, x.numEntries) != x.gpuGet
}

func (x *Channel) tryClaim() bool {
	x.pool.mu.Lock()
	defer x.pool.mu.Unlock()
	if !x.availableLocked() {
		return false
	}
	x.currentPushes++
	return true
}

func (x *Channel) unclaim() {
	x.pool.mu.Lock()
	defer x.pool.mu.Unlock()
	if x.currentPushes == 0 {
		panic(`channel: unclaim without claim`)
	}
	x.currentPushes--
}

// Reserve claims one entry of the ring, for a subsequent BeginPush. It only
// blocks if the ring is full, in which case it spin-polls progress, until an
// entry becomes available, a fatal error is detected, or ctx is canceled.
// It returns ErrClosed if the manager has been closed.
func (x *Channel) Reserve(ctx context.Context) error {
	if x.manager().closed.Load() {
		return ErrClosed
	}
	if err := x.manager().status.Load(); err != nil {
		return err
	}

	if x.tryClaim() {
		return nil
	}

	x.UpdateProgress()

	spin := x.manager().newSpin(`reserve ` + x.name)
	for !x.tryClaim() {
		if err := ctx.Err(); err != nil {
			return err
		}
		spin.Spin()
		if err := x.CheckErrors(); err != nil {
			return err
		}
		x.UpdateProgress()
	}

	return nil
}

// Begin reserves an entry, then begins a push, see Reserve and BeginPush.
func (x *Channel) Begin(ctx context.Context, description string) (*Push, error) {
	p := newPush(description, 2)
	if err := x.Reserve(ctx); err != nil {
		return nil, err
	}
	if err := x.BeginPush(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// BeginPush starts p on the receiver, using a claim previously made by
// Reserve. It reserves a pushbuffer region, spin-polling progress across the
// manager if the pushbuffer is full, and attaches a diagnostic slot. On
// failure, the claim is released.
func (x *Channel) BeginPush(ctx context.Context, p *Push) error {
	if p.channel != nil {
		panic(`channel: push already begun`)
	}

	region, err := x.beginRegion(ctx)
	if err != nil {
		x.unclaim()
		return err
	}

	reserved := x.manager().device.CopyEngine().SemaphoreReleaseSize()
	if reserved > uint32(len(region.Mem)) {
		m := x.manager()
		m.pushbuffer.End(region, 0)
		m.pushbuffer.Complete(region.Offset, 0)
		x.unclaim()
		return fmt.Errorf(`%w: max push size %d is smaller than the tracking release (%d bytes)`, ErrNotSupported, len(region.Mem), reserved)
	}

	slot := x.attachSlot(p.info)

	p.channel = x
	p.region = region
	p.size = 0
	p.reserved = reserved
	p.trackingValue = 0
	p.slot = int(slot)

	return nil
}

func (x *Channel) attachSlot(info PushInfo) uint32 {
	x.pool.mu.Lock()
	defer x.pool.mu.Unlock()
	slot := x.free.Pop()
	if x.slots[slot].onComplete != nil {
		panic(fmt.Errorf(`channel: diagnostic slot %d has a pending callback`, slot))
	}
	x.slots[slot].info = info
	return slot
}

func (x *Channel) beginRegion(ctx context.Context) (pushbuffer.Region, error) {
	m := x.manager()

	region, err := m.pushbuffer.Begin()
	if !errors.Is(err, pushbuffer.ErrFull) {
		return region, err
	}

	spin := m.newSpin(`pushbuffer space`)
	for {
		if err := ctx.Err(); err != nil {
			return pushbuffer.Region{}, err
		}
		spin.Spin()
		if err := m.CheckErrors(); err != nil {
			return pushbuffer.Region{}, err
		}
		m.UpdateProgress()
		if region, err = m.pushbuffer.Begin(); !errors.Is(err, pushbuffer.ErrFull) {
			return region, err
		}
	}
}

// EndPush submits p, which must have been begun on the receiver: it queues
// the next tracking value, emits the release of that value, into the room kept
// at the end of the push, writes the ring entry, then rings the doorbell.
// Ownership of the diagnostic slot moves to the ring entry, until it is
// retired.
func (x *Channel) EndPush(p *Push) {
	if p.channel != x || p.slot < 0 {
		panic(`channel: end of push that is not in progress`)
	}

	ce := x.manager().device.CopyEngine()
	if need := uint64(p.size) + uint64(ce.SemaphoreReleaseSize()); need > uint64(len(p.region.Mem)) {
		panic(fmt.Errorf(`channel: no room for tracking release: %d bytes exceeds %d`, need, len(p.region.Mem)))
	}

	value := x.enqueue(p, ce)

	x.manager().device.Host().WriteBarrier()

	p.trackingValue = value
}

func (x *Channel) enqueue(p *Push, ce CopyEngineHAL) uint64 {
	host := x.manager().device.Host()

	x.pool.mu.Lock()
	defer x.pool.mu.Unlock()

	if x.currentPushes == 0 {
		panic(`channel: end of push without reservation`)
	}

	value := x.tracking.Queue()
	p.reserved = 0
	ce.SemaphoreRelease(p, x.tracking.Semaphore(), uint32(value))

	put := x.cpuPut
	slot := uint32(p.slot)
	x.entries[put] = GPFIFOEntry{
		TrackingValue:    value,
		PushbufferOffset: p.region.Offset,
		PushbufferSize:   p.size,
		slot:             slot,
	}
	x.slots[slot].onComplete = p.OnComplete
	p.slot = -1
	x.currentPushes--

	host.SetGPFIFOEntry(x.hw, put, p.region.GPUAddress, p.size)

	// the entry must be fully accounted for before the lock is released, as
	// it may be retired as soon as the device sees it
	x.manager().pushbuffer.End(p.region, p.size)

	x.cpuPut = ringNext(put, x.numEntries)
	// atomic store, orders all prior writes to the pushbuffer and ring
	host.WriteGPPut(x.hw, x.cpuPut)

	return value
}

// UpdateProgress retires up to DefaultProgressBatch completed entries,
// returning the number of entries still outstanding.
func (x *Channel) UpdateProgress() int {
	return x.updateProgress(DefaultProgressBatch, updateCompleted)
}

// UpdateProgressAll retires every completed entry, returning the number of
// entries still outstanding.
func (x *Channel) UpdateProgressAll() int {
	return x.updateProgress(x.numEntries, updateCompleted)
}

func (x *Channel) updateProgress(max uint32, mode updateMode) int {
	var completed uint64
	if mode == updateCompleted {
		completed = x.tracking.Update()
	}

	var callbacks []func()

	x.pool.mu.Lock()
	var n uint32
	for x.gpuGet != x.cpuPut && n < max {
		e := &x.entries[x.gpuGet]
		if mode == updateCompleted && e.TrackingValue > completed {
			break
		}
		x.manager().pushbuffer.Complete(e.PushbufferOffset, e.PushbufferSize)
		if s := &x.slots[e.slot]; s.onComplete != nil {
			callbacks = append(callbacks, s.onComplete)
			s.onComplete = nil
		}
		x.free.Push(e.slot)
		x.gpuGet = ringNext(x.gpuGet, x.numEntries)
		n++
	}
	pending := ringDistance(x.gpuGet, x.cpuPut, x.numEntries)
	x.pool.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	return int(pending)
}

// forceDrain retires every outstanding entry, regardless of completion.
func (x *Channel) forceDrain() int {
	return x.updateProgress(x.numEntries, updateForceAll)
}

// Status returns the hardware fault status of the channel, ErrECC or
// ErrDeviceFault, or nil, without latching it.
func (x *Channel) Status() error {
	if x.hw.ErrorNotifier() == 0 {
		return nil
	}
	// ECC is the more precise diagnosis, when both have fired
	if d := x.manager().device; d.ECCEnabled() && d.ECCError() {
		return ErrECC
	}
	return ErrDeviceFault
}

// CheckErrors returns the error latched by the manager, if any, otherwise
// checks the channel for a fault, which will be latched, and returned as a
// *FaultError.
func (x *Channel) CheckErrors() error {
	m := x.manager()
	if err := m.status.Load(); err != nil {
		return err
	}

	notifier := x.hw.ErrorNotifier()
	if notifier == 0 {
		return nil
	}
	cause := ErrDeviceFault
	if m.device.ECCEnabled() && m.device.ECCError() {
		cause = ErrECC
	}

	fault := &FaultError{
		Err:      cause,
		Channel:  x.name,
		Notifier: notifier,
	}

	x.logger.Err().
		Err(cause).
		Str(`device`, m.device.Name()).
		Str(`notifier`, fmt.Sprintf(`%#x`, notifier)).
		Log(`detected a channel error`)

	if entry, info, ok := x.fatalEntry(); ok {
		fault.Push = &info
		fault.TrackingValue = entry.TrackingValue
		x.logger.Err().
			Str(`push`, info.Description).
			Str(`file`, info.File).
			Int(`line`, info.Line).
			Str(`function`, info.Function).
			Uint64(`tracking_value`, entry.TrackingValue).
			Log(`channel error likely caused by push`)
	}

	return m.status.Latch(fault)
}

// fatalEntry returns a copy of the oldest pending entry, after retiring
// everything that has completed.
func (x *Channel) fatalEntry() (GPFIFOEntry, PushInfo, bool) {
	if x.UpdateProgressAll() == 0 {
		return GPFIFOEntry{}, PushInfo{}, false
	}
	x.pool.mu.Lock()
	defer x.pool.mu.Unlock()
	if x.gpuGet == x.cpuPut {
		return GPFIFOEntry{}, PushInfo{}, false
	}
	e := x.entries[x.gpuGet]
	return e, x.slots[e.slot].info, true
}

// WaitForValue spin-polls until the tracking value is completed, a fatal
// error is detected, or ctx is canceled.
func (x *Channel) WaitForValue(ctx context.Context, value uint64) error {
	if x.tracking.IsValueCompleted(value) {
		return x.CheckErrors()
	}
	spin := x.manager().newSpin(`tracking value on ` + x.name)
	for !x.tracking.IsValueCompleted(value) {
		if err := x.CheckErrors(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		spin.Spin()
	}
	return nil
}

func (x *Channel) destroy() error {
	m := x.manager()

	if x.tracking.Queued() > 0 {
		if m.status.Load() == nil && x.Status() == nil && !x.tracking.IsCompleted() {
			x.logger.Warning().
				Uint64(`queued`, x.tracking.Queued()).
				Uint64(`completed`, x.tracking.Completed()).
				Log(`destroying channel that is not idle`)
		}
		// the pushbuffer outlives the channel
		x.forceDrain()
	}

	m.device.FreeSemaphore(x.tracking.Semaphore())

	return x.hw.Close()
}
