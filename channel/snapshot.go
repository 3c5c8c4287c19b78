package channel

type (
	// PushSnapshot describes one outstanding ring entry.
	PushSnapshot struct {
		PushInfo
		TrackingValue uint64
		// Finished is true if the device has completed the entry, but it
		// hasn't been retired.
		Finished bool
	}

	// ChannelSnapshot is a read-only, point-in-time view of a channel.
	ChannelSnapshot struct {
		Name             string
		Type             Type
		HWID             uint32
		CopyEngine       int
		Completed        uint64
		Queued           uint64
		NumEntries       uint32
		GPUGet           uint32
		CPUPut           uint32
		CurrentPushes    uint32
		FreeSlots        int
		SemaphoreAddress uint64
		Pushes           []PushSnapshot
	}

	// ManagerSnapshot is a read-only, point-in-time view of a manager.
	ManagerSnapshot struct {
		Device      string
		Status      error
		CopyEngines CopyEngineAssignment
		Channels    []ChannelSnapshot
	}
)

// Snapshot describes the channel, including every pending push, and up to
// finished of the most recent pushes that have completed, but haven't been
// retired. It does not modify the channel, in particular, the cached
// completed value is not refreshed.
func (x *Channel) Snapshot(finished int) ChannelSnapshot {
	if finished < 0 {
		finished = 0
	}

	completed := x.tracking.Peek()

	x.pool.mu.Lock()
	defer x.pool.mu.Unlock()

	s := ChannelSnapshot{
		Name:             x.name,
		Type:             x.pool.typ,
		HWID:             x.hw.ID(),
		CopyEngine:       x.copyEngine,
		Completed:        completed,
		Queued:           x.tracking.Queued(),
		NumEntries:       x.numEntries,
		GPUGet:           x.gpuGet,
		CPUPut:           x.cpuPut,
		CurrentPushes:    x.currentPushes,
		FreeSlots:        x.free.Len(),
		SemaphoreAddress: x.tracking.Semaphore().GPUAddress(),
	}

	for i := x.gpuGet; i != x.cpuPut; i = ringNext(i, x.numEntries) {
		e := &x.entries[i]
		if e.TrackingValue+uint64(finished) <= completed {
			continue
		}
		s.Pushes = append(s.Pushes, PushSnapshot{
			PushInfo:      x.slots[e.slot].info,
			TrackingValue: e.TrackingValue,
			Finished:      e.TrackingValue <= completed,
		})
	}

	return s
}
