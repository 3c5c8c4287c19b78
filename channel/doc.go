// Package channel manages the submission of asynchronous work to a device,
// through fixed-size command rings ("channels"), and tracks the completion of
// that work via tracking semaphores, without blocking on the device, except
// through bounded, cooperative polling.
//
// A Manager owns one Pool per Type, each Pool owning a fixed number of
// channels, and a single lock, guarding the ring state of every channel in the
// pool. Callers reserve a slot on a channel (Manager.ReserveType or
// Channel.Reserve), encode commands into a Push, then end the push, which
// appends a ring entry, arms a new tracking semaphore value, and rings the
// doorbell. Progress is discovered exclusively by polling (UpdateProgress),
// which retires ring entries whose tracking value the device has released.
//
// Rings never become completely full: at most N-1 entries are outstanding,
// for a ring of N entries, so that cpu_put == gpu_get always means "empty".
//
// Device faults are detected cooperatively, by every polling loop, and the
// first fault is latched for the lifetime of the Manager, causing all
// subsequent waits to abort with that error.
package channel
