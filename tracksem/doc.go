// Package tracksem implements tracking semaphores, used to determine how much
// of the work queued to a device has actually finished.
//
// A tracking semaphore pairs a device-writable 32-bit payload (the Semaphore)
// with a CPU-side, strictly increasing, 64-bit "queued" counter, and a cached
// 64-bit "completed" counter. The completed value is reconstructed from the
// payload, accounting for wraparound, which requires that no more than 2^32
// values are ever outstanding at once (in practice, the ring size bounds this
// to a very small number).
package tracksem
