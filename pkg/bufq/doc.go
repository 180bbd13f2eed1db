// Package bufq provides a bounded pool of fixed-size, aligned I/O buffers.
//
// A [Queue] owns one arena split into depth slots. Buffers are checked out
// with [Queue.Get] or [Queue.TryGet] and returned with [Queue.Put]; the
// free list is a buffered channel of slot indices, so check-out and
// check-in are safe from any goroutine and never allocate. Peak memory is
// depth × size regardless of how much data flows through the queue.
//
// A depth of at least two is required so that one buffer can be on the
// bus while the next is filled by storage.
package bufq
