package bufq

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ardnew/softmsc/pkg"
)

// MinDepth is the smallest queue depth accepted by [New].
const MinDepth = 2

// Buffer is one fixed-capacity slot of a [Queue]. Its contents are valid
// from [Queue.Get] until [Queue.Put].
type Buffer struct {
	q     *Queue
	index int
	data  []byte
	n     int
}

// Index returns the slot index within the owning queue.
func (b *Buffer) Index() int { return b.index }

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n] }

// Data returns the whole slot, ignoring the fill level.
func (b *Buffer) Data() []byte { return b.data }

// Len returns the number of filled bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the slot capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Free returns the unfilled capacity.
func (b *Buffer) Free() int { return len(b.data) - b.n }

// SetLen sets the fill level. It panics if n is outside [0, Cap()].
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("bufq: SetLen(%d) out of range [0,%d]", n, len(b.data)))
	}
	b.n = n
}

// Reset empties the buffer.
func (b *Buffer) Reset() { b.n = 0 }

// Queue is a fixed pool of equally sized, aligned buffers carved from one
// arena. Check-out and check-in never allocate.
type Queue struct {
	size  int
	align int
	arena []byte
	slots []Buffer
	free  chan int

	mu  sync.Mutex
	out []bool
}

// New creates a queue of depth buffers, each size bytes and aligned to
// align bytes (a power of two; 0 or 1 for no alignment).
func New(depth, size, align int) (*Queue, error) {
	if depth < MinDepth {
		return nil, fmt.Errorf("bufq: depth %d below %d: %w", depth, MinDepth, pkg.ErrInvalidParameter)
	}
	if size <= 0 {
		return nil, fmt.Errorf("bufq: size %d: %w", size, pkg.ErrInvalidParameter)
	}
	if align <= 1 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("bufq: alignment %d not a power of two: %w", align, pkg.ErrInvalidParameter)
	}

	stride := (size + align - 1) &^ (align - 1)
	arena := make([]byte, stride*depth+align-1)
	base := 0
	if rem := int(uintptr(unsafe.Pointer(&arena[0])) & uintptr(align-1)); rem != 0 {
		base = align - rem
	}

	q := &Queue{
		size:  size,
		align: align,
		arena: arena,
		slots: make([]Buffer, depth),
		free:  make(chan int, depth),
		out:   make([]bool, depth),
	}
	for i := range q.slots {
		off := base + i*stride
		q.slots[i] = Buffer{q: q, index: i, data: arena[off : off+size : off+size]}
		q.free <- i
	}
	pkg.LogDebug(pkg.ComponentBufQ, "queue created", "depth", depth, "size", size, "align", align)
	return q, nil
}

// Depth returns the number of buffers in the queue.
func (q *Queue) Depth() int { return len(q.slots) }

// Size returns the capacity of each buffer.
func (q *Queue) Size() int { return q.size }

// Align returns the buffer alignment.
func (q *Queue) Align() int { return q.align }

// Available returns the number of buffers ready for check-out.
func (q *Queue) Available() int { return len(q.free) }

func (q *Queue) checkout(i int) *Buffer {
	q.mu.Lock()
	q.out[i] = true
	q.mu.Unlock()
	b := &q.slots[i]
	b.n = 0
	return b
}

// Get checks out a buffer, blocking until one is free or ctx ends.
func (q *Queue) Get(ctx context.Context) (*Buffer, error) {
	select {
	case i := <-q.free:
		return q.checkout(i), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryGet checks out a buffer if one is free.
func (q *Queue) TryGet() (*Buffer, bool) {
	select {
	case i := <-q.free:
		return q.checkout(i), true
	default:
		return nil, false
	}
}

// Put checks a buffer back in. It panics if b belongs to another queue or
// is not checked out.
func (q *Queue) Put(b *Buffer) {
	if b == nil || b.q != q {
		panic("bufq: Put of foreign buffer")
	}
	q.mu.Lock()
	if !q.out[b.index] {
		q.mu.Unlock()
		panic(fmt.Sprintf("bufq: double Put of buffer %d", b.index))
	}
	q.out[b.index] = false
	q.mu.Unlock()
	b.n = 0
	q.free <- b.index
}

// Outstanding returns the number of buffers checked out.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, out := range q.out {
		if out {
			n++
		}
	}
	return n
}

// Reset reclaims every checked-out buffer except those in keep, which
// stay checked out until Put. Callers must no longer use reclaimed
// buffers.
func (q *Queue) Reset(keep ...*Buffer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	held := make(map[int]bool, len(keep))
	for _, b := range keep {
		if b != nil && b.q == q {
			held[b.index] = true
		}
	}
	for i, out := range q.out {
		if out && !held[i] {
			q.out[i] = false
			q.slots[i].n = 0
			q.free <- i
		}
	}
}
