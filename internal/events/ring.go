package events

import "sync/atomic"

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded lock-free multi-producer multi-consumer queue. Storage is
// allocated once; publishing and consuming never allocate or block.
type Ring[T any] struct {
	_       [64]byte
	tail    atomic.Uint64
	_       [56]byte
	head    atomic.Uint64
	_       [56]byte
	dropped atomic.Uint64
	mask    uint64
	cells   []cell[T]
}

// NewRing returns a ring holding at least size entries (rounded up to a
// power of two).
func NewRing[T any](size int) *Ring[T] {
	n := 2
	for n < size {
		n <<= 1
	}
	r := &Ring[T]{mask: uint64(n - 1), cells: make([]cell[T], n)}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

// TryPublish appends v. It returns false, and counts a drop, only when the
// ring is full. A lost CAS means another producer advanced the tail, so the
// retry loop always makes progress.
func (r *Ring[T]) TryPublish(v T) bool {
	pos := r.tail.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if r.tail.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.tail.Load()
		case diff < 0:
			r.dropped.Add(1)
			return false
		default:
			pos = r.tail.Load()
		}
	}
}

// TryConsume pops the oldest entry into out. It returns false when empty.
func (r *Ring[T]) TryConsume(out *T) bool {
	pos := r.head.Load()
	for {
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos+1); {
		case diff == 0:
			if r.head.CompareAndSwap(pos, pos+1) {
				*out = c.val
				c.seq.Store(pos + r.mask + 1)
				return true
			}
			pos = r.head.Load()
		case diff < 0:
			return false
		default:
			pos = r.head.Load()
		}
	}
}

// Len is approximate under concurrent use.
func (r *Ring[T]) Len() int {
	h := r.head.Load()
	return int(r.tail.Load() - h)
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Dropped returns the number of publishes rejected so far.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}
