// Package queue implements the bounded multi-producer/multi-consumer
// lock-free ring described in spec §4.2 (C2): the classic Vyukov
// sequence-stamped slot ring, generalized to many producers and many
// consumers via a CAS on the shared head/tail cursor.
//
// This is a direct generalization of the teacher repository's
// ring.Ring, which implements the single-producer/single-consumer
// special case of the same discipline (plain, uncontended read-modify
// of head/tail since only one thread ever touches each). Multiple
// producers and multiple consumers means head and tail must each move
// under CAS, and the per-slot sequence check has to tolerate a CAS
// loser retrying against a possibly-already-claimed slot — this file
// keeps the teacher's cache-line padding and acquire/release discipline
// and adds the CAS loop spec §4.2's "Algorithm" section describes.
package queue

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/quantrail/hftcore/internal/cpupause"
)

// ErrCapacity is returned by New when capacity is not a positive power
// of two, per spec §4.2 "Capacity constraint."
var ErrCapacity = errors.New("queue: capacity must be a power of two")

// slot couples a payload pointer with its sequence stamp. Slots are
// not padded; cache-line padding is applied only to the head and tail
// cursors in Queue.
type slot struct {
	seq atomic.Uint64
	ptr unsafe.Pointer
}

// Queue is a fixed-capacity MPMC ring buffer of opaque payload pointers.
// Producers and consumers never block; try_push/try_pop are the only
// entry points, matching spec §4.2's "does not block" contract.
type Queue struct {
	_    [64]byte
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte
	mask uint64
	buf  []slot

	pushed            atomic.Uint64
	popped            atomic.Uint64
	failedPush        atomic.Uint64
	failedPop         atomic.Uint64
	backoffSpin       int
	backoffYieldAfter int
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithBackoffSpins overrides the cap on Pause calls per CAS retry
// attempt of a producer or consumer.
func WithBackoffSpins(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.backoffSpin = n
		}
	}
}

// WithBackoffYieldAfter overrides the retry-attempt count after which a
// producer or consumer switches permanently to yielding instead of
// spinning.
func WithBackoffYieldAfter(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.backoffYieldAfter = n
		}
	}
}

// New allocates a queue of the given capacity, which must be a
// power of two so index = seq & (capacity-1) stays valid.
func New(capacity int, opts ...Option) (*Queue, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, ErrCapacity
	}
	q := &Queue{
		mask:              uint64(capacity - 1),
		buf:               make([]slot, capacity),
		backoffSpin:       64,
		backoffYieldAfter: 64,
	}
	for i := range q.buf {
		q.buf[i].seq.Store(uint64(i))
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Capacity returns the fixed number of slots in the ring.
func (q *Queue) Capacity() int { return len(q.buf) }

// Size returns an observational, possibly-stale count of items
// currently enqueued. Per spec §4.2 this may be stale under contention.
func (q *Queue) Size() int {
	h := q.head.Load()
	t := q.tail.Load()
	if h < t {
		return 0
	}
	return int(h - t)
}

// IsEmpty is an observational, possibly-stale check.
func (q *Queue) IsEmpty() bool { return q.Size() <= 0 }

// IsFull is an observational, possibly-stale check.
func (q *Queue) IsFull() bool { return q.Size() >= len(q.buf) }

// TryPush enqueues p without blocking. It returns false iff the queue
// is observed full, leaving all state unchanged (spec §8: "try_push on
// a full queue returns false and does not advance state").
func (q *Queue) TryPush(p unsafe.Pointer) bool {
	backoff := cpupause.NewBackoff(q.backoffSpin, q.backoffYieldAfter)
	for {
		head := q.head.Load()
		s := &q.buf[head&q.mask]
		seq := s.seq.Load()

		switch {
		case seq == head:
			if q.head.CompareAndSwap(head, head+1) {
				s.ptr = p
				s.seq.Store(head + 1)
				q.pushed.Add(1)
				return true
			}
			// lost the CAS race against another producer; retry
		case seq < head:
			// the slot has not been reclaimed by a consumer: full.
			q.failedPush.Add(1)
			return false
		default:
			// another producer has already advanced head past this
			// slot but not yet published; retry against the new head.
		}
		backoff.Spin()
	}
}

// TryPop dequeues one payload without blocking. It returns (nil, false)
// iff the queue is observed empty.
func (q *Queue) TryPop() (unsafe.Pointer, bool) {
	backoff := cpupause.NewBackoff(q.backoffSpin, q.backoffYieldAfter)
	for {
		tail := q.tail.Load()
		s := &q.buf[tail&q.mask]
		seq := s.seq.Load()

		switch {
		case seq == tail+1:
			if q.tail.CompareAndSwap(tail, tail+1) {
				p := s.ptr
				s.seq.Store(tail + uint64(len(q.buf)))
				q.popped.Add(1)
				return p, true
			}
			// lost the CAS race against another consumer; retry
		case seq < tail+1:
			// slot not yet published by a producer: empty.
			q.failedPop.Add(1)
			return nil, false
		default:
			// another consumer has already advanced tail; retry.
		}
		backoff.Spin()
	}
}

// Stats is a read-only snapshot of queue counters, exposed to C7.
type Stats struct {
	Capacity   int
	Size       int
	Pushed     uint64
	Popped     uint64
	FailedPush uint64
	FailedPop  uint64
}

// Stats returns a snapshot of the queue's observational counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Capacity:   len(q.buf),
		Size:       q.Size(),
		Pushed:     q.pushed.Load(),
		Popped:     q.popped.Load(),
		FailedPush: q.failedPush.Load(),
		FailedPop:  q.failedPop.Load(),
	}
}

// FillRatio returns the observational fill ratio in [0, 1], used by the
// pipeline's shed-mode hysteresis (spec §4.6).
func (q *Queue) FillRatio() float64 {
	if len(q.buf) == 0 {
		return 0
	}
	size := q.Size()
	if size < 0 {
		size = 0
	}
	return float64(size) / float64(len(q.buf))
}
