// Package pool implements the fixed-block memory arena described in
// spec §4.1 (C1): a single contiguous byte region cut into num_blocks
// equal-size blocks, with O(1) acquire/release and no heap churn once
// the arena is built.
//
// The free list is a Treiber-style lock-free stack threaded through a
// parallel descriptor array by index rather than by pointer — the
// index survives arena relocation (there is none, by design, but the
// discipline also keeps the free list cache-dense) and lets Release
// work without a side table keyed by object identity. This follows the
// handle-by-index pattern in the teacher repository's
// PooledQuantumQueue (Handle uint64 into a shared arena, nilIdx
// sentinel) and the CAS-protected head used by its ring package,
// generalized here from a priority-queue bitmap to a plain free-list
// stack per spec §4.1(ii): "a Treiber-style lock-free stack on the
// free-list head using CAS on a (index, tag) pair to defeat ABA."
package pool

import (
	"errors"
	"sync/atomic"

	"github.com/quantrail/hftcore/internal/cpupause"
)

// ErrInvalidSize is returned by New when blockSize or numBlocks is
// non-positive, or the arena would overflow addressable memory.
var ErrInvalidSize = errors.New("pool: invalid block size or block count")

// nilIndex marks the end of the free list.
const nilIndex int32 = -1

// descriptor is one entry in the parallel metadata array. inUse is
// accessed atomically so Acquire/Release remain correct when producers
// and consumers run on different goroutines; next is only ever touched
// while the owning block is on the free list, so it needs no atomic.
type descriptor struct {
	next  int32
	inUse uint32
}

// Handle is an opaque, exclusive reference to one block. It carries its
// block index directly (Design Notes: "replace with an integer block
// index carried in the handle itself; O(1) release without a side
// table") instead of being looked up from a map keyed by object
// identity.
type Handle struct {
	index int32
}

// Invalid is the sentinel handle returned by a failed Acquire. It is not
// the zero Handle, which refers to block 0.
var Invalid = Handle{index: nilIndex}

// Valid reports whether h refers to a block, that is, whether it is not
// Invalid. It does not track whether the block has since been released.
func (h Handle) Valid() bool { return h.index != nilIndex }

// Index returns the block's position within the pool, for callers that
// need to correlate a handle with external bookkeeping (e.g. a queue
// slot payload).
func (h Handle) Index() int32 { return h.index }

// packedHead packs a free-list index and an ABA-defeating tag into one
// uint64 so the head pointer can move with a single CAS. The teacher's
// ring package uses the same "pack two small fields, CAS the word"
// discipline for its sequence-stamped slots.
type packedHead uint64

func packHead(index int32, tag uint32) packedHead {
	return packedHead(uint32(index))<<32 | packedHead(tag)
}

func (p packedHead) index() int32 { return int32(uint32(p >> 32)) }
func (p packedHead) tag() uint32  { return uint32(p) }

// Stats is a read-only snapshot of pool utilization, exposed to C7.
type Stats struct {
	NumBlocks  int
	BlockSize  int
	Allocated  int64
	Free       int64
	Exhausted  int64 // count of Acquire calls that found the pool empty
	DoubleFree int64 // count of detected double-Release attempts
}

// Pool owns one contiguous arena of NumBlocks*BlockSize bytes plus the
// descriptor array threading the free list.
type Pool struct {
	arena     []byte
	blockSize int
	numBlocks int

	desc []descriptor

	head atomic.Uint64 // packedHead

	allocated  atomic.Int64
	exhausted  atomic.Int64
	doubleFree atomic.Int64

	// backoffSpins and backoffYieldAfter bound the CAS retry loop's
	// spin→yield discipline, per spec §5's "bounded backoff is
	// mandatory."
	backoffSpins      int
	backoffYieldAfter int
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithBackoffSpins overrides the default exponential spin cap before
// the free-list push/pop loop yields the thread.
func WithBackoffSpins(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.backoffSpins = n
		}
	}
}

// WithBackoffYieldAfter overrides the default retry-attempt count after
// which the free-list push/pop loop switches permanently to yielding.
func WithBackoffYieldAfter(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.backoffYieldAfter = n
		}
	}
}

// New reserves one arena of numBlocks blocks of blockSize bytes each
// and threads every block onto the free list. Construction failure
// (invalid sizing) is the only fatal error path per spec §4.1 — once
// built, exhaustion is a normal, non-fatal runtime condition.
func New(numBlocks, blockSize int, opts ...Option) (*Pool, error) {
	if numBlocks <= 0 || blockSize <= 0 {
		return nil, ErrInvalidSize
	}

	p := &Pool{
		arena:             make([]byte, numBlocks*blockSize),
		blockSize:         blockSize,
		numBlocks:         numBlocks,
		desc:              make([]descriptor, numBlocks),
		backoffSpins:      64,
		backoffYieldAfter: 64,
	}
	for _, opt := range opts {
		opt(p)
	}

	// Thread every block onto the free list, index ascending so the
	// first Acquire returns block 0 — deterministic and friendly to tests.
	for i := 0; i < numBlocks-1; i++ {
		p.desc[i].next = int32(i + 1)
	}
	p.desc[numBlocks-1].next = nilIndex
	p.head.Store(uint64(packHead(0, 0)))

	return p, nil
}

// Prefault touches every page of the arena once so the first hot-path
// Acquire does not pay for demand-paging. It is safe to call more than
// once; it never blocks and never fails.
func (p *Pool) Prefault() {
	const stride = 4096
	for i := 0; i < len(p.arena); i += stride {
		p.arena[i] = p.arena[i]
	}
	if n := len(p.arena); n > 0 {
		p.arena[n-1] = p.arena[n-1]
	}
}

// BlockSize returns the fixed size of every block in bytes.
func (p *Pool) BlockSize() int { return p.blockSize }

// Capacity returns the total number of blocks in the pool.
func (p *Pool) Capacity() int { return p.numBlocks }

// Acquire pops one block off the free list in O(1) and marks it
// in-use. It returns (Invalid, false) if the pool is exhausted — a
// normal-flow signal, not an error, per spec §4.1 "Failure modes."
func (p *Pool) Acquire() (Handle, bool) {
	backoff := cpupause.NewBackoff(p.backoffSpins, p.backoffYieldAfter)
	for {
		old := packedHead(p.head.Load())
		idx := old.index()
		if idx == nilIndex {
			p.exhausted.Add(1)
			return Invalid, false
		}

		next := p.desc[idx].next
		newHead := packHead(next, old.tag()+1)
		if p.head.CompareAndSwap(uint64(old), uint64(newHead)) {
			atomic.StoreUint32(&p.desc[idx].inUse, 1)
			p.allocated.Add(1)
			return Handle{index: idx}, true
		}
		backoff.Spin()
	}
}

// Release returns a block to the free list in O(1) and zeroes its
// payload bytes, since the arena may be reused across trust domains
// (spec §4.1 "Representation"). Releasing an invalid handle or
// double-releasing a handle is a contract violation; it is reported via
// the DoubleFree counter rather than corrupting the free list, so
// callers running without assertions enabled still fail safely.
func (p *Pool) Release(h Handle) {
	if h.index < 0 || int(h.index) >= p.numBlocks {
		p.doubleFree.Add(1)
		return
	}
	if !atomic.CompareAndSwapUint32(&p.desc[h.index].inUse, 1, 0) {
		p.doubleFree.Add(1)
		return
	}

	clear(p.Bytes(h))

	backoff := cpupause.NewBackoff(p.backoffSpins, p.backoffYieldAfter)
	for {
		old := packedHead(p.head.Load())
		p.desc[h.index].next = old.index()
		newHead := packHead(h.index, old.tag()+1)
		if p.head.CompareAndSwap(uint64(old), uint64(newHead)) {
			p.allocated.Add(-1)
			return
		}
		backoff.Spin()
	}
}

// Bytes returns the byte-slice view of the block referenced by h. The
// slice is exclusively owned by the handle's holder until Release.
func (p *Pool) Bytes(h Handle) []byte {
	off := int(h.index) * p.blockSize
	return p.arena[off : off+p.blockSize]
}

// Stats returns a read-only snapshot of pool utilization counters.
func (p *Pool) Stats() Stats {
	allocated := p.allocated.Load()
	return Stats{
		NumBlocks:  p.numBlocks,
		BlockSize:  p.blockSize,
		Allocated:  allocated,
		Free:       int64(p.numBlocks) - allocated,
		Exhausted:  p.exhausted.Load(),
		DoubleFree: p.doubleFree.Load(),
	}
}
