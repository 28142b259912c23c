package allocator

import (
	"log"
	"sync"
	"unsafe"

	"github.com/arenarun/farena/internal/errors"
)

// blockHeader is the fixed-size metadata prefix of every block. It is
// written directly into the caller-supplied region bytes; next/prev are
// addresses within that same region (or nil at the chain's ends), and
// size is the payload length that follows the header, not counting the
// header itself.
type blockHeader struct {
	next *blockHeader
	prev *blockHeader
	size uintptr
	free bool
}

// HeaderSize is the number of bytes every block spends on its header,
// fixed by blockHeader's layout on the running platform.
var HeaderSize = unsafe.Sizeof(blockHeader{})

// FixedArena is a thread-safe, fixed-capacity free-list allocator over a
// single caller-supplied byte region. The zero value is not usable; use
// New.
type FixedArena struct {
	mu       sync.Mutex
	region   []byte
	base     uintptr
	capacity uintptr
	head     *blockHeader
	cursor   *blockHeader
	policy   Policy
	config   *Config
}

// New binds a FixedArena to region, which must be larger than MinArena
// bytes (1024 by default; a region of exactly MinArena bytes is
// rejected), and selects policy as the placement strategy
// for Allocate. The entire region starts out as a single free block.
func New(region []byte, policy Policy, opts ...Option) (*FixedArena, error) {
	if !policy.valid() {
		return nil, errors.UnknownPolicy(policy.String())
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if region == nil {
		return nil, errors.Uninitialised("New: nil region")
	}

	capacity := uintptr(len(region))
	if capacity <= cfg.MinArena {
		return nil, errors.ArenaTooSmall(capacity, cfg.MinArena)
	}

	a := &FixedArena{
		region:   region,
		base:     uintptr(unsafe.Pointer(&region[0])),
		capacity: capacity,
		policy:   policy,
		config:   cfg,
	}
	a.head = createBlock(unsafe.Pointer(&region[0]), capacity)

	return a, nil
}

// SetPolicy swaps the arena's placement policy. It takes effect on the
// next Allocate; it never touches the existing block chain, so an
// in-flight next-fit cursor is simply reinterpreted under the new
// policy's search order.
func (a *FixedArena) SetPolicy(p Policy) error {
	a.ready("SetPolicy")

	if !p.valid() {
		return errors.UnknownPolicy(p.String())
	}

	a.mu.Lock()
	a.policy = p
	a.mu.Unlock()

	return nil
}

// Policy reports the arena's current placement policy.
func (a *FixedArena) Policy() Policy {
	a.ready("Policy")

	a.mu.Lock()
	defer a.mu.Unlock()

	return a.policy
}

// ready panics if the arena was never constructed through New; calling
// any public operation before initialisation is a caller contract
// violation, per §5's "Initialization races" rule.
func (a *FixedArena) ready(operation string) {
	if a == nil || a.region == nil {
		panic(errors.Uninitialised(operation))
	}
}

// createBlock places a header at addr describing a free block spanning
// totalSize bytes, header included. Precondition: totalSize > HeaderSize.
func createBlock(addr unsafe.Pointer, totalSize uintptr) *blockHeader {
	b := (*blockHeader)(addr)
	b.next = nil
	b.prev = nil
	b.free = true
	b.size = totalSize - HeaderSize

	return b
}

// payloadPtr returns the address of b's payload, immediately following
// its header.
func payloadPtr(b *blockHeader) unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(b)) + HeaderSize)
}

// headerOf recovers the header of the block whose payload starts at p.
func headerOf(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(p) - HeaderSize))
}

// inRange reports whether p falls within [base, base+capacity), the
// address-space check §4.1 requires before trusting a payload pointer.
func (a *FixedArena) inRange(p unsafe.Pointer) bool {
	addr := uintptr(p)

	return addr >= a.base && addr < a.base+a.capacity
}

// Allocate reserves n bytes from the arena using the arena's placement
// policy and returns a zeroed payload slice of length n, or (nil, false)
// if no free block is large enough.
func (a *FixedArena) Allocate(n int) ([]byte, bool) {
	a.ready("Allocate")

	if n <= 0 {
		return nil, false
	}

	need := uintptr(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.find(need)
	if b == nil {
		return nil, false
	}

	payload := a.serve(b, need)

	if a.policy == NextFit {
		a.cursor = b.next
	}

	return payload, true
}

// find dispatches to the placement search named by a.policy.
func (a *FixedArena) find(n uintptr) *blockHeader {
	switch a.policy {
	case FirstFit:
		return findFirstFit(a.head, n)
	case NextFit:
		return a.findNextFit(n)
	case BestFit:
		return findBestFit(a.head, n)
	case WorstFit:
		return findWorstFit(a.head, n)
	default:
		panic(errors.UnknownPolicy(a.policy.String()))
	}
}

// serve splits b, if the tail remainder is worth keeping as its own
// block, marks it allocated, zeroes its payload, and returns a slice
// over its first n bytes. Precondition: b.free && b.size >= n.
func (a *FixedArena) serve(b *blockHeader, n uintptr) []byte {
	remainder := b.size - n
	if remainder >= HeaderSize+a.config.MinPayload {
		tailAddr := unsafe.Pointer(uintptr(payloadPtr(b)) + n)
		tail := createBlock(tailAddr, remainder)

		tail.next = b.next
		tail.prev = b

		if b.next != nil {
			b.next.prev = tail
		}

		b.next = tail
		b.size = n
	}

	b.free = false

	full := unsafe.Slice((*byte)(payloadPtr(b)), int(b.size))
	for i := range full {
		full[i] = 0
	}

	return full[:n:b.size]
}

// Deallocate releases payload back to the arena, coalescing with any
// free neighbors. payload == nil is a no-op. payload must otherwise be a
// slice previously returned by Allocate on this arena and not already
// freed: a pointer outside the arena is a fatal contract violation, and
// double-freeing an already-free block is reported but otherwise
// ignored.
func (a *FixedArena) Deallocate(payload []byte) {
	a.ready("Deallocate")

	a.mu.Lock()
	defer a.mu.Unlock()

	if payload == nil {
		return
	}

	p := unsafe.Pointer(&payload[0])
	if !a.inRange(p) {
		panic(errors.OutOfRangePointer(uintptr(p), a.base, a.capacity))
	}

	b := headerOf(p)
	if b.free {
		log.Print(errors.DoubleFree(uintptr(unsafe.Pointer(b)) - a.base))

		return
	}

	b.free = true

	if b.prev != nil && b.prev.free {
		if a.cursor == b {
			a.cursor = b.next
		}

		b = a.mergeWithPrevious(b)
	}

	if b.next != nil && b.next.free {
		if a.cursor == b.next {
			a.cursor = b.next.next
		}

		a.mergeWithNext(b)
	}
}

// mergeWithPrevious absorbs b into b.prev and returns b.prev.
// Precondition: b.prev != nil && b.prev.free.
func (a *FixedArena) mergeWithPrevious(b *blockHeader) *blockHeader {
	prev := b.prev
	prev.size += HeaderSize + b.size
	prev.next = b.next

	if b.next != nil {
		b.next.prev = prev
	}

	if a.head == b {
		a.head = prev
	}

	return prev
}

// mergeWithNext absorbs b.next into b. Precondition: b.next != nil &&
// b.next.free.
func (a *FixedArena) mergeWithNext(b *blockHeader) *blockHeader {
	next := b.next
	b.size += HeaderSize + next.size
	b.next = next.next

	if next.next != nil {
		next.next.prev = b
	}

	return b
}
