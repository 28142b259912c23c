package allocator

import (
	"unsafe"

	"github.com/arenarun/farena/internal/errors"
)

// BlockInfo is a snapshot of one block, as returned by Walk.
type BlockInfo struct {
	Offset   uintptr // offset of the block's header from the arena base
	Size     uintptr // payload size in bytes
	Free     bool
	IsCursor bool // true iff this block is the next-fit cursor
}

// Walk enumerates every block in address order, for diagnostics and
// tests. It takes the arena's lock like any other public operation.
func (a *FixedArena) Walk() []BlockInfo {
	a.ready("Walk")

	a.mu.Lock()
	defer a.mu.Unlock()

	var blocks []BlockInfo

	for b := a.head; b != nil; b = b.next {
		blocks = append(blocks, BlockInfo{
			Offset:   uintptr(unsafe.Pointer(b)) - a.base,
			Size:     b.size,
			Free:     b.free,
			IsCursor: b == a.cursor,
		})
	}

	return blocks
}

// Validate walks the chain checking link consistency, nonzero sizes,
// that no two adjacent blocks are free, that headers plus sizes sum to
// the capacity, and that the cursor is in the chain, and returns the
// first violation found, or nil if the arena is consistent. Address
// order and physical contiguity of neighbors are not checked directly.
// A non-nil return indicates corruption, not caller misuse; call sites
// outside tests should treat it as fatal.
func (a *FixedArena) Validate() error {
	a.ready("Validate")

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		accounted  uintptr
		seenCursor = a.cursor == nil
		prevFree   bool
	)

	for b, i := a.head, 0; b != nil; b, i = b.next, i+1 {
		if b.size == 0 {
			return errors.InvariantViolation("block has zero size",
				map[string]interface{}{"index": i})
		}

		if b.next != nil && b.next.prev != b {
			return errors.InvariantViolation("next.prev does not point back to this block",
				map[string]interface{}{"index": i})
		}

		if b.prev != nil && b.prev.next != b {
			return errors.InvariantViolation("prev.next does not point forward to this block",
				map[string]interface{}{"index": i})
		}

		if (i == 0) != (b.prev == nil) {
			return errors.InvariantViolation("only the head block may have a nil prev",
				map[string]interface{}{"index": i})
		}

		if b.free && prevFree {
			return errors.InvariantViolation("two adjacent blocks are both free",
				map[string]interface{}{"index": i})
		}

		prevFree = b.free
		accounted += HeaderSize + b.size

		if b == a.cursor {
			seenCursor = true
		}
	}

	if accounted != a.capacity {
		return errors.InvariantViolation("block sizes plus headers do not sum to arena capacity",
			map[string]interface{}{"accounted": accounted, "capacity": a.capacity})
	}

	if !seenCursor {
		return errors.InvariantViolation("cursor does not reference a block in the chain", nil)
	}

	return nil
}
