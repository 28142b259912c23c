package allocator

// Policy names a placement strategy used by FixedArena.Allocate to pick
// which free block serves a request. It is the tagged-enum
// re-expression of the teacher's function-pointer policy selection:
// printable, parseable, and dispatched with a plain switch.
type Policy uint8

const (
	// FirstFit picks the first free block, walking from the list head,
	// whose size is at least the requested amount.
	FirstFit Policy = iota
	// NextFit resumes the search at the cursor (or the head if unset),
	// wrapping once, and advances the cursor to the successor of
	// whichever block it picks.
	NextFit
	// BestFit picks the smallest free block that still fits, breaking
	// ties by address order.
	BestFit
	// WorstFit picks the largest free block, breaking ties by address
	// order.
	WorstFit

	policyCount
)

func (p Policy) valid() bool {
	return p < policyCount
}

// String renders the policy's canonical name, used in diagnostics, logs
// and the CLI/config surface.
func (p Policy) String() string {
	switch p {
	case FirstFit:
		return "first-fit"
	case NextFit:
		return "next-fit"
	case BestFit:
		return "best-fit"
	case WorstFit:
		return "worst-fit"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the canonical Policy name produced by String. An
// unrecognized name reports ok == false; callers constructing a
// FixedArena from it should treat that as the "unknown policy" fatal
// condition spec.md §6 describes.
func ParsePolicy(name string) (p Policy, ok bool) {
	switch name {
	case "first-fit":
		return FirstFit, true
	case "next-fit":
		return NextFit, true
	case "best-fit":
		return BestFit, true
	case "worst-fit":
		return WorstFit, true
	default:
		return 0, false
	}
}

// findFirstFit walks from head and returns the first free block whose
// size is at least n, or nil.
func findFirstFit(head *blockHeader, n uintptr) *blockHeader {
	for b := head; b != nil; b = b.next {
		if b.free && b.size >= n {
			return b
		}
	}

	return nil
}

// findBestFit walks the entire chain and returns the smallest free
// block whose size is at least n, breaking ties by first occurrence in
// address order.
func findBestFit(head *blockHeader, n uintptr) *blockHeader {
	var best *blockHeader

	for b := head; b != nil; b = b.next {
		if !b.free || b.size < n {
			continue
		}

		if best == nil || b.size < best.size {
			best = b
		}
	}

	return best
}

// findWorstFit walks the entire chain and returns the largest free block
// with size >= n, breaking ties by first occurrence in address order.
func findWorstFit(head *blockHeader, n uintptr) *blockHeader {
	var worst *blockHeader

	for b := head; b != nil; b = b.next {
		if !b.free || b.size < n {
			continue
		}

		if worst == nil || b.size > worst.size {
			worst = b
		}
	}

	return worst
}

// findNextFit starts at the cursor (or the head if unset) and walks
// forward, wrapping to the head at the end of the chain, until it
// returns to its starting block. It picks the first free block with
// size >= n. The caller is responsible for advancing the cursor once
// the block has actually been served, since splitting it changes its
// successor.
func (a *FixedArena) findNextFit(n uintptr) *blockHeader {
	start := a.cursor
	if start == nil {
		start = a.head
	}

	if start == nil {
		return nil
	}

	for b := start; ; {
		if b.free && b.size >= n {
			return b
		}

		b = b.next
		if b == nil {
			b = a.head
		}

		if b == start {
			return nil
		}
	}
}
