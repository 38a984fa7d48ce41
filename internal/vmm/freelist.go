package vmm

import "sort"

// freelist tracks VA ranges available for reuse by Reserve, sorted by
// start address. This is the Go resolution of spec.md §9's open question
// on `HeapFreeAddressInNode`: the source "recycles nodes but never
// collapses forward+backward simultaneously"; DESIGN.md records the
// decision to treat that as a defect and always perform the conservative
// three-way merge (coalesce with both neighbors in a single pass) here.
type freelist struct {
	ranges []vaRange // sorted, non-overlapping, non-adjacent
}

type vaRange struct {
	start, end Addr // [start, end)
}

// free returns [start, end) to the list, merging with an adjacent
// predecessor and/or successor range in one pass.
func (f *freelist) free(start, end Addr) {
	idx := sort.Search(len(f.ranges), func(i int) bool { return f.ranges[i].start >= start })

	mergedStart, mergedEnd := start, end
	lo, hi := idx, idx

	if idx > 0 && f.ranges[idx-1].end == start {
		mergedStart = f.ranges[idx-1].start
		lo = idx - 1
	}
	if idx < len(f.ranges) && f.ranges[idx].start == end {
		mergedEnd = f.ranges[idx].end
		hi = idx + 1
	} else {
		hi = idx
	}

	merged := vaRange{start: mergedStart, end: mergedEnd}
	f.ranges = append(f.ranges[:lo], append([]vaRange{merged}, f.ranges[hi:]...)...)
}

// alloc removes and returns a range of at least `length` bytes, splitting
// the remainder back into the list. Returns ok=false if no range fits.
func (f *freelist) alloc(length Addr) (Addr, bool) {
	for i, r := range f.ranges {
		if r.end-r.start >= length {
			start := r.start
			if r.end-r.start == length {
				f.ranges = append(f.ranges[:i], f.ranges[i+1:]...)
			} else {
				f.ranges[i].start += length
			}
			return start, true
		}
	}
	return 0, false
}
