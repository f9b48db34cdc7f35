// Copyright 2024 The Region Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

// noBlock marks the absence of a block index: list termination, an empty
// list head/tail, or "no chunk found" in the allocation fit scan and in
// findUsed.
const noBlock uint32 = ^uint32(0)

// chunkList is an intrusive doubly-linked list of chunks, identified by
// block index rather than by pointer. The list itself owns no storage: all
// prev/next links live in the chunkHeader at the indexed block, inside the
// region's backing buffer. A chunkList has no sentinel node; an empty list
// is simply head == tail == noBlock.
type chunkList struct {
	head, tail uint32
	len        int
}

func (l *chunkList) empty() bool { return l.len == 0 }

// insertHead links block i at the front of the list. The caller must have
// already populated i's header fields (used, size); insertHead only wires
// prev/next.
func (r *Region) insertHead(l *chunkList, i uint32) {
	h := r.headerAt(i)
	h.prev = noBlock
	h.next = l.head
	if l.head != noBlock {
		r.headerAt(l.head).prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.len++
}

// unlink removes block i from list l. i must currently be a member of l.
func (r *Region) unlink(l *chunkList, i uint32) {
	h := r.headerAt(i)
	if h.prev != noBlock {
		r.headerAt(h.prev).next = h.next
	} else {
		l.head = h.next
	}
	if h.next != noBlock {
		r.headerAt(h.next).prev = h.prev
	} else {
		l.tail = h.prev
	}
	h.prev, h.next = noBlock, noBlock
	l.len--
}

// forEach walks l in list order, calling f with each member's block index.
func (r *Region) forEach(l *chunkList, f func(i uint32)) {
	for i := l.head; i != noBlock; {
		next := r.headerAt(i).next
		f(i)
		i = next
	}
}

// comparator compares two chunks identified by block index, in the style
// of the original C engine's comparator_cb: negative if a sorts before b,
// positive if a sorts after b, zero if equivalent order may be preserved.
type comparator func(r *Region, a, b uint32) int

func bySizeAsc(r *Region, a, b uint32) int {
	sa, sb := r.headerAt(a).size, r.headerAt(b).size
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func byAddressAsc(r *Region, a, b uint32) int {
	// Block index increases monotonically with address, so comparing
	// indices is equivalent to comparing payload_addr.
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// sortList reorders l in place according to cmp, using a bottom-up,
// iterative merge sort. The sort is stable: equal elements keep their
// original relative order. The algorithm operates on a flat slice of block
// indices collected from the list and then relinks the list from the
// sorted slice, which keeps the merge step itself allocation-light and easy
// to reason about compared to merging the linked list in place.
func (r *Region) sortList(l *chunkList, cmp comparator) {
	if l.len < 2 {
		return
	}

	items := make([]uint32, 0, l.len)
	r.forEach(l, func(i uint32) { items = append(items, i) })

	buf := make([]uint32, len(items))
	for width := 1; width < len(items); width *= 2 {
		for lo := 0; lo < len(items); lo += 2 * width {
			mid := lo + width
			if mid > len(items) {
				mid = len(items)
			}
			hi := lo + 2*width
			if hi > len(items) {
				hi = len(items)
			}
			r.merge(items[lo:mid], items[mid:hi], buf[lo:hi], cmp)
		}
		items, buf = buf, items
	}

	l.head, l.tail, l.len = noBlock, noBlock, 0
	for _, i := range items {
		h := r.headerAt(i)
		h.prev = l.tail
		h.next = noBlock
		if l.tail != noBlock {
			r.headerAt(l.tail).next = i
		} else {
			l.head = i
		}
		l.tail = i
		l.len++
	}
}

func (r *Region) merge(a, b, out []uint32, cmp comparator) {
	i, j, k := 0, 0, 0
	for i < len(a) && j < len(b) {
		// <= keeps the sort stable: ties prefer the left run, which holds
		// the earlier elements in the original order.
		if cmp(r, a[i], b[j]) <= 0 {
			out[k] = a[i]
			i++
		} else {
			out[k] = b[j]
			j++
		}
		k++
	}
	for i < len(a) {
		out[k] = a[i]
		i++
		k++
	}
	for j < len(b) {
		out[k] = b[j]
		j++
		k++
	}
}
