// Copyright 2024 The Region Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package region

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

// chunkHeader is the one-block bookkeeping record written at the base of
// every chunk, free or used. Block size, fixed at the in-memory size of
// this type, is the atomic unit all other sizes in the engine are measured
// in.
//
// The original C engine also keeps a redundant chunk_addr/payload_addr
// field inside the header for O(1) lookup. A []byte-backed Region can
// recompute that address for free from the block index (see
// Region.payloadPtr), so it is not stored here; the index itself is the
// list key, in the spirit of the engine's own design note that a
// memory-safe reimplementation should key its lists off block indices
// rather than raw pointers.
type chunkHeader struct {
	used uint32 // 0: on freeList, 1: on usedList
	size uint32 // payload blocks owned by this chunk (excludes the header block)
	prev uint32 // list predecessor block index, or noBlock
	next uint32 // list successor block index, or noBlock
}

// blockSize is the region's atomic unit of bookkeeping. It is fixed at
// compile time to the size of chunkHeader, matching the hardcoded form of
// the engine this package is derived from (earlier variants took block
// size as a parameter and asserted it equal to the header size; this one
// does not need to, since it always equals unsafe.Sizeof(chunkHeader{})).
const blockSize = unsafe.Sizeof(chunkHeader{})

var (
	// ErrNoSpace is returned by Alloc/Realloc when the free list holds no
	// chunk large enough to satisfy the request. It is the only error
	// condition this package reports to the caller rather than treating
	// as a programming error; see the discussion of programming errors in
	// Region.Init.
	ErrNoSpace = errors.New("region: no free chunk is large enough")
)

// Region owns a caller-supplied byte slice and manages it as a sequence of
// fixed-size blocks, using one intrusive free list and one intrusive used
// list to track which blocks form which chunk. Its zero value is not
// ready for use; call Init first.
//
// A Region must not be used concurrently from multiple goroutines without
// external synchronization: there is no internal locking, matching the
// single-threaded scheduling model of the engine it implements.
type Region struct {
	buf []byte

	// baseUnaligned and end are the addresses of the first byte of buf
	// and of one past its last byte. base is the address of the
	// block-aligned start of the managed region; base >= baseUnaligned.
	baseUnaligned uintptr
	base          uintptr
	end           uintptr

	blockCount uint32

	freeList chunkList
	usedList chunkList
}

// roundUpAlign returns the smallest multiple of blockSize that is >= n.
// This is the standard alignment formula. An earlier revision of the
// engine this package descends from computed the bump as "n +
// (n mod blockSize)", which leaves misaligned starts misaligned; that was
// flagged as a bug during the port and is not reproduced here.
func roundUpAlign(n uintptr) uintptr {
	rem := n % blockSize
	if rem == 0 {
		return n
	}
	return n + (blockSize - rem)
}

// Init prepares r to manage buf as a single region, laying down one free
// chunk spanning the whole aligned capacity.
//
// buf must be non-nil and hold room for at least one header block plus one
// payload block; violating either is a programming error, not a runtime
// condition, and Init panics rather than returning an error — the same
// philosophy the rest of this package uses for invalid arguments (see
// Free and Realloc).
func (r *Region) Init(buf []byte) {
	if buf == nil {
		panic("region: Init called with a nil buffer")
	}

	base := uintptr(unsafe.Pointer(&buf[0]))
	end := base + uintptr(len(buf))
	aligned := roundUpAlign(base)
	if end <= aligned || end-aligned < 2*blockSize {
		panic("region: buffer too small for one header and one payload block")
	}

	r.buf = buf
	r.baseUnaligned = base
	r.base = aligned
	r.end = end
	r.blockCount = uint32((end - aligned) / blockSize)
	r.freeList = chunkList{head: noBlock, tail: noBlock}
	r.usedList = chunkList{head: noBlock, tail: noBlock}

	// Zero the whole aligned region, as the reference engine does, so
	// that payload memory handed out for the first time never carries
	// stale data from whatever buf held before Init.
	clear(buf[aligned-base:])

	h := r.headerAt(0)
	h.used = 0
	h.size = r.blockCount - 1
	r.insertHead(&r.freeList, 0)
}

// offsetOf returns i's byte offset within r.buf.
func (r *Region) offsetOf(i uint32) uintptr {
	return (r.base - r.baseUnaligned) + uintptr(i)*blockSize
}

// headerAt resolves a block index to a header view. This, together with
// blockPtr, is the unsafe/FFI boundary the engine's design notes call for:
// the list, sort, fit and coalescing code manipulates chunks purely in
// terms of block indices and reaches region memory only through these two.
// The exported methods and findUsed additionally convert between payload
// pointers and slices at the API edge.
func (r *Region) headerAt(i uint32) *chunkHeader {
	return (*chunkHeader)(unsafe.Pointer(&r.buf[r.offsetOf(i)]))
}

// blockPtr returns the address of block i's first byte.
func (r *Region) blockPtr(i uint32) unsafe.Pointer {
	return unsafe.Pointer(&r.buf[r.offsetOf(i)])
}

// payloadPtr returns the address of the payload owned by the chunk headed
// at block index i; by invariant this is always exactly one block past
// the header.
func (r *Region) payloadPtr(i uint32) unsafe.Pointer {
	return r.blockPtr(i + 1)
}

func blocksNeeded(size int) uint32 {
	if size <= 0 {
		return 1
	}
	return uint32((uintptr(size) + blockSize - 1) / blockSize)
}

// fits reports whether a free chunk of the given payload-block size can
// satisfy a request for size bytes, reserving exactly one block for a
// split remainder header.
func fits(chunkBlocks uint32, size int) bool {
	if chunkBlocks == 0 {
		return false
	}
	return uintptr(chunkBlocks-1)*blockSize >= uintptr(size)
}

// UnsafeAlloc reserves a chunk whose payload is at least size bytes and
// returns a pointer to its first byte, or (nil, ErrNoSpace) if the free
// list holds nothing big enough. size == 0 still allocates a minimal,
// one-block chunk whose payload must not be dereferenced for more than
// zero bytes.
//
// Selection is first-acceptable over a free list sorted ascending by
// size: the smallest chunk that fits is chosen, which keeps larger chunks
// available for larger future requests without the bookkeeping cost of a
// true best-fit search.
func (r *Region) UnsafeAlloc(size int) (unsafe.Pointer, error) {
	if size < 0 {
		panic("region: negative allocation size")
	}

	r.sortList(&r.freeList, bySizeAsc)

	var chosen uint32 = noBlock
	r.forEach(&r.freeList, func(i uint32) {
		if chosen != noBlock {
			return
		}
		if fits(r.headerAt(i).size, size) {
			chosen = i
		}
	})
	if chosen == noBlock {
		return nil, ErrNoSpace
	}

	needed := blocksNeeded(size)
	c := r.headerAt(chosen)
	prevSize := c.size

	remainderBlocks := prevSize - needed - 1
	hasRemainder := prevSize > needed+1
	remainderIdx := chosen + needed + 1

	// Checked before c is mutated, unlike the reference engine this
	// package is derived from, which mutates c first and only then
	// discovers the remainder header would fall outside the region.
	if hasRemainder && r.base+uintptr(remainderIdx)*blockSize+blockSize > r.end {
		return nil, ErrNoSpace
	}

	r.unlink(&r.freeList, chosen)
	c.used = 1
	if hasRemainder {
		c.size = needed
	}
	// Otherwise c keeps all prevSize blocks: a remainder with zero payload
	// blocks is not created, and its would-be header block stays part of c.
	r.insertHead(&r.usedList, chosen)

	if hasRemainder {
		rem := r.headerAt(remainderIdx)
		rem.used = 0
		rem.size = remainderBlocks
		r.insertHead(&r.freeList, remainderIdx)
	}

	return r.payloadPtr(chosen), nil
}

// findUsed returns the block index of the used chunk whose payload starts
// at p, or (noBlock, false) if none does.
func (r *Region) findUsed(p unsafe.Pointer) (uint32, bool) {
	target := uintptr(p)
	var found uint32 = noBlock
	r.forEach(&r.usedList, func(i uint32) {
		if found != noBlock {
			return
		}
		if uintptr(r.payloadPtr(i)) == target {
			found = i
		}
	})
	if found == noBlock {
		return noBlock, false
	}
	return found, true
}

// UnsafeFree releases the chunk whose payload starts at p. p == nil is a
// no-op. Any other p that does not match exactly one live allocation is a
// programming error (double free, invalid pointer, or heap corruption) and
// UnsafeFree panics rather than reporting it as a value, matching the
// engine's fatal/recoverable split described at ErrNoSpace.
func (r *Region) UnsafeFree(p unsafe.Pointer) {
	if p == nil {
		return
	}

	i, ok := r.findUsed(p)
	if !ok {
		panic("region: Free of a pointer not returned by this Region (double free or invalid pointer)")
	}

	h := r.headerAt(i)
	h.used = 0
	r.unlink(&r.usedList, i)
	r.insertHead(&r.freeList, i)

	r.coalesce()
}

// coalesce sorts the free list by address and repeatedly merges physically
// adjacent chunks until no merge occurs, restoring invariant I3 (no two
// free chunks are ever adjacent).
func (r *Region) coalesce() {
	r.sortList(&r.freeList, byAddressAsc)

	for {
		merged := false
		i := r.freeList.head
		for i != noBlock {
			h := r.headerAt(i)
			next := h.next
			neighbor := i + h.size + 1
			if next != noBlock && neighbor == next && neighbor < r.blockCount {
				nh := r.headerAt(neighbor)
				if nh.used == 0 && nh.size >= 1 {
					h.size += nh.size + 1
					r.unlink(&r.freeList, neighbor)
					merged = true
					// i has grown; re-check it against its new next
					// neighbor before advancing, so a three-way run
					// collapses within this single pass.
					continue
				}
			}
			i = next
		}
		if !merged {
			return
		}
	}
}

// UnsafeRealloc resizes the allocation at p.
//
//   - p == nil behaves as UnsafeAlloc(size).
//   - size == 0 frees p and returns (nil, nil).
//   - otherwise, p must match a live allocation; a fresh chunk of size
//     bytes is allocated, min(size, old payload size) bytes are copied
//     over, and the old chunk is freed. If the new allocation fails, the
//     original pointer is left untouched and (nil, ErrNoSpace) is
//     returned: the caller keeps ownership of p.
func (r *Region) UnsafeRealloc(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if p == nil {
		return r.UnsafeAlloc(size)
	}
	if size == 0 {
		r.UnsafeFree(p)
		return nil, nil
	}

	i, ok := r.findUsed(p)
	if !ok {
		panic("region: Realloc of a pointer not returned by this Region")
	}

	oldBlocks := r.headerAt(i).size
	newPtr, err := r.UnsafeAlloc(size)
	if err != nil {
		return nil, err
	}

	oldBytes := uintptr(oldBlocks) * blockSize
	n := uintptr(size)
	if oldBytes < n {
		n = oldBytes
	}
	if n > 0 {
		src := (*[1 << 30]byte)(p)[:n:n]
		dst := (*[1 << 30]byte)(newPtr)[:n:n]
		copy(dst, src)
	}

	r.UnsafeFree(p)
	return newPtr, nil
}

// Alloc is the []byte-returning counterpart of UnsafeAlloc: the returned
// slice's length is exactly size and its capacity spans the whole payload
// the underlying chunk owns, so the caller can grow into it with append
// without triggering a fresh allocation, as long as a subsequent Realloc
// or Free still targets index 0 of the original slice.
func (r *Region) Alloc(size int) ([]byte, error) {
	p, err := r.UnsafeAlloc(size)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	i, _ := r.findUsed(p)
	capBytes := int(r.headerAt(i).size) * int(blockSize)
	return unsafe.Slice((*byte)(p), capBytes)[:size], nil
}

// Free is the []byte counterpart of UnsafeFree. A nil or zero-capacity
// slice is a no-op, matching the null-pointer case.
func (r *Region) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	r.UnsafeFree(unsafe.Pointer(&b[:1][0]))
}

// Realloc is the []byte counterpart of UnsafeRealloc.
func (r *Region) Realloc(b []byte, size int) ([]byte, error) {
	if cap(b) == 0 {
		return r.Alloc(size)
	}
	if size == 0 {
		r.Free(b)
		return nil, nil
	}

	p, err := r.UnsafeRealloc(unsafe.Pointer(&b[:1][0]), size)
	if err != nil {
		return nil, err
	}
	i, _ := r.findUsed(p)
	capBytes := int(r.headerAt(i).size) * int(blockSize)
	return unsafe.Slice((*byte)(p), capBytes)[:size], nil
}

// Dump returns a human-readable listing of every chunk on the free and
// used lists, in list order. It exists for interactive debugging and
// tests; nothing in this package relies on its output being stable.
func (r *Region) Dump() string {
	var sb strings.Builder
	sb.WriteString("used:\n")
	r.forEach(&r.usedList, func(i uint32) {
		fmt.Fprintf(&sb, "  block %d size %d payload %p\n", i, r.headerAt(i).size, r.payloadPtr(i))
	})
	sb.WriteString("free:\n")
	r.forEach(&r.freeList, func(i uint32) {
		fmt.Fprintf(&sb, "  block %d size %d payload %p\n", i, r.headerAt(i).size, r.payloadPtr(i))
	})
	return sb.String()
}
