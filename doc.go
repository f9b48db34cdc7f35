// Copyright 2024 The Region Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package region implements an in-band free-list memory allocator over a
// single caller-supplied contiguous byte region.
//
// Unlike Allocator in the sibling memory package, which acquires its own
// pages from the OS via mmap, a Region never asks the platform for memory:
// every byte it hands out, including its own bookkeeping, comes from the
// []byte the caller passes to Init. This makes it suitable for arenas that
// are themselves backed by something unusual — a memory-mapped file, a
// slice carved out of a larger arena, or a fixed-size buffer on a
// platform with no heap of its own.
//
// Changelog
//
// 2024-01-08 Initial release: in-band headers, size-sorted first-acceptable
// allocation, address-sorted coalescing free, and realloc in terms of the
// other two.
package region
