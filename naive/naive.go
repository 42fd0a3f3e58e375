/*
 * Copyright 2026 custom-memory-allocators Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package naive implements the simplest allocator in the family: a
// singly-linked list of blocks over a program-break-extended arena,
// first-fit reuse, no splitting, no coalescing. Every operation is
// serialized behind one mutex — the only variant in this module that
// blocks.
package naive

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/asHawcker/custom-memory-allocators/internal/blocktag"
	"github.com/asHawcker/custom-memory-allocators/internal/hostmem"
)

// headerSize is one DWORD: an 8-byte boundary tag plus an 8-byte
// forward-link offset, kept together so the payload that follows always
// lands on a 16-byte boundary without separate alignment padding.
const headerSize = blocktag.DWORD

const noNext = ^uint64(0)

// Error is returned for invalid-argument and out-of-memory conditions.
// Corruption (a bad pointer, a double free) is undefined behavior per
// the error taxonomy and is never returned as an Error; Free does not
// check for it.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("naive: %s: %s", e.Op, e.Message) }

// Allocator is a single independent arena. The zero value is not usable;
// construct with New.
type Allocator struct {
	mu   sync.Mutex
	brk  hostmem.ProgramBreak
	head uint64 // offset of first block, noNext if empty
	tail uint64 // offset of last block, noNext if empty
}

// New creates an allocator backed by the given program-break primitive.
// Initialization is explicit, matching the naive design's lack of any
// lazy bootstrap.
func New(brk hostmem.ProgramBreak) *Allocator {
	return &Allocator{brk: brk, head: noNext, tail: noNext}
}

func (a *Allocator) arena() []byte { return a.brk.Bytes() }

func (a *Allocator) base() unsafe.Pointer {
	arena := a.arena()
	if len(arena) == 0 {
		return nil
	}
	return unsafe.Pointer(&arena[0])
}

func (a *Allocator) header(off uint64) (tag uint64, next uint64) {
	arena := a.arena()
	tag = blocktag.Read(arena, int(off))
	next = *(*uint64)(unsafe.Pointer(&arena[int(off)+blocktag.WORD]))
	return
}

func (a *Allocator) setHeader(off uint64, tag, next uint64) {
	arena := a.arena()
	blocktag.Write(arena, int(off), tag)
	*(*uint64)(unsafe.Pointer(&arena[int(off)+blocktag.WORD])) = next
}

// Allocate returns a pointer to size bytes of usable payload, or an error
// if size is zero or the program break cannot be advanced. Reused blocks
// keep their original (possibly larger) footprint: the naive design never
// splits.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, &Error{Op: "allocate", Message: "size must be positive"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for off := a.head; off != noNext; {
		tag, next := a.header(off)
		blockSize := blocktag.Size(tag)
		if !blocktag.Allocated(tag) && blockSize-headerSize >= size {
			a.setHeader(off, blocktag.Pack(blockSize, true), next)
			return unsafe.Add(a.base(), int(off)+headerSize), nil
		}
		off = next
	}

	footprint := headerSize + blocktag.AlignUp(size)
	base, ok := a.brk.Extend(footprint)
	if !ok {
		return nil, &Error{Op: "allocate", Message: "program break exhausted"}
	}
	off := uint64(base)
	a.setHeader(off, blocktag.Pack(footprint, true), noNext)
	if a.tail != noNext {
		prevTag, _ := a.header(a.tail)
		a.setHeader(a.tail, prevTag, off)
	} else {
		a.head = off
	}
	a.tail = off
	return unsafe.Add(a.base(), int(off)+headerSize), nil
}

// Free releases p. A nil pointer is a silent no-op. If p is the block at
// the arena's tail, the arena is shrunk by the block's full footprint
// (header and payload); this implementation releases the complete
// footprint rather than following the suspect-precedence expression the
// design was distilled from, which only released part of it — see
// DESIGN.md for the flagged discrepancy. Otherwise the block is merely
// marked free; the naive design never coalesces.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	off := uint64(uintptr(p) - uintptr(a.base())) - headerSize
	tag, next := a.header(off)
	blockSize := blocktag.Size(tag)

	if int(off)+blockSize == len(a.arena()) {
		if !a.brk.Shrink(blockSize) {
			panic("naive: tail shrink failed")
		}
		prev := a.prevOf(off)
		if prev == noNext {
			a.head = noNext
			a.tail = noNext
		} else {
			prevTag, _ := a.header(prev)
			a.setHeader(prev, prevTag, noNext)
			a.tail = prev
		}
		return
	}

	a.setHeader(off, blocktag.Pack(blockSize, false), next)
}

// prevOf walks the list to find the predecessor of off. The naive
// design's list is singly linked, so locating a predecessor for the
// tail-shrink path costs O(n); acceptable given V1's scope (~5% of the
// implementation).
func (a *Allocator) prevOf(off uint64) uint64 {
	if a.head == off {
		return noNext
	}
	for cur := a.head; cur != noNext; {
		_, next := a.header(cur)
		if next == off {
			return cur
		}
		cur = next
	}
	return noNext
}
