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

// Package explicit refines the boundary-tagged arena of implicit into an
// explicit free list: every free block threads (prev, next) offsets
// through the first two words of its own payload, so find_fit walks only
// free blocks instead of the whole arena. It also adds an in-place-aware
// Reallocate.
package explicit

import (
	"fmt"
	"unsafe"

	"github.com/asHawcker/custom-memory-allocators/internal/blocktag"
	"github.com/asHawcker/custom-memory-allocators/internal/hostmem"
	"github.com/asHawcker/custom-memory-allocators/internal/integrity"
)

const heapStart = 3 * blocktag.WORD

// noLink marks the absence of a free-list neighbor. Block offsets are
// always >= heapStart, so the all-ones sentinel never collides with a
// real offset.
const noLink = ^uint64(0)

// Error reports an invalid-argument or out-of-memory condition.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("explicit: %s: %s", e.Op, e.Message) }

// Allocator is a single independent arena with an explicit, LIFO-ordered
// free list. Not safe for concurrent use.
type Allocator struct {
	brk         hostmem.ProgramBreak
	initialized bool
	epilogue    int
	freeHead    uint64 // header offset of the free-list head, or noLink
}

// New creates an allocator; initialization happens lazily on first
// Allocate or Reallocate.
func New(brk hostmem.ProgramBreak) *Allocator {
	return &Allocator{brk: brk, freeHead: noLink}
}

func (a *Allocator) arena() []byte     { return a.brk.Bytes() }
func (a *Allocator) base() unsafe.Pointer { return unsafe.Pointer(&a.arena()[0]) }

func (a *Allocator) ensureInit() error {
	if a.initialized {
		return nil
	}
	base, ok := a.brk.Extend(4 * blocktag.WORD)
	if !ok {
		return fmt.Errorf("cannot reserve prologue/epilogue")
	}
	arena := a.arena()
	blocktag.Write(arena, base+blocktag.WORD, blocktag.Pack(blocktag.DWORD, true))
	blocktag.Write(arena, base+2*blocktag.WORD, blocktag.Pack(blocktag.DWORD, true))
	blocktag.Write(arena, base+3*blocktag.WORD, blocktag.Pack(0, true))
	a.epilogue = base + 3*blocktag.WORD
	a.initialized = true

	if _, ok := a.extend(blocktag.ChunkSize / blocktag.WORD); !ok {
		return fmt.Errorf("cannot reserve initial chunk")
	}
	return nil
}

func asizeFor(size int) int {
	if size <= blocktag.DWORD {
		return 2 * blocktag.DWORD
	}
	return blocktag.DWORD * ((size + blocktag.DWORD + blocktag.DWORD - 1) / blocktag.DWORD)
}

// --- free-list link accessors: prev/next live in the block's first two
// payload words while it is free. ---

func (a *Allocator) linkOffset(headerOff int) int { return headerOff + blocktag.WORD }

func (a *Allocator) getPrev(headerOff int) uint64 {
	arena := a.arena()
	return *(*uint64)(unsafe.Pointer(&arena[a.linkOffset(headerOff)]))
}
func (a *Allocator) getNext(headerOff int) uint64 {
	arena := a.arena()
	return *(*uint64)(unsafe.Pointer(&arena[a.linkOffset(headerOff)+blocktag.WORD]))
}
func (a *Allocator) setPrev(headerOff int, v uint64) {
	arena := a.arena()
	*(*uint64)(unsafe.Pointer(&arena[a.linkOffset(headerOff)])) = v
}
func (a *Allocator) setNext(headerOff int, v uint64) {
	arena := a.arena()
	*(*uint64)(unsafe.Pointer(&arena[a.linkOffset(headerOff)+blocktag.WORD])) = v
}

func (a *Allocator) insert(off int) {
	a.setPrev(off, noLink)
	a.setNext(off, a.freeHead)
	if a.freeHead != noLink {
		a.setPrev(int(a.freeHead), uint64(off))
	}
	a.freeHead = uint64(off)
}

func (a *Allocator) delete(off int) {
	prev := a.getPrev(off)
	next := a.getNext(off)
	if prev != noLink {
		a.setNext(int(prev), next)
	} else {
		a.freeHead = next
	}
	if next != noLink {
		a.setPrev(int(next), prev)
	}
}

func sizeAt(arena []byte, off int) int {
	return blocktag.Size(blocktag.Read(arena, off))
}

func writeHeaderFooter(arena []byte, off, size int, allocated bool) {
	tag := blocktag.Pack(size, allocated)
	blocktag.Write(arena, off, tag)
	blocktag.Write(arena, off+size-blocktag.WORD, tag)
}

func (a *Allocator) extend(words int) (int, bool) {
	if words%2 != 0 {
		words++
	}
	size := words * blocktag.WORD
	newBlockOff := a.epilogue
	if _, ok := a.brk.Extend(size); !ok {
		return 0, false
	}
	arena := a.arena()
	writeHeaderFooter(arena, newBlockOff, size, false)
	newEpilogueOff := newBlockOff + size
	blocktag.Write(arena, newEpilogueOff, blocktag.Pack(0, true))
	a.epilogue = newEpilogueOff
	return a.coalesce(newBlockOff), true
}

func (a *Allocator) findFit(asize int) int {
	arena := a.arena()
	for off := a.freeHead; off != noLink; off = a.getNext(int(off)) {
		if sizeAt(arena, int(off)) >= asize {
			return int(off)
		}
	}
	return -1
}

// place occupies a free block at off, splitting a free remainder back
// into the free list when at least 2*DWORD bytes would be left over.
func (a *Allocator) place(off, asize int) {
	a.delete(off)
	arena := a.arena()
	size := sizeAt(arena, off)
	if size-asize >= 2*blocktag.DWORD {
		writeHeaderFooter(arena, off, asize, true)
		remOff := off + asize
		remSize := size - asize
		writeHeaderFooter(arena, remOff, remSize, false)
		a.insert(remOff)
	} else {
		writeHeaderFooter(arena, off, size, true)
	}
}

// coalesce merges the free block at off with its neighbors, maintaining
// the free list as it goes. Case 3 (only the previous neighbor is free)
// rewrites that neighbor's size in place without touching the list: the
// neighbor was already linked, and it stays linked at the same offset.
func (a *Allocator) coalesce(off int) int {
	arena := a.arena()
	size := sizeAt(arena, off)
	prevAlloc := off == heapStart || blocktag.Allocated(blocktag.Read(arena, off-blocktag.WORD))
	nextOff := off + size
	nextAlloc := blocktag.Allocated(blocktag.Read(arena, nextOff))

	switch {
	case prevAlloc && nextAlloc:
		a.insert(off)
		return off

	case prevAlloc && !nextAlloc:
		nextSize := sizeAt(arena, nextOff)
		a.delete(nextOff)
		newSize := size + nextSize
		writeHeaderFooter(arena, off, newSize, false)
		a.insert(off)
		return off

	case !prevAlloc && nextAlloc:
		prevSize := blocktag.Size(blocktag.Read(arena, off-blocktag.WORD))
		prevOff := off - prevSize
		newSize := prevSize + size
		writeHeaderFooter(arena, prevOff, newSize, false)
		return prevOff

	default: // !prevAlloc && !nextAlloc
		prevSize := blocktag.Size(blocktag.Read(arena, off-blocktag.WORD))
		prevOff := off - prevSize
		nextSize := sizeAt(arena, nextOff)
		a.delete(nextOff)
		newSize := prevSize + size + nextSize
		writeHeaderFooter(arena, prevOff, newSize, false)
		return prevOff
	}
}

func (a *Allocator) payloadPtr(off int) unsafe.Pointer {
	return unsafe.Add(a.base(), off+blocktag.WORD)
}

func (a *Allocator) offsetOf(p unsafe.Pointer) int {
	return int(uintptr(p)-uintptr(a.base())) - blocktag.WORD
}

// Allocate returns size bytes of aligned payload, or an error if size is
// zero or the arena cannot grow.
func (a *Allocator) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, &Error{Op: "allocate", Message: "size must be positive"}
	}
	if err := a.ensureInit(); err != nil {
		return nil, &Error{Op: "allocate", Message: err.Error()}
	}

	asize := asizeFor(size)
	if off := a.findFit(asize); off >= 0 {
		a.place(off, asize)
		return a.payloadPtr(off), nil
	}

	extendWords := asize
	if blocktag.ChunkSize > extendWords {
		extendWords = blocktag.ChunkSize
	}
	off, ok := a.extend(extendWords / blocktag.WORD)
	if !ok {
		return nil, &Error{Op: "allocate", Message: "program break exhausted"}
	}
	a.place(off, asize)
	return a.payloadPtr(off), nil
}

// CheckIntegrity walks the whole arena plus the free list and reports
// every violation of I1 (header equals footer), I2 (no two adjacent
// free blocks), I3 (allocated payloads are 16-byte aligned), and I4
// (every free-list member has its allocation bit clear, with consistent
// back-links).
func (a *Allocator) CheckIntegrity() integrity.Report {
	var report integrity.Report
	if !a.initialized {
		return report
	}
	arena := a.arena()
	prevFree := false
	for off := heapStart; ; {
		tag := blocktag.Read(arena, off)
		size := blocktag.Size(tag)
		if size == 0 {
			break
		}
		footerTag := blocktag.Read(arena, off+size-blocktag.WORD)
		if tag != footerTag {
			report.Errorf("I1", "block at %d: header %#x != footer %#x", off, tag, footerTag)
		}
		free := !blocktag.Allocated(tag)
		if free && prevFree {
			report.Errorf("I2", "free block at %d is adjacent to a preceding free block", off)
		}
		if !free && (off+blocktag.WORD)%16 != 0 {
			report.Errorf("I3", "allocated payload at %d is not 16-byte aligned", off+blocktag.WORD)
		}
		prevFree = free
		off += size
	}

	for off := a.freeHead; off != noLink; {
		tag := blocktag.Read(arena, int(off))
		if blocktag.Allocated(tag) {
			report.Errorf("I4", "free-list member at %d has its allocation bit set", off)
		}
		next := a.getNext(int(off))
		if next != noLink && a.getPrev(int(next)) != off {
			report.Errorf("I4", "free-list node at %d has an inconsistent back-link from %d", off, next)
		}
		off = next
	}
	return report
}

// Free releases p, coalescing it into the free list. A nil pointer is a
// silent no-op.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	off := a.offsetOf(p)
	arena := a.arena()
	size := sizeAt(arena, off)
	writeHeaderFooter(arena, off, size, false)
	a.coalesce(off)
}

// Reallocate resizes the block at p to hold size bytes, preferring an
// in-place grow or shrink over a fresh allocation plus copy.
func (a *Allocator) Reallocate(p unsafe.Pointer, size int) (unsafe.Pointer, error) {
	if size == 0 {
		a.Free(p)
		return nil, nil
	}
	if p == nil {
		return a.Allocate(size)
	}

	arena := a.arena()
	off := a.offsetOf(p)
	asize := asizeFor(size)
	old := sizeAt(arena, off)

	if asize <= old && old-asize >= 2*blocktag.DWORD {
		writeHeaderFooter(arena, off, asize, true)
		remOff := off + asize
		remSize := old - asize
		writeHeaderFooter(arena, remOff, remSize, false)
		a.coalesce(remOff)
		return p, nil
	}

	nextOff := off + old
	nextAlloc := blocktag.Allocated(blocktag.Read(arena, nextOff))
	if !nextAlloc {
		nextSize := sizeAt(arena, nextOff)
		if old+nextSize >= asize {
			a.delete(nextOff)
			combined := old + nextSize
			if combined-asize >= 2*blocktag.DWORD {
				writeHeaderFooter(arena, off, asize, true)
				remOff := off + asize
				remSize := combined - asize
				writeHeaderFooter(arena, remOff, remSize, false)
				a.insert(remOff)
			} else {
				writeHeaderFooter(arena, off, combined, true)
			}
			return p, nil
		}
	}

	newP, err := a.Allocate(size)
	if err != nil {
		return nil, err
	}
	copyLen := size
	if oldCap := old - blocktag.DWORD; oldCap < copyLen {
		copyLen = oldCap
	}
	if copyLen > 0 {
		src := unsafe.Slice((*byte)(p), copyLen)
		dst := unsafe.Slice((*byte)(newP), copyLen)
		copy(dst, src)
	}
	a.Free(p)
	return newP, nil
}
