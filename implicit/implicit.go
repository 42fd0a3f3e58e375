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

// Package implicit implements a boundary-tagged arena with an implicit
// free set: free blocks are simply those with the allocation bit clear,
// discovered by a linear walk from a fixed prologue to a moving
// epilogue. Coalescing is immediate (on every free, four-case).
package implicit

import (
	"fmt"
	"unsafe"

	"github.com/asHawcker/custom-memory-allocators/internal/blocktag"
	"github.com/asHawcker/custom-memory-allocators/internal/hostmem"
	"github.com/asHawcker/custom-memory-allocators/internal/integrity"
)

// heapStart is the byte offset of the first real block's header: one
// WORD of padding, one DWORD prologue (header+footer), then the first
// block. It never moves; only the epilogue does, as the arena grows.
const heapStart = 3 * blocktag.WORD

// Error reports an invalid-argument or out-of-memory condition.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("implicit: %s: %s", e.Op, e.Message) }

// Allocator is a single independent arena with immediate four-case
// coalescing. Not safe for concurrent use; callers serialize externally
// (see SPEC_FULL.md §5).
type Allocator struct {
	brk         hostmem.ProgramBreak
	initialized bool
	epilogue    int // byte offset of the epilogue header
}

// New creates an allocator. Initialization happens lazily on first
// Allocate, matching the design's lazy-init contract.
func New(brk hostmem.ProgramBreak) *Allocator {
	return &Allocator{brk: brk}
}

func (a *Allocator) arena() []byte { return a.brk.Bytes() }

func (a *Allocator) base() unsafe.Pointer {
	return unsafe.Pointer(&a.arena()[0])
}

func (a *Allocator) ensureInit() error {
	if a.initialized {
		return nil
	}
	base, ok := a.brk.Extend(4 * blocktag.WORD)
	if !ok {
		return fmt.Errorf("implicit: cannot reserve prologue/epilogue")
	}
	arena := a.arena()
	blocktag.Write(arena, base+blocktag.WORD, blocktag.Pack(blocktag.DWORD, true))   // prologue header
	blocktag.Write(arena, base+2*blocktag.WORD, blocktag.Pack(blocktag.DWORD, true)) // prologue footer
	blocktag.Write(arena, base+3*blocktag.WORD, blocktag.Pack(0, true))              // epilogue header
	a.epilogue = base + 3*blocktag.WORD
	a.initialized = true

	if _, ok := a.extend(blocktag.ChunkSize / blocktag.WORD); !ok {
		return fmt.Errorf("implicit: cannot reserve initial chunk")
	}
	return nil
}

// extend grows the arena by words (rounded up to an even count to
// preserve DWORD alignment), replacing the old epilogue with a new free
// block's header, and returns the (possibly coalesced) header offset of
// that block.
func (a *Allocator) extend(words int) (int, bool) {
	if words%2 != 0 {
		words++
	}
	size := words * blocktag.WORD
	newBlockOff := a.epilogue
	base, ok := a.brk.Extend(size)
	if !ok {
		return 0, false
	}
	_ = base // newBlockOff+WORD: the old epilogue header filled the last WORD below the prior break.

	arena := a.arena()
	blocktag.Write(arena, newBlockOff, blocktag.Pack(size, false))
	footerOff := newBlockOff + size - blocktag.WORD
	blocktag.Write(arena, footerOff, blocktag.Pack(size, false))
	newEpilogueOff := footerOff + blocktag.WORD
	blocktag.Write(arena, newEpilogueOff, blocktag.Pack(0, true))
	a.epilogue = newEpilogueOff

	return a.coalesce(newBlockOff), true
}

// asizeFor computes the aligned block footprint (header + payload +
// footer) for a payload request, with a floor of 2*DWORD so a free block
// always has room for V3's free-list link words.
func asizeFor(size int) int {
	if size <= blocktag.DWORD {
		return 2 * blocktag.DWORD
	}
	return blocktag.DWORD * ((size + blocktag.DWORD + blocktag.DWORD - 1) / blocktag.DWORD)
}

func (a *Allocator) findFit(asize int) int {
	arena := a.arena()
	for off := heapStart; ; {
		tag := blocktag.Read(arena, off)
		size := blocktag.Size(tag)
		if size == 0 { // epilogue
			return -1
		}
		if !blocktag.Allocated(tag) && size >= asize {
			return off
		}
		off += size
	}
}

// place occupies a free block at off with asize bytes, splitting off a
// free remainder when at least 2*DWORD bytes would be left over.
func (a *Allocator) place(off, asize int) {
	arena := a.arena()
	size := blocktag.Size(blocktag.Read(arena, off))
	if size-asize >= 2*blocktag.DWORD {
		blocktag.Write(arena, off, blocktag.Pack(asize, true))
		blocktag.Write(arena, off+asize-blocktag.WORD, blocktag.Pack(asize, true))

		remOff := off + asize
		remSize := size - asize
		blocktag.Write(arena, remOff, blocktag.Pack(remSize, false))
		blocktag.Write(arena, remOff+remSize-blocktag.WORD, blocktag.Pack(remSize, false))
	} else {
		blocktag.Write(arena, off, blocktag.Pack(size, true))
		blocktag.Write(arena, off+size-blocktag.WORD, blocktag.Pack(size, true))
	}
}

// coalesce merges the block at off with any free neighbors, choosing
// among the four classical cases, and returns the header offset of the
// resulting (possibly larger) free block.
func (a *Allocator) coalesce(off int) int {
	arena := a.arena()
	size := blocktag.Size(blocktag.Read(arena, off))

	prevAlloc := off == heapStart || blocktag.Allocated(blocktag.Read(arena, off-blocktag.WORD))
	nextOff := off + size
	nextAlloc := blocktag.Allocated(blocktag.Read(arena, nextOff))

	switch {
	case prevAlloc && nextAlloc:
		return off

	case prevAlloc && !nextAlloc:
		nextSize := blocktag.Size(blocktag.Read(arena, nextOff))
		newSize := size + nextSize
		blocktag.Write(arena, off, blocktag.Pack(newSize, false))
		blocktag.Write(arena, off+newSize-blocktag.WORD, blocktag.Pack(newSize, false))
		return off

	case !prevAlloc && nextAlloc:
		prevFooterTag := blocktag.Read(arena, off-blocktag.WORD)
		prevSize := blocktag.Size(prevFooterTag)
		prevOff := off - prevSize
		newSize := prevSize + size
		blocktag.Write(arena, prevOff, blocktag.Pack(newSize, false))
		blocktag.Write(arena, prevOff+newSize-blocktag.WORD, blocktag.Pack(newSize, false))
		return prevOff

	default: // !prevAlloc && !nextAlloc
		prevFooterTag := blocktag.Read(arena, off-blocktag.WORD)
		prevSize := blocktag.Size(prevFooterTag)
		prevOff := off - prevSize
		nextSize := blocktag.Size(blocktag.Read(arena, nextOff))
		newSize := prevSize + size + nextSize
		blocktag.Write(arena, prevOff, blocktag.Pack(newSize, false))
		blocktag.Write(arena, prevOff+newSize-blocktag.WORD, blocktag.Pack(newSize, false))
		return prevOff
	}
}

func (a *Allocator) payloadPtr(off int) unsafe.Pointer {
	return unsafe.Add(a.base(), off+blocktag.WORD)
}

// Allocate returns size bytes of 16-byte-aligned payload, or an error if
// size is zero or the arena cannot grow further.
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

// CheckIntegrity walks the whole arena and reports every violation of
// I1 (header equals footer), I2 (no two adjacent free blocks), and I3
// (every allocated payload is 16-byte aligned).
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
			break // epilogue
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
	return report
}

// Free releases p, coalescing it with any free neighbors. A nil pointer
// is a silent no-op.
func (a *Allocator) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	off := int(uintptr(p)-uintptr(a.base())) - blocktag.WORD
	arena := a.arena()
	size := blocktag.Size(blocktag.Read(arena, off))
	blocktag.Write(arena, off, blocktag.Pack(size, false))
	blocktag.Write(arena, off+size-blocktag.WORD, blocktag.Pack(size, false))
	a.coalesce(off)
}
