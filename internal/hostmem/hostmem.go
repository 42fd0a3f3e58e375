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

// Package hostmem implements the two narrow host collaborators the
// allocator engines consume but never reason about: the program-break
// primitive (V1/V2/V3) and the bulk allocation primitive (V4). Both are
// out-of-scope external systems by design; this package is the thin,
// swappable boundary between them and the core.
package hostmem

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
)

// ProgramBreak models a process's data-segment break: a single
// monotonically-extensible region, grown from the low end and (for V1's
// tail-shrink) trimmed back from the high end.
type ProgramBreak interface {
	// Extend grows the region by delta bytes and returns the byte offset
	// at which the new region begins, or ok=false if the host refused.
	Extend(delta int) (base int, ok bool)
	// Shrink releases delta bytes from the high end. Returns false if
	// delta exceeds the current size.
	Shrink(delta int) bool
	// Bytes returns the full backing slice. Its length equals the current
	// break; its capacity may exceed it (NewBreak's implementation
	// reserves its full capacity up front).
	Bytes() []byte
	// Len reports the current break, i.e. len(Bytes()).
	Len() int
}

// BulkSource hands out one fixed-size contiguous region at initialization
// time; used by the buddy allocator, which never asks the host for memory
// again after init.
type BulkSource interface {
	Acquire(size int) ([]byte, error)
}

// defaultBreakCapacity is the fixed reservation NewBreak hands out, on
// the same 1 MiB scale as the buddy allocator's arena.
const defaultBreakCapacity = 1 << 20

// break_ is the default ProgramBreak. It reserves its full capacity once,
// up front, exactly the way V4 acquires its arena once from a BulkSource,
// and Extend only re-slices within that reservation — it never
// reallocates. Reallocating here would move the backing array, and every
// block's offset in naive/implicit/explicit is recomputed from the
// current base on every Free/Reallocate; a relocation after a caller has
// already been handed an unsafe.Pointer into the old array would turn
// that pointer into garbage the moment the old array is collected. The
// program-break contract (spec §6) guarantees prior regions never move,
// so a fixed reservation is the only faithful implementation.
type break_ struct {
	buf []byte // len is the current break; cap is the fixed reservation
}

// NewBreak returns a ProgramBreak reserved at defaultBreakCapacity,
// backed by dirtmake's uninitialized allocation instead of make([]byte, n).
func NewBreak() ProgramBreak {
	return NewBreakWithCapacity(defaultBreakCapacity)
}

// NewBreakWithCapacity reserves capacity bytes up front. Extend fails
// (ok=false) once the break would exceed this reservation, the same
// out-of-memory signal spec §7 expects.
func NewBreakWithCapacity(capacity int) ProgramBreak {
	return &break_{buf: dirtmake.Bytes(0, capacity)}
}

func (b *break_) Extend(delta int) (int, bool) {
	if delta < 0 {
		return 0, false
	}
	base := len(b.buf)
	need := base + delta
	if need > cap(b.buf) {
		return 0, false
	}
	b.buf = b.buf[:need]
	return base, true
}

func (b *break_) Shrink(delta int) bool {
	if delta < 0 || delta > len(b.buf) {
		return false
	}
	b.buf = b.buf[:len(b.buf)-delta]
	return true
}

func (b *break_) Bytes() []byte { return b.buf }
func (b *break_) Len() int      { return len(b.buf) }

// bulk_ is the default BulkSource: one mcache.Malloc call per Acquire.
// Nothing returns the region to mcache's pool. FixedBulkSource below is
// the fixed-capacity variant that can report host exhaustion.
type bulk_ struct{}

// NewBulkSource returns a BulkSource backed by mcache's pooled allocator,
// standing in for the host language's standard allocator that spec.md
// places out of scope for backing the buddy arena.
func NewBulkSource() BulkSource { return bulk_{} }

func (bulk_) Acquire(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostmem: bulk acquire size must be positive, got %d", size)
	}
	return mcache.Malloc(size), nil
}

// FixedBulkSource is a BulkSource with a hard ceiling: requests above
// Limit fail, which makes buddy_init failure reachable without actually
// exhausting the process's address space.
type FixedBulkSource struct {
	Limit int
}

func (f FixedBulkSource) Acquire(size int) ([]byte, error) {
	if size > f.Limit {
		return nil, fmt.Errorf("hostmem: bulk source exhausted: requested %d, limit %d", size, f.Limit)
	}
	return mcache.Malloc(size), nil
}
