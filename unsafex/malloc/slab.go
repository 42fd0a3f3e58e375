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

package malloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/asHawcker/custom-memory-allocators/internal/integrity"
)

// bitmapWidth is the slot-tracking bitmap width; a slab therefore holds
// at most 32 objects regardless of how many would otherwise fit in a
// page.
const bitmapWidth = 32

// fullMask returns a mask with the low n bits set, handling n ==
// bitmapWidth (where 1<<32 would overflow uint32).
func fullMask(n int) uint32 {
	if n == bitmapWidth {
		return ^uint32(0)
	}
	return uint32(1)<<uint(n) - 1
}

// slab owns one buddy-allocated order-0 page, divided into
// objectsPerSlab fixed-size slots tracked by a bitmap. It lives on
// exactly one of its owning Cache's three lists at a time.
type slab struct {
	next      *slab
	page      []byte
	bitmap    uint32
	freeCount int
}

func (s *slab) base() unsafe.Pointer { return unsafe.Pointer(&s.page[0]) }

func (s *slab) contains(p unsafe.Pointer) bool {
	base := uintptr(s.base())
	target := uintptr(p)
	return target >= base && target < base+uintptr(len(s.page))
}

// Cache is a factory for fixed-size objects of one size, backed by a
// BuddyAllocator for page supply. Not safe for concurrent use.
type Cache struct {
	name           string
	objSize        int
	objectsPerSlab int
	buddy          *BuddyAllocator

	full    *slab
	partial *slab
	free    *slab
}

// NewCache creates a cache of obj_size-byte objects drawing pages from
// buddy. objects_per_slab is min(PageSize/obj_size, 32): the bitmap
// width caps how many objects a slab can track regardless of how many
// would otherwise fit in a page.
func NewCache(name string, objSize int, buddy *BuddyAllocator) (*Cache, error) {
	if objSize <= 0 {
		return nil, fmt.Errorf("malloc: cache %q: obj_size must be positive, got %d", name, objSize)
	}
	perSlab := PageSize / objSize
	if perSlab > bitmapWidth {
		perSlab = bitmapWidth
	}
	if perSlab == 0 {
		return nil, fmt.Errorf("malloc: cache %q: obj_size %d exceeds page size", name, objSize)
	}
	return &Cache{name: name, objSize: objSize, objectsPerSlab: perSlab, buddy: buddy}, nil
}

func (c *Cache) newSlab() (*slab, error) {
	page := c.buddy.Alloc(0)
	if page == nil {
		return nil, fmt.Errorf("malloc: cache %q: buddy allocator exhausted", c.name)
	}
	return &slab{page: page, freeCount: c.objectsPerSlab}, nil
}

// Alloc returns one obj_size-byte object, or an error if a new page
// cannot be obtained from the buddy allocator.
//
// Source priority: the partial list's head, then the free list's head
// (promoted to partial), then a freshly created slab pushed onto
// partial. New pages land on partial rather than full by construction,
// so the next allocation has a good chance of reusing the same slab.
func (c *Cache) Alloc() ([]byte, error) {
	var s *slab
	switch {
	case c.partial != nil:
		s = c.partial
	case c.free != nil:
		s = c.free
		c.free = s.next
		s.next = c.partial
		c.partial = s
	default:
		var err error
		s, err = c.newSlab()
		if err != nil {
			return nil, err
		}
		s.next = c.partial
		c.partial = s
	}

	free := ^s.bitmap & fullMask(c.objectsPerSlab)
	if free == 0 {
		panic("malloc: slab on partial list has no free slots")
	}
	slot := bits.TrailingZeros32(free)
	s.bitmap |= 1 << uint(slot)
	s.freeCount--

	ptr := unsafe.Add(s.base(), slot*c.objSize)
	obj := unsafe.Slice((*byte)(ptr), c.objSize)

	if s.freeCount == 0 {
		c.partial = unlink(&c.partial, s)
		s.next = c.full
		c.full = s
	}
	return obj, nil
}

// Free returns the object at p to its owning slab, found by scanning
// partial then full (linear in the number of slabs; see DESIGN.md for
// why this is an acceptable, non-optimized approach here).
func (c *Cache) Free(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	target := unsafe.Pointer(&p[0])

	if s := findContaining(c.partial, target); s != nil {
		c.freeSlot(s, target)
		if s.freeCount == c.objectsPerSlab {
			c.partial = unlink(&c.partial, s)
			s.next = c.free
			c.free = s
		}
		return nil
	}
	if s := findContaining(c.full, target); s != nil {
		c.full = unlink(&c.full, s)
		c.freeSlot(s, target)
		if s.freeCount == c.objectsPerSlab {
			s.next = c.free
			c.free = s
		} else {
			s.next = c.partial
			c.partial = s
		}
		return nil
	}
	return fmt.Errorf("malloc: cache %q: pointer not owned by this cache", c.name)
}

func (c *Cache) freeSlot(s *slab, p unsafe.Pointer) {
	slot := int(uintptr(p)-uintptr(s.base())) / c.objSize
	s.bitmap &^= 1 << uint(slot)
	s.freeCount++
}

// Destroy returns every slab's page to the buddy allocator and discards
// all bookkeeping.
func (c *Cache) Destroy() {
	for _, head := range []*slab{c.full, c.partial, c.free} {
		for s := head; s != nil; {
			next := s.next
			c.buddy.Free(s.page)
			s = next
		}
	}
	c.full, c.partial, c.free = nil, nil, nil
}

// CheckIntegrity reports every violation of I6: free_count must equal
// the number of clear bits in the bitmap, and each slab must live on the
// list its free_count dictates (full: 0, partial: strictly between 0 and
// objects_per_slab, free: objects_per_slab).
func (c *Cache) CheckIntegrity() integrity.Report {
	var report integrity.Report
	mask := fullMask(c.objectsPerSlab)
	check := func(listName string, head *slab, want func(int) bool) {
		for s := head; s != nil; s = s.next {
			clear := bits.OnesCount32(^s.bitmap & mask)
			if clear != s.freeCount {
				report.Errorf("I6", "slab on %s: free_count=%d but %d bits clear", listName, s.freeCount, clear)
			}
			if !want(s.freeCount) {
				report.Errorf("I6", "slab on %s has free_count=%d, which belongs on a different list", listName, s.freeCount)
			}
		}
	}
	check("full", c.full, func(fc int) bool { return fc == 0 })
	check("partial", c.partial, func(fc int) bool { return fc > 0 && fc < c.objectsPerSlab })
	check("free", c.free, func(fc int) bool { return fc == c.objectsPerSlab })
	return report
}

func findContaining(head *slab, p unsafe.Pointer) *slab {
	for s := head; s != nil; s = s.next {
		if s.contains(p) {
			return s
		}
	}
	return nil
}

// unlink removes target from the singly-linked list starting at *head
// and returns the (possibly new) head.
func unlink(head **slab, target *slab) *slab {
	if *head == target {
		return target.next
	}
	for s := *head; s != nil; s = s.next {
		if s.next == target {
			s.next = target.next
			return *head
		}
	}
	panic("malloc: slab not found on expected list")
}
