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

package explicit

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asHawcker/custom-memory-allocators/internal/hostmem"
)

func newTestAllocator() *Allocator {
	return New(hostmem.NewBreak())
}

func TestAllocateRejectsZeroSize(t *testing.T) {
	a := newTestAllocator()
	p, err := a.Allocate(0)
	require.Error(t, err)
	assert.Nil(t, p)
}

func TestFreeNilIsNoop(t *testing.T) {
	a := newTestAllocator()
	assert.NotPanics(t, func() { a.Free(nil) })
}

// Scenario: after consuming most of the initial chunk, allocate A=64,
// B=64; freeing A must make A the free-list head (LIFO insertion).
func TestFreeListHeadIsLIFO(t *testing.T) {
	a := newTestAllocator()
	require.NoError(t, a.ensureInit())

	// Consume most of the initial CHUNKSIZE-sized free block, leaving a
	// 240-byte free remainder that the next two allocations are carved
	// from.
	_, err := a.Allocate(4096 - 256)
	require.NoError(t, err)

	pA, err := a.Allocate(64)
	require.NoError(t, err)
	_, err = a.Allocate(64)
	require.NoError(t, err)

	a.Free(pA)

	offA := a.offsetOf(pA)
	assert.Equal(t, uint64(offA), a.freeHead)
}

// Scenario: allocate A=64, allocate B=256, free B; Reallocate(A,100)
// returns A and leaves a free remainder at the free-list head.
func TestReallocateExpandsIntoFollowingFreeBlock(t *testing.T) {
	a := newTestAllocator()
	pA, err := a.Allocate(64)
	require.NoError(t, err)
	pB, err := a.Allocate(256)
	require.NoError(t, err)
	a.Free(pB)

	p, err := a.Reallocate(pA, 100)
	require.NoError(t, err)
	assert.Equal(t, pA, p)
	assert.NotEqual(t, noLink, a.freeHead)
}

// Scenario: allocate A=64, allocate B=64 (so A has no free neighbor to
// grow into); write into A; Reallocate(A,128) must fall back to a fresh
// allocation and copy the original bytes.
func TestReallocateFallsBackAndCopies(t *testing.T) {
	a := newTestAllocator()
	pA, err := a.Allocate(64)
	require.NoError(t, err)
	_, err = a.Allocate(64)
	require.NoError(t, err)

	msg := []byte("Testing123\x00")
	dst := unsafe.Slice((*byte)(pA), len(msg))
	copy(dst, msg)

	newP, err := a.Reallocate(pA, 128)
	require.NoError(t, err)
	require.NotEqual(t, pA, newP)

	got := unsafe.Slice((*byte)(newP), len(msg))
	assert.Equal(t, msg, got)

	offA := a.offsetOf(pA)
	tag := blockTagAt(a, offA)
	assert.False(t, isAllocated(tag))
}

func TestReallocateZeroSizeFrees(t *testing.T) {
	a := newTestAllocator()
	p, err := a.Allocate(64)
	require.NoError(t, err)

	result, err := a.Reallocate(p, 0)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestReallocateNilActsAsAllocate(t *testing.T) {
	a := newTestAllocator()
	p, err := a.Reallocate(nil, 64)
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func blockTagAt(a *Allocator, off int) uint64 {
	arena := a.arena()
	var tag uint64
	for i := 0; i < 8; i++ {
		tag |= uint64(arena[off+i]) << (8 * i)
	}
	return tag
}

func isAllocated(tag uint64) bool { return tag&1 != 0 }
