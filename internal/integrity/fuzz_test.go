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

package integrity_test

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asHawcker/custom-memory-allocators/explicit"
	"github.com/asHawcker/custom-memory-allocators/implicit"
	"github.com/asHawcker/custom-memory-allocators/internal/hostmem"
	"github.com/asHawcker/custom-memory-allocators/unsafex/malloc"
)

// TestImplicitRandomizedRoundTrip drives alloc/free sequences through
// the implicit allocator and asserts CheckIntegrity stays clean and that
// every live allocation's bytes survive untouched by its neighbors
// (disjointness).
func TestImplicitRandomizedRoundTrip(t *testing.T) {
	a := implicit.New(hostmem.NewBreak())
	rng := rand.New(rand.NewSource(1))
	live := map[unsafe.Pointer][]byte{}

	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for p := range live {
				a.Free(p)
				delete(live, p)
				break
			}
		} else {
			size := 1 + rng.Intn(256)
			p, err := a.Allocate(size)
			require.NoError(t, err)
			buf := unsafe.Slice((*byte)(p), size)
			marker := byte(i)
			for j := range buf {
				buf[j] = marker
			}
			live[p] = append([]byte(nil), buf...)
		}
		assert.True(t, a.CheckIntegrity().Clean(), "iteration %d", i)
	}

	for p, want := range live {
		got := unsafe.Slice((*byte)(p), len(want))
		assert.Equal(t, want, []byte(got))
	}
}

func TestExplicitRandomizedRoundTrip(t *testing.T) {
	a := explicit.New(hostmem.NewBreak())
	rng := rand.New(rand.NewSource(2))
	live := map[unsafe.Pointer][]byte{}

	for i := 0; i < 500; i++ {
		switch {
		case len(live) > 0 && rng.Intn(4) == 0:
			for p := range live {
				a.Free(p)
				delete(live, p)
				break
			}
		case len(live) > 0 && rng.Intn(4) == 1:
			var target unsafe.Pointer
			for p := range live {
				target = p
				break
			}
			newSize := 1 + rng.Intn(256)
			newP, err := a.Reallocate(target, newSize)
			require.NoError(t, err)
			delete(live, target)
			buf := unsafe.Slice((*byte)(newP), newSize)
			marker := byte(i)
			for j := range buf {
				buf[j] = marker
			}
			live[newP] = append([]byte(nil), buf...)
		default:
			size := 1 + rng.Intn(256)
			p, err := a.Allocate(size)
			require.NoError(t, err)
			buf := unsafe.Slice((*byte)(p), size)
			marker := byte(i)
			for j := range buf {
				buf[j] = marker
			}
			live[p] = append([]byte(nil), buf...)
		}
		assert.True(t, a.CheckIntegrity().Clean(), "iteration %d", i)
	}
}

func TestBuddyRandomizedRoundTrip(t *testing.T) {
	a, err := malloc.NewBuddyAllocator(hostmem.NewBulkSource())
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(3))
	var live [][]byte

	for i := 0; i < 300; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			a.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			order := rng.Intn(4)
			block := a.Alloc(order)
			if block != nil {
				live = append(live, block)
			}
		}
		assert.True(t, a.CheckIntegrity().Clean(), "iteration %d", i)
	}
}

func TestSlabRandomizedRoundTrip(t *testing.T) {
	buddy, err := malloc.NewBuddyAllocator(hostmem.NewBulkSource())
	require.NoError(t, err)
	c, err := malloc.NewCache("fuzz", 48, buddy)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(4))
	var live [][]byte

	for i := 0; i < 300; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			require.NoError(t, c.Free(live[idx]))
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			obj, err := c.Alloc()
			require.NoError(t, err)
			live = append(live, obj)
		}
		assert.True(t, c.CheckIntegrity().Clean(), "iteration %d", i)
	}
}
