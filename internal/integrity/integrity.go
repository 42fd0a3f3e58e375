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

// Package integrity defines the shared vocabulary for the invariant
// checks each allocator package exposes on itself (CheckIntegrity
// methods on implicit.Allocator, explicit.Allocator,
// malloc.BuddyAllocator, and malloc.Cache). It accumulates every
// violation found in one pass rather than stopping at the first, so a
// single failing test run shows the whole picture.
package integrity

import "fmt"

// Violation records one broken invariant, tagged with the identifier
// used in its owning package's documentation (I1..I6).
type Violation struct {
	Invariant string
	Detail    string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Invariant, v.Detail) }

// Report is an ordered list of violations found during one walk. A nil
// or empty Report means every invariant held.
type Report []Violation

// Clean reports whether no violations were found.
func (r Report) Clean() bool { return len(r) == 0 }

// Errorf appends a new violation to *r.
func (r *Report) Errorf(invariant, format string, args ...interface{}) {
	*r = append(*r, Violation{Invariant: invariant, Detail: fmt.Sprintf(format, args...)})
}
