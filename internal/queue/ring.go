// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue implements the bounded FIFO used by monitored items.
package queue

// Ring is a fixed-capacity FIFO. It is not safe for concurrent use; callers
// hold their own lock.
type Ring[T any] struct {
	buf  []T
	head int
	n    int
}

// New returns a ring holding at most capacity entries. Capacities below one
// are raised to one.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Len returns the number of queued entries.
func (r *Ring[T]) Len() int { return r.n }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Full reports whether the next Push will discard an entry.
func (r *Ring[T]) Full() bool { return r.n == len(r.buf) }

func (r *Ring[T]) index(i int) int {
	return (r.head + i) % len(r.buf)
}

// Push appends v. When the ring is full and discardOldest is set the head is
// dropped to make room; otherwise v itself is dropped. The result reports
// whether anything was discarded.
func (r *Ring[T]) Push(v T, discardOldest bool) (dropped bool) {
	if r.n < len(r.buf) {
		r.buf[r.index(r.n)] = v
		r.n++
		return false
	}
	if !discardOldest {
		return true
	}
	var zero T
	r.buf[r.head] = zero
	r.head = r.index(1)
	r.buf[r.index(r.n-1)] = v
	return true
}

// Pop removes and returns the head.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.n == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = r.index(1)
	r.n--
	if r.n == 0 {
		r.head = 0
	}
	return v, true
}

// PopN removes and returns up to max entries in FIFO order. A max of zero or
// less removes everything.
func (r *Ring[T]) PopN(max int) []T {
	if max <= 0 || max > r.n {
		max = r.n
	}
	if max == 0 {
		return nil
	}
	out := make([]T, 0, max)
	for i := 0; i < max; i++ {
		v, _ := r.Pop()
		out = append(out, v)
	}
	return out
}

// Front returns a pointer to the oldest entry, or nil when empty. The pointer
// is valid until the next mutation.
func (r *Ring[T]) Front() *T {
	if r.n == 0 {
		return nil
	}
	return &r.buf[r.head]
}

// Back returns a pointer to the newest entry, or nil when empty.
func (r *Ring[T]) Back() *T {
	if r.n == 0 {
		return nil
	}
	return &r.buf[r.index(r.n-1)]
}

// Items returns a copy of the queued entries in FIFO order.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.buf[r.index(i)]
	}
	return out
}

// Resize changes the capacity, keeping the newest entries when shrinking. It
// returns the number of entries discarded.
func (r *Ring[T]) Resize(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(r.buf) {
		return 0
	}
	items := r.Items()
	dropped := 0
	if len(items) > capacity {
		dropped = len(items) - capacity
		items = items[dropped:]
	}
	r.buf = make([]T, capacity)
	copy(r.buf, items)
	r.head = 0
	r.n = len(items)
	return dropped
}

// Clear drops every entry.
func (r *Ring[T]) Clear() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.n = 0
}
