// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import "sync/atomic"

type slot struct {
	n   int
	buf [MaxBufferSize]byte
}

// FrameRing hands units from the read loop to the consumer. One goroutine
// may Put and one other goroutine may Get.
type FrameRing struct {
	slots []slot
	head  atomic.Uint32 // next slot to read
	tail  atomic.Uint32 // next slot to write
	bell  chan struct{}
}

// NewFrameRing creates a ring of n slots
func NewFrameRing(n int) *FrameRing {
	if n <= 0 {
		n = DefaultRingLen
	}
	return &FrameRing{
		slots: make([]slot, n),
		bell:  make(chan struct{}, 1),
	}
}

// Put copies a unit into the next free slot. It returns false when the ring
// is full or the unit does not fit a slot.
func (r *FrameRing) Put(unit []byte) bool {
	if len(unit) > MaxBufferSize {
		return false
	}
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint32(len(r.slots)) {
		return false
	}

	s := &r.slots[tail%uint32(len(r.slots))]
	s.n = copy(s.buf[:], unit)
	r.tail.Store(tail + 1)

	select {
	case r.bell <- struct{}{}:
	default:
	}
	return true
}

// Get copies the oldest unit into dst and releases its slot
func (r *FrameRing) Get(dst []byte) (int, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return 0, false
	}

	s := &r.slots[head%uint32(len(r.slots))]
	n := copy(dst, s.buf[:s.n])
	r.head.Store(head + 1)
	return n, true
}

// Len returns the number of queued units
func (r *FrameRing) Len() int {
	return int(r.tail.Load() - r.head.Load())
}

// Ready is signalled after a Put
func (r *FrameRing) Ready() <-chan struct{} {
	return r.bell
}
