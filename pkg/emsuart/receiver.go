// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

// UnitClass is the outcome of closing a unit
type UnitClass uint8

const (
	UnitEmpty UnitClass = iota
	UnitPoll
	UnitFrame
	UnitFragment
	UnitDropped
	UnitOverflow
)

// Receiver assembles break-delimited units from line bytes. It is owned by
// the read loop and never allocates.
type Receiver struct {
	buf      [MaxBufferSize]byte
	n        int
	overflow bool
	drop     bool
	noMarker bool
}

// NewReceiver returns a receiver that discards the first unit, which may
// have started before the line was opened.
func NewReceiver() *Receiver {
	return &Receiver{drop: true}
}

// SetMarker tells the receiver whether units end with the 0x00 break marker.
// Without a marker every buffered byte belongs to the unit.
func (r *Receiver) SetMarker(present bool) {
	r.noMarker = !present
}

// Restart discards the unit in progress
func (r *Receiver) Restart() {
	r.n = 0
	r.overflow = false
	r.drop = true
}

// Feed appends line bytes to the unit in progress
func (r *Receiver) Feed(p []byte) {
	for _, b := range p {
		if r.n == 0 && b == 0 {
			continue
		}
		if r.n >= MaxBufferSize {
			r.overflow = true
			continue
		}
		r.buf[r.n] = b
		r.n++
	}
}

// Pending reports the number of buffered bytes of the current unit
func (r *Receiver) Pending() int {
	return r.n
}

// End closes the unit at a break. The returned slice aliases the receiver
// buffer and is valid until the next Feed.
func (r *Receiver) End() ([]byte, UnitClass) {
	n := r.n
	overflow := r.overflow
	drop := r.drop
	if n == 0 && !overflow {
		// idle line, nothing to close
		return nil, UnitEmpty
	}
	r.n = 0
	r.overflow = false
	r.drop = false

	if overflow {
		return nil, UnitOverflow
	}

	// the break marker is part of the unit on the wire
	length := n
	switch {
	case r.noMarker:
		if n >= MaxBufferSize {
			return nil, UnitOverflow
		}
		length++
	case n < MaxBufferSize && r.buf[n-1] != 0:
		length++
	}
	if drop {
		return nil, UnitDropped
	}
	if length == 2 || length > 4 {
		return r.buf[:length-1], classOf(length)
	}
	return nil, UnitFragment
}

func classOf(length int) UnitClass {
	if length == 2 {
		return UnitPoll
	}
	return UnitFrame
}
