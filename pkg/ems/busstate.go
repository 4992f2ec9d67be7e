// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"sync/atomic"
	"time"
)

// BusState is the link state shared by the queues and the dispatcher.
// Every field is atomic so diagnostics may read it from any goroutine.
type BusState struct {
	clock Clock
	epoch time.Time

	busID   atomic.Uint32
	mask    atomic.Uint32
	txState atomic.Uint32

	// nanoseconds since epoch plus one; zero means never
	lastActivity atomic.Int64
	uptimeStart  atomic.Int64
}

// NewBusState creates the state for a gateway using busID
func NewBusState(busID uint8, clock Clock) *BusState {
	if clock == nil {
		clock = SystemClock
	}
	s := &BusState{clock: clock, epoch: clock.Now()}
	s.busID.Store(uint32(busID))
	s.mask.Store(MaskUnset)
	return s
}

// BusID returns our own device id
func (s *BusState) BusID() uint8 {
	return uint8(s.busID.Load())
}

// SetBusID changes our own device id
func (s *BusState) SetBusID(id uint8) {
	s.busID.Store(uint32(id))
}

// Mask returns the detected dialect mask, MaskUnset until the first valid
// frame or a poll naming our id
func (s *BusState) Mask() uint8 {
	return uint8(s.mask.Load())
}

// LearnMask fixes the dialect from the source byte of a valid frame.
// It returns true only for the call that set it.
func (s *BusState) LearnMask(src byte) bool {
	return s.mask.CompareAndSwap(MaskUnset, uint32(src&readFlag))
}

// LearnPollMask fixes the dialect from a poll naming our id: Buderus
// masters set the MSB, HT3 masters send the plain id.
func (s *BusState) LearnPollMask(poll byte) bool {
	return s.mask.CompareAndSwap(MaskUnset, uint32(poll&readFlag^readFlag))
}

// ResetMask forgets the dialect, e.g. after the line was reopened
func (s *BusState) ResetMask() {
	s.mask.Store(MaskUnset)
}

// TxState returns where our side of the exchange stands
func (s *BusState) TxState() TxState {
	return TxState(s.txState.Load())
}

// SetTxState moves the Tx state machine
func (s *BusState) SetTxState(st TxState) {
	s.txState.Store(uint32(st))
}

// now returns the clock reading as nanoseconds since epoch plus one
func (s *BusState) now() int64 {
	return int64(s.clock.Now().Sub(s.epoch)) + 1
}

// Since returns the time elapsed since an uptime stamp returned by Uptime
func (s *BusState) Since(stamp time.Duration) time.Duration {
	return s.Uptime() - stamp
}

// Uptime returns the time since the state was created
func (s *BusState) Uptime() time.Duration {
	return time.Duration(s.now() - 1)
}

// MarkActivity records that the master polled us
func (s *BusState) MarkActivity() {
	now := s.now()
	s.uptimeStart.CompareAndSwap(0, now)
	s.lastActivity.Store(now)
}

// LastActivity returns the uptime of the last poll to us and whether any was seen
func (s *BusState) LastActivity() (time.Duration, bool) {
	last := s.lastActivity.Load()
	if last == 0 {
		return 0, false
	}
	return time.Duration(last - 1), true
}

// Connected reports whether the master polled us within BusTimeout
func (s *BusState) Connected() bool {
	last := s.lastActivity.Load()
	if last == 0 {
		return false
	}
	return time.Duration(s.now()-last) < BusTimeout
}

// BusUptime returns the time since the first poll to us
func (s *BusState) BusUptime() time.Duration {
	start := s.uptimeStart.Load()
	if start == 0 {
		return 0
	}
	return time.Duration(s.now() - start)
}
