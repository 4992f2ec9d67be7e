// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"sync"
	"testing"
	"time"
)

// ============================================================
// Test Doubles
// ============================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeTx records everything the engine puts on the bus
type fakeTx struct {
	frames  [][]byte
	polls   []uint8
	err     error
	lastSrc uint8
}

func (f *fakeTx) Transmit(frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, append([]byte(nil), frame...))
	f.lastSrc = frame[0]
	return nil
}

func (f *fakeTx) SendPoll(id uint8) error {
	f.polls = append(f.polls, id)
	return nil
}

func (f *fakeTx) LastTxSrc() uint8 {
	return f.lastSrc
}

// recorder collects what the engine hands to the application
type recorder struct {
	handled []*Telegram
	watched []*Telegram
}

func (r *recorder) handle(t *Telegram) bool {
	r.handled = append(r.handled, t)
	return true
}

func (r *recorder) watch(t *Telegram) {
	r.watched = append(r.watched, t)
}

// ============================================================
// Helpers
// ============================================================

// withCRC returns the bytes with their CRC appended
func withCRC(b ...byte) []byte {
	return AppendCRC(append([]byte(nil), b...))
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeTx, *fakeClock, *recorder) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	tx := &fakeTx{}
	clock := newFakeClock()
	rec := &recorder{}
	e, err := New(cfg, tx, WithClock(clock), WithHandler(rec.handle), WithWatch(rec.watch))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e, tx, clock, rec
}

// connect teaches the engine the Buderus dialect and polls it once
func connect(e *Engine) {
	e.Incoming(withCRC(0x08, 0x00, 0x07, 0x00, 0x0B, 0x80))
	pollUs(e)
}

// pollUs sends the master's Buderus poll for the default bus id
func pollUs(e *Engine) {
	e.Incoming([]byte{DefaultBusID | 0x80})
}

func hexEqual(t *testing.T, what string, got, want []byte) {
	t.Helper()
	if HexString(got) != HexString(want) {
		t.Errorf("%s: expected %s, got %s", what, HexString(want), HexString(got))
	}
}
