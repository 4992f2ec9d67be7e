// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import (
	"io"
	"sync"
	"time"
)

// fakeLine replays scripted reads. A nil read is an idle gap.
type fakeLine struct {
	mu      sync.Mutex
	reads   [][]byte
	pos     int
	writes  [][]byte
	breaks  []time.Duration
	onWrite func(p []byte)
	closed  bool
}

func (f *fakeLine) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= len(f.reads) {
		return 0, io.EOF
	}
	r := f.reads[f.pos]
	f.pos++
	return copy(p, r), nil
}

func (f *fakeLine) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), p...))
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return len(p), nil
}

func (f *fakeLine) Break(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breaks = append(f.breaks, d)
	return nil
}

func (f *fakeLine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLine) written() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

// sleepRecorder records requested delays without sleeping
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *sleepRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

// script builds line reads, each unit followed by an idle gap
func script(units ...[]byte) [][]byte {
	var reads [][]byte
	for _, u := range units {
		reads = append(reads, u, nil)
	}
	return reads
}

// bridgeLine is a fakeLine whose units carry no break marker
type bridgeLine struct {
	*fakeLine
}

func (bridgeLine) BreakMarker() bool { return false }
