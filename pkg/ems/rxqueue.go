// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// RxEntry is one validated telegram waiting to be processed
type RxEntry struct {
	ID       uint16
	Telegram *Telegram
}

// EchoSource reports the source byte of our last transmitted frame
type EchoSource interface {
	LastTxSrc() uint8
}

// RxQueue validates received frames and holds the resulting telegrams
// until the engine hands them to the application.
type RxQueue struct {
	state    *BusState
	echo     EchoSource
	log      zerolog.Logger
	capacity int

	mu      sync.Mutex
	entries []RxEntry
	nextID  uint16

	telegramCount atomic.Uint32
	errorCount    atomic.Uint32
}

// NewRxQueue creates a queue holding up to capacity telegrams
func NewRxQueue(state *BusState, echo EchoSource, capacity int, log zerolog.Logger) *RxQueue {
	if capacity <= 0 {
		capacity = DefaultRxQueueSize
	}
	return &RxQueue{
		state:    state,
		echo:     echo,
		log:      log,
		capacity: capacity,
		entries:  make([]RxEntry, 0, capacity),
	}
}

// Add validates a received frame including its CRC and queues the telegram.
// Telegrams with type id 0 are decoded and returned but not queued.
func (q *RxQueue) Add(frame []byte) (*Telegram, error) {
	t, err := ParseFrame(frame)
	if err != nil {
		q.reject(frame, err)
		return nil, err
	}

	// the first valid frame tells us the dialect, fixed for the session
	if q.state.LearnMask(frame[0]) {
		q.log.Info().Str("mask", hexByte(q.state.Mask())).Msg("detected bus dialect")
	}

	q.log.Trace().Str("frame", HexString(frame)).Msg("Rx")
	q.telegramCount.Add(1)

	if t.TypeID() == 0 {
		return t, nil
	}

	q.log.Debug().Int("length", t.MessageLength()).Msg("new Rx telegram")
	q.push(t, true)
	return t, nil
}

// reject accounts a frame that did not decode
func (q *RxQueue) reject(frame []byte, err error) {
	switch {
	case errors.Is(err, ErrFrameTooShort):
		// fragments are not errors
	case errors.Is(err, ErrInvalidSource):
		q.log.Warn().Str("frame", HexString(frame)).Msg("invalid source")
	case q.echo != nil && frame[0] == q.echo.LastTxSrc():
		// our own echo, corrupted by a collision
		q.log.Trace().Str("frame", HexString(frame)).Msg("incomplete Rx echo")
	default:
		q.errorCount.Add(1)
		q.log.Warn().Str("frame", HexString(frame)).Err(err).Msg("incomplete Rx")
	}
}

// AddEmpty queues a telegram without data, reporting a read that got no
// answer. It is dropped when the queue is full.
func (q *RxQueue) AddEmpty(src, dest uint8, typeID uint16, offset uint8) {
	q.push(NewTelegram(OpRx, src, dest, typeID, offset, nil), false)
}

func (q *RxQueue) push(t *Telegram, evict bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		if !evict {
			return
		}
		q.entries = append(q.entries[:0], q.entries[1:]...)
	}
	q.entries = append(q.entries, RxEntry{ID: q.nextID, Telegram: t})
	q.nextID++
}

// Drain removes the queued telegrams in arrival order and passes each to fn.
// fn runs without the queue lock held.
func (q *RxQueue) Drain(fn func(RxEntry)) int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return n
		}
		e := q.entries[0]
		q.entries = append(q.entries[:0], q.entries[1:]...)
		q.mu.Unlock()

		fn(e)
		n++
	}
}

// Snapshot returns a copy of the queued entries
func (q *RxQueue) Snapshot() []RxEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RxEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued telegrams
func (q *RxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// TelegramCount returns the number of valid frames received
func (q *RxQueue) TelegramCount() uint32 {
	return q.telegramCount.Load()
}

// ErrorCount returns the number of corrupt or incomplete frames
func (q *RxQueue) ErrorCount() uint32 {
	return q.errorCount.Load()
}

// ResetCounters clears both counters
func (q *RxQueue) ResetCounters() {
	q.telegramCount.Store(0)
	q.errorCount.Store(0)
}

// Quality returns the share of good frames in percent. Error rates at or
// below a small threshold still report 100.
func (q *RxQueue) Quality() uint8 {
	errs := uint64(q.errorCount.Load())
	if errs == 0 {
		return 100
	}
	total := uint64(q.telegramCount.Load()) + errs
	if errs*100 <= total*rxQualityThreshold {
		return 100
	}
	return uint8(100 - errs*100/total)
}
