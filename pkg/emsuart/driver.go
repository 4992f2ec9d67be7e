// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Stats counts the driver's line activity
type Stats struct {
	Frames    uint64
	Polls     uint64
	Fragments uint64
	Overflows uint64
	Dropped   uint64
	RingFull  uint64
	TxFrames  uint64
	TxErrors  uint64
}

// Option configures a Driver
type Option func(*Driver)

// WithTiming overrides the bus timing
func WithTiming(t Timing) Option {
	return func(d *Driver) { d.timing = t }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(d *Driver) { d.log = log }
}

// WithRingLen sets the number of units buffered for the consumer
func WithRingLen(n int) Option {
	return func(d *Driver) { d.ringLen = n }
}

// WithSleep replaces the delay used between transmitted bytes
func WithSleep(sleep func(time.Duration)) Option {
	return func(d *Driver) { d.sleep = sleep }
}

// Driver moves units between a Line and the telegram engine
type Driver struct {
	line    Line
	mode    TxMode
	timing  Timing
	log     zerolog.Logger
	sleep   func(time.Duration)
	ringLen int

	rx      *Receiver
	ring    *FrameRing
	restart atomic.Bool
	rxBytes atomic.Uint32

	txMu      sync.Mutex
	lastTxSrc atomic.Uint32

	timerBusy atomic.Bool
	timerKick chan struct{}
	timerBuf  [MaxBufferSize]byte
	timerLen  int

	frames    atomic.Uint64
	polls     atomic.Uint64
	fragments atomic.Uint64
	overflows atomic.Uint64
	dropped   atomic.Uint64
	ringFull  atomic.Uint64
	txFrames  atomic.Uint64
	txErrors  atomic.Uint64
}

// NewDriver creates a driver on line using the given tx mode
func NewDriver(line Line, mode TxMode, opts ...Option) (*Driver, error) {
	if mode > TxModeMax {
		return nil, fmt.Errorf("%w: %d", ErrTxMode, mode)
	}

	d := &Driver{
		line:      line,
		mode:      mode,
		timing:    DefaultTiming(),
		log:       zerolog.Nop(),
		sleep:     time.Sleep,
		ringLen:   DefaultRingLen,
		rx:        NewReceiver(),
		timerKick: make(chan struct{}, 1),
	}
	if ml, ok := line.(MarkerLine); ok {
		d.rx.SetMarker(ml.BreakMarker())
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ring = NewFrameRing(d.ringLen)
	return d, nil
}

// Mode returns the tx mode
func (d *Driver) Mode() TxMode {
	return d.mode
}

// Run reads the line until ctx is done or the line fails. Closing the line
// unblocks a pending read.
func (d *Driver) Run(ctx context.Context) error {
	if d.mode >= TxModeTimerMin {
		done := make(chan struct{})
		defer close(done)
		go d.clockOut(done)
	}

	buf := make([]byte, MaxBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.restart.Swap(false) {
			d.rx.Restart()
		}

		n, err := d.line.Read(buf)
		if n > 0 {
			d.rxBytes.Add(uint32(n))
			d.rx.Feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				d.endUnit()
				return nil
			}
			return fmt.Errorf("emsuart: read: %w", err)
		}
		if n == 0 {
			d.endUnit()
		}
	}
}

func (d *Driver) endUnit() {
	unit, class := d.rx.End()
	switch class {
	case UnitEmpty:
		return
	case UnitFragment:
		d.fragments.Add(1)
		return
	case UnitDropped:
		d.dropped.Add(1)
		return
	case UnitOverflow:
		d.overflows.Add(1)
		d.log.Warn().Msg("rx overflow, unit dropped")
		return
	case UnitPoll:
		d.polls.Add(1)
	case UnitFrame:
		d.frames.Add(1)
	}

	if !d.ring.Put(unit) {
		d.ringFull.Add(1)
		d.log.Warn().Int("len", len(unit)).Msg("rx ring full, unit lost")
	}
}

// Ready is signalled when units are waiting
func (d *Driver) Ready() <-chan struct{} {
	return d.ring.Ready()
}

// Next copies the oldest waiting unit into dst
func (d *Driver) Next(dst []byte) (int, bool) {
	return d.ring.Get(dst)
}

// Restart discards the unit being received
func (d *Driver) Restart() {
	d.restart.Store(true)
}

// Transmit writes a frame, CRC included, terminated by a break
func (d *Driver) Transmit(frame []byte) error {
	if len(frame) == 0 || len(frame) >= MaxBufferSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameLength, len(frame))
	}
	if d.mode == TxModeOff {
		return nil
	}
	d.lastTxSrc.Store(uint32(frame[0]))
	return d.send(frame)
}

// SendPoll writes a single poll byte
func (d *Driver) SendPoll(id uint8) error {
	if d.mode == TxModeOff {
		return nil
	}
	return d.send([]byte{id})
}

// LastTxSrc returns the first byte of the last transmitted frame
func (d *Driver) LastTxSrc() uint8 {
	return uint8(d.lastTxSrc.Load())
}

func (d *Driver) send(frame []byte) error {
	if d.mode >= TxModeTimerMin {
		if !d.timerBusy.CompareAndSwap(false, true) {
			return ErrTxBusy
		}
		d.timerLen = copy(d.timerBuf[:], frame)
		d.timerKick <- struct{}{}
		return nil
	}

	d.txMu.Lock()
	err := d.transmit(frame)
	d.txMu.Unlock()
	d.finishTx(frame, err)
	return err
}

func (d *Driver) finishTx(frame []byte, err error) {
	if err != nil {
		d.txErrors.Add(1)
		d.log.Warn().Err(err).Hex("frame", frame).Msg("tx failed")
		return
	}
	d.txFrames.Add(1)
	d.log.Trace().Hex("frame", frame).Msg("tx")
}

// Stats returns a copy of the line counters
func (d *Driver) Stats() Stats {
	return Stats{
		Frames:    d.frames.Load(),
		Polls:     d.polls.Load(),
		Fragments: d.fragments.Load(),
		Overflows: d.overflows.Load(),
		Dropped:   d.dropped.Load(),
		RingFull:  d.ringFull.Load(),
		TxFrames:  d.txFrames.Load(),
		TxErrors:  d.txErrors.Load(),
	}
}

// Close closes the line
func (d *Driver) Close() error {
	return d.line.Close()
}
