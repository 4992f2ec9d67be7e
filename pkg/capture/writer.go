// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Writer appends records to a capture stream. It is safe for concurrent
// use, so the receive loop and the transmit path may share one.
type Writer struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	now    func() time.Time
	count  int
	err    error
}

// NewWriter writes the header to w and returns a Writer for the records
func NewWriter(w io.Writer, hdr Header) (*Writer, error) {
	hdr.Format = FormatName
	hdr.Version = FormatVersion
	if hdr.Started.IsZero() {
		hdr.Started = time.Now()
	}

	enc := NewEncoder(w)
	if err := enc.Encode(hdr); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Writer{enc: enc, now: time.Now}, nil
}

// Create creates a capture file at path
func Create(path string, hdr Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, hdr)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Write appends a record
func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if rec.Time.IsZero() {
		rec.Time = w.now()
	}
	if err := w.enc.Encode(rec); err != nil {
		w.err = fmt.Errorf("capture: write record: %w", err)
		return w.err
	}
	w.count++
	return nil
}

// Tap records a received unit. It has the signature of an engine unit tap.
func (w *Writer) Tap(unit []byte) {
	w.Write(Record{Dir: DirectionRx, Unit: unit})
}

// Count returns the number of records written
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Err returns the first write error
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the file opened by Create
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

type transmitter interface {
	Transmit(frame []byte) error
	SendPoll(id uint8) error
	LastTxSrc() uint8
}

// TeeTransmitter records everything written through a transmitter
type TeeTransmitter struct {
	tx transmitter
	w  *Writer
}

// Tee wraps tx so every successful transmission is recorded to w
func Tee(tx transmitter, w *Writer) *TeeTransmitter {
	return &TeeTransmitter{tx: tx, w: w}
}

func (t *TeeTransmitter) Transmit(frame []byte) error {
	if err := t.tx.Transmit(frame); err != nil {
		return err
	}
	t.w.Write(Record{Dir: DirectionTx, Unit: frame})
	return nil
}

func (t *TeeTransmitter) SendPoll(id uint8) error {
	if err := t.tx.SendPoll(id); err != nil {
		return err
	}
	t.w.Write(Record{Dir: DirectionTx, Unit: []byte{id}})
	return nil
}

func (t *TeeTransmitter) LastTxSrc() uint8 {
	return t.tx.LastTxSrc()
}
