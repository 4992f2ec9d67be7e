// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Reader iterates the records of a capture stream
type Reader struct {
	dec    *cbor.Decoder
	hdr    Header
	closer io.Closer
}

// NewReader reads and checks the header of a capture stream
func NewReader(r io.Reader) (*Reader, error) {
	dec := NewDecoder(r)

	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrFormat
		}
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if hdr.Format != FormatName {
		return nil, ErrFormat
	}
	if hdr.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, hdr.Version)
	}
	return &Reader{dec: dec, hdr: hdr}, nil
}

// Open opens a capture file
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Header returns the capture header
func (r *Reader) Header() Header {
	return r.hdr
}

// Next returns the next record, or io.EOF at the end of the capture
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("capture: read record: %w", err)
	}
	return rec, nil
}

// Replay calls fn for every record. With speed > 0 the gaps between records
// are reproduced, scaled by speed; sleep is used for the waits.
func (r *Reader) Replay(speed float64, sleep func(time.Duration), fn func(Record) error) (int, error) {
	var last time.Time
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}

		if speed > 0 && !last.IsZero() {
			if gap := rec.Time.Sub(last); gap > 0 {
				sleep(time.Duration(float64(gap) / speed))
			}
		}
		last = rec.Time

		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
}

// Close closes the file opened by Open
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
