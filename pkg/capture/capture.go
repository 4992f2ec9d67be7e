// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package capture records bus units to a CBOR file and reads them back.
//
// A capture file is a stream of CBOR items: one Header followed by any
// number of Records. Records use integer keys to keep the file compact.
package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// FormatName identifies capture files
const FormatName = "emsgate-capture"

// FormatVersion is the version written by this package
const FormatVersion = 1

var (
	ErrFormat  = errors.New("capture: not a capture file")
	ErrVersion = errors.New("capture: unsupported version")
)

// Direction of a recorded unit
type Direction uint8

const (
	DirectionRx Direction = iota // read off the bus
	DirectionTx                  // written by us
)

func (d Direction) String() string {
	if d == DirectionTx {
		return "tx"
	}
	return "rx"
}

// Header is the first item of a capture file
type Header struct {
	Format  string    `cbor:"1,keyasint"`
	Version uint8     `cbor:"2,keyasint"`
	Started time.Time `cbor:"3,keyasint"`
	BusID   uint8     `cbor:"4,keyasint"`
	TxMode  uint8     `cbor:"5,keyasint"`
	Source  string    `cbor:"6,keyasint,omitempty"`
}

// Record is one unit seen on the bus
type Record struct {
	Time time.Time `cbor:"1,keyasint"`
	Dir  Direction `cbor:"2,keyasint"`
	Unit []byte    `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create capture CBOR decoder mode: %v", err))
	}
}

// NewEncoder returns an encoder writing capture items to w
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading capture items from r
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}
