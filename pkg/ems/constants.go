// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

// Package ems implements the telegram engine of the EMS heating bus.
//
// The EMS bus is a shared half-duplex two-wire line connecting a boiler,
// thermostats, mixers and other controllers. The bus master grants turns by
// broadcasting 1-byte polls; a device may only transmit right after it has
// been polled. This package provides the telegram model (framing and CRC),
// the receive and transmit queues with their retry state machine, and the
// dispatcher that arbitrates our turn on the bus. The byte-level driver lives
// in package emsuart.
package ems

import "time"

// Telegram size limits
const (
	MaxTelegramLength = 32 // complete frame including CRC
	MaxMessageLength  = 27 // data block, EMS 1.0 limit
	MinFrameLength    = 5  // src, dest, type, offset, CRC

	maxReadLength     = MaxMessageLength     // largest single read on EMS 1.0
	maxReadLengthPlus = MaxMessageLength - 2 // largest single read on EMS+
)

// Header layout
const (
	readFlag      = 0x80 // dest MSB set marks a read request
	addressMask   = 0x7F // strips the dialect/read bit from an address
	extendedType  = 0xFF // byte 2 value announcing an EMS+ type id
	extendedShift = 0x100
)

// Bus dialect masks. The mask is XORed into our source address on transmit.
const (
	MaskUnset   = 0xFF // dialect not detected yet
	MaskBuderus = 0x00 // Buderus / EMS 1.0 / EMS+
	MaskHT3     = 0x80 // Junkers / HT3, sources carry the MSB
)

// Well-known bus ids and type ids used by the engine itself
const (
	BroadcastID     = 0x00
	DefaultBusID    = 0x0B // service key
	BoilerID        = 0x08 // bus master / UBA
	TypeVersion     = 0x02
	TypeUBADevices  = 0x07
	maxDeviceBitmap = 15
)

// Write acknowledgement bytes returned by the addressed device
const (
	TxWriteSuccess = 0x01
	TxWriteFail    = 0x04
)

// Engine limits and timeouts
const (
	BusTimeout            = 30 * time.Second // no poll to us for this long means offline
	PostSendDelay         = 2 * time.Second  // delay before validating a different type id
	TxErrorLimit          = 10               // % of failed Tx before BusTxErrors
	DefaultRxQueueSize    = 10
	DefaultTxQueueSize    = 160
	rxQualityThreshold    = 5   // % of Rx errors still reported as 100%
	foreignSendPollLimit  = 500 // polls to wait for an impersonated source
	readAll               = 0xFF
	emptyMessageString    = "<empty>"
)

// ValidBusIDs lists the addresses a gateway may use on the bus
var ValidBusIDs = []uint8{0x0A, 0x0B, 0x0D, 0x0F, 0x12}

// Operation identifies how a telegram entered or leaves the engine
type Operation uint8

// Operation values
const (
	OpNone Operation = iota
	OpRx
	OpRxRead
	OpTxRaw
	OpTxRead
	OpTxWrite
)

// TxState is the state of our side of the bus exchange
type TxState uint32

// TxState values
const (
	TxIdle TxState = iota
	TxSending
	TxAwaitingReply
	TxAwaitingAck
)

// BusStatus summarises link health for consumers
type BusStatus int

// BusStatus values
const (
	BusConnected BusStatus = iota
	BusTxErrors
	BusOffline
)
