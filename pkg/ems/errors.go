// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by telegram parsing and the queues
var (
	ErrFrameTooShort  = errors.New("frame too short")
	ErrFrameTooLong   = errors.New("frame too long")
	ErrInvalidSource  = errors.New("invalid source address")
	ErrCRCMismatch    = errors.New("CRC mismatch")
	ErrPayloadTooLong = errors.New("payload too long")
	ErrInvalidHex     = errors.New("invalid hex telegram")
	ErrNoTypeID       = errors.New("telegram has no type id")
	ErrQueueFull      = errors.New("queue full")
)

// CRCError reports a frame whose trailing checksum does not match its contents
type CRCError struct {
	Expected byte
	Actual   byte
}

// Error implements the error interface
func (e *CRCError) Error() string {
	return fmt.Sprintf("CRC mismatch: expected 0x%02X, got 0x%02X", e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrCRCMismatch) match
func (e *CRCError) Is(target error) bool {
	return target == ErrCRCMismatch
}

// ErrInvalidBusID reports an address a gateway may not use
var ErrInvalidBusID = errors.New("invalid bus id")

// ValidateBusID checks id against ValidBusIDs
func ValidateBusID(id uint8) error {
	for _, v := range ValidBusIDs {
		if id == v {
			return nil
		}
	}
	return fmt.Errorf("%w: 0x%02X", ErrInvalidBusID, id)
}
