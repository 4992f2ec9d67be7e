// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import (
	"fmt"
	"time"
)

// Line settings
const (
	BaudRate       = 9600
	MaxBufferSize  = 33 // longest frame plus the break marker
	DefaultIdleGap = 4 * time.Millisecond
	DefaultRingLen = 16
)

// TxMode selects how bytes are clocked onto the bus
type TxMode uint8

// Tx modes
const (
	TxModeOff          TxMode = 0
	TxModeEMS          TxMode = 1
	TxModeEMSPlus      TxMode = 2
	TxModeHT3          TxMode = 3
	TxModeHardware     TxMode = 4
	TxModeHardwareLong TxMode = 5
	TxModeTimerMin     TxMode = 6
	TxModeMax          TxMode = 50
)

// ParseTxMode validates a configured tx mode
func ParseTxMode(n int) (TxMode, error) {
	if n < 0 || n > int(TxModeMax) {
		return 0, fmt.Errorf("%w: %d", ErrTxMode, n)
	}
	return TxMode(n), nil
}

func (m TxMode) String() string {
	switch m {
	case TxModeOff:
		return "off"
	case TxModeEMS:
		return "ems"
	case TxModeEMSPlus:
		return "ems+"
	case TxModeHT3:
		return "ht3"
	case TxModeHardware:
		return "hardware"
	case TxModeHardwareLong:
		return "hardware-1.5"
	default:
		return fmt.Sprintf("timer-%d", m)
	}
}

// Timing holds the bus timing constants
type Timing struct {
	BitTime     time.Duration
	BusyWait    time.Duration // echo poll step
	EchoTimeout time.Duration
	WaitPlus    time.Duration // per byte, EMS+
	WaitHT3     time.Duration // per byte, HT3
	BreakEMS    time.Duration
	BreakPlus   time.Duration
	BreakHT3    time.Duration
}

// DefaultTiming returns the timing of a 9600 baud bus
func DefaultTiming() Timing {
	return TimingFor(104 * time.Microsecond)
}

// TimingFor derives every constant from the bit time
func TimingFor(bit time.Duration) Timing {
	return Timing{
		BitTime:     bit,
		BusyWait:    bit / 8,
		EchoTimeout: 20 * bit,
		WaitPlus:    20 * bit,
		WaitHT3:     17 * bit,
		BreakEMS:    10 * bit,
		BreakPlus:   11 * bit,
		BreakHT3:    11 * bit,
	}
}

// timerStep is the interval between bytes in the timer-driven modes
func (t Timing) timerStep(m TxMode) time.Duration {
	if m > 10 {
		return 5 * t.BitTime * time.Duration(m)
	}
	return 10 * t.BitTime * time.Duration(m)
}

func (t Timing) timerBreak() time.Duration {
	return 5 * t.BitTime * 11
}
