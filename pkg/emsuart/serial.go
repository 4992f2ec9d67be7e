// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialLine is a Line on a local UART
type SerialLine struct {
	port serial.Port
}

// OpenSerial opens a serial port at 8N1. Reads return 0, nil after the line
// has been idle for idleGap. Mode 5 uses 1.5 stop bits.
func OpenSerial(name string, baud int, idleGap time.Duration, mode TxMode) (*SerialLine, error) {
	if baud == 0 {
		baud = BaudRate
	}
	if idleGap <= 0 {
		idleGap = DefaultIdleGap
	}

	m := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode == TxModeHardwareLong {
		m.StopBits = serial.OnePointFiveStopBits
	}

	port, err := serial.Open(name, m)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(idleGap); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	return &SerialLine{port: port}, nil
}

func (s *SerialLine) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialLine) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Break waits for pending output and holds the line low for d
func (s *SerialLine) Break(d time.Duration) error {
	if err := s.port.Drain(); err != nil {
		return err
	}
	return s.port.Break(d)
}

func (s *SerialLine) Close() error {
	return s.port.Close()
}
