// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import (
	"io"
	"time"
)

// Line is a half-duplex bus connection. A Read returning 0, nil means the
// line was idle for the configured gap, which ends the current unit.
type Line interface {
	io.ReadWriteCloser
	Break(d time.Duration) error
}

// MarkerLine is implemented by lines that can say whether a unit carries the
// trailing 0x00 break marker. Lines without it are taken to carry one.
type MarkerLine interface {
	BreakMarker() bool
}
