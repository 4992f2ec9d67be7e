// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import "errors"

var (
	ErrFrameLength = errors.New("emsuart: frame length out of range")
	ErrTxBusy      = errors.New("emsuart: transmitter busy")
	ErrTxMode      = errors.New("emsuart: invalid tx mode")
)
