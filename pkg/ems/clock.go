// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import "time"

// Clock supplies the uptime base for bus timeouts and send delays
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// SystemClock is the wall clock with its monotonic reading
var SystemClock Clock = systemClock{}
