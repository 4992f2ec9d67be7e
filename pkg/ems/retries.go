// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

//go:build !emsdiag

package ems

// DefaultMaxTxRetries is how often a failed request is re-sent before it is abandoned
const DefaultMaxTxRetries = 3
