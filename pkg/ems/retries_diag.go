// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

//go:build emsdiag

package ems

// DefaultMaxTxRetries is zero in diagnostic builds so every failure is visible
const DefaultMaxTxRetries = 0
