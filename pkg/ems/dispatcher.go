// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import "github.com/rs/zerolog"

// Dispatcher classifies every unit the driver delivers as our own echo, a
// reply to our last request, a poll, or a frame from another device.
type Dispatcher struct {
	state *BusState
	rx    *RxQueue
	tx    *TxQueue
	log   zerolog.Logger
}

// NewDispatcher wires a dispatcher to its queues
func NewDispatcher(state *BusState, rx *RxQueue, tx *TxQueue, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{state: state, rx: rx, tx: tx, log: log}
}

// Incoming processes one break-delimited unit: a 1-byte poll or ack, or a
// frame including its CRC. It must be called from a single goroutine.
func (d *Dispatcher) Incoming(unit []byte) {
	if len(unit) == 0 {
		return
	}
	first := unit[0]
	busID := d.state.BusID()

	// our own transmission read back from the line
	if first&addressMask == busID && len(unit) > 1 {
		d.log.Trace().Str("frame", HexString(unit)).Msg("echo")
		d.rx.Add(unit)
		return
	}

	if st := d.state.TxState(); st == TxAwaitingReply || st == TxAwaitingAck {
		d.state.SetTxState(TxIdle)
		if !d.reply(st, unit) {
			d.tx.RetryTx(st, unit)
			return
		}
	}

	if len(unit) == 1 {
		d.poll(first)
		return
	}
	d.rx.Add(unit)
}

// reply evaluates a unit received while we wait for an answer and reports
// whether the exchange completed
func (d *Dispatcher) reply(st TxState, unit []byte) bool {
	switch {
	case st == TxAwaitingAck && len(unit) == 1:
		switch unit[0] {
		case TxWriteSuccess:
			d.log.Debug().Msg("last Tx write successful")
			d.tx.IncrementWriteCount()
			d.tx.SendPoll()
			d.tx.PostSendQuery()
			d.tx.ResetRetryCount()
			return true
		case TxWriteFail:
			d.log.Error().Msg("last Tx write rejected by host")
			d.tx.SendPoll()
			d.tx.ResetRetryCount()
			return true
		default:
			// not an ack we know, the write is not repeated
			d.log.Error().Str("reply", hexByte(unit[0])).Msg("last Tx write host reply")
			d.tx.SendPoll()
			d.tx.DropValidation()
			d.tx.ResetRetryCount()
			return true
		}
	case st == TxAwaitingReply && len(unit) > 1:
		if d.tx.IsLastTx(unit[0], unit[1]) {
			d.log.Debug().Msg("last Tx read successful")
			d.tx.IncrementReadCount()
			d.tx.ResetRetryCount()

			// long telegrams come in parts, fetch the next one in the same turn
			if len(unit) > 3 && d.tx.ContinueRead(unit[3], len(unit)) {
				d.tx.Send()
			} else {
				d.tx.SendPoll()
			}
			return true
		}
	}
	return false
}

// poll handles a 1-byte unit that is not an answer to us
func (d *Dispatcher) poll(b byte) {
	if d.state.Mask() == MaskUnset && b&addressMask == d.state.BusID() {
		if d.state.LearnPollMask(b) {
			d.log.Info().Str("mask", hexByte(d.state.Mask())).Msg("detected bus dialect from poll")
		}
	}
	mask := d.state.Mask()
	if mask == MaskUnset {
		return
	}
	// HT3 polls carry our plain id, Buderus polls set the MSB
	pollID := b ^ readFlag ^ mask
	if pollID == d.state.BusID() {
		d.state.MarkActivity()
	}
	if pollID == d.tx.SendID() {
		d.tx.Send()
	}
}
