// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package emsuart

import "time"

// transmit writes one frame with the strategy of the driver's tx mode. The
// timer-driven modes are clocked by clockOut instead.
func (d *Driver) transmit(frame []byte) error {
	switch {
	case d.mode == TxModeOff:
		return nil
	case d.mode == TxModeEMS:
		return d.transmitEcho(frame)
	case d.mode == TxModeEMSPlus:
		return d.transmitPaced(frame, d.timing.WaitPlus, d.timing.BreakPlus)
	case d.mode == TxModeHT3:
		return d.transmitPaced(frame, d.timing.WaitHT3, d.timing.BreakHT3)
	default:
		if _, err := d.line.Write(frame); err != nil {
			return err
		}
		return d.line.Break(d.timing.BreakEMS)
	}
}

// transmitEcho sends byte by byte, waiting for the bus master to echo each
// byte before sending the next.
func (d *Driver) transmitEcho(frame []byte) error {
	for i := range frame {
		before := d.rxBytes.Load()
		if _, err := d.line.Write(frame[i : i+1]); err != nil {
			return err
		}
		for waited := time.Duration(0); waited < d.timing.EchoTimeout; waited += d.timing.BusyWait {
			if d.rxBytes.Load() != before {
				break
			}
			d.sleep(d.timing.BusyWait)
		}
	}
	return d.line.Break(d.timing.BreakEMS)
}

func (d *Driver) transmitPaced(frame []byte, wait, brk time.Duration) error {
	for i := range frame {
		if _, err := d.line.Write(frame[i : i+1]); err != nil {
			return err
		}
		d.sleep(wait)
	}
	return d.line.Break(brk)
}

// clockOut is the timer goroutine of modes 6 and up
func (d *Driver) clockOut(done <-chan struct{}) {
	step := d.timing.timerStep(d.mode)
	for {
		select {
		case <-done:
			return
		case <-d.timerKick:
		}

		err := d.transmitPaced(d.timerBuf[:d.timerLen], step, d.timing.timerBreak())
		d.finishTx(d.timerBuf[:d.timerLen], err)
		d.timerBusy.Store(false)
	}
}
