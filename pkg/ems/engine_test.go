// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ============================================================
// Construction Tests
// ============================================================

func TestNew_ValidatesBusID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusID = 0x08
	if _, err := New(cfg, &fakeTx{}); !errors.Is(err, ErrInvalidBusID) {
		t.Errorf("expected ErrInvalidBusID, got %v", err)
	}
	for _, id := range ValidBusIDs {
		cfg.BusID = id
		if _, err := New(cfg, &fakeTx{}); err != nil {
			t.Errorf("bus id 0x%02X should be accepted: %v", id, err)
		}
	}
}

func TestStart_QueuesDeviceRequest(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	e.tx.readFailCount.Store(3)

	e.Start()
	if e.Stats().ReadFailCount != 0 {
		t.Error("Start should reset the counters")
	}
	q := e.TxQueue()
	if len(q) != 1 {
		t.Fatalf("expected one queued request, got %d", len(q))
	}
	tel := q[0].Telegram
	if tel.TypeID() != TypeUBADevices || tel.Dest() != BoilerID || tel.Operation() != OpTxRead {
		t.Errorf("expected UBADevices read to the boiler, got %v", tel)
	}
}

// ============================================================
// Poll Tests
// ============================================================

func TestPoll_AnswersWithOwnID(t *testing.T) {
	e, tx, _, rec := newTestEngine(t, nil)

	connect(e)
	if len(tx.polls) != 1 || tx.polls[0] != DefaultBusID {
		t.Errorf("expected poll answer 0x0B, got %v", tx.polls)
	}
	if !e.State().Connected() {
		t.Error("a poll to us should mark the bus connected")
	}
	if len(rec.handled) != 1 || rec.handled[0].TypeID() != TypeUBADevices {
		t.Errorf("broadcast should reach the handler, got %d telegrams", len(rec.handled))
	}
}

func TestPoll_LearnsDialect(t *testing.T) {
	tests := []struct {
		name string
		poll byte
		mask uint8
	}{
		{"buderus", DefaultBusID | 0x80, MaskBuderus},
		{"ht3", DefaultBusID, MaskHT3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, tx, _, _ := newTestEngine(t, nil)

			// a quiet bus where only the master polls
			e.Incoming([]byte{0x90})
			if e.State().Mask() != MaskUnset {
				t.Fatalf("a poll to another device must not set the mask, got 0x%02X", e.State().Mask())
			}

			e.Incoming([]byte{tt.poll})
			if e.State().Mask() != tt.mask {
				t.Fatalf("expected mask 0x%02X, got 0x%02X", tt.mask, e.State().Mask())
			}
			if !e.State().Connected() {
				t.Error("the first poll to us should mark the bus connected")
			}
			if len(tx.polls) != 1 || tx.polls[0] != DefaultBusID {
				t.Errorf("expected poll answer 0x0B, got %v", tx.polls)
			}

			// a later frame does not change the dialect
			e.Incoming(withCRC(0x88, 0x00, 0x07, 0x00, 0x0B, 0x80))
			if e.State().Mask() != tt.mask {
				t.Errorf("mask changed to 0x%02X", e.State().Mask())
			}
		})
	}
}

func TestPoll_OtherDeviceIgnored(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	connect(e)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)

	e.Incoming([]byte{0x90})
	if len(tx.frames) != 0 {
		t.Errorf("a poll to another device must not trigger a send, got %d frames", len(tx.frames))
	}
}

func TestPoll_HT3(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)

	e.Incoming(withCRC(0x88, 0x00, 0x07, 0x00, 0x0B, 0x80))
	if e.State().Mask() != MaskHT3 {
		t.Fatalf("expected HT3 mask, got 0x%02X", e.State().Mask())
	}

	// HT3 masters poll with the plain id
	e.Incoming([]byte{DefaultBusID})
	if len(tx.frames) != 1 {
		t.Fatalf("expected one frame sent, got %d", len(tx.frames))
	}
	if tx.frames[0][0] != DefaultBusID|0x80 {
		t.Errorf("HT3 source should carry the MSB, got 0x%02X", tx.frames[0][0])
	}
}

// ============================================================
// Read Tests
// ============================================================

func TestRead_ReplyMatches(t *testing.T) {
	e, tx, _, rec := newTestEngine(t, nil)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)

	if len(tx.frames) != 1 {
		t.Fatalf("expected the read to be sent on our poll, got %d frames", len(tx.frames))
	}
	hexEqual(t, "request", tx.frames[0], withCRC(0x0B, 0x88, 0x18, 0x00, 0x1B))
	if e.State().TxState() != TxAwaitingReply {
		t.Fatalf("expected TxAwaitingReply, got %v", e.State().TxState())
	}

	// our echo does not end the wait
	e.Incoming(tx.frames[0])
	if e.State().TxState() != TxAwaitingReply {
		t.Errorf("echo must not change the Tx state, got %v", e.State().TxState())
	}

	e.Incoming(withCRC(0x08, 0x0B, 0x18, 0x00, 0x01, 0x02, 0x03))
	if e.State().TxState() != TxIdle {
		t.Errorf("expected TxIdle, got %v", e.State().TxState())
	}
	if e.Stats().ReadCount != 1 {
		t.Errorf("expected read count 1, got %d", e.Stats().ReadCount)
	}
	if len(tx.polls) != 1 {
		t.Errorf("the bus should be closed with a poll, got %v", tx.polls)
	}

	last := rec.handled[len(rec.handled)-1]
	if last.TypeID() != 0x18 || last.MessageLength() != 3 {
		t.Errorf("expected reply delivered to the handler, got %v", last)
	}
	if len(rec.watched) != 3 {
		t.Errorf("watch should see broadcast, echo and reply, got %d", len(rec.watched))
	}
}

func TestRead_WrongSenderRetries(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)

	e.Incoming(withCRC(0x10, 0x0B, 0x18, 0x00, 0x01))
	if e.Stats().ReadCount != 0 {
		t.Error("a reply from the wrong device must not count")
	}
	if e.tx.RetryCount() != 1 || len(e.TxQueue()) != 1 {
		t.Fatalf("expected the request back on the queue, retry=%d len=%d", e.tx.RetryCount(), len(e.TxQueue()))
	}
	if !e.TxQueue()[0].Retry {
		t.Error("requeued request should be flagged as retry")
	}

	pollUs(e)
	if len(tx.frames) != 2 {
		t.Errorf("expected the read to be sent again, got %d frames", len(tx.frames))
	}
}

func TestRead_RetryBound(t *testing.T) {
	e, tx, _, rec := newTestEngine(t, nil)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)

	// no answer: the master moves on and polls someone else
	for i := 0; i < DefaultMaxTxRetries+1; i++ {
		e.Incoming([]byte{0x90})
		pollUs(e)
	}

	if len(tx.frames) != DefaultMaxTxRetries+1 {
		t.Errorf("expected %d transmissions, got %d", DefaultMaxTxRetries+1, len(tx.frames))
	}
	if e.Stats().ReadFailCount != 1 {
		t.Errorf("expected read fail count 1, got %d", e.Stats().ReadFailCount)
	}
	if len(e.TxQueue()) != 0 {
		t.Errorf("failed request should be dropped, got %d entries", len(e.TxQueue()))
	}
	if e.tx.RetryCount() != 0 {
		t.Errorf("retry counter should be reset, got %d", e.tx.RetryCount())
	}

	empty := rec.handled[len(rec.handled)-1]
	if empty.Src() != 0x08 || empty.Dest() != DefaultBusID || empty.TypeID() != 0x18 || empty.MessageLength() != 0 {
		t.Errorf("expected empty telegram reporting the failed read, got %v", empty)
	}
}

func TestRead_HigherOffsetFailureNotCounted(t *testing.T) {
	e, _, _, rec := newTestEngine(t, func(c *Config) { c.MaxTxRetries = 0 })
	e.SendReadRequest(0x18, 0x08, 10, 0, false)
	connect(e)
	handled := len(rec.handled)

	e.Incoming([]byte{0x90})
	if e.Stats().ReadFailCount != 0 {
		t.Errorf("failed reads at an offset are not counted, got %d", e.Stats().ReadFailCount)
	}
	if len(rec.handled) != handled {
		t.Error("no empty telegram expected for an offset read")
	}
}

func TestRead_MultiPart(t *testing.T) {
	e, tx, _, rec := newTestEngine(t, nil)
	e.SendReadRequest(0x33, 0x08, 0, 30, false)
	connect(e)
	hexEqual(t, "first request", tx.frames[0], []byte{0x0B, 0x88, 0x33, 0x00, 0x1B, 0x43})

	reply := []byte{0x08, 0x0B, 0x33, 0x00}
	for i := byte(1); i <= 27; i++ {
		reply = append(reply, i)
	}
	e.Incoming(AppendCRC(reply))

	if len(tx.frames) != 2 {
		t.Fatalf("expected the next part in the same turn, got %d frames", len(tx.frames))
	}
	hexEqual(t, "second request", tx.frames[1], []byte{0x0B, 0x88, 0x33, 0x1B, 0x03, 0x6D})
	if len(tx.polls) != 0 {
		t.Errorf("no poll expected between parts, got %v", tx.polls)
	}

	e.Incoming([]byte{0x08, 0x0B, 0x33, 0x1B, 0x1C, 0x1D, 0x1E, 0xDC})
	if len(tx.polls) != 1 {
		t.Errorf("expected the bus closed after the last part, got %v", tx.polls)
	}
	if e.Stats().ReadCount != 2 {
		t.Errorf("expected 2 confirmed reads, got %d", e.Stats().ReadCount)
	}

	var parts []*Telegram
	for _, tel := range rec.handled {
		if tel.TypeID() == 0x33 {
			parts = append(parts, tel)
		}
	}
	if len(parts) != 2 || parts[0].MessageLength() != 27 || parts[1].Offset() != 27 || parts[1].MessageLength() != 3 {
		t.Errorf("expected parts of 27 and 3 bytes, got %v", parts)
	}
}

// ============================================================
// Write Tests
// ============================================================

func TestWrite_Acknowledged(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	if err := e.SendWriteRequest(0x33, 0x08, 5, []byte{0x01}, 0x33); err != nil {
		t.Fatalf("SendWriteRequest failed: %v", err)
	}
	connect(e)
	hexEqual(t, "write", tx.frames[0], withCRC(0x0B, 0x08, 0x33, 0x05, 0x01))
	if e.State().TxState() != TxAwaitingAck {
		t.Fatalf("expected TxAwaitingAck, got %v", e.State().TxState())
	}

	e.Incoming([]byte{TxWriteSuccess})
	if e.Stats().WriteCount != 1 {
		t.Errorf("expected write count 1, got %d", e.Stats().WriteCount)
	}
	if len(tx.polls) != 1 {
		t.Errorf("expected the bus closed with a poll, got %v", tx.polls)
	}

	// the validation read goes out on the next poll
	pollUs(e)
	if len(tx.frames) != 2 {
		t.Fatalf("expected validation read, got %d frames", len(tx.frames))
	}
	hexEqual(t, "validation", tx.frames[1], withCRC(0x0B, 0x88, 0x33, 0x05, 0x01))
}

func TestWrite_Rejected(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	e.SendWriteRequest(0x33, 0x08, 5, []byte{0x01}, 0)
	connect(e)

	e.Incoming([]byte{TxWriteFail})
	s := e.Stats()
	if s.WriteCount != 0 || s.WriteFailCount != 0 {
		t.Errorf("a rejected write is neither success nor failure, got %d/%d", s.WriteCount, s.WriteFailCount)
	}
	if len(e.TxQueue()) != 0 {
		t.Error("a rejected write must not be retried")
	}
}

func TestWrite_UnknownAckNotRetried(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	e.SendWriteRequest(0x33, 0x08, 5, []byte{0x01}, 0x33)
	connect(e)

	e.Incoming([]byte{0x07})
	if len(e.TxQueue()) != 0 || e.tx.RetryCount() != 0 {
		t.Errorf("an unknown ack must not repeat the write, len=%d retry=%d", len(e.TxQueue()), e.tx.RetryCount())
	}
	if len(tx.polls) != 1 || tx.polls[0] != DefaultBusID {
		t.Errorf("expected the bus handed back with a poll, got %v", tx.polls)
	}
	s := e.Stats()
	if s.WriteCount != 0 || s.WriteFailCount != 0 {
		t.Errorf("unexpected write counts %d/%d", s.WriteCount, s.WriteFailCount)
	}

	// no validation read follows
	if e.tx.WaitingValidation() != 0 {
		t.Errorf("validation of 0x%02X still pending", e.tx.WaitingValidation())
	}
	pollUs(e)
	if len(tx.frames) != 1 {
		t.Errorf("expected only the write on the line, got %d frames", len(tx.frames))
	}
}

func TestWrite_ValidateOtherTypeDelayed(t *testing.T) {
	e, tx, clock, _ := newTestEngine(t, nil)
	e.SendWriteRequest(0x33, 0x08, 5, []byte{0x01}, 0x34)
	connect(e)
	e.Incoming([]byte{TxWriteSuccess})

	pollUs(e)
	if len(tx.frames) != 1 {
		t.Fatalf("validation of another type should wait, got %d frames", len(tx.frames))
	}

	clock.Advance(PostSendDelay + time.Millisecond)
	pollUs(e)
	if len(tx.frames) != 2 {
		t.Fatalf("expected the delayed validation read, got %d frames", len(tx.frames))
	}
	hexEqual(t, "validation", tx.frames[1], withCRC(0x0B, 0x88, 0x34, 0x00, 0x1B))
}

func TestWrite_PayloadTooLong(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	if err := e.SendWriteRequest(0x33, 0x08, 0, make([]byte, MaxMessageLength+1), 0); !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("expected ErrPayloadTooLong, got %v", err)
	}
}

func TestWrite_ReadOnly(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, func(c *Config) { c.ReadOnly = true })
	e.SendWriteRequest(0x33, 0x08, 5, []byte{0x01}, 0)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)

	if len(tx.frames) != 0 {
		t.Errorf("writes must not be transmitted in read-only mode, got %d frames", len(tx.frames))
	}
	if e.State().TxState() != TxIdle {
		t.Errorf("expected TxIdle, got %v", e.State().TxState())
	}
	pollUs(e)
	if len(tx.frames) != 1 {
		t.Errorf("reads are still sent in read-only mode, got %d frames", len(tx.frames))
	}
}

// ============================================================
// Raw Telegram Tests
// ============================================================

func TestRaw_ResponseTracking(t *testing.T) {
	e, tx, _, rec := newTestEngine(t, nil)
	if err := e.SendRawTelegram("0B 88 02 00 03"); err != nil {
		t.Fatalf("SendRawTelegram failed: %v", err)
	}
	connect(e)
	hexEqual(t, "raw", tx.frames[0], withCRC(0x0B, 0x88, 0x02, 0x00, 0x03))
	if e.tx.ResponseID() != TypeVersion {
		t.Errorf("expected response id 0x02, got 0x%02X", e.tx.ResponseID())
	}

	e.Incoming(withCRC(0x08, 0x0B, 0x02, 0x00, 0x7B, 0x04, 0x03))
	if len(tx.frames) != 1 || len(tx.polls) != 1 {
		t.Errorf("a short raw read must not continue, frames=%d polls=%d", len(tx.frames), len(tx.polls))
	}
	if e.tx.ResponseID() != 0 {
		t.Errorf("response id should be cleared once answered, got 0x%02X", e.tx.ResponseID())
	}
	if rec.handled[len(rec.handled)-1].TypeID() != TypeVersion {
		t.Error("raw reply should reach the handler")
	}
}

func TestRaw_Impersonation(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	e.SendRawTelegram("10 08 02 00 20")
	connect(e)
	if len(tx.frames) != 0 {
		t.Fatal("our own poll must not send a telegram for another source")
	}

	e.Incoming([]byte{0x90})
	if len(tx.frames) != 1 || tx.frames[0][0] != 0x10 {
		t.Fatalf("expected the telegram sent on the poll for 0x10, got %v", tx.frames)
	}
	if e.State().TxState() != TxIdle {
		t.Errorf("no reply is expected for another source, got %v", e.State().TxState())
	}
}

// ============================================================
// Mode Tests
// ============================================================

func TestListenOnly(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, func(c *Config) { c.ListenOnly = true })
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)

	if len(tx.frames) != 0 || len(tx.polls) != 0 {
		t.Errorf("listen only must not transmit, frames=%d polls=%d", len(tx.frames), len(tx.polls))
	}
	if len(e.TxQueue()) != 0 {
		t.Error("the request should be consumed")
	}
}

func TestTransmitFailure(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	tx.err = errors.New("line busy")
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)

	if e.Stats().ReadFailCount != 0 {
		t.Errorf("a failed transmit should be retried first, read fail count %d", e.Stats().ReadFailCount)
	}
	if len(e.TxQueue()) != 1 || e.tx.RetryCount() != 1 {
		t.Fatalf("expected the read back on the queue, len=%d retry=%d", len(e.TxQueue()), e.tx.RetryCount())
	}
	if e.State().TxState() != TxIdle {
		t.Errorf("expected TxIdle, got %v", e.State().TxState())
	}

	tx.err = nil
	pollUs(e)
	if len(tx.frames) != 1 {
		t.Fatalf("expected the retry on the line, got %d frames", len(tx.frames))
	}
	hexEqual(t, "retry", tx.frames[0], withCRC(0x0B, 0x88, 0x18, 0x00, 0x1B))
}

func TestTransmitFailure_RetryBound(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	tx.err = errors.New("line busy")
	e.SendReadRequest(0x18, 0x08, 0, 0, false)
	connect(e)
	for i := 0; i < e.tx.opts.MaxRetries; i++ {
		pollUs(e)
	}

	if e.Stats().ReadFailCount != 1 {
		t.Errorf("expected read fail count 1, got %d", e.Stats().ReadFailCount)
	}
	if len(e.TxQueue()) != 0 {
		t.Error("the read should be dropped after the last retry")
	}
}

func TestEncodeFailureHandsBackBus(t *testing.T) {
	e, tx, _, _ := newTestEngine(t, nil)
	connect(e)
	e.tx.Add(OpTxWrite, 0x08, 0x01A5, 0, make([]byte, 27), 0, false)

	pollUs(e)
	if len(tx.frames) != 0 {
		t.Errorf("an oversized telegram must not reach the line, got %d frames", len(tx.frames))
	}
	if len(tx.polls) != 2 {
		t.Errorf("expected a poll answer for the dropped telegram, got %v", tx.polls)
	}
	if len(e.TxQueue()) != 0 {
		t.Error("the telegram should be removed from the queue")
	}
}

func TestNotConnectedDoesNotSend(t *testing.T) {
	e, tx, clock, _ := newTestEngine(t, nil)
	connect(e)
	clock.Advance(BusTimeout + time.Second)
	e.SendReadRequest(0x18, 0x08, 0, 0, false)

	e.tx.Send()
	if len(tx.frames) != 0 {
		t.Error("nothing should be sent while disconnected")
	}
}

// ============================================================
// Bus Status Tests
// ============================================================

func TestBusStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		ok        uint32
		failed    uint32
		want      BusStatus
	}{
		{"offline", false, 0, 0, BusOffline},
		{"offline with errors", false, 0, 100, BusOffline},
		{"no attempts", true, 0, 0, BusConnected},
		{"ten percent", true, 90, 10, BusConnected},
		{"eleven percent", true, 89, 11, BusTxErrors},
		{"just over ten percent", true, 899, 101, BusTxErrors},
		{"all failed", true, 0, 1, BusTxErrors},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _, _, _ := newTestEngine(t, nil)
			if tt.connected {
				connect(e)
			}
			e.tx.readCount.Store(tt.ok)
			e.tx.writeFailCount.Store(tt.failed)
			if got := e.BusStatus(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestBusStatus_Timeout(t *testing.T) {
	e, _, clock, _ := newTestEngine(t, nil)
	connect(e)
	clock.Advance(BusTimeout - time.Second)
	if e.BusStatus() != BusConnected {
		t.Fatal("expected connected within the timeout")
	}
	if e.State().BusUptime() != BusTimeout-time.Second {
		t.Errorf("unexpected bus uptime %v", e.State().BusUptime())
	}
	clock.Advance(time.Second)
	if e.BusStatus() != BusOffline {
		t.Error("expected offline once the timeout has elapsed")
	}
}

// ============================================================
// Device Tests
// ============================================================

func TestDeviceIDs(t *testing.T) {
	tel, err := ParseFrame(withCRC(0x08, 0x00, 0x07, 0x00, 0x0B, 0x80, 0x00, 0x00))
	if err != nil {
		t.Fatalf("ParseFrame failed: %v", err)
	}
	got := DeviceIDs(tel)
	want := []uint8{0x08, 0x09, 0x0B, 0x17}
	hexEqual(t, "device ids", got, want)

	if DeviceIDs(NewTelegram(OpRx, 0x08, 0x00, 0x18, 0, []byte{0xFF})) != nil {
		t.Error("other types carry no device bitmap")
	}
}

// ============================================================
// Run Loop Tests
// ============================================================

type sliceSource struct {
	units [][]byte
	ready chan struct{}
}

func (s *sliceSource) Ready() <-chan struct{} {
	return s.ready
}

func (s *sliceSource) Next(dst []byte) (int, bool) {
	if len(s.units) == 0 {
		return 0, false
	}
	n := copy(dst, s.units[0])
	s.units = s.units[1:]
	return n, true
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	e, tx, _, rec := newTestEngine(t, nil)
	src := &sliceSource{
		units: [][]byte{withCRC(0x08, 0x00, 0x07, 0x00, 0x0B, 0x80), {DefaultBusID | 0x80}},
		ready: make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, src) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	if len(rec.handled) != 1 || len(tx.polls) != 1 {
		t.Errorf("queued units should be processed before waiting, handled=%d polls=%d", len(rec.handled), len(tx.polls))
	}
}
