// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Transmitter puts bytes on the bus. It reports success or failure only and
// never retries; retries belong to the TxQueue.
type Transmitter interface {
	Transmit(frame []byte) error
	SendPoll(id uint8) error
	LastTxSrc() uint8
}

// TxEntry is one queued outgoing request
type TxEntry struct {
	ID         uint16
	Telegram   *Telegram
	Retry      bool
	ValidateID uint16

	priority bool
}

// placement selects where insert puts a new entry
type placement uint8

const (
	placeBack  placement = iota
	placeFront           // after the priority entries already queued
	placeHead            // before everything: retries and follow-ups of the current exchange
)

func frontPlacement(front bool) placement {
	if front {
		return placeFront
	}
	return placeBack
}

// TxOptions tunes a TxQueue
type TxOptions struct {
	Capacity   int  // zero selects DefaultTxQueueSize
	MaxRetries int  // negative selects DefaultMaxTxRetries
	ReadOnly   bool // log writes instead of sending them
	ListenOnly bool // never transmit, not even polls
}

// TxQueue holds outgoing requests and runs our side of the bus exchange:
// sending on our poll, matching the reply, retrying and following up.
type TxQueue struct {
	state *BusState
	tx    Transmitter
	rx    *RxQueue
	log   zerolog.Logger
	opts  TxOptions

	mu            sync.Mutex
	entries       []TxEntry
	nextID        uint16
	last          *Telegram
	retryCount    int
	postSendQuery uint16
	waitValidate  uint16
	delayedUntil  time.Duration
	foreignPolls  int

	// raw request tracking
	responseID uint16
	readID     uint16
	readNext   bool

	readCount      atomic.Uint32
	writeCount     atomic.Uint32
	readFailCount  atomic.Uint32
	writeFailCount atomic.Uint32
}

// NewTxQueue creates a queue sending through tx. Failed reads are reported
// to rx as empty telegrams.
func NewTxQueue(state *BusState, tx Transmitter, rx *RxQueue, opts TxOptions, log zerolog.Logger) *TxQueue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultTxQueueSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxTxRetries
	}
	return &TxQueue{
		state:   state,
		tx:      tx,
		rx:      rx,
		log:     log,
		opts:    opts,
		entries: make([]TxEntry, 0, opts.Capacity),
	}
}

// Add queues a request from our bus id
func (q *TxQueue) Add(op Operation, dest uint8, typeID uint16, offset uint8, data []byte, validateID uint16, front bool) {
	t := NewTelegram(op, q.state.BusID(), dest, typeID, offset, data)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.log.Debug().Uint16("id", q.nextID).Int("length", t.MessageLength()).Msg("new Tx telegram")
	q.insert(t, false, validateID, frontPlacement(front))
}

// insert adds an entry, evicting the head when full. Caller holds mu.
func (q *TxQueue) insert(t *Telegram, retry bool, validateID uint16, at placement) {
	if len(q.entries) >= q.opts.Capacity {
		q.log.Warn().Msg("Tx queue overflow, skip one message")
		if q.entries[0].Telegram.Operation() == OpTxWrite {
			q.writeFailCount.Add(1)
		} else {
			q.readFailCount.Add(1)
		}
		q.entries = append(q.entries[:0], q.entries[1:]...)
	}

	e := TxEntry{ID: q.nextID, Telegram: t, Retry: retry, ValidateID: validateID, priority: at != placeBack}
	q.nextID++
	switch at {
	case placeBack:
		q.entries = append(q.entries, e)
	default:
		i := 0
		if at == placeFront {
			for i < len(q.entries) && q.entries[i].priority {
				i++
			}
		}
		q.entries = append(q.entries, TxEntry{})
		copy(q.entries[i+1:], q.entries[i:])
		q.entries[i] = e
	}
	if validateID != 0 {
		q.waitValidate = validateID
	}
}

// AddFrame queues a request built from frame bytes without CRC. With OpTxRaw
// the frame may carry a foreign source, and the operation is rewritten:
// telegrams impersonating another device or sent to broadcast expect no
// reply, addressed writes are validated against their own type id.
func (q *TxQueue) AddFrame(op Operation, frame []byte, validateID uint16, front bool) error {
	if len(frame) < MinFrameLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	if len(frame) >= MaxTelegramLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLong, len(frame))
	}

	busID := q.state.BusID()
	src := busID
	if op == OpTxRaw && frame[0] != 0 {
		src = frame[0]
	}
	dest := frame[1]
	offset := frame[3]

	typeID, data, err := splitBody(frame)
	if err != nil {
		return err
	}
	if typeID == 0 {
		return ErrNoTypeID
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: no data block", ErrFrameTooShort)
	}

	if op == OpTxRaw {
		switch {
		case src != busID || dest == BroadcastID:
			op = OpNone
		case dest&readFlag != 0:
			// stays raw, the reply is tracked on send
		default:
			op = OpTxWrite
			validateID = typeID
		}
	}

	t := NewTelegram(op, src, dest, typeID, offset, data)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.log.Debug().Uint16("id", q.nextID).Int("length", t.MessageLength()).Msg("new Tx telegram")
	q.insert(t, false, validateID, frontPlacement(front && (op != OpTxRaw || q.responseID == 0)))
	return nil
}

// ReadRequest queues a read of length bytes; 0 asks for the whole type
func (q *TxQueue) ReadRequest(typeID uint16, dest, offset, length uint8, front bool) {
	q.log.Debug().Str("dest", hexByte(dest)).Uint16("type", typeID).Msg("Tx read request")
	n := byte(readAll)
	if length > 0 {
		n = length
	}
	q.Add(OpTxRead, dest, typeID, offset, []byte{n}, 0, front)
}

// SendRaw queues a telegram given as hex text at the front of the queue
func (q *TxQueue) SendRaw(hex string) error {
	frame, err := ParseHex(hex)
	if err != nil {
		return err
	}
	if len(frame) < 4 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(frame))
	}
	return q.AddFrame(OpTxRaw, frame, 0, true)
}

// SendPoll answers the master with our own id, closing our turn
func (q *TxQueue) SendPoll() {
	if q.opts.ListenOnly {
		return
	}
	id := q.state.BusID()
	if mask := q.state.Mask(); mask != MaskUnset {
		id ^= mask
	}
	if err := q.tx.SendPoll(id); err != nil {
		q.log.Warn().Err(err).Msg("failed to send poll")
	}
}

// SendID returns the id whose poll grants the head of the queue its turn.
// A raw telegram may impersonate another device; if that device is not
// polled within a bounded number of polls the telegram is discarded.
func (q *TxQueue) SendID() uint8 {
	busID := q.state.BusID()

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 || q.entries[0].Telegram.Src() == busID {
		q.foreignPolls = 0
		return busID
	}
	q.foreignPolls++
	if q.foreignPolls > foreignSendPollLimit {
		q.log.Debug().Str("src", hexByte(q.entries[0].Telegram.Src())).Msg("no poll for source, dropping telegram")
		q.entries = append(q.entries[:0], q.entries[1:]...)
		q.foreignPolls = 0
		if len(q.entries) == 0 {
			return busID
		}
	}
	return q.entries[0].Telegram.Src()
}

// Send transmits the head of the queue. It runs when the master polls us.
func (q *TxQueue) Send() {
	if !q.state.Connected() {
		return
	}

	q.mu.Lock()
	if len(q.entries) == 0 || q.delayedUntil > 0 && q.state.Uptime() < q.delayedUntil {
		q.mu.Unlock()
		q.SendPoll()
		return
	}
	q.delayedUntil = 0

	head := q.entries[0]
	q.entries = append(q.entries[:0], q.entries[1:]...)
	if q.opts.ListenOnly {
		q.mu.Unlock()
		return
	}

	t := head.Telegram
	frame, err := t.Frame(q.state.Mask())
	if err != nil {
		q.mu.Unlock()
		q.log.Error().Err(err).Str("telegram", t.String()).Msg("cannot encode Tx telegram")
		q.SendPoll()
		return
	}
	q.last = t

	if q.opts.ReadOnly && t.Operation() == OpTxWrite {
		q.mu.Unlock()
		q.log.Info().Str("telegram", HexString(frame[:len(frame)-1])).Msg("[readonly] sending write Tx telegram")
		q.state.SetTxState(TxIdle)
		return
	}

	q.postSendQuery = head.ValidateID
	if t.Operation() == OpTxRaw && q.responseID == 0 {
		limit := maxReadLength
		if t.IsExtended() {
			limit = maxReadLengthPlus
		}
		q.responseID = t.TypeID()
		if msg := t.data; len(msg) > 0 && int(msg[0]) >= limit {
			q.readID = t.TypeID()
		}
	}
	q.mu.Unlock()

	kind := "write"
	if t.Operation() == OpTxRead {
		kind = "read"
	}
	q.log.Debug().Uint16("id", head.ID).Str("telegram", HexString(frame[:len(frame)-1])).Msgf("sending %s Tx", kind)

	q.state.SetTxState(TxSending)
	if err := q.tx.Transmit(frame); err != nil {
		q.log.Error().Err(err).Msg("failed to transmit Tx")
		q.state.SetTxState(TxIdle)
		st := TxAwaitingAck
		if t.Operation() == OpTxRead || t.Operation() == OpTxRaw {
			st = TxAwaitingReply
		}
		q.RetryTx(st, nil)
		return
	}

	switch t.Operation() {
	case OpTxRead, OpTxRaw:
		q.state.SetTxState(TxAwaitingReply)
	case OpTxWrite:
		q.state.SetTxState(TxAwaitingAck)
	default:
		q.state.SetTxState(TxIdle)
	}
}

// IsLastTx reports whether a frame from src to dest answers our last request
func (q *TxQueue) IsLastTx(src, dest uint8) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.last == nil {
		return false
	}
	return q.last.Dest()&addressMask == src&addressMask && dest&addressMask == q.state.BusID()
}

// RetryTx puts the last request back at the front of the queue after a
// missing or wrong reply. Once the retry bound is exceeded the request is
// abandoned and counted as failed; a failed read is reported as an empty
// Rx telegram.
func (q *TxQueue) RetryTx(st TxState, frame []byte) {
	q.mu.Lock()
	last := q.last
	if last == nil {
		q.mu.Unlock()
		return
	}

	kind := "Read"
	if st == TxAwaitingAck {
		kind = "Write"
	}

	q.retryCount++
	if q.retryCount > q.opts.MaxRetries {
		q.retryCount = 0
		q.waitValidate = 0
		if st != TxAwaitingAck {
			if last.Offset() > 0 {
				// later parts of a multi-part read are optional
				q.responseID, q.readID = 0, 0
				q.mu.Unlock()
				q.log.Debug().Int("retries", q.opts.MaxRetries).Str("telegram", last.String()).Msg("last Tx read failed, ignoring request")
				return
			}
			q.readFailCount.Add(1)
		} else {
			q.writeFailCount.Add(1)
		}
		q.mu.Unlock()

		q.log.Error().Int("retries", q.opts.MaxRetries).Str("telegram", last.String()).Msgf("last Tx %s operation failed, ignoring request", kind)
		if st != TxAwaitingAck && q.rx != nil {
			q.rx.AddEmpty(last.Dest()&addressMask, last.Src(), last.TypeID(), last.Offset())
		}
		return
	}

	q.log.Debug().
		Int("retry", q.retryCount).
		Str("sent", last.String()).
		Str("received", HexString(frame)).
		Msgf("last Tx %s operation failed", kind)

	if len(q.entries) >= q.opts.Capacity {
		q.retryCount = 0
		q.waitValidate = 0
		q.mu.Unlock()
		q.log.Warn().Msg("Tx queue overflow, skip retry")
		return
	}
	q.insert(last, true, q.postSendQuery, placeHead)
	q.mu.Unlock()
}

// ResetRetryCount clears the retry counter after a confirmed exchange
func (q *TxQueue) ResetRetryCount() {
	q.mu.Lock()
	q.retryCount = 0
	q.mu.Unlock()
}

// RetryCount returns the retries spent on the current request
func (q *TxQueue) RetryCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retryCount
}

// ReadNextTx queues the next part of a read whose reply, starting at offset
// and frameLength bytes long including CRC, did not carry everything that
// was asked for. It returns the type id of the queued read, or 0 when the
// read is complete.
func (q *TxQueue) ReadNextTx(offset uint8, frameLength int) uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readNextTx(offset, frameLength)
}

func (q *TxQueue) readNextTx(offset uint8, frameLength int) uint16 {
	last := q.last
	if last == nil || len(last.data) == 0 {
		return 0
	}

	header, maxLength := 5, MaxMessageLength
	if last.IsExtended() {
		header, maxLength = 7, MaxMessageLength-2
	}
	requested := last.data[0]
	// byte arithmetic wraps like the bus counters do
	oldLength := uint8(frameLength - header)
	var nextLength uint8
	if requested > oldLength {
		nextLength = requested - oldLength - offset + last.Offset()
	}
	nextOffset := offset + oldLength

	// some devices answer with fewer bytes but a higher offset, others
	// answer past the request with unset values in between
	if int(offset)+int(oldLength) >= int(last.Offset())+int(requested) {
		return 0
	}
	// asked for everything and got a short telegram at the requested offset
	if int(nextLength)+int(nextOffset) == readAll && int(oldLength) < maxLength-1 && offset <= last.Offset() {
		return 0
	}
	if offset >= last.Offset() && oldLength > 0 && nextLength > 0 {
		t := NewTelegram(OpTxRead, q.state.BusID(), last.Dest()&addressMask, last.TypeID(), nextOffset, []byte{nextLength})
		q.insert(t, false, 0, placeHead)
		return last.TypeID()
	}
	return 0
}

// ContinueRead decides after a matched read reply whether another part
// must be fetched. Raw reads continue only when they asked for a full
// length telegram.
func (q *TxQueue) ContinueRead(offset uint8, frameLength int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readNext = (q.responseID == 0 || q.readID > 0) && q.readNextTx(offset, frameLength) > 0
	return q.readNext
}

// PostSendQuery queues the validation read after a confirmed write and
// returns its type id, or 0 if the write needs no validation. Validating
// a different type id is delayed to give the device time to apply the write.
func (q *TxQueue) PostSendQuery() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	post := q.postSendQuery
	if post == 0 || q.last == nil {
		return 0
	}
	last := q.last
	dest := last.Dest() & addressMask

	length, offset := byte(readAll), uint8(0)
	if last.TypeID() == post {
		length, offset = byte(last.MessageLength()), last.Offset()
	}
	q.insert(NewTelegram(OpTxRead, q.state.BusID(), dest, post, offset, []byte{length}), false, 0, placeHead)
	q.log.Debug().Uint16("type", post).Str("dest", hexByte(dest)).Msg("sending post validate read")
	q.postSendQuery = 0

	if last.TypeID() == post {
		q.delayedUntil = 0
	} else {
		q.delayedUntil = q.state.Uptime() + PostSendDelay
	}
	return post
}

// Observe updates request tracking for a telegram handed to the application
func (q *TxQueue) Observe(t *Telegram) {
	busID := q.state.BusID()

	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Dest() == busID && t.TypeID() != 0 && (t.TypeID() == q.readID || t.TypeID() == q.responseID) {
		if !q.readNext {
			if t.TypeID() == q.responseID {
				q.responseID = 0
			}
			q.readID = 0
		}
		q.readNext = false
	}
	if q.waitValidate != 0 && q.waitValidate == t.TypeID() {
		q.waitValidate = 0
	}
}

// DropValidation forgets the validation of a write that was never confirmed
func (q *TxQueue) DropValidation() {
	q.mu.Lock()
	q.waitValidate = 0
	q.postSendQuery = 0
	q.mu.Unlock()
}

// WaitingValidation returns the type id whose validation read is pending
func (q *TxQueue) WaitingValidation() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitValidate
}

// ResponseID returns the type id of an outstanding raw request
func (q *TxQueue) ResponseID() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.responseID
}

// ReadOnly reports whether writes are simulated
func (q *TxQueue) ReadOnly() bool {
	return q.opts.ReadOnly
}

// Snapshot returns a copy of the queued entries
func (q *TxQueue) Snapshot() []TxEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]TxEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len returns the number of queued requests
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Last returns the last request sent, or nil
func (q *TxQueue) Last() *Telegram {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last
}

// IncrementReadCount counts a confirmed read
func (q *TxQueue) IncrementReadCount() {
	q.readCount.Add(1)
}

// IncrementWriteCount counts a confirmed write
func (q *TxQueue) IncrementWriteCount() {
	q.writeCount.Add(1)
}

// ReadCount returns the number of confirmed reads
func (q *TxQueue) ReadCount() uint32 {
	return q.readCount.Load()
}

// WriteCount returns the number of confirmed writes
func (q *TxQueue) WriteCount() uint32 {
	return q.writeCount.Load()
}

// ReadFailCount returns the number of abandoned reads
func (q *TxQueue) ReadFailCount() uint32 {
	return q.readFailCount.Load()
}

// WriteFailCount returns the number of abandoned writes
func (q *TxQueue) WriteFailCount() uint32 {
	return q.writeFailCount.Load()
}

// ResetCounters clears all Tx counters
func (q *TxQueue) ResetCounters() {
	q.readCount.Store(0)
	q.writeCount.Store(0)
	q.readFailCount.Store(0)
	q.writeFailCount.Store(0)
}

// ReadQuality returns the share of successful reads in percent
func (q *TxQueue) ReadQuality() uint8 {
	return quality(q.readCount.Load(), q.readFailCount.Load())
}

// WriteQuality returns the share of successful writes in percent
func (q *TxQueue) WriteQuality() uint8 {
	return quality(q.writeCount.Load(), q.writeFailCount.Load())
}

func quality(ok, failed uint32) uint8 {
	if failed == 0 {
		return 100
	}
	return uint8(100 - uint64(failed)*100/(uint64(failed)+uint64(ok)))
}
