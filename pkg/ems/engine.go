// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the engine settings
type Config struct {
	BusID        uint8
	ListenOnly   bool // tx mode 0
	ReadOnly     bool
	MaxTxRetries int
	RxQueueSize  int
	TxQueueSize  int
}

// DefaultConfig returns the settings of a service key gateway
func DefaultConfig() Config {
	return Config{
		BusID:        DefaultBusID,
		MaxTxRetries: DefaultMaxTxRetries,
		RxQueueSize:  DefaultRxQueueSize,
		TxQueueSize:  DefaultTxQueueSize,
	}
}

// Handler receives telegrams addressed to us or broadcast. It returns false
// if it did not recognise the telegram.
type Handler func(t *Telegram) bool

// WatchFunc receives every telegram the engine decodes
type WatchFunc func(t *Telegram)

// UnitFunc receives every unit off the bus before dispatch. The slice is
// only valid during the call.
type UnitFunc func(unit []byte)

// FrameSource is the consumer side of the frame driver
type FrameSource interface {
	Ready() <-chan struct{}
	Next(dst []byte) (int, bool)
}

// Option configures an Engine
type Option func(*Engine)

// WithHandler sets the application handler
func WithHandler(h Handler) Option {
	return func(e *Engine) { e.handler = h }
}

// WithWatch adds a tap receiving every decoded telegram
func WithWatch(w WatchFunc) Option {
	return func(e *Engine) { e.watches = append(e.watches, w) }
}

// WithUnitTap adds a tap receiving every raw unit
func WithUnitTap(u UnitFunc) Option {
	return func(e *Engine) { e.units = append(e.units, u) }
}

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces the uptime clock
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// Engine owns the bus state, both queues and the dispatcher of one bus
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	clock Clock

	handler Handler
	watches []WatchFunc
	units   []UnitFunc

	state      *BusState
	rx         *RxQueue
	tx         *TxQueue
	dispatcher *Dispatcher
}

// Stats is a point-in-time copy of the engine counters
type Stats struct {
	BusStatus      BusStatus
	BusID          uint8
	Mask           uint8
	TxState        TxState
	BusUptime      time.Duration
	TelegramCount  uint32
	ErrorCount     uint32
	RxQuality      uint8
	ReadCount      uint32
	WriteCount     uint32
	ReadFailCount  uint32
	WriteFailCount uint32
	ReadQuality    uint8
	WriteQuality   uint8
	RxQueueLen     int
	TxQueueLen     int
}

// New creates an engine transmitting through tx
func New(cfg Config, tx Transmitter, opts ...Option) (*Engine, error) {
	if err := ValidateBusID(cfg.BusID); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		log:   zerolog.Nop(),
		clock: SystemClock,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.state = NewBusState(cfg.BusID, e.clock)
	e.rx = NewRxQueue(e.state, tx, cfg.RxQueueSize, e.log)
	e.tx = NewTxQueue(e.state, tx, e.rx, TxOptions{
		Capacity:   cfg.TxQueueSize,
		MaxRetries: cfg.MaxTxRetries,
		ReadOnly:   cfg.ReadOnly,
		ListenOnly: cfg.ListenOnly,
	}, e.log)
	e.dispatcher = NewDispatcher(e.state, e.rx, e.tx, e.log)
	return e, nil
}

// Start resets the counters and asks the boiler for the devices on the bus
func (e *Engine) Start() {
	e.rx.ResetCounters()
	e.tx.ResetCounters()
	e.tx.ReadRequest(TypeUBADevices, BoilerID, 0, 0, false)
}

// Run consumes units from src until ctx is done
func (e *Engine) Run(ctx context.Context, src FrameSource) error {
	buf := make([]byte, MaxTelegramLength+1)
	for {
		for {
			n, ok := src.Next(buf)
			if !ok {
				break
			}
			e.Incoming(buf[:n])
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Ready():
		}
	}
}

// Incoming dispatches one unit and delivers the telegrams it produced.
// It must be called from a single goroutine.
func (e *Engine) Incoming(unit []byte) {
	for _, u := range e.units {
		u(unit)
	}
	e.dispatcher.Incoming(unit)
	e.rx.Drain(e.deliver)
}

func (e *Engine) deliver(entry RxEntry) {
	t := entry.Telegram
	e.tx.Observe(t)
	for _, w := range e.watches {
		w(t)
	}
	if t.Dest() != BroadcastID && t.Dest() != e.state.BusID() {
		return
	}
	if e.handler == nil || !e.handler(t) {
		e.log.Debug().
			Str("src", hexByte(t.Src())).
			Uint16("type", t.TypeID()).
			Str("data", t.MessageString()).
			Msg("no handler")
	}
}

// SendReadRequest queues a read of length bytes, 0 meaning everything
func (e *Engine) SendReadRequest(typeID uint16, dest, offset, length uint8, front bool) {
	e.tx.ReadRequest(typeID, dest, offset, length, front)
}

// SendWriteRequest queues a write at the front of the queue. A non-zero
// validateID is read back after the device confirmed the write.
func (e *Engine) SendWriteRequest(typeID uint16, dest, offset uint8, data []byte, validateID uint16) error {
	if len(data) > MaxMessageLength {
		return ErrPayloadTooLong
	}
	e.tx.Add(OpTxWrite, dest, typeID, offset, data, validateID, true)
	return nil
}

// SendRawTelegram queues a telegram given as hex text
func (e *Engine) SendRawTelegram(hex string) error {
	return e.tx.SendRaw(hex)
}

// BusStatus summarises link health
func (e *Engine) BusStatus() BusStatus {
	if !e.state.Connected() {
		return BusOffline
	}
	ok := uint64(e.tx.ReadCount()) + uint64(e.tx.WriteCount())
	failed := uint64(e.tx.ReadFailCount()) + uint64(e.tx.WriteFailCount())
	attempts := ok + failed
	if attempts == 0 {
		return BusConnected
	}
	if failed*100 > attempts*TxErrorLimit {
		return BusTxErrors
	}
	return BusConnected
}

// Stats returns a copy of all counters
func (e *Engine) Stats() Stats {
	return Stats{
		BusStatus:      e.BusStatus(),
		BusID:          e.state.BusID(),
		Mask:           e.state.Mask(),
		TxState:        e.state.TxState(),
		BusUptime:      e.state.BusUptime(),
		TelegramCount:  e.rx.TelegramCount(),
		ErrorCount:     e.rx.ErrorCount(),
		RxQuality:      e.rx.Quality(),
		ReadCount:      e.tx.ReadCount(),
		WriteCount:     e.tx.WriteCount(),
		ReadFailCount:  e.tx.ReadFailCount(),
		WriteFailCount: e.tx.WriteFailCount(),
		ReadQuality:    e.tx.ReadQuality(),
		WriteQuality:   e.tx.WriteQuality(),
		RxQueueLen:     e.rx.Len(),
		TxQueueLen:     e.tx.Len(),
	}
}

// RxQueue returns a copy of the receive queue
func (e *Engine) RxQueue() []RxEntry {
	return e.rx.Snapshot()
}

// TxQueue returns a copy of the transmit queue
func (e *Engine) TxQueue() []TxEntry {
	return e.tx.Snapshot()
}

// State returns the shared bus state
func (e *Engine) State() *BusState {
	return e.state
}

// Config returns the settings the engine was created with
func (e *Engine) Config() Config {
	return e.cfg
}

// DeviceIDs decodes a UBADevices telegram into the ids of the devices the
// boiler has seen on the bus
func DeviceIDs(t *Telegram) []uint8 {
	if t == nil || t.TypeID() != TypeUBADevices || t.MessageLength() > maxDeviceBitmap {
		return nil
	}
	var ids []uint8
	for i, b := range t.data {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				ids = append(ids, uint8((int(t.offset)+i+1)*8+bit))
			}
		}
	}
	return ids
}

// String returns the status name
func (s BusStatus) String() string {
	switch s {
	case BusConnected:
		return "connected"
	case BusTxErrors:
		return "tx issues"
	case BusOffline:
		return "disconnected"
	default:
		return "unknown"
	}
}

// String returns the state name
func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxSending:
		return "sending"
	case TxAwaitingReply:
		return "awaiting reply"
	case TxAwaitingAck:
		return "awaiting ack"
	default:
		return "unknown"
	}
}

// String returns the operation name as shown in logs
func (o Operation) String() string {
	switch o {
	case OpNone:
		return "NONE"
	case OpRx:
		return "RX"
	case OpRxRead:
		return "RX_READ"
	case OpTxRaw:
		return "TX_RAW"
	case OpTxRead:
		return "TX_READ"
	case OpTxWrite:
		return "TX_WRITE"
	default:
		return "UNKNOWN"
	}
}
