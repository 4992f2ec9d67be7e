// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package ems

import (
	"fmt"
	"strconv"
	"strings"
)

// Telegram is one decoded or to-be-encoded EMS frame.
// It is immutable after construction and safe to share between goroutines.
type Telegram struct {
	operation Operation
	src       uint8
	dest      uint8
	typeID    uint16
	offset    uint8
	data      []byte
}

// NewTelegram creates a telegram. The data block is copied and bounded to
// MaxMessageLength bytes.
func NewTelegram(op Operation, src, dest uint8, typeID uint16, offset uint8, data []byte) *Telegram {
	n := len(data)
	if n > MaxMessageLength {
		n = MaxMessageLength
	}
	t := &Telegram{
		operation: op,
		src:       src,
		dest:      dest,
		typeID:    typeID,
		offset:    offset,
		data:      make([]byte, n),
	}
	copy(t.data, data[:n])
	return t
}

// Operation returns how the telegram entered or leaves the engine
func (t *Telegram) Operation() Operation {
	return t.operation
}

// Src returns the source device id
func (t *Telegram) Src() uint8 {
	return t.src
}

// Dest returns the destination device id
func (t *Telegram) Dest() uint8 {
	return t.dest
}

// TypeID returns the telegram type. EMS+ type ids are above 0xFF.
func (t *Telegram) TypeID() uint16 {
	return t.typeID
}

// Offset returns the byte offset of the data block within the type
func (t *Telegram) Offset() uint8 {
	return t.offset
}

// Message returns a copy of the data block
func (t *Telegram) Message() []byte {
	out := make([]byte, len(t.data))
	copy(out, t.data)
	return out
}

// MessageLength returns the number of data bytes
func (t *Telegram) MessageLength() int {
	return len(t.data)
}

// IsExtended reports whether the type id needs the EMS+ header
func (t *Telegram) IsExtended() bool {
	return t.typeID > 0xFF
}

// ReadValue reads size bytes big-endian starting at the absolute position
// index. It returns false when the range is not covered by this telegram.
func (t *Telegram) ReadValue(index uint8, size int) (uint32, bool) {
	if size < 1 || size > 4 || index < t.offset {
		return 0, false
	}
	start := int(index - t.offset)
	if start+size > len(t.data) {
		return 0, false
	}
	var v uint32
	for i := 0; i < size; i++ {
		v = v<<8 | uint32(t.data[start+i])
	}
	return v, true
}

// ReadBit reads one bit of the byte at the absolute position index
func (t *Telegram) ReadBit(index uint8, bit uint8) (bool, bool) {
	v, ok := t.ReadValue(index, 1)
	if !ok || bit > 7 {
		return false, false
	}
	return (v>>bit)&0x01 == 1, true
}

// ParseFrame decodes a received frame, including its trailing CRC byte.
// A frame that fails validation never yields a telegram.
func ParseFrame(frame []byte) (*Telegram, error) {
	n := len(frame)
	if n < MinFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, n)
	}
	if n > MaxTelegramLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLong, n, MaxTelegramLength)
	}
	if frame[0]&addressMask == 0 {
		return nil, ErrInvalidSource
	}
	if crc := CalculateCRC(frame[:n-1]); crc != frame[n-1] {
		return nil, &CRCError{Expected: crc, Actual: frame[n-1]}
	}

	body := frame[:n-1]
	typeID, data, err := splitBody(body)
	if err != nil {
		return nil, err
	}

	op := OpRx
	if body[1]&readFlag != 0 {
		op = OpRxRead
	}
	return NewTelegram(op, body[0]&addressMask, body[1]&addressMask, typeID, body[3], data), nil
}

// splitBody locates the type id and data block of a frame without its CRC.
// EMS 1.0 devices answer EMS+ inquiries with a short 0xFF telegram, so a
// body too short for the extended header is read as EMS 1.0.
func splitBody(body []byte) (uint16, []byte, error) {
	if len(body) < MinFrameLength-1 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(body))
	}
	if body[2] != extendedType || len(body) < 6 {
		return uint16(body[2]), body[4:], nil
	}
	if body[1]&readFlag != 0 {
		// read request: offset, length, type high, type low
		if len(body) < 7 {
			return 0, nil, fmt.Errorf("%w: EMS+ read request of %d bytes", ErrFrameTooShort, len(body))
		}
		return uint16(body[5])<<8 + uint16(body[6]) + extendedShift, body[4:5], nil
	}
	return uint16(body[4])<<8 + uint16(body[5]) + extendedShift, body[6:], nil
}

// Frame encodes the telegram for transmission and appends the CRC.
// mask is the detected bus dialect; it is applied to the source address
// unless it is still MaskUnset.
func (t *Telegram) Frame(mask uint8) ([]byte, error) {
	raw, err := t.header(mask)
	if err != nil {
		return nil, err
	}
	if len(raw)+1 > MaxTelegramLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLong, len(raw)+1, MaxTelegramLength)
	}
	return AppendCRC(raw), nil
}

// header builds the frame bytes without the CRC
func (t *Telegram) header(mask uint8) ([]byte, error) {
	raw := make([]byte, 0, MaxTelegramLength)

	src := t.src
	if mask != MaskUnset {
		src ^= mask
	}
	dest := t.dest
	if t.operation == OpTxRead {
		dest |= readFlag
	}

	isRead := t.operation == OpTxRead || t.operation == OpTxRaw && t.dest&readFlag != 0
	if t.IsExtended() {
		raw = append(raw, src, dest, extendedType, t.offset)
		hi, lo := byte(t.typeID>>8)-1, byte(t.typeID)
		if isRead {
			// EMS+ read: requested length, then the type id
			return append(raw, t.readLength(maxReadLengthPlus), hi, lo), nil
		}
		raw = append(raw, hi, lo)
	} else {
		raw = append(raw, src, dest, byte(t.typeID), t.offset)
		if t.operation == OpTxRead {
			return append(raw, t.readLength(maxReadLength)), nil
		}
	}

	if len(t.data) > MaxMessageLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLong, len(t.data), MaxMessageLength)
	}
	return append(raw, t.data...), nil
}

// readLength returns the requested length of a read, clamped to limit
func (t *Telegram) readLength(limit uint8) byte {
	length := byte(readAll)
	if len(t.data) > 0 {
		length = t.data[0]
	}
	if length > limit {
		return limit
	}
	return length
}

// String returns the telegram as hex bytes in wire order, without CRC and
// without a dialect mask applied
func (t *Telegram) String() string {
	raw, err := t.header(MaskUnset)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return HexString(raw)
}

// MessageString returns the data block in hex
func (t *Telegram) MessageString() string {
	if len(t.data) == 0 {
		return emptyMessageString
	}
	return HexString(t.data)
}

// HexString formats bytes as space-separated upper-case hex
func HexString(data []byte) string {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

// ParseHex parses a telegram written as hex values separated by spaces or
// commas, e.g. "0B 08 35 00 11"
func ParseHex(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidHex)
	}
	if len(fields) >= MaxTelegramLength {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLong, len(fields), MaxTelegramLength-1)
	}
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHex, f)
		}
		out = append(out, byte(v))
	}
	return out, nil
}

func hexByte(b uint8) string {
	return fmt.Sprintf("0x%02X", b)
}
