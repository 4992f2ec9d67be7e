// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2026 Kaz Walker, Thermoquad

package capture

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"
)

var versionRequest = []byte{0x0B, 0x88, 0x07, 0x00, 0x20, 0xA8}

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	w, err := NewWriter(&buf, Header{Started: started, BusID: 0x0B, TxMode: 1, Source: "/dev/ttyUSB0"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	records := []Record{
		{Time: started.Add(time.Millisecond), Dir: DirectionRx, Unit: []byte{0x8B}},
		{Time: started.Add(2 * time.Millisecond), Dir: DirectionTx, Unit: versionRequest},
	}
	for _, rec := range records {
		if err := w.Write(rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if w.Count() != 2 {
		t.Errorf("Count = %d, want 2", w.Count())
	}

	r, err := NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	hdr := r.Header()
	if hdr.Format != FormatName || hdr.Version != FormatVersion {
		t.Errorf("header = %+v", hdr)
	}
	if !hdr.Started.Equal(started) || hdr.BusID != 0x0B || hdr.TxMode != 1 || hdr.Source != "/dev/ttyUSB0" {
		t.Errorf("header = %+v", hdr)
	}

	for i, want := range records {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("Next %d: %v", i, err)
		}
		if !got.Time.Equal(want.Time) || got.Dir != want.Dir || !bytes.Equal(got.Unit, want.Unit) {
			t.Errorf("record %d = %+v, want %+v", i, got, want)
		}
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next at end = %v, want io.EOF", err)
	}
}

func TestReaderRejects(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		if _, err := NewReader(bytes.NewReader(nil)); !errors.Is(err, ErrFormat) {
			t.Errorf("err = %v, want ErrFormat", err)
		}
	})

	t.Run("foreign", func(t *testing.T) {
		var buf bytes.Buffer
		NewEncoder(&buf).Encode(Header{Format: "other", Version: 1})
		if _, err := NewReader(&buf); !errors.Is(err, ErrFormat) {
			t.Errorf("err = %v, want ErrFormat", err)
		}
	})

	t.Run("version", func(t *testing.T) {
		var buf bytes.Buffer
		NewEncoder(&buf).Encode(Header{Format: FormatName, Version: 9})
		if _, err := NewReader(&buf); !errors.Is(err, ErrVersion) {
			t.Errorf("err = %v, want ErrVersion", err)
		}
	})
}

func TestCreateOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.cbor")

	w, err := Create(path, Header{BusID: 0x0B})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	w.Tap([]byte{0x8B})
	w.Tap(versionRequest)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	var units [][]byte
	n, err := r.Replay(0, nil, func(rec Record) error {
		if rec.Dir != DirectionRx {
			t.Errorf("dir = %v, want rx", rec.Dir)
		}
		if rec.Time.IsZero() {
			t.Error("record without timestamp")
		}
		units = append(units, rec.Unit)
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("Replay = %d, %v", n, err)
	}
	if !bytes.Equal(units[1], versionRequest) {
		t.Errorf("unit = % X", units[1])
	}
}

func TestReplayTiming(t *testing.T) {
	var buf bytes.Buffer
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, _ := NewWriter(&buf, Header{Started: base})
	w.Write(Record{Time: base, Unit: []byte{0x8B}})
	w.Write(Record{Time: base.Add(100 * time.Millisecond), Unit: []byte{0x8B}})
	w.Write(Record{Time: base.Add(300 * time.Millisecond), Unit: []byte{0x8B}})

	r, _ := NewReader(&buf)
	var waits []time.Duration
	n, err := r.Replay(2, func(d time.Duration) { waits = append(waits, d) }, func(Record) error { return nil })
	if err != nil || n != 3 {
		t.Fatalf("Replay = %d, %v", n, err)
	}

	want := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, waits[i], want[i])
		}
	}
}

func TestReplayStops(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, Header{})
	w.Tap([]byte{0x01})
	w.Tap([]byte{0x02})

	r, _ := NewReader(&buf)
	stop := errors.New("stop")
	n, err := r.Replay(0, nil, func(Record) error { return stop })
	if !errors.Is(err, stop) || n != 0 {
		t.Errorf("Replay = %d, %v, want 0, stop", n, err)
	}
}

type fakeTx struct {
	frames [][]byte
	polls  []uint8
	err    error
}

func (f *fakeTx) Transmit(frame []byte) error {
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTx) SendPoll(id uint8) error {
	if f.err != nil {
		return f.err
	}
	f.polls = append(f.polls, id)
	return nil
}

func (f *fakeTx) LastTxSrc() uint8 { return 0x0B }

func TestTee(t *testing.T) {
	var buf bytes.Buffer
	w, _ := NewWriter(&buf, Header{})
	tx := &fakeTx{}
	tee := Tee(tx, w)

	tee.Transmit(versionRequest)
	tee.SendPoll(0x0B)
	tx.err = errors.New("line down")
	if err := tee.Transmit(versionRequest); err == nil {
		t.Error("Transmit error not passed through")
	}
	if tee.LastTxSrc() != 0x0B {
		t.Errorf("LastTxSrc = %02X", tee.LastTxSrc())
	}

	if w.Count() != 2 {
		t.Fatalf("recorded %d, want 2 successful transmissions", w.Count())
	}
	r, _ := NewReader(&buf)
	rec, _ := r.Next()
	if rec.Dir != DirectionTx || !bytes.Equal(rec.Unit, versionRequest) {
		t.Errorf("first record = %+v", rec)
	}
	rec, _ = r.Next()
	if !bytes.Equal(rec.Unit, []byte{0x0B}) {
		t.Errorf("poll record = % X", rec.Unit)
	}
}
