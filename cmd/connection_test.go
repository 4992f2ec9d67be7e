// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Thermoquad/emsgate/internal/config"
)

// bridge is a WebSocket peer that sends units and records what it receives
func bridge(t *testing.T, units [][]byte, received chan<- []byte) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("hello"))
		for _, u := range units {
			conn.WriteMessage(websocket.BinaryMessage, u)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketLine_Units(t *testing.T) {
	received := make(chan []byte, 1)
	url := bridge(t, [][]byte{{0x8B}, {0x08, 0x00, 0x07, 0x00, 0x0B}}, received)

	line, err := OpenWebSocketLine(url, "admin", "secret", false)
	if err != nil {
		t.Fatalf("OpenWebSocketLine failed: %v", err)
	}
	defer line.Close()

	buf := make([]byte, 3)
	var reads []string
	for i := 0; i < 5; i++ {
		n, err := line.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		reads = append(reads, string(buf[:n]))
	}

	want := []string{"\x8B", "", "\x08\x00\x07", "\x00\x0B", ""}
	for i := range want {
		if reads[i] != want[i] {
			t.Errorf("read %d: expected % X, got % X", i, want[i], reads[i])
		}
	}

	line.Write([]byte{0x0B})
	line.Write([]byte{0x88, 0x02})
	if err := line.Break(time.Millisecond); err != nil {
		t.Fatalf("Break failed: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte{0x0B, 0x88, 0x02}) {
			t.Errorf("expected one unit 0B 88 02, got % X", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge received nothing")
	}

	// nothing buffered, nothing sent
	if err := line.Break(time.Millisecond); err != nil {
		t.Errorf("empty Break failed: %v", err)
	}
}

func TestWebSocketLine_RejectsScheme(t *testing.T) {
	if _, err := OpenWebSocketLine("http://localhost:1", "", "", false); err == nil {
		t.Error("expected error for http scheme")
	}
}

func TestWebSocketLine_Unauthorized(t *testing.T) {
	url := bridge(t, nil, make(chan []byte, 1))
	_, err := OpenWebSocketLine(url, "", "", false)
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("expected HTTP 401 error, got %v", err)
	}
}

func TestOpenLine_NeedsTarget(t *testing.T) {
	if _, _, err := OpenLine(config.Default()); err == nil {
		t.Error("expected error without --port or --url")
	}
}
