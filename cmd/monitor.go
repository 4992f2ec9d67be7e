// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/pkg/ems"
)

var monitorLogFile string

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for the bus",
	Long: `Monitor the bus in an interactive terminal UI.

The screen shows the bus status, the receive and transmit counters with their
quality, both queues and a log of the telegrams seen on the bus.

Press 's' to open the send prompt and enter a raw telegram as hex, for example
"0B 08 02 00 20". The telegram is queued at the front and sent on our next
poll. The prompt is disabled when tx_mode is 0.

Supports both serial and WebSocket connections.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorLogFile, "log-file", "", "Write the engine log to this file")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	var logOut io.Writer = io.Discard
	if monitorLogFile != "" {
		f, err := os.OpenFile(monitorLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}

	// Buffered channel for batching updates
	batchChan := make(chan monitorLogEntry, 256)
	var s *session
	tap := func(t *ems.Telegram) {
		entry := monitorLogEntry{
			timestamp: time.Now(),
			message:   ems.FormatTelegram(t, s.cfg.BusID),
			ours:      t.Src() == s.cfg.BusID || t.Dest()&0x7F == s.cfg.BusID,
		}
		select {
		case batchChan <- entry:
		default:
		}
	}

	s, err := openSession(cmd, sessionOptions{
		logOut: logOut,
		engine: []ems.Option{ems.WithWatch(tap)},
	})
	if err != nil {
		return err
	}
	defer s.close()

	m := initialMonitorModel(s.engine, s.info, s.cfg.BusID, s.cfg.TxMode != 0)
	p := tea.NewProgram(m, tea.WithAltScreen())

	ctx, cancel := signalContext()
	defer cancel()

	done := make(chan struct{})
	go func() {
		err := s.run(ctx)
		close(done)
		p.Send(sessionEndedMsg{err: err})
	}()

	// Batch sender goroutine - sends batched updates to TUI at fixed rate
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				var batch monitorBatchMsg
			drainLoop:
				for {
					select {
					case e := <-batchChan:
						batch.entries = append(batch.entries, e)
					default:
						break drainLoop
					}
				}
				if len(batch.entries) > 0 {
					p.Send(batch)
				}
			}
		}
	}()

	s.engine.Start()

	if _, err := p.Run(); err != nil {
		cancel()
		<-done
		return fmt.Errorf("TUI error: %v", err)
	}

	cancel()
	<-done
	return nil
}
