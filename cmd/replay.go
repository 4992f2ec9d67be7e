// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/pkg/capture"
	"github.com/Thermoquad/emsgate/pkg/ems"
)

var (
	replaySpeed float64
	replayRaw   bool
	replayID    string
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Decode a capture file",
	Long: `Feed a capture file through a listen only engine and print the telegrams
it contains, as 'emsgate watch' would have shown them.

--speed 1 reproduces the original timing, 0 decodes as fast as possible.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "Replay speed factor (0 = as fast as possible)")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "Show every unit as hex")
	replayCmd.Flags().StringVar(&replayID, "id", "", "Only show this type id or device id (e.g. 0x18)")
}

// nopTransmitter is the transmitter of an engine that must never send
type nopTransmitter struct{}

func (nopTransmitter) Transmit([]byte) error { return nil }
func (nopTransmitter) SendPoll(uint8) error  { return nil }
func (nopTransmitter) LastTxSrc() uint8      { return 0 }

// replayCapture decodes every received unit of r and returns the engine
// counters at the end
func replayCapture(r *capture.Reader, out io.Writer, id uint16, raw bool, speed float64) (ems.Stats, int, error) {
	busID := r.Header().BusID
	if ems.ValidateBusID(busID) != nil {
		busID = ems.DefaultBusID
	}

	cfg := ems.DefaultConfig()
	cfg.BusID = busID
	cfg.ListenOnly = true

	opts := []ems.Option{ems.WithWatch(newWatchPrinter(out, id, func() uint8 { return busID }))}
	engine, err := ems.New(cfg, nopTransmitter{}, opts...)
	if err != nil {
		return ems.Stats{}, 0, err
	}

	n, err := r.Replay(speed, time.Sleep, func(rec capture.Record) error {
		if raw {
			fmt.Fprintf(out, "%s [%s] %s\n", rec.Time.Format("15:04:05.000"), rec.Dir, ems.HexString(rec.Unit))
		}
		if rec.Dir == capture.DirectionRx {
			engine.Incoming(rec.Unit)
		}
		return nil
	})
	return engine.Stats(), n, err
}

func runReplay(cmd *cobra.Command, args []string) error {
	id, err := parseWatchID(replayID)
	if err != nil {
		return err
	}

	r, err := capture.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	hdr := r.Header()
	fmt.Fprintf(out, "emsgate - Replay\n")
	fmt.Fprintf(out, "Capture: %s (%s, started %s)\n\n", args[0], orDefault(hdr.Source, "unknown source"), hdr.Started.Format(time.RFC3339))

	st, n, err := replayCapture(r, out, id, replayRaw, replaySpeed)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d units, %d telegrams, %d checksum errors (quality %d%%)\n", n, st.TelegramCount, st.ErrorCount, st.RxQuality)
	return nil
}

func secondsDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
