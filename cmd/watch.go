// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/pkg/ems"
)

var (
	watchRaw bool
	watchID  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Display bus telegrams in human-readable format",
	Long: `Continuously decode and display EMS telegrams as they appear on the bus.

Watching never transmits: the line is opened listen only. Use --raw to show
every unit as hex, polls and acknowledgements included. --id limits the output
to one type id or to the telegrams sent or received by one device id.

Supports both serial and WebSocket connections.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchRaw, "raw", false, "Show every unit as hex")
	watchCmd.Flags().StringVar(&watchID, "id", "", "Only show this type id or device id (e.g. 0x18)")
}

func parseWatchID(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid --id %q: %w", s, err)
	}
	return uint16(v), nil
}

// watchMatches reports whether t passes the watch filter, 0 matching all
func watchMatches(t *ems.Telegram, id uint16) bool {
	if id == 0 {
		return true
	}
	return t.TypeID() == id || uint16(t.Src()) == id || uint16(t.Dest()) == id
}

// newWatchPrinter returns a watch tap printing matching telegrams to out
func newWatchPrinter(out io.Writer, id uint16, busID func() uint8) ems.WatchFunc {
	return func(t *ems.Telegram) {
		if !watchMatches(t, id) {
			return
		}
		fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05.000"), ems.FormatTelegram(t, busID()))
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, err := parseWatchID(watchID)
	if err != nil {
		return err
	}

	var s *session
	opts := sessionOptions{listenOnly: true}
	out := cmd.OutOrStdout()
	opts.engine = append(opts.engine, ems.WithWatch(newWatchPrinter(out, id, func() uint8 { return s.cfg.BusID })))
	if watchRaw {
		opts.engine = append(opts.engine, ems.WithUnitTap(func(unit []byte) {
			fmt.Fprintf(out, "%s [raw] %s\n", time.Now().Format("15:04:05.000"), ems.HexString(unit))
		}))
	}

	s, err = openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintf(out, "emsgate - Bus Watch\n")
	fmt.Fprintf(out, "Connection: %s\n", s.info)
	fmt.Fprintf(out, "Press Ctrl+C to exit\n\n")

	ctx, cancel := signalContext()
	defer cancel()

	if err := s.run(ctx); err != nil {
		return fmt.Errorf("bus read failed: %w", err)
	}

	st := s.engine.Stats()
	fmt.Fprintf(out, "\n%d telegrams, %d checksum errors (quality %d%%)\n", st.TelegramCount, st.ErrorCount, st.RxQuality)
	return nil
}
