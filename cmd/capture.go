// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/internal/config"
	"github.com/Thermoquad/emsgate/pkg/capture"
	"github.com/Thermoquad/emsgate/pkg/ems"
)

var (
	captureOutput   string
	captureDuration int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record the bus to a capture file",
	Long: `Record every unit seen on the bus to a CBOR capture file.

The line is opened listen only. The capture keeps the arrival time of every
unit and can be decoded later with 'emsgate replay'.`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().StringVarP(&captureOutput, "output", "o", "bus.cbor", "Capture file to write")
	captureCmd.Flags().IntVar(&captureDuration, "duration", 0, "Stop after this many seconds (0 = until Ctrl+C)")
}

func runCapture(cmd *cobra.Command, args []string) error {
	var writer *capture.Writer
	opts := sessionOptions{listenOnly: true}
	opts.wrap = func(cfg config.Config, tx ems.Transmitter) (ems.Transmitter, error) {
		w, err := capture.Create(captureOutput, capture.Header{
			BusID:  cfg.BusID,
			TxMode: uint8(cfg.TxMode),
			Source: cfg.Port + cfg.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create capture file: %w", err)
		}
		writer = w
		return tx, nil
	}
	opts.engine = append(opts.engine, ems.WithUnitTap(func(unit []byte) {
		writer.Tap(unit)
	}))

	s, err := openSession(cmd, opts)
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return err
	}
	defer s.close()
	defer writer.Close()

	fmt.Printf("emsgate - Capture\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Output: %s\n", captureOutput)
	fmt.Printf("Press Ctrl+C to stop\n\n")

	ctx, cancel := signalContext()
	defer cancel()
	if captureDuration > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, secondsDuration(captureDuration))
		defer stop()
	}

	err = s.run(ctx)
	if werr := writer.Err(); werr != nil {
		return werr
	}
	fmt.Printf("Recorded %d units to %s\n", writer.Count(), captureOutput)
	return err
}
