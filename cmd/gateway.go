// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/internal/config"
	"github.com/Thermoquad/emsgate/internal/metrics"
	"github.com/Thermoquad/emsgate/pkg/capture"
	"github.com/Thermoquad/emsgate/pkg/ems"
)

var (
	gatewayMetricsAddr string
	gatewayCapture     string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Join the bus and serve bus metrics",
	Long: `Join the EMS bus as a service key and keep the link alive.

The gateway answers polls for its bus id, asks the boiler which devices are on
the bus, logs every telegram addressed to it and exports link statistics in
the Prometheus text format on /metrics.

With --capture, every unit read from or written to the bus is recorded to a
capture file that can be fed to 'emsgate replay' later.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().StringVar(&gatewayMetricsAddr, "metrics-addr", "", "Listen address for /metrics (default from config)")
	gatewayCmd.Flags().StringVar(&gatewayCapture, "capture", "", "Record the bus to this capture file")
}

func runGateway(cmd *cobra.Command, args []string) error {
	var writer *capture.Writer
	opts := sessionOptions{}

	if gatewayCapture != "" {
		opts.wrap = func(cfg config.Config, tx ems.Transmitter) (ems.Transmitter, error) {
			w, err := capture.Create(gatewayCapture, capture.Header{
				BusID:  cfg.BusID,
				TxMode: uint8(cfg.TxMode),
				Source: cfg.Port + cfg.URL,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create capture file: %w", err)
			}
			writer = w
			return capture.Tee(tx, w), nil
		}
		opts.engine = append(opts.engine, ems.WithUnitTap(func(unit []byte) { writer.Tap(unit) }))
	}

	var s *session
	opts.engine = append(opts.engine, ems.WithHandler(func(t *ems.Telegram) bool {
		s.log.Info().Msg(ems.FormatTelegram(t, s.cfg.BusID))
		return true
	}))

	s, err := openSession(cmd, opts)
	if err != nil {
		if writer != nil {
			writer.Close()
		}
		return err
	}
	defer s.close()
	if writer != nil {
		defer writer.Close()
	}

	addr := s.cfg.MetricsAddr
	if cmd.Flags().Changed("metrics-addr") {
		addr = gatewayMetricsAddr
	}

	reg, err := metrics.NewRegistry(metrics.NewCollector(s.engine, s.driver))
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	fmt.Printf("emsgate - Gateway\n")
	fmt.Printf("Connection: %s\n", s.info)
	fmt.Printf("Metrics: http://%s/metrics\n", addr)
	if writer != nil {
		fmt.Printf("Capture: %s\n", gatewayCapture)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, cancel := signalContext()
	defer cancel()

	s.engine.Start()
	go watchBusStatus(ctx, s)

	err = s.run(ctx)
	if writer != nil {
		s.log.Info().Int("records", writer.Count()).Msg("capture closed")
	}
	return err
}

// watchBusStatus logs changes of the bus status
func watchBusStatus(ctx context.Context, s *session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := ems.BusOffline
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := s.engine.Stats()
		if st.BusStatus == last {
			continue
		}
		last = st.BusStatus
		s.log.Info().
			Stringer("status", st.BusStatus).
			Str("mask", fmt.Sprintf("0x%02X", st.Mask)).
			Uint8("rx_quality", st.RxQuality).
			Uint8("read_quality", st.ReadQuality).
			Uint8("write_quality", st.WriteQuality).
			Msg("bus status changed")
	}
}
