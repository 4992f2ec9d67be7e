// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/emsgate/internal/config"
	"github.com/Thermoquad/emsgate/internal/logging"
	"github.com/Thermoquad/emsgate/pkg/ems"
	"github.com/Thermoquad/emsgate/pkg/emsuart"
)

// session is one driver and engine on an open line
type session struct {
	cfg    config.Config
	log    zerolog.Logger
	info   string
	line   emsuart.Line
	driver *emsuart.Driver
	engine *ems.Engine

	closeOnce sync.Once
}

type sessionOptions struct {
	listenOnly bool
	logOut     io.Writer
	wrap       func(cfg config.Config, tx ems.Transmitter) (ems.Transmitter, error)
	engine     []ems.Option
}

func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if out == nil {
		out = os.Stderr
	}
	return logging.New("emsgate", level, out)
}

func openSession(cmd *cobra.Command, opts sessionOptions) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if opts.listenOnly {
		cfg.TxMode = int(emsuart.TxModeOff)
	}
	log := newLogger(cfg, opts.logOut)

	line, info, err := OpenLine(cfg)
	if err != nil {
		return nil, err
	}

	driver, err := emsuart.NewDriver(line, cfg.Mode(),
		emsuart.WithTiming(cfg.DriverTiming()),
		emsuart.WithLogger(log.With().Str("component", "uart").Logger()),
	)
	if err != nil {
		line.Close()
		return nil, err
	}

	var tx ems.Transmitter = driver
	if opts.wrap != nil {
		if tx, err = opts.wrap(cfg, driver); err != nil {
			line.Close()
			return nil, err
		}
	}

	engineOpts := append([]ems.Option{ems.WithLogger(log.With().Str("component", "ems").Logger())}, opts.engine...)
	engine, err := ems.New(cfg.EngineConfig(), tx, engineOpts...)
	if err != nil {
		line.Close()
		return nil, err
	}

	log.Info().
		Str("line", info).
		Str("bus_id", ems.FormatDevice(cfg.BusID, 0)).
		Stringer("tx_mode", cfg.Mode()).
		Bool("read_only", cfg.ReadOnly).
		Msg("session opened")

	return &session{
		cfg:    cfg,
		log:    log,
		info:   info,
		line:   line,
		driver: driver,
		engine: engine,
	}, nil
}

// run drives the bus until ctx is done or the line fails
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.driver.Run(ctx) }()
	go func() { errc <- s.engine.Run(ctx, s.driver) }()

	err := <-errc
	cancel()
	s.close() // unblocks a pending read
	<-errc

	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.line.Close()
	})
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
