// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Thermoquad/emsgate/internal/logging"
	"github.com/Thermoquad/emsgate/pkg/ems"
	"github.com/Thermoquad/emsgate/pkg/emsuart"
)

// ErrFormat is returned for config files that are neither TOML nor YAML
var ErrFormat = errors.New("config: unsupported file format")

// Timing overrides the bus timing, in microseconds. Zero keeps the value
// derived from the bit time.
type Timing struct {
	BitTimeUS     int `toml:"bit_time_us" yaml:"bit_time_us"`
	EchoTimeoutUS int `toml:"echo_timeout_us" yaml:"echo_timeout_us"`
	WaitPlusUS    int `toml:"wait_plus_us" yaml:"wait_plus_us"`
	WaitHT3US     int `toml:"wait_ht3_us" yaml:"wait_ht3_us"`
	BreakEMSUS    int `toml:"break_ems_us" yaml:"break_ems_us"`
	BreakPlusUS   int `toml:"break_plus_us" yaml:"break_plus_us"`
	BreakHT3US    int `toml:"break_ht3_us" yaml:"break_ht3_us"`
}

// Config is the gateway configuration
type Config struct {
	Port        string
	Baud        int
	URL         string
	Username    string
	NoSSLVerify bool

	BusID        uint8
	TxMode       int
	ReadOnly     bool
	MaxTxRetries int
	RxQueueSize  int
	TxQueueSize  int
	IdleGap      time.Duration

	LogLevel    string
	MetricsAddr string

	Timing Timing
}

// Default returns the configuration used without a config file
func Default() Config {
	return Config{
		Baud:         emsuart.BaudRate,
		BusID:        ems.DefaultBusID,
		TxMode:       int(emsuart.TxModeEMS),
		MaxTxRetries: ems.DefaultMaxTxRetries,
		RxQueueSize:  ems.DefaultRxQueueSize,
		TxQueueSize:  ems.DefaultTxQueueSize,
		IdleGap:      emsuart.DefaultIdleGap,
		LogLevel:     "info",
		MetricsAddr:  ":9108",
		Timing:       Timing{BitTimeUS: 104},
	}
}

// Load reads a .toml, .yaml or .yml file over the defaults
func Load(path string) (Config, error) {
	var (
		cfg Config
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		cfg, err = loadTOML(path)
	case ".yaml", ".yml":
		cfg, err = loadYAML(path)
	default:
		return Config{}, fmt.Errorf("%w: %s", ErrFormat, path)
	}
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values the engine and driver depend on
func (c Config) Validate() error {
	if err := ems.ValidateBusID(c.BusID); err != nil {
		return fmt.Errorf("ems_bus_id: %w", err)
	}
	if _, err := emsuart.ParseTxMode(c.TxMode); err != nil {
		return fmt.Errorf("tx_mode: %w", err)
	}
	if c.Baud <= 0 {
		return fmt.Errorf("baud: must be positive, got %d", c.Baud)
	}
	if c.MaxTxRetries < 0 {
		return fmt.Errorf("max_tx_retries: must not be negative, got %d", c.MaxTxRetries)
	}
	if c.RxQueueSize <= 0 {
		return fmt.Errorf("rx_queue_size: must be positive, got %d", c.RxQueueSize)
	}
	if c.TxQueueSize <= 0 {
		return fmt.Errorf("tx_queue_size: must be positive, got %d", c.TxQueueSize)
	}
	if c.IdleGap <= 0 {
		return fmt.Errorf("idle_gap: must be positive, got %v", c.IdleGap)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.Timing.BitTimeUS <= 0 {
		return fmt.Errorf("timing.bit_time_us: must be positive, got %d", c.Timing.BitTimeUS)
	}
	return nil
}

// EngineConfig returns the telegram engine settings
func (c Config) EngineConfig() ems.Config {
	return ems.Config{
		BusID:        c.BusID,
		ListenOnly:   c.TxMode == int(emsuart.TxModeOff),
		ReadOnly:     c.ReadOnly,
		MaxTxRetries: c.MaxTxRetries,
		RxQueueSize:  c.RxQueueSize,
		TxQueueSize:  c.TxQueueSize,
	}
}

// Mode returns the driver tx mode. The config must be valid.
func (c Config) Mode() emsuart.TxMode {
	return emsuart.TxMode(c.TxMode)
}

// DriverTiming returns the bus timing with the configured overrides
func (c Config) DriverTiming() emsuart.Timing {
	t := emsuart.TimingFor(us(c.Timing.BitTimeUS))
	override(&t.EchoTimeout, c.Timing.EchoTimeoutUS)
	override(&t.WaitPlus, c.Timing.WaitPlusUS)
	override(&t.WaitHT3, c.Timing.WaitHT3US)
	override(&t.BreakEMS, c.Timing.BreakEMSUS)
	override(&t.BreakPlus, c.Timing.BreakPlusUS)
	override(&t.BreakHT3, c.Timing.BreakHT3US)
	return t
}

func override(d *time.Duration, v int) {
	if v > 0 {
		*d = us(v)
	}
}

func us(v int) time.Duration {
	return time.Duration(v) * time.Microsecond
}
