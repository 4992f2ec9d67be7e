// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Port         string `toml:"port" yaml:"port"`
	Baud         int    `toml:"baud" yaml:"baud"`
	URL          string `toml:"url" yaml:"url"`
	Username     string `toml:"username" yaml:"username"`
	NoSSLVerify  bool   `toml:"no_ssl_verify" yaml:"no_ssl_verify"`
	BusID        int    `toml:"ems_bus_id" yaml:"ems_bus_id"`
	TxMode       int    `toml:"tx_mode" yaml:"tx_mode"`
	ReadOnly     bool   `toml:"read_only" yaml:"read_only"`
	MaxTxRetries int    `toml:"max_tx_retries" yaml:"max_tx_retries"`
	RxQueueSize  int    `toml:"rx_queue_size" yaml:"rx_queue_size"`
	TxQueueSize  int    `toml:"tx_queue_size" yaml:"tx_queue_size"`
	IdleGap      string `toml:"idle_gap" yaml:"idle_gap"`
	LogLevel     string `toml:"log_level" yaml:"log_level"`
	MetricsAddr  string `toml:"metrics_addr" yaml:"metrics_addr"`
	Timing       Timing `toml:"timing" yaml:"timing"`
}

// definedFunc reports whether a key path was set in the file
type definedFunc func(key ...string) bool

func loadTOML(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return raw.overlay(Default(), meta.IsDefined)
}

func loadYAML(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if len(doc.Content) == 0 {
		return Default(), nil
	}

	var raw fileConfig
	if err := doc.Content[0].Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	keys := make(map[string]bool)
	collectKeys(doc.Content[0], "", keys)
	return raw.overlay(Default(), func(key ...string) bool {
		return keys[strings.Join(key, ".")]
	})
}

// collectKeys records the dotted path of every mapping key
func collectKeys(n *yaml.Node, prefix string, keys map[string]bool) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if prefix != "" {
			key = prefix + "." + key
		}
		keys[key] = true
		collectKeys(n.Content[i+1], key, keys)
	}
}

func (raw fileConfig) overlay(cfg Config, defined definedFunc) (Config, error) {
	if defined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if defined("baud") {
		cfg.Baud = raw.Baud
	}
	if defined("url") {
		cfg.URL = strings.TrimSpace(raw.URL)
	}
	if defined("username") {
		cfg.Username = raw.Username
	}
	if defined("no_ssl_verify") {
		cfg.NoSSLVerify = raw.NoSSLVerify
	}
	if defined("ems_bus_id") {
		if raw.BusID < 0 || raw.BusID > 0xFF {
			return Config{}, fmt.Errorf("ems_bus_id: out of range: %d", raw.BusID)
		}
		cfg.BusID = uint8(raw.BusID)
	}
	if defined("tx_mode") {
		cfg.TxMode = raw.TxMode
	}
	if defined("read_only") {
		cfg.ReadOnly = raw.ReadOnly
	}
	if defined("max_tx_retries") {
		cfg.MaxTxRetries = raw.MaxTxRetries
	}
	if defined("rx_queue_size") {
		cfg.RxQueueSize = raw.RxQueueSize
	}
	if defined("tx_queue_size") {
		cfg.TxQueueSize = raw.TxQueueSize
	}
	if defined("idle_gap") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.IdleGap))
		if err != nil {
			return Config{}, fmt.Errorf("parse idle_gap: %w", err)
		}
		cfg.IdleGap = d
	}
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	timing := []struct {
		key string
		dst *int
		src int
	}{
		{"bit_time_us", &cfg.Timing.BitTimeUS, raw.Timing.BitTimeUS},
		{"echo_timeout_us", &cfg.Timing.EchoTimeoutUS, raw.Timing.EchoTimeoutUS},
		{"wait_plus_us", &cfg.Timing.WaitPlusUS, raw.Timing.WaitPlusUS},
		{"wait_ht3_us", &cfg.Timing.WaitHT3US, raw.Timing.WaitHT3US},
		{"break_ems_us", &cfg.Timing.BreakEMSUS, raw.Timing.BreakEMSUS},
		{"break_plus_us", &cfg.Timing.BreakPlusUS, raw.Timing.BreakPlusUS},
		{"break_ht3_us", &cfg.Timing.BreakHT3US, raw.Timing.BreakHT3US},
	}
	for _, f := range timing {
		if defined("timing", f.key) {
			*f.dst = f.src
		}
	}

	return cfg, nil
}
