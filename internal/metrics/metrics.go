// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/emsgate/pkg/ems"
	"github.com/Thermoquad/emsgate/pkg/emsuart"
)

const namespace = "emsgate"

// EngineStats is implemented by *ems.Engine
type EngineStats interface {
	Stats() ems.Stats
}

// DriverStats is implemented by *emsuart.Driver
type DriverStats interface {
	Stats() emsuart.Stats
}

var (
	busStatusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "status"),
		"Bus status: 0 connected, 1 tx errors, 2 offline.",
		nil, nil,
	)
	busUptimeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "bus", "uptime_seconds"),
		"Time since the bus was first seen.",
		nil, nil,
	)
	rxTelegramsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "telegrams_total"),
		"Telegrams received with a valid checksum.",
		nil, nil,
	)
	rxErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "errors_total"),
		"Telegrams rejected for a bad checksum.",
		nil, nil,
	)
	rxQualityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rx", "quality_percent"),
		"Share of good telegrams.",
		nil, nil,
	)
	txRequestsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tx", "requests_total"),
		"Read and write requests by outcome.",
		[]string{"op", "result"}, nil,
	)
	txQualityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tx", "quality_percent"),
		"Share of requests that succeeded.",
		[]string{"op"}, nil,
	)
	queueLengthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "queue_length"),
		"Telegrams waiting in a queue.",
		[]string{"queue"}, nil,
	)
	uartUnitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uart", "units_total"),
		"Units seen by the line driver by class.",
		[]string{"class"}, nil,
	)
	uartTxDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "uart", "tx_total"),
		"Transmissions by outcome.",
		[]string{"result"}, nil,
	)
)

// Collector exports engine and driver counters
type Collector struct {
	engine EngineStats
	driver DriverStats
}

// NewCollector returns a collector for engine. driver may be nil when the
// engine is fed from a capture.
func NewCollector(engine EngineStats, driver DriverStats) *Collector {
	return &Collector{engine: engine, driver: driver}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- busStatusDesc
	ch <- busUptimeDesc
	ch <- rxTelegramsDesc
	ch <- rxErrorsDesc
	ch <- rxQualityDesc
	ch <- txRequestsDesc
	ch <- txQualityDesc
	ch <- queueLengthDesc
	if c.driver != nil {
		ch <- uartUnitsDesc
		ch <- uartTxDesc
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Stats()

	gauge := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	counter := func(desc *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, labels...)
	}

	gauge(busStatusDesc, float64(st.BusStatus))
	gauge(busUptimeDesc, st.BusUptime.Seconds())
	counter(rxTelegramsDesc, float64(st.TelegramCount))
	counter(rxErrorsDesc, float64(st.ErrorCount))
	gauge(rxQualityDesc, float64(st.RxQuality))
	counter(txRequestsDesc, float64(st.ReadCount), "read", "ok")
	counter(txRequestsDesc, float64(st.ReadFailCount), "read", "fail")
	counter(txRequestsDesc, float64(st.WriteCount), "write", "ok")
	counter(txRequestsDesc, float64(st.WriteFailCount), "write", "fail")
	gauge(txQualityDesc, float64(st.ReadQuality), "read")
	gauge(txQualityDesc, float64(st.WriteQuality), "write")
	gauge(queueLengthDesc, float64(st.RxQueueLen), "rx")
	gauge(queueLengthDesc, float64(st.TxQueueLen), "tx")

	if c.driver == nil {
		return
	}
	ds := c.driver.Stats()
	counter(uartUnitsDesc, float64(ds.Frames), "frame")
	counter(uartUnitsDesc, float64(ds.Polls), "poll")
	counter(uartUnitsDesc, float64(ds.Fragments), "fragment")
	counter(uartUnitsDesc, float64(ds.Overflows), "overflow")
	counter(uartUnitsDesc, float64(ds.Dropped), "dropped")
	counter(uartUnitsDesc, float64(ds.RingFull), "ring_full")
	counter(uartTxDesc, float64(ds.TxFrames), "ok")
	counter(uartTxDesc, float64(ds.TxErrors), "fail")
}

// NewRegistry returns a registry holding the collector and the Go runtime
// collectors
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler serves the registry in the Prometheus text format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
