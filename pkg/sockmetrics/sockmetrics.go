// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

// prometheus collectors for the command socket. All methods are safe on a nil *Metrics.
package sockmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cmdsock"

type Metrics struct {
	Registry *prometheus.Registry

	FramesTotal     *prometheus.CounterVec
	FrameBytes      *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	Dials           *prometheus.CounterVec
	ConnectionsOpen prometheus.Gauge
	SessionsActive  *prometheus.GaugeVec
	CommandsTotal   *prometheus.CounterVec
	CommandSeconds  prometheus.Histogram
	Panics          *prometheus.CounterVec
}

func Make() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{Registry: reg}
	m.FramesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Frames sent or received, by direction and message type",
	}, []string{"direction", "message_type"})
	m.FrameBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frame_bytes_total",
		Help:      "Encoded frame bytes, by direction",
	}, []string{"direction"})
	m.DecodeErrors = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Inbound frames that could not be decoded",
	})
	m.Dials = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dials_total",
		Help:      "Transport dial attempts, by outcome",
	}, []string{"outcome"})
	m.ConnectionsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_open",
		Help:      "1 while the shared transport is open",
	})
	m.SessionsActive = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_connected",
		Help:      "Connected sessions, by role",
	}, []string{"role"})
	m.CommandsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Finished commands, by role and outcome",
	}, []string{"role", "outcome"})
	m.CommandSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "command_duration_seconds",
		Help:      "Time from run_command to command_finished",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
	})
	m.Panics = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "panics_total",
		Help:      "Recovered panics, by goroutine",
	}, []string{"where"})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameSent(msgType string, size int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues("out", msgType).Inc()
	m.FrameBytes.WithLabelValues("out").Add(float64(size))
}

func (m *Metrics) FrameReceived(msgType string, size int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues("in", msgType).Inc()
	m.FrameBytes.WithLabelValues("in").Add(float64(size))
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) Dial(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Dials.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.ConnectionsOpen.Set(1)
	} else {
		m.ConnectionsOpen.Set(0)
	}
}

func (m *Metrics) SessionConnected(role string, delta int) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(role).Add(float64(delta))
}

// CommandDone records a finished command. outcome is "ok", "failed" or "disconnected".
func (m *Metrics) CommandDone(role string, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(role, outcome).Inc()
	m.CommandSeconds.Observe(seconds)
}

// Panic is shaped to be installed as panichandler.PanicHook
func (m *Metrics) Panic(debugStr string) {
	if m == nil {
		return
	}
	m.Panics.WithLabelValues(debugStr).Inc()
}
