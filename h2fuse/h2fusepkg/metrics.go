// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package h2fusepkg

import (
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "h2fuse"

type metricsStruct struct {
	registry       *prometheus.Registry
	ops            *prometheus.CounterVec
	opErrors       *prometheus.CounterVec
	openHandles    prometheus.Gauge
	readDirEntries prometheus.Counter
}

// newMetrics registers the adapter's collectors on a registry of its own so that
// several adapters (e.g. in tests) never collide.
func newMetrics() (metrics *metricsStruct) {
	metrics = &metricsStruct{
		registry: prometheus.NewRegistry(),
		ops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ops_total",
				Help:      "FUSE and control channel operations handled, by operation.",
			},
			[]string{"op"},
		),
		opErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "op_errors_total",
				Help:      "Operations that returned an errno, by operation and errno.",
			},
			[]string{"op", "errno"},
		),
		openHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "open_handles",
				Help:      "Outstanding opens of files and directories.",
			},
		),
		readDirEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "readdir_entries_total",
				Help:      "Directory entries returned by READDIR.",
			},
		),
	}

	metrics.registry.MustRegister(
		metrics.ops,
		metrics.opErrors,
		metrics.openHandles,
		metrics.readDirEntries,
	)

	return
}

func (metrics *metricsStruct) observe(op string, errno syscall.Errno) {
	metrics.ops.WithLabelValues(op).Inc()
	if 0 != errno {
		metrics.opErrors.WithLabelValues(op, strconv.Itoa(int(errno))).Inc()
	}
}
