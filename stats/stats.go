// Package stats registers and tracks the daemon's counters: rows applied,
// objects and bytes moved, migrator progress, and errors by kind.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Naming Convention:
//  -> "*_total" - counter
//  -> "*_bytes" - size
//  -> "*_seconds" - duration
var (
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudsync",
		Name:      "rows_processed_total",
		Help:      "Change-log rows applied to the remote",
	}, []string{"account", "container"})

	ObjectsUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudsync",
		Name:      "objects_uploaded_total",
		Help:      "Objects put or multipart-completed on the remote",
	}, []string{"account", "container"})

	BytesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudsync",
		Name:      "uploaded_bytes",
		Help:      "Bytes streamed to the remote",
	}, []string{"account", "container"})

	MigratorMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudsync",
		Subsystem: "migrator",
		Name:      "moved_total",
		Help:      "Objects (segments included) copied into the local store",
	}, []string{"account", "container"})

	MigratorScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudsync",
		Subsystem: "migrator",
		Name:      "scanned_total",
		Help:      "Objects examined during migration passes",
	}, []string{"account", "container"})

	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cloudsync",
		Name:      "pass_duration_seconds",
		Help:      "Wall-clock duration of one pass over one entry",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cloudsync",
		Name:      "errors_total",
		Help:      "Errors by classification",
	}, []string{"kind"})
)

// error classifications
const (
	ErrKindTransient   = "transient"
	ErrKindValidation  = "validation"
	ErrKindConsistency = "consistency"
)

// Serve exposes the default registry; no-op when addr is empty.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, mux) //nolint:errcheck // best-effort exporter
}
