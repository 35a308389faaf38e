// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus counters and histograms for the
// Remote Client and Driver dispatch loops.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	remoteRequests        *prometheus.CounterVec
	remoteRequestDuration *prometheus.HistogramVec
	remoteRetries         *prometheus.CounterVec
	actionDuration        *prometheus.HistogramVec
	subtasksAggregated    *prometheus.CounterVec

	namespace = "siteforge"
)

// Service labels distinguish the two Remote Client instances.
const (
	ServiceMAAS = "maas"
	ServiceOOB  = "oob"
)

func init() {
	resetLocked()
}

// SetNamespace overrides the Prometheus namespace (config key
// metrics_namespace, spec §6) and rebuilds the registry. Must be called
// before any metrics are recorded.
func SetNamespace(ns string) {
	mu.Lock()
	defer mu.Unlock()
	if ns != "" {
		namespace = ns
	}
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to ensure
// clean state between cases.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler exposing metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRemoteRequest records a completed Remote Client HTTP attempt.
// code should be the HTTP status code; negative values indicate a
// transport-level error (no response).
func ObserveRemoteRequest(service, op string, code int, duration time.Duration) {
	svc := sanitizeLabel(service, "unknown")
	labelOp := sanitizeLabel(op, "unknown")
	status := "error"
	if code >= 0 {
		status = strconv.Itoa(code)
	}

	mu.RLock()
	defer mu.RUnlock()
	if remoteRequests != nil {
		remoteRequests.WithLabelValues(svc, labelOp, status).Inc()
	}
	if remoteRequestDuration != nil {
		remoteRequestDuration.WithLabelValues(svc, labelOp).Observe(durationSeconds(duration))
	}
}

// IncRemoteRetry increments the retry counter for a Remote Client operation.
func IncRemoteRetry(service, op string) {
	svc := sanitizeLabel(service, "unknown")
	labelOp := sanitizeLabel(op, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if remoteRetries != nil {
		remoteRetries.WithLabelValues(svc, labelOp).Inc()
	}
}

// ObserveActionDuration records how long an Action Runner took end to end.
func ObserveActionDuration(action string, duration time.Duration) {
	labelAction := sanitizeLabel(action, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if actionDuration != nil {
		actionDuration.WithLabelValues(labelAction).Observe(durationSeconds(duration))
	}
}

// IncSubtasksAggregated records a parent dispatch's aggregation outcome.
func IncSubtasksAggregated(action, result string) {
	labelAction := sanitizeLabel(action, "unknown")
	labelResult := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if subtasksAggregated != nil {
		subtasksAggregated.WithLabelValues(labelAction, labelResult).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	reqTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Total Remote Client HTTP requests grouped by service, operation, and status code.",
	}, []string{"service", "op", "code"})

	reqDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Duration of Remote Client HTTP requests by service and operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"service", "op"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "retries_total",
		Help:      "Total number of Remote Client retries by service and operation.",
	}, []string{"service", "op"})

	actionHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "driver",
		Name:      "action_duration_seconds",
		Help:      "Duration of an Action Runner invocation by action kind.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"action"})

	aggregated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "driver",
		Name:      "subtasks_aggregated_total",
		Help:      "Total parent dispatch aggregations by action and resulting status.",
	}, []string{"action", "result"})

	registry.MustRegister(reqTotal, reqDuration, retries, actionHist, aggregated)

	reg = registry
	remoteRequests = reqTotal
	remoteRequestDuration = reqDuration
	remoteRetries = retries
	actionDuration = actionHist
	subtasksAggregated = aggregated
}

func sanitizeLabel(v, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.ToLower(b.String())
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
