// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts routed requests by verb and outcome class
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_requests_total",
			Help: "Total requests by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// RequestDuration tracks time from dispatch to final response
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitd_request_duration_seconds",
			Help:    "Request duration by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// ConnectionsActive tracks open client connections
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unitd_connections_active",
			Help: "Number of currently open client connections",
		},
	)

	// SessionsActive tracks live sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unitd_sessions_active",
			Help: "Number of live sessions",
		},
	)

	// PublishDeliveries counts per-subscriber channel deliveries
	PublishDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_publish_deliveries_total",
			Help: "Channel message deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// LockAcquires counts lock attempts
	LockAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_lock_acquire_total",
			Help: "Lock acquire attempts by outcome",
		},
		[]string{"outcome"},
	)

	// JobRuns counts scheduled job invocations
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_job_runs_total",
			Help: "Scheduled job runs by outcome",
		},
		[]string{"outcome"},
	)

	// UnitReloads counts reload attempts
	UnitReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_unit_reloads_total",
			Help: "Unit reloads by outcome",
		},
		[]string{"outcome"},
	)

	// UnitsLoaded tracks live unit instances
	UnitsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "unitd_units_loaded",
			Help: "Number of live unit instances",
		},
	)
)

// Outcome labels shared by the counters above.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeAcquired = "acquired"
	OutcomeBusy     = "busy"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
)

// ObserveRequest records one finished request.
func ObserveRequest(reqType, outcome string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(reqType, outcome).Inc()
	RequestDuration.WithLabelValues(reqType).Observe(elapsed.Seconds())
}

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Outcome maps a success flag to a label.
func Outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}
