// Package metrics exposes the engine's Prometheus instrumentation. Counters
// are registered on the default registerer; the server mounts Handler() at
// /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	changesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_changes_created_total",
		Help: "Security changes created, by category.",
	}, []string{"category"})

	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_transitions_total",
		Help: "Lifecycle transitions applied, by edge.",
	}, []string{"from", "to"})

	batteries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_test_batteries_total",
		Help: "Test batteries completed, by aggregate verdict.",
	}, []string{"verdict"})

	rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_rollbacks_total",
		Help: "Rollback procedures finished, by status.",
	}, []string{"status"})

	notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_notifications_total",
		Help: "Notification sends attempted, by outcome.",
	}, []string{"outcome"})

	emergencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changegate_emergencies_activated_total",
		Help: "Emergency updates activated, by level.",
	}, []string{"level"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "changegate_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "code"})
)

// ChangeCreated counts one created change.
func ChangeCreated(category string) { changesCreated.WithLabelValues(category).Inc() }

// Transition counts one applied lifecycle transition.
func Transition(from, to string) { transitions.WithLabelValues(from, to).Inc() }

// BatteryCompleted counts one finished test battery.
func BatteryCompleted(verdict string) { batteries.WithLabelValues(verdict).Inc() }

// RollbackCompleted counts one finished rollback procedure.
func RollbackCompleted(status string) { rollbacks.WithLabelValues(status).Inc() }

// NotificationAttempted counts one notification send attempt.
func NotificationAttempted(outcome string) { notifications.WithLabelValues(outcome).Inc() }

// EmergencyActivated counts one activated emergency.
func EmergencyActivated(level string) { emergencies.WithLabelValues(level).Inc() }

// ObserveHTTP records one served HTTP request.
func ObserveHTTP(method string, status int, elapsed time.Duration) {
	httpDuration.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }
