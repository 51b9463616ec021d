// Package metrics provides Prometheus instrumentation for the Pinchwork platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pinchwork",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TaskTransitionsTotal counts task lifecycle transitions by resulting status.
	TaskTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "task_transitions_total",
			Help:      "Total task state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// CreditsMovedTotal counts credits moved through the ledger by reason.
	CreditsMovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "credits_moved_total",
			Help:      "Total credits moved through the ledger by entry reason.",
		},
		[]string{"reason"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// WebhookBreakerTransitionsTotal counts circuit state changes for
	// webhook endpoints.
	WebhookBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "webhook_breaker_transitions_total",
			Help:      "Total webhook circuit breaker state transitions.",
		},
		[]string{"from", "to"},
	)

	// ReaperSweepsTotal counts reaper sweep executions by sweep name and result.
	ReaperSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "reaper_sweeps_total",
			Help:      "Total reaper sweep runs by sweep name and result.",
		},
		[]string{"sweep", "result"},
	)

	// ReaperTasksReapedTotal counts tasks transitioned by reaper sweeps.
	ReaperTasksReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "reaper_tasks_reaped_total",
			Help:      "Total tasks transitioned by reaper sweeps, by sweep name.",
		},
		[]string{"sweep"},
	)

	// SystemTasksTotal counts platform-posted matching and verification tasks.
	SystemTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "system_tasks_total",
			Help:      "Total system tasks spawned by kind.",
		},
		[]string{"kind"},
	)

	// EventsPublishedTotal counts events published to the bus by kind.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pinchwork",
			Name:      "events_published_total",
			Help:      "Total events published to the event bus by kind.",
		},
		[]string{"kind"},
	)

	// EventsDroppedTotal counts events dropped due to slow subscribers.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pinchwork",
		Name:      "events_dropped_total",
		Help:      "Total events dropped because a subscriber buffer was full.",
	})

	// ActiveEventSubscribers tracks current event stream subscribers.
	ActiveEventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pinchwork",
			Name:      "active_event_subscribers",
			Help:      "Number of currently connected event stream subscribers.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pinchwork",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// ActiveResultWaiters tracks agents blocked in long-poll waits.
	ActiveResultWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pinchwork",
			Name:      "active_result_waiters",
			Help:      "Number of long-poll waiters currently blocked on task results.",
		},
	)

	// LedgerDrift reports the absolute drift found by the last reconciliation run.
	LedgerDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pinchwork",
			Name:      "ledger_drift_credits",
			Help:      "Absolute credit drift between ledger folds and stored balances.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pinchwork", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// TaskTimeToClaim observes the delay between posting and claiming a task.
	TaskTimeToClaim = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pinchwork",
		Name:      "task_time_to_claim_seconds",
		Help:      "Time from task posting to claim in seconds.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
	})

	// TaskTimeToDeliver observes the delay between claiming and delivering a task.
	TaskTimeToDeliver = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pinchwork",
		Name:      "task_time_to_deliver_seconds",
		Help:      "Time from task claim to delivery in seconds.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TaskTransitionsTotal,
		CreditsMovedTotal,
		WebhookDeliveriesTotal,
		WebhookBreakerTransitionsTotal,
		ReaperSweepsTotal,
		ReaperTasksReapedTotal,
		SystemTasksTotal,
		EventsPublishedTotal,
		EventsDroppedTotal,
		ActiveEventSubscribers,
		ActiveWebSocketClients,
		ActiveResultWaiters,
		LedgerDrift,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		TaskTimeToClaim,
		TaskTimeToDeliver,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
