// Package observability provides logging, metrics, and tracing.
//
// It integrates with Prometheus and OpenTelemetry for system monitoring.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// PromotionsTotal counts promoted jobs by origin queue.
	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_promotions_total",
			Help: "Total jobs promoted from waitlists into the runner",
		},
		[]string{"origin"},
	)
	// PromotionBatchSize records how many jobs each promotion call moved.
	PromotionBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "campaign_promotion_batch_size",
			Help:    "Jobs moved per promotion attempt",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		},
	)
	// DuplicateEnqueueTotal counts swallowed duplicate waitlist enqueues.
	DuplicateEnqueueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_duplicate_enqueue_total",
			Help: "Duplicate waitlist enqueues suppressed by marker or seen-set",
		},
	)
	// GateHardSyncTotal counts jobs pushed back with a sentinel gate after
	// repeated missing-gate dispatches.
	GateHardSyncTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_gate_hard_sync_total",
			Help: "Jobs hard-synced back to the waitlist after missing-gate repairs",
		},
	)
	// NoSlotDelaysTotal counts dispatches deferred because no lease slot was free.
	NoSlotDelaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_no_slot_delays_total",
			Help: "Dispatch attempts delayed because acquirePreDial found no slot",
		},
	)
	// LeasesInFlight gauges lease membership per campaign.
	LeasesInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_leases_in_flight",
			Help: "Members of the campaign lease set (pre-dial + active)",
		},
		[]string{"campaign_id"},
	)
	// ReservedSlots gauges the reservation counter per campaign.
	ReservedSlots = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_reserved_slots",
			Help: "Slots reserved by the promoter but not yet leased",
		},
		[]string{"campaign_id"},
	)
	// JanitorRepairsTotal counts janitor corrections by kind.
	JanitorRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_janitor_repairs_total",
			Help: "Janitor corrections by kind (stale_member, orphan_reservation, compacted, drift, stuck_call)",
		},
		[]string{"kind"},
	)
	// InvariantViolationsTotal counts observed capacity invariant violations.
	InvariantViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaign_invariant_violations_total",
			Help: "Observed |leases| + reserved > limit samples",
		},
	)
	// BreakerState gauges the per-campaign circuit breaker (0 closed, 1 open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "campaign_breaker_open",
			Help: "Per-campaign circuit breaker state (0=closed, 1=open)",
		},
		[]string{"campaign_id"},
	)
	// WebhooksTotal counts webhook deliveries by status and release result.
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telephony_webhooks_total",
			Help: "Webhook deliveries by call status and lease release result",
		},
		[]string{"status", "release"},
	)
	// DialsTotal counts initiate-call attempts by result.
	DialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telephony_dials_total",
			Help: "Outbound dial attempts by result",
		},
		[]string{"result"},
	)
	// ScheduledCallsTotal counts scheduled-call executions by outcome.
	ScheduledCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduled_calls_total",
			Help: "Scheduled-call runner executions by outcome",
		},
		[]string{"outcome"},
	)
	// RetriesScheduledTotal counts retry attempts scheduled by failure kind.
	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_retries_scheduled_total",
			Help: "Retry attempts scheduled by failure kind",
		},
		[]string{"kind"},
	)
	// CallEventsPublishedTotal counts call events emitted to the stream.
	CallEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "call_events_published_total",
			Help: "Call events published to the event stream by result",
		},
		[]string{"result"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PromotionsTotal)
	prometheus.MustRegister(PromotionBatchSize)
	prometheus.MustRegister(DuplicateEnqueueTotal)
	prometheus.MustRegister(GateHardSyncTotal)
	prometheus.MustRegister(NoSlotDelaysTotal)
	prometheus.MustRegister(LeasesInFlight)
	prometheus.MustRegister(ReservedSlots)
	prometheus.MustRegister(JanitorRepairsTotal)
	prometheus.MustRegister(InvariantViolationsTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(WebhooksTotal)
	prometheus.MustRegister(DialsTotal)
	prometheus.MustRegister(ScheduledCallsTotal)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(CallEventsPublishedTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
