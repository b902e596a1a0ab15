package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_enqueue_total", Help: "Queue enqueue results"},
		[]string{"result"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_dispatch_total", Help: "Dispatch worker outcomes"},
		[]string{"result"},
	)
	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_send_failures_total", Help: "Transport failures by code"},
		[]string{"code", "http_status"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "wadispatch_send_latency_seconds", Help: "Transport send latency"},
	)
	Throttled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wadispatch_throttled_total", Help: "Rate limiter denials"},
		[]string{"reason"},
	)
	QuotaDenied = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_quota_denied_total", Help: "Sends denied for insufficient balance"},
	)
	InvalidTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_invalid_transitions_total", Help: "Ledger state-machine anomalies"},
	)
	BatchesDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_batches_dispatched_total", Help: "Orchestrator batches dispatched"},
	)
	BatchesPaused = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_batches_paused_total", Help: "Batches paused on pre-flight"},
	)
	CampaignsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_campaigns_completed_total", Help: "Campaigns finalized"},
	)
	StuckReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_stuck_reclaimed_total", Help: "Stuck attempts reclaimed"},
	)
	RetriesRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_retries_requeued_total", Help: "Due retries requeued by sweeper"},
	)
	ReservationsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "wadispatch_reservations_expired_total", Help: "Quota reservations expired"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, Enqueues, Dispatches, SendFailures, SendLatency, Throttled,
		QuotaDenied, InvalidTransitions, BatchesDispatched, BatchesPaused,
		CampaignsCompleted, StuckReclaimed, RetriesRequeued, ReservationsExpired,
	)
}
