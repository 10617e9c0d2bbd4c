package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "repair_dispatch"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Lifecycle actions by outcome"},
		[]string{"action", "result"},
	)
	AcceptRacesLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_races_lost_total", Help: "Accept attempts that lost to another technician"})

	BroadcastCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_candidates",
		Help:      "Number of technicians an offer was broadcast to",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	BroadcastRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_retries_total", Help: "Broadcast attempts that found no candidate"})
	UnfulfilledTotal      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "unfulfilled_total", Help: "Requests flagged unfulfilled after the retry window"})
	OffersPushedTotal     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_pushed_total", Help: "Offer pushes by outcome"},
		[]string{"result"},
	)

	FundingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "funding_total", Help: "Visit fee funding attempts"},
		[]string{"mode", "result"},
	)
	CompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "funding_compensations_total", Help: "Funding rolled back after a failed create"},
		[]string{"mode", "result"},
	)
	SettledAmount = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "settled_amount_total", Help: "Sum credited to technicians on verified completion"})

	OTPVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "otp_verifications_total", Help: "Completion code checks by outcome"},
		[]string{"result"},
	)

	TechniciansAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "technicians_available", Help: "Technicians known to the in-memory geo index as available"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
