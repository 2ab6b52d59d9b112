// Package metrics registers the coordinator's Prometheus instrumentation,
// grounded on the teacher's internal/escrow.Metrics promauto pattern
// generalized from entropy/tax gauges to bounty/job/payout counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobLeaseTotal         *prometheus.CounterVec
	JobScoreDuration      prometheus.Histogram
	SubmissionTotal       *prometheus.CounterVec
	VerificationDuration  *prometheus.HistogramVec
	VerificationAttempts  *prometheus.CounterVec
	PayoutTotal           *prometheus.CounterVec
	PayoutAmountCents     *prometheus.HistogramVec
	OutboxBacklog         prometheus.Gauge
	OutboxDeadletterTotal *prometheus.CounterVec
	ArtifactScanTotal     *prometheus.CounterVec
	AdmissionIdle         prometheus.Gauge
	RateLimitRejections   *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		JobLeaseTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_job_lease_total",
			Help: "Total job lease attempts by outcome",
		}, []string{"outcome"}), // leased, rejected

		JobScoreDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "proofwork_job_score_duration_seconds",
			Help:    "Duration of jobs/next candidate scoring",
			Buckets: prometheus.DefBuckets,
		}),

		SubmissionTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_submission_total",
			Help: "Total submissions by resulting status",
		}, []string{"status"}), // submitted, replay, rejected

		VerificationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proofwork_verification_duration_seconds",
			Help:    "Duration from claim to verdict",
			Buckets: prometheus.DefBuckets,
		}, []string{"verdict"}),

		VerificationAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_verification_attempts_total",
			Help: "Total verification attempts by verdict",
		}, []string{"verdict"}), // pass, fail, inconclusive

		PayoutTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_payout_total",
			Help: "Total payouts by terminal status",
		}, []string{"status"}), // paid, failed, refunded

		PayoutAmountCents: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proofwork_payout_net_amount_cents",
			Help:    "Net payout amount in cents",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000, 50000},
		}, []string{"status"}),

		OutboxBacklog: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "proofwork_outbox_pending_count",
			Help: "Current count of pending outbox events",
		}),

		OutboxDeadletterTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_outbox_deadletter_total",
			Help: "Total outbox events dead-lettered by topic",
		}, []string{"topic"}),

		ArtifactScanTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_artifact_scan_total",
			Help: "Total artifact scan outcomes",
		}, []string{"outcome"}), // scanned, blocked

		AdmissionIdle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "proofwork_admission_idle",
			Help: "Whether jobs/next is currently refusing work (1) or not (0)",
		}),

		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "proofwork_rate_limit_rejections_total",
			Help: "Total requests rejected by the token-bucket rate limiter",
		}, []string{"route"}),
	}
}

func (m *Metrics) RecordLease(outcome string) {
	m.JobLeaseTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSubmission(status string) {
	m.SubmissionTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordVerification(verdict string, durationSec float64) {
	m.VerificationDuration.WithLabelValues(verdict).Observe(durationSec)
	m.VerificationAttempts.WithLabelValues(verdict).Inc()
}

func (m *Metrics) RecordPayout(status string, netAmountCents int64) {
	m.PayoutTotal.WithLabelValues(status).Inc()
	m.PayoutAmountCents.WithLabelValues(status).Observe(float64(netAmountCents))
}

func (m *Metrics) RecordArtifactScan(outcome string) {
	m.ArtifactScanTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetOutboxBacklog(n int) {
	m.OutboxBacklog.Set(float64(n))
}

func (m *Metrics) SetAdmissionIdle(idle bool) {
	if idle {
		m.AdmissionIdle.Set(1)
		return
	}
	m.AdmissionIdle.Set(0)
}

func (m *Metrics) RecordRateLimitRejection(route string) {
	m.RateLimitRejections.WithLabelValues(route).Inc()
}
