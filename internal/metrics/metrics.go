// Package metrics holds the Prometheus instrumentation shared by the
// api, worker, and scheduler binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	JobsSent       prometheus.Counter
	JobsFailed     prometheus.Counter
	JobsDead       prometheus.Counter
	JobsDeduped    prometheus.Counter
	Dispatches     *prometheus.CounterVec
	NotifyCreated  prometheus.Counter
	NotifyDeduped  prometheus.Counter
	StepsScheduled prometheus.Counter
	StepsSkipped   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_sent_total", Help: "Outbound jobs delivered."}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_failed_total", Help: "Outbound job attempts that failed."}),
		JobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_dead_total", Help: "Outbound jobs that exhausted their attempts."}),
		JobsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_jobs_deduped_total", Help: "Job creates collapsed onto an existing row."}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatches_total", Help: "Notification dispatch outcomes."},
			[]string{"channel", "outcome"}),
		NotifyCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_notifications_created_total", Help: "Notifications created."}),
		NotifyDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_notifications_deduped_total", Help: "Notifications skipped by the dedupe window."}),
		StepsScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sequence_steps_scheduled_total", Help: "Sequence steps that passed conditions."}),
		StepsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sequence_steps_skipped_total", Help: "Sequence steps skipped."}),
	}
	reg.MustRegister(m.JobsSent, m.JobsFailed, m.JobsDead, m.JobsDeduped,
		m.Dispatches, m.NotifyCreated, m.NotifyDeduped, m.StepsScheduled, m.StepsSkipped)
	return m
}

// NewNop returns unregistered counters for tests.
func NewNop() *Metrics { return New(prometheus.NewRegistry()) }
