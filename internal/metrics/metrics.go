package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_dispatch_total",
		Help: "Messages handed to the sender, by outcome",
	}, []string{"kind", "channel", "result"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaign_dispatch_duration_seconds",
		Help:    "Time spent in Sender.Send",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind", "channel"})

	RunnerFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_runner_faults_total",
		Help: "Runners stopped because bookkeeping could not be persisted",
	})

	ActiveRunners = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "campaign_active_runners",
		Help: "Campaign runner loops currently attached in this process",
	})

	ControlCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "campaign_control_commands_total",
		Help: "Control surface commands, by action and result",
	}, []string{"action", "result"})

	CounterDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_counter_drift_total",
		Help: "Reconcile runs that found cached counters out of sync with recipient rows",
	})

	HTTPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "campaign_api_rate_limited_total",
		Help: "API requests rejected by the rate limiter",
	})
)
