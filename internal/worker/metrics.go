package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasearch",
		Subsystem: "worker",
		Name:      "tasks_total",
		Help:      "Processed task attempts by result.",
	}, []string{"result"})

	heartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediasearch",
		Subsystem: "worker",
		Name:      "heartbeats_total",
		Help:      "Successful heartbeat writes.",
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasearch",
		Subsystem: "worker",
		Name:      "commands_total",
		Help:      "Operator commands obeyed, by command.",
	}, []string{"command"})

	// ClaimsTotal is shared by the stage tasks to count queue claims.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediasearch",
		Subsystem: "queue",
		Name:      "claims_total",
		Help:      "Asset claims by stage.",
	}, []string{"stage"})

	// StageDuration tracks per-stage processing time.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mediasearch",
		Subsystem: "worker",
		Name:      "stage_duration_seconds",
		Help:      "Wall time spent per processed asset, by stage.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"stage"})
)
