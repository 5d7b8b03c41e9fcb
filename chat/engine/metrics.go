package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	turnsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_turns_started_total",
		Help: "Number of message turns started, by mode",
	}, []string{"mode"})

	turnsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_turns_completed_total",
		Help: "Number of message turns resolved, by mode and outcome",
	}, []string{"mode", "outcome"})

	turnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_turn_duration_seconds",
		Help:    "Wall time from send to turn resolution",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	streamChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_stream_chunks_total",
		Help: "Number of content increments applied to transcripts",
	}, []string{"mode"})

	persistenceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_persistence_retries_total",
		Help: "Number of retried persistence writes, by mode and outcome",
	}, []string{"mode", "outcome"})
)
