package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mutationsTotal counts mutation requests.
	// Labels: action (merge, split, update), dataset, status (ok, dry_run, or error kind)
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "npmutate",
		Subsystem: "mutations",
		Name:      "total",
		Help:      "Mutation requests by action, dataset and outcome",
	}, []string{"action", "dataset", "status"})

	// mutationLatency measures committed mutations from transaction start to commit.
	mutationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "npmutate",
		Subsystem: "mutations",
		Name:      "latency_seconds",
		Help:      "Mutation transaction latency in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"action", "dataset"})

	// mutationsInFlight is the number of mutation transactions holding the semaphore.
	mutationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "npmutate",
		Subsystem: "mutations",
		Name:      "in_flight",
		Help:      "Mutation transactions currently running",
	})
)
