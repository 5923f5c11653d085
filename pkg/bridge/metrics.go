package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torchbridge_steps_total",
		Help: "Evaluation steps by action and result",
	}, []string{"action", "result"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "torchbridge_step_duration_seconds",
		Help:    "Duration of one evaluation step (forward and all backward passes)",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"action"})

	backwardPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torchbridge_backward_passes_total",
		Help: "Backward passes run, one per output per step",
	})

	undefinedGradients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "torchbridge_undefined_gradients_total",
		Help: "Outputs whose gradient was undefined and published as zeros",
	})
)
