package assessment

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskdesk",
		Subsystem: "assessment",
		Name:      "runs_started_total",
		Help:      "Assessment runs accepted, by risk type.",
	}, []string{"risk_type"})

	runsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskdesk",
		Subsystem: "assessment",
		Name:      "runs_finished_total",
		Help:      "Assessment runs finished, by risk type and outcome.",
	}, []string{"risk_type", "outcome"}) // "completed" or an error kind

	runsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "riskdesk",
		Subsystem: "assessment",
		Name:      "runs_in_flight",
		Help:      "Assessment runs currently executing, by risk type.",
	}, []string{"risk_type"})

	pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "riskdesk",
		Subsystem: "assessment",
		Name:      "polls_total",
		Help:      "Status polls by risk type and outcome.",
	}, []string{"risk_type", "outcome"}) // "pending", "completed", "skipped", "fatal"

	runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "riskdesk",
		Subsystem: "assessment",
		Name:      "run_duration_seconds",
		Help:      "Time from run start to completion or failure.",
		Buckets:   []float64{1, 10, 60, 120, 300, 600, 1200, 1800, 3600, 7200, 21600},
	}, []string{"risk_type"})
)

func init() {
	prometheus.MustRegister(runsStarted, runsFinished, runsInFlight, pollsTotal, runDuration)
}
