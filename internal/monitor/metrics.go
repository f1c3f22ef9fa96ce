package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "jobclock"

type gauges struct {
	reg *prometheus.Registry

	totalJobs       prometheus.Gauge
	activeJobs      prometheus.Gauge
	pausedJobs      prometheus.Gauge
	armedJobs       prometheus.Gauge
	executionsToday prometheus.Gauge
	successRate     prometheus.Gauge
	failureRate     prometheus.Gauge
	avgDuration     prometheus.Gauge

	missed   prometheus.Counter
	reaped   prometheus.Counter
	disabled prometheus.Counter
	sweeps   *prometheus.CounterVec
}

func newGauges() *gauges {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	}
	g := &gauges{
		reg:             prometheus.NewRegistry(),
		totalJobs:       gauge("jobs_total", "Jobs in the store."),
		activeJobs:      gauge("jobs_active", "Enabled jobs."),
		pausedJobs:      gauge("jobs_paused", "Disabled jobs."),
		armedJobs:       gauge("jobs_armed", "Jobs with a live trigger in this process."),
		executionsToday: gauge("executions_today", "Executions started since midnight."),
		successRate:     gauge("execution_success_ratio", "Completed share of today's finished executions."),
		failureRate:     gauge("execution_failure_ratio", "Failed share of today's finished executions."),
		avgDuration:     gauge("execution_avg_duration_seconds", "Average duration of today's finished executions."),
		missed:          counter("missed_runs_total", "Missed runs detected by the monitor."),
		reaped:          counter("stuck_executions_reaped_total", "Stuck executions failed by the monitor."),
		disabled:        counter("jobs_auto_disabled_total", "Jobs disabled for chronic failure."),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_sweeps_total",
			Help:      "Monitor sweeps by result.",
		}, []string{"result"}),
	}
	g.reg.MustRegister(
		g.totalJobs, g.activeJobs, g.pausedJobs, g.armedJobs,
		g.executionsToday, g.successRate, g.failureRate, g.avgDuration,
		g.missed, g.reaped, g.disabled, g.sweeps,
	)
	return g
}

func (g *gauges) set(m Metrics) {
	g.totalJobs.Set(float64(m.TotalJobs))
	g.activeJobs.Set(float64(m.ActiveJobs))
	g.pausedJobs.Set(float64(m.PausedJobs))
	g.armedJobs.Set(float64(m.ArmedJobs))
	g.executionsToday.Set(float64(m.ExecutionsToday))
	g.successRate.Set(m.SuccessRate)
	g.failureRate.Set(m.FailureRate)
	g.avgDuration.Set(m.AvgDurationMs / 1000)
}
