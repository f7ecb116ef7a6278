package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler captures background scheduler activity.
type Scheduler interface {
	IncInstancesProcessed(job, outcome string)
	IncFutureTasksFired(outcome string)
	AddStaleLocksRemoved(n int)
	ObserveJobRun(job string, durationSeconds float64, failed bool)
}

// API captures request metrics for the HTTP API.
type API interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Scheduler and API without emitting anything.
type Noop struct{}

func (Noop) IncInstancesProcessed(string, string)           {}
func (Noop) IncFutureTasksFired(string)                     {}
func (Noop) AddStaleLocksRemoved(int)                       {}
func (Noop) ObserveJobRun(string, float64, bool)            {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Scheduler and API backed by Prometheus collectors.
type Prom struct {
	instancesProcessed *prometheus.CounterVec
	futureTasksFired   *prometheus.CounterVec
	staleLocksRemoved  prometheus.Counter
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	requests           *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
}

// NewProm registers collectors on reg; a nil reg uses the default registerer.
func NewProm(namespace string, reg prometheus.Registerer) *Prom {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prom{
		instancesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_instances_processed_total",
			Help:      "Process instances advanced by the background scheduler",
		}, []string{"job", "outcome"}),
		futureTasksFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "future_tasks_fired_total",
			Help:      "Timer tasks fired by outcome",
		}, []string{"outcome"}),
		staleLocksRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_locks_removed_total",
			Help:      "Process instance locks confiscated after the stale window",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "Background job runs by job and result",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_job_duration_seconds",
			Help:      "Background job run duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		p.instancesProcessed,
		p.futureTasksFired,
		p.staleLocksRemoved,
		p.jobRuns,
		p.jobDuration,
		p.requests,
		p.requestLatency,
	)
	return p
}

func (p *Prom) IncInstancesProcessed(job, outcome string) {
	p.instancesProcessed.WithLabelValues(job, outcome).Inc()
}

func (p *Prom) IncFutureTasksFired(outcome string) {
	p.futureTasksFired.WithLabelValues(outcome).Inc()
}

func (p *Prom) AddStaleLocksRemoved(n int) {
	if n > 0 {
		p.staleLocksRemoved.Add(float64(n))
	}
}

func (p *Prom) ObserveJobRun(job string, durationSeconds float64, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	p.jobRuns.WithLabelValues(job, result).Inc()
	p.jobDuration.WithLabelValues(job).Observe(durationSeconds)
}

func (p *Prom) ObserveRequest(method, route, status string, durationSeconds float64) {
	p.requests.WithLabelValues(method, route, status).Inc()
	p.requestLatency.WithLabelValues(method, route).Observe(durationSeconds)
}

// Handler returns an HTTP handler exposing g; a nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
