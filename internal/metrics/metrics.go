// Package metrics exposes engine counters on a registry owned by one run.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	steps    *prometheus.CounterVec
	phase    *prometheus.HistogramVec
	ess      *prometheus.GaugeVec
	faults   *prometheus.CounterVec
	logLik   *prometheus.GaugeVec
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smcflow_steps_total",
			Help: "Time steps completed per rank",
		}, []string{"rank"}),
		phase: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smcflow_phase_duration_seconds",
			Help:    "Wall time spent in each filtering phase",
			Buckets: prometheus.ExponentialBuckets(1e-5, 4, 10),
		}, []string{"rank", "phase"}),
		ess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smcflow_effective_sample_size",
			Help: "Effective sample size of the last normalized weights",
		}, []string{"run_id"}),
		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smcflow_particle_faults_total",
			Help: "Particles whose log-weight or state was not finite",
		}, []string{"rank"}),
		logLik: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smcflow_log_likelihood",
			Help: "Cumulative marginal log-likelihood estimate",
		}, []string{"run_id"}),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smcflow_redistributed_particles_sent_total",
			Help: "Particle states sent to other ranks during redistribution",
		}, []string{"rank"}),
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smcflow_redistributed_particles_received_total",
			Help: "Particle states received from other ranks during redistribution",
		}, []string{"rank"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Rank binds the per-rank label once so the engine loop does no label lookups.
func (m *Metrics) Rank(rank int, runID string) *RankMetrics {
	if m == nil {
		return nil
	}
	r := strconv.Itoa(rank)
	return &RankMetrics{
		m:        m,
		rank:     r,
		steps:    m.steps.WithLabelValues(r),
		faults:   m.faults.WithLabelValues(r),
		ess:      m.ess.WithLabelValues(runID),
		logLik:   m.logLik.WithLabelValues(runID),
		sent:     m.sent.WithLabelValues(r),
		received: m.received.WithLabelValues(r),
	}
}

// RankMetrics is safe to use through a nil pointer, which records nothing.
type RankMetrics struct {
	m        *Metrics
	rank     string
	steps    prometheus.Counter
	faults   prometheus.Counter
	ess      prometheus.Gauge
	logLik   prometheus.Gauge
	sent     prometheus.Counter
	received prometheus.Counter
}

func (r *RankMetrics) ObservePhase(phase string, d time.Duration) {
	if r == nil {
		return
	}
	r.m.phase.WithLabelValues(r.rank, phase).Observe(d.Seconds())
}

func (r *RankMetrics) StepDone(faults int) {
	if r == nil {
		return
	}
	r.steps.Inc()
	r.faults.Add(float64(faults))
}

func (r *RankMetrics) SetWeights(ess, logLikelihood float64) {
	if r == nil {
		return
	}
	r.ess.Set(ess)
	r.logLik.Set(logLikelihood)
}

func (r *RankMetrics) Redistributed(sent, received int) {
	if r == nil {
		return
	}
	r.sent.Add(float64(sent))
	r.received.Add(float64(received))
}
