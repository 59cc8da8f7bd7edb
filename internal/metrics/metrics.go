// Package metrics exposes wizard activity counters to Prometheus.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"irriline/internal/derive"
	"irriline/internal/wizard"
)

// Outcomes recorded for stage commits.
const (
	OutcomeOK           = "ok"
	OutcomeInvalid      = "invalid"
	OutcomeUnavailable  = "unavailable"
	OutcomeNotReachable = "not_reachable"
	OutcomeError        = "error"
)

type Metrics struct {
	registry      *prometheus.Registry
	commits       *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	catalogMisses *prometheus.CounterVec
	transitions   *prometheus.CounterVec
}

// New registers collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irriline",
			Name:      "stage_commits_total",
			Help:      "Stage commit attempts by stage and outcome.",
		}, []string{"stage", "outcome"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irriline",
			Name:      "stage_invalidations_total",
			Help:      "Stages that lost completion, by stage.",
		}, []string{"stage"}),
		catalogMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irriline",
			Name:      "catalog_misses_total",
			Help:      "Catalog lookups that found no entry, by catalog kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "irriline",
			Name:      "project_status_transitions_total",
			Help:      "Project status changes by target status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.commits, m.invalidations, m.catalogMisses, m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveCommit records the outcome of a commit attempt.
func (m *Metrics) ObserveCommit(stage string, err error) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(stage, Outcome(err)).Inc()
	var nf derive.NotFoundError
	if errors.As(err, &nf) {
		m.catalogMisses.WithLabelValues(nf.Kind).Inc()
	}
}

func (m *Metrics) ObserveInvalidated(stages []string) {
	if m == nil {
		return
	}
	for _, s := range stages {
		m.invalidations.WithLabelValues(s).Inc()
	}
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// Outcome classifies a commit error into a label value.
func Outcome(err error) string {
	var (
		ve derive.ValidationError
		nf derive.NotFoundError
		nr wizard.NotReachableError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.As(err, &ve):
		return OutcomeInvalid
	case errors.As(err, &nf):
		return OutcomeUnavailable
	case errors.As(err, &nr):
		return OutcomeNotReachable
	default:
		return OutcomeError
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
