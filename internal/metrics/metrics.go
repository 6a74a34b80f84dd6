// Package metrics holds the prometheus collectors for signing and Apple
// service traffic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a set of collectors bound to one registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	Signings       *prometheus.CounterVec
	SigningSeconds *prometheus.HistogramVec
	SignedBinaries prometheus.Counter
	AppleRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Signings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipasign_signings_total",
			Help: "Archive signing attempts by flow and result kind",
		}, []string{"flow", "result"}),
		SigningSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ipasign_signing_duration_seconds",
			Help:    "Wall time of a full archive signing",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"flow"}),
		SignedBinaries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ipasign_signed_binaries_total",
			Help: "Mach-O files written with a fresh signature",
		}),
		AppleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ipasign_apple_requests_total",
			Help: "Requests to Apple services by service and outcome",
		}, []string{"service", "outcome"}),
	}
	m.Registry.MustRegister(m.Signings, m.SigningSeconds, m.SignedBinaries, m.AppleRequests)
	return m
}

// ObserveSigning records one signing attempt.
func (m *Metrics) ObserveSigning(flow, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Signings.WithLabelValues(flow, result).Inc()
	m.SigningSeconds.WithLabelValues(flow).Observe(d.Seconds())
}

// AddSignedBinaries counts n freshly signed Mach-O files.
func (m *Metrics) AddSignedBinaries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SignedBinaries.Add(float64(n))
}

// AppleRequest counts one request to service ("auth", "anisette", "services").
func (m *Metrics) AppleRequest(service, outcome string) {
	if m == nil {
		return
	}
	m.AppleRequests.WithLabelValues(service, outcome).Inc()
}

// WriteFile dumps the registry in text exposition format.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}
