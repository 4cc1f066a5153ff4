// Package metrics records per-request gateway metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"banana-mixer/internal/models"
)

const namespace = "banana_mixer"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Collector holds the gateway metrics.
type Collector struct {
	requestsTotal  *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	vendorDuration *prometheus.HistogramVec
}

// NewCollector registers the gateway metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of edit and chat requests by outcome",
			},
			[]string{"route", "provider", "outcome"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of failure envelopes by error type and code",
			},
			[]string{"type", "code"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Total number of tokens reported by vendors",
			},
			[]string{"provider", "kind"}, // kind: prompt, completion
		),
		vendorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "vendor_duration_seconds",
				Help:      "Vendor call duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"provider"},
		),
	}
}

// ObserveVendorCall records the duration of one vendor call.
func (c *Collector) ObserveVendorCall(provider string, d time.Duration) {
	if c == nil {
		return
	}
	c.vendorDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordResponse counts an envelope returned to a caller.
func (c *Collector) RecordResponse(route, provider string, resp models.UnifiedResponse) {
	if c == nil {
		return
	}
	if provider == "" {
		provider = "none"
	}

	if resp.Error != nil {
		c.requestsTotal.WithLabelValues(route, provider, OutcomeFailure).Inc()
		c.errorsTotal.WithLabelValues(string(resp.Error.Kind), resp.Error.Code).Inc()
		return
	}

	c.requestsTotal.WithLabelValues(route, provider, OutcomeSuccess).Inc()
	if resp.Data != nil && resp.Data.Usage != nil {
		if n := resp.Data.Usage.PromptTokens; n > 0 {
			c.tokensTotal.WithLabelValues(provider, "prompt").Add(float64(n))
		}
		if n := resp.Data.Usage.CompletionTokens; n > 0 {
			c.tokensTotal.WithLabelValues(provider, "completion").Add(float64(n))
		}
	}
}
