// Package prompush implements metrics.Backend on a private Prometheus
// registry that is pushed to a Pushgateway on Flush.
//
// Collectors are created lazily on first observation. The label names of a
// metric are fixed by that first observation; later observations with a
// different label set are dropped.
package prompush

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"scrapeline/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// pusher is the part of *push.Pusher used by Flush.
type pusher interface {
	Push() error
}

// Backend buffers observations in Prometheus collectors.
type Backend struct {
	reg    *prometheus.Registry
	pusher pusher

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewBackend creates a backend pushing to gatewayURL under job jobName.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if strings.TrimSpace(gatewayURL) == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	if jobName == "" {
		jobName = "scrape"
	}
	reg := prometheus.NewRegistry()
	b := newBackend(reg, push.New(gatewayURL, jobName).Gatherer(reg))
	return b, nil
}

func newBackend(reg *prometheus.Registry, p pusher) *Backend {
	return &Backend{
		reg:        reg,
		pusher:     p,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 || name == "" {
		return
	}
	pl := promLabels(labels)
	keys := labelNames(pl)

	b.mu.Lock()
	vec, ok := b.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, keys)
		if err := b.reg.Register(vec); err != nil {
			b.mu.Unlock()
			return
		}
		b.counters[name] = vec
	}
	b.mu.Unlock()

	c, err := vec.GetMetricWith(pl)
	if err != nil {
		return
	}
	c.Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name == "" {
		return
	}
	pl := promLabels(labels)
	keys := labelNames(pl)

	b.mu.Lock()
	vec, ok := b.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: bucketsFor(name),
		}, keys)
		if err := b.reg.Register(vec); err != nil {
			b.mu.Unlock()
			return
		}
		b.histograms[name] = vec
	}
	b.mu.Unlock()

	h, err := vec.GetMetricWith(pl)
	if err != nil {
		return
	}
	h.Observe(value)
}

// Flush pushes the registry. Collectors keep their values; the gateway
// replaces the previous push for the job.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("pushgateway push: %w", err)
	}
	return nil
}

func bucketsFor(name string) []float64 {
	if strings.HasSuffix(name, "_bytes") {
		return prometheus.ExponentialBuckets(1024, 4, 8)
	}
	return prometheus.DefBuckets
}

// promLabels drops "job": the pusher already groups by job and rejects
// metrics carrying their own job label.
func promLabels(l metrics.Labels) prometheus.Labels {
	out := make(prometheus.Labels, len(l))
	for k, v := range l {
		if k == "job" {
			continue
		}
		out[k] = v
	}
	return out
}

func labelNames(l prometheus.Labels) []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)
