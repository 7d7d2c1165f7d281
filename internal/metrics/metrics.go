// Package metrics carries the optional instrumentation used by the server
// and transport. Callers depend on the Sink interface; Prometheus is the
// concrete sink wired by cmd/bayeuxd.
package metrics

import (
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	SessionsCreated   = "sessions_created_total"
	SessionsRemoved   = "sessions_removed_total"
	SessionsLive      = "sessions_live"
	MessagesPublished = "messages_published_total"
	PollsSuspended    = "longpolls_suspended"
	PollsResumed      = "longpoll_resumes_total"
	QueueDrained      = "queue_drain_size"
	BrokerReceived    = "broker_messages_received_total"
	BadRequests       = "http_bad_requests_total"
)

// Sink allows optional instrumentation without a hard dependency on a
// metrics backend.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	AddGauge(name string, delta float64, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string)                {}
func (Nop) AddGauge(string, float64, map[string]string)         {}
func (Nop) ObserveHistogram(string, float64, map[string]string) {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}

// Prometheus registers a vector per metric name on first use. The label set
// is fixed by the tags of that first observation; later tags missing a label
// report it empty and extra tags are ignored.
type Prometheus struct {
	reg       prometheus.Registerer
	namespace string

	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

// NewPrometheus creates a sink registering on reg under namespace.
func NewPrometheus(reg prometheus.Registerer, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Prometheus{
		reg:       reg,
		namespace: namespace,
		counters:  make(map[string]*prometheus.CounterVec),
		gauges:    make(map[string]*prometheus.GaugeVec),
		hists:     make(map[string]*prometheus.HistogramVec),
		labels:    make(map[string][]string),
	}
}

func (p *Prometheus) IncCounter(name string, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: p.namespace, Name: name}, p.labelsFor(name, tags))
		p.register(vec)
		p.counters[name] = vec
	}
	values := p.values(name, tags)
	p.mu.Unlock()
	vec.WithLabelValues(values...).Inc()
}

func (p *Prometheus) AddGauge(name string, delta float64, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: p.namespace, Name: name}, p.labelsFor(name, tags))
		p.register(vec)
		p.gauges[name] = vec
	}
	values := p.values(name, tags)
	p.mu.Unlock()
	vec.WithLabelValues(values...).Add(delta)
}

func (p *Prometheus) ObserveHistogram(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	vec, ok := p.hists[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, p.labelsFor(name, tags))
		p.register(vec)
		p.hists[name] = vec
	}
	values := p.values(name, tags)
	p.mu.Unlock()
	vec.WithLabelValues(values...).Observe(value)
}

func (p *Prometheus) register(c prometheus.Collector) {
	// Registration only fails on duplicates, which the maps above prevent.
	_ = p.reg.Register(c)
}

func (p *Prometheus) labelsFor(name string, tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	p.labels[name] = keys
	return keys
}

func (p *Prometheus) values(name string, tags map[string]string) []string {
	keys := p.labels[name]
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = tags[k]
	}
	return out
}
