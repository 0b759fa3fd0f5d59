package metrics

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Metric is one named counter or gauge with its label set.
type Metric struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Value       float64           `json:"value"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TimerMetric accumulates duration samples for one operation.
type TimerMetric struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Count       int64             `json:"count"`
	TotalMs     float64           `json:"total_ms"`
	MinMs       float64           `json:"min_ms"`
	MaxMs       float64           `json:"max_ms"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Registry holds process-local metrics, exposed as JSON on the metrics
// endpoint. Not a replacement for a real TSDB; enough for a single daemon.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Metric
	gauges   map[string]*Metric
	timers   map[string]*TimerMetric
}

func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Metric),
		gauges:   make(map[string]*Metric),
		timers:   make(map[string]*TimerMetric),
	}
}

var defaultRegistry = NewRegistry()

// GetRegistry returns the process-wide registry.
func GetRegistry() *Registry {
	return defaultRegistry
}

func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.AddToCounter(name, 1, labels, description)
}

func (r *Registry) AddToCounter(name string, value float64, labels map[string]string, description string) {
	key := metricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.counters[key]
	if !ok {
		m = &Metric{Name: name, Description: description, Labels: copyLabels(labels)}
		r.counters[key] = m
	}
	m.Value += value
	m.UpdatedAt = time.Now()
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	key := metricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.gauges[key]
	if !ok {
		m = &Metric{Name: name, Description: description, Labels: copyLabels(labels)}
		r.gauges[key] = m
	}
	m.Value = value
	m.UpdatedAt = time.Now()
}

func (r *Registry) RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	key := metricKey(name, labels)
	ms := float64(duration.Milliseconds())

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		t = &TimerMetric{Name: name, Description: description, Labels: copyLabels(labels), MinMs: ms, MaxMs: ms}
		r.timers[key] = t
	}
	t.Count++
	t.TotalMs += ms
	if ms < t.MinMs {
		t.MinMs = ms
	}
	if ms > t.MaxMs {
		t.MaxMs = ms
	}
	t.UpdatedAt = time.Now()
}

// Snapshot returns all metrics grouped by kind.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counters := make([]Metric, 0, len(r.counters))
	for _, m := range r.counters {
		counters = append(counters, *m)
	}
	gauges := make([]Metric, 0, len(r.gauges))
	for _, m := range r.gauges {
		gauges = append(gauges, *m)
	}
	timers := make([]TimerMetric, 0, len(r.timers))
	for _, t := range r.timers {
		timers = append(timers, *t)
	}

	return map[string]interface{}{
		"counters": counters,
		"gauges":   gauges,
		"timers":   timers,
	}
}

func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range keys {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	copied := make(map[string]string, len(labels))
	for k, v := range labels {
		copied[k] = v
	}
	return copied
}

// Package-level helpers against the default registry.

func IncrementCounter(name string, labels map[string]string, description string) {
	defaultRegistry.IncrementCounter(name, labels, description)
}

func AddToCounter(name string, value float64, labels map[string]string, description string) {
	defaultRegistry.AddToCounter(name, value, labels, description)
}

func SetGauge(name string, value float64, labels map[string]string, description string) {
	defaultRegistry.SetGauge(name, value, labels, description)
}

func RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	defaultRegistry.RecordTimer(name, duration, labels, description)
}

// Snapshot returns all metrics from the default registry.
func Snapshot() map[string]interface{} {
	return defaultRegistry.Snapshot()
}
