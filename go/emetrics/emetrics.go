// Package emetrics is a thin facade over Prometheus used by the sync engine
// for counters, gauges and liveness metrics. Metric instances are cached by
// name+tags so call sites can re-request them cheaply.
package emetrics

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mtx       sync.Mutex
	registry  = prometheus.DefaultRegisterer
	counters  = map[string]prometheus.Counter{}
	gauges    = map[string]prometheus.Gauge{}
	liveness  = map[string]*Liveness{}
	histLocks = map[string]prometheus.Histogram{}
)

func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteString("|")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(tags[k])
	}
	return b.String()
}

// GetCounter returns the counter with the given name and tags, creating and
// registering it on first use.
func GetCounter(name string, tags map[string]string) prometheus.Counter {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if c, ok := counters[k]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, ConstLabels: tags})
	registry.MustRegister(c)
	counters[k] = c
	return c
}

// GetGauge returns the gauge with the given name and tags, creating and
// registering it on first use.
func GetGauge(name string, tags map[string]string) prometheus.Gauge {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if g, ok := gauges[k]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, ConstLabels: tags})
	registry.MustRegister(g)
	gauges[k] = g
	return g
}

// GetDurationHistogram returns a histogram for recording durations in seconds.
func GetDurationHistogram(name string, tags map[string]string) prometheus.Histogram {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if h, ok := histLocks[k]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		ConstLabels: tags,
		Buckets:     prometheus.ExponentialBuckets(0.05, 2, 14),
	})
	registry.MustRegister(h)
	histLocks[k] = h
	return h
}

// Liveness reports how long ago Reset was last called, as a gauge in seconds.
// A periodic task bumps it on every successful cycle; alerting keys off the
// gauge going stale.
type Liveness struct {
	g    prometheus.Gauge
	mtx  sync.Mutex
	last time.Time
}

// NewLiveness creates (or returns the existing) liveness metric with the given
// name.
func NewLiveness(name string, tags map[string]string) *Liveness {
	mtx.Lock()
	defer mtx.Unlock()
	k := key(name, tags)
	if l, ok := liveness[k]; ok {
		return l
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name + "_liveness_s", ConstLabels: tags})
	registry.MustRegister(g)
	l := &Liveness{g: g, last: time.Now()}
	liveness[k] = l
	return l
}

// Reset marks the task as alive now.
func (l *Liveness) Reset() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.last = time.Now()
	l.g.Set(0)
}

// Update refreshes the gauge with the time elapsed since the last Reset.
func (l *Liveness) Update() {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.g.Set(time.Since(l.last).Seconds())
}

// Timer measures the duration of a single operation and records it into a
// histogram on Stop.
type Timer struct {
	h     prometheus.Histogram
	begin time.Time
}

// NewTimer starts a timer recording into the named histogram.
func NewTimer(name string, tags map[string]string) *Timer {
	return &Timer{h: GetDurationHistogram(name, tags), begin: time.Now()}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.begin)
	t.h.Observe(d.Seconds())
	return d
}
