// Copyright 2026 The Greengage Exporter Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// MeterID identifies a registered meter: fully qualified name plus the
// serialized label set. It is the handle used to remove a meter again.
type MeterID struct {
	name   string
	labels string
}

func labelKey(labels prometheus.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// Counter is a monotonically increasing float value exposed through the
// registry. Safe for concurrent use.
type Counter struct {
	bits atomic.Uint64
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(v float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + v)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *Counter) Value() float64 {
	return math.Float64frombits(c.bits.Load())
}

// Summary accumulates observation count and sum, exposed as a Prometheus
// summary without quantiles.
type Summary struct {
	mu    sync.Mutex
	count uint64
	sum   float64
}

func (s *Summary) Observe(v float64) {
	s.mu.Lock()
	s.count++
	s.sum += v
	s.mu.Unlock()
}

func (s *Summary) snapshot() (uint64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.sum
}

type meterKind int

const (
	gaugeMeter meterKind = iota
	counterMeter
	summaryMeter
)

type meter struct {
	kind meterKind
	name string
	help string

	desc *prometheus.Desc

	// labelsFn is set for gauges whose labels are re-read each scrape
	// (the cluster_state gauge); desc is nil in that case.
	labelsFn func() prometheus.Labels

	read    func() float64
	counter *Counter
	summary *Summary
}

// MeterRegistry registers gauges whose values are read from supplier
// closures, plus counters and summaries, keyed by meter identity.
// It implements prometheus.Collector so it can be served through promhttp;
// HTTP reads never trigger collection, they re-read the current suppliers.
type MeterRegistry struct {
	mu     sync.RWMutex
	meters map[MeterID]*meter
}

func NewMeterRegistry() *MeterRegistry {
	return &MeterRegistry{meters: make(map[MeterID]*meter)}
}

// GaugeFunc registers a gauge read from the supplier. Registering the same
// identity twice keeps the first registration and returns its id.
func (r *MeterRegistry) GaugeFunc(name, help string, labels prometheus.Labels, read func() float64) MeterID {
	id := MeterID{name: name, labels: labelKey(labels)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meters[id]; ok {
		return id
	}
	r.meters[id] = &meter{
		kind: gaugeMeter,
		name: name,
		help: help,
		desc: prometheus.NewDesc(name, help, nil, labels),
		read: read,
	}
	return id
}

// GaugeFuncDynamic registers a gauge whose label values are recomputed on
// every exposition. Only one dynamic gauge per name may exist.
func (r *MeterRegistry) GaugeFuncDynamic(name, help string, labelsFn func() prometheus.Labels, read func() float64) MeterID {
	id := MeterID{name: name, labels: "*"}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meters[id]; ok {
		return id
	}
	r.meters[id] = &meter{
		kind:     gaugeMeter,
		name:     name,
		help:     help,
		labelsFn: labelsFn,
		read:     read,
	}
	return id
}

func (r *MeterRegistry) Counter(name, help string, labels prometheus.Labels) (*Counter, MeterID) {
	id := MeterID{name: name, labels: labelKey(labels)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meters[id]; ok {
		return m.counter, id
	}
	c := &Counter{}
	r.meters[id] = &meter{
		kind:    counterMeter,
		name:    name,
		help:    help,
		desc:    prometheus.NewDesc(name, help, nil, labels),
		counter: c,
	}
	return c, id
}

func (r *MeterRegistry) Summary(name, help string, labels prometheus.Labels) (*Summary, MeterID) {
	id := MeterID{name: name, labels: labelKey(labels)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meters[id]; ok {
		return m.summary, id
	}
	s := &Summary{}
	r.meters[id] = &meter{
		kind:    summaryMeter,
		name:    name,
		help:    help,
		desc:    prometheus.NewDesc(name, help, nil, labels),
		summary: s,
	}
	return s, id
}

// Remove unregisters the meter with the given identity. Reports whether a
// meter was actually removed.
func (r *MeterRegistry) Remove(id MeterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.meters[id]; !ok {
		return false
	}
	delete(r.meters, id)
	return true
}

func (r *MeterRegistry) Has(id MeterID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.meters[id]
	return ok
}

func (r *MeterRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meters)
}

// Describe intentionally sends nothing: the meter set changes at runtime
// through entity churn, so the registry acts as an unchecked collector.
func (r *MeterRegistry) Describe(chan<- *prometheus.Desc) {}

func (r *MeterRegistry) Collect(ch chan<- prometheus.Metric) {
	r.mu.RLock()
	meters := make([]*meter, 0, len(r.meters))
	for _, m := range r.meters {
		meters = append(meters, m)
	}
	r.mu.RUnlock()

	for _, m := range meters {
		switch m.kind {
		case gaugeMeter:
			desc := m.desc
			if desc == nil {
				desc = prometheus.NewDesc(m.name, m.help, nil, m.labelsFn())
			}
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, m.read())
		case counterMeter:
			ch <- prometheus.MustNewConstMetric(m.desc, prometheus.CounterValue, m.counter.Value())
		case summaryMeter:
			count, sum := m.summary.snapshot()
			ch <- prometheus.MustNewConstSummary(m.desc, count, sum, nil)
		}
	}
}

var _ prometheus.Collector = (*MeterRegistry)(nil)
