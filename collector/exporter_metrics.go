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
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExporterMetrics holds the exporter's self metrics, registered at process
// start independent of database state.
type ExporterMetrics struct {
	registry *MeterRegistry

	scrapesTotal   *Counter
	errorsTotal    *Counter
	scrapeDuration *Summary

	mu              sync.Mutex
	collectorErrors map[string]*Counter

	dbUp  atomic.Bool
	start time.Time
}

func NewExporterMetrics(registry *MeterRegistry) *ExporterMetrics {
	m := &ExporterMetrics{
		registry:        registry,
		collectorErrors: make(map[string]*Counter),
		start:           time.Now(),
	}
	m.scrapesTotal, _ = registry.Counter(
		metricName(subsystemExporter, "total_scraped"),
		"Total number of scrape attempts.",
		nil,
	)
	m.errorsTotal, _ = registry.Counter(
		metricName(subsystemExporter, "total_error"),
		"Total number of scrape-level and collector errors.",
		nil,
	)
	m.scrapeDuration, _ = registry.Summary(
		metricName(subsystemExporter, "scrape_duration_seconds"),
		"Duration of each scrape.",
		nil,
	)
	registry.GaugeFunc("up", "Whether the last database verify phase succeeded.", nil, func() float64 {
		if m.dbUp.Load() {
			return 1
		}
		return 0
	})
	registry.GaugeFunc(
		metricName(subsystemExporter, "uptime_seconds"),
		"Seconds since the exporter process started.",
		nil,
		func() float64 { return time.Since(m.start).Seconds() },
	)
	return m
}

func (m *ExporterMetrics) ScrapeStarted() { m.scrapesTotal.Inc() }
func (m *ExporterMetrics) Error()         { m.errorsTotal.Inc() }

func (m *ExporterMetrics) CollectorError(collector string) {
	m.mu.Lock()
	c, ok := m.collectorErrors[collector]
	if !ok {
		c, _ = m.registry.Counter(
			metricName(subsystemExporter, "collector_error"),
			"Number of errors per collector.",
			prometheus.Labels{"collector": collector},
		)
		m.collectorErrors[collector] = c
	}
	m.mu.Unlock()
	c.Inc()
}

func (m *ExporterMetrics) SetUp(up bool) { m.dbUp.Store(up) }
func (m *ExporterMetrics) Up() bool      { return m.dbUp.Load() }

func (m *ExporterMetrics) ObserveScrapeDuration(d time.Duration) {
	m.scrapeDuration.Observe(d.Seconds())
}

// Scrapes and Errors expose current counter values for tests and logging.
func (m *ExporterMetrics) Scrapes() float64 { return m.scrapesTotal.Value() }
func (m *ExporterMetrics) Errors() float64  { return m.errorsTotal.Value() }
