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
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"
)

func TestExporterMetrics(t *testing.T) {
	convey.Convey("Self metrics register at construction and track activity", t, func() {
		r := NewMeterRegistry()
		m := NewExporterMetrics(r)

		up, ok := metricValue(r, "up", labelMap{})
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(up, convey.ShouldEqual, 0)

		m.ScrapeStarted()
		m.ScrapeStarted()
		m.Error()
		m.SetUp(true)
		m.ObserveScrapeDuration(250 * time.Millisecond)

		scrapes, _ := metricValue(r, "greengage_exporter_total_scraped", labelMap{})
		convey.So(scrapes, convey.ShouldEqual, 2)

		errs, _ := metricValue(r, "greengage_exporter_total_error", labelMap{})
		convey.So(errs, convey.ShouldEqual, 1)

		up, _ = metricValue(r, "up", labelMap{})
		convey.So(up, convey.ShouldEqual, 1)

		duration, _ := metricValue(r, "greengage_exporter_scrape_duration_seconds", labelMap{})
		convey.So(duration, convey.ShouldEqual, 0.25)

		uptime, _ := metricValue(r, "greengage_exporter_uptime_seconds", labelMap{})
		convey.So(uptime, convey.ShouldBeGreaterThanOrEqualTo, 0)
	})

	convey.Convey("Collector errors count per collector name", t, func() {
		r := NewMeterRegistry()
		m := NewExporterMetrics(r)

		m.CollectorError("segment")
		m.CollectorError("segment")
		m.CollectorError("locks")

		v, _ := metricValue(r, "greengage_exporter_collector_error", labelMap{"collector": "segment"})
		convey.So(v, convey.ShouldEqual, 2)

		v, _ = metricValue(r, "greengage_exporter_collector_error", labelMap{"collector": "locks"})
		convey.So(v, convey.ShouldEqual, 1)
	})
}
