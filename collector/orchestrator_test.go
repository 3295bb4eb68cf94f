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
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/promslog"
	"github.com/smartystreets/goconvey/convey"
)

type fakeVerifier struct {
	failConns int
	connCalls int
	version   Version
	err       error
}

func (f *fakeVerifier) TestConnection(context.Context) bool {
	f.connCalls++
	return f.connCalls > f.failConns
}

func (f *fakeVerifier) DetectVersion(context.Context) (Version, error) {
	return f.version, f.err
}

type fakeProvider struct {
	dbs      []NamedDB
	cleanups int
}

func (f *fakeProvider) Datasources(context.Context, *sql.DB) []NamedDB { return f.dbs }
func (f *fakeProvider) Cleanup()                                       { f.cleanups++ }

type fakeCollector struct {
	name  string
	group Group
	calls int
	fn    func() error
}

func (f *fakeCollector) Name() string { return f.name }
func (f *fakeCollector) Help() string { return f.name }
func (f *fakeCollector) Group() Group { return f.group }
func (f *fakeCollector) Collect(context.Context, *sql.DB, Version) error {
	f.calls++
	if f.fn != nil {
		return f.fn()
	}
	return nil
}

func newTestOrchestrator(cfg OrchestratorConfig, verifier *fakeVerifier, provider *fakeProvider, collectors ...Collector) (*Orchestrator, *ExporterMetrics) {
	metrics := NewExporterMetrics(NewMeterRegistry())
	o := NewOrchestrator(cfg, nil, verifier, provider, metrics, collectors, promslog.NewNopLogger())
	o.sleep = func(time.Duration) {}
	return o, metrics
}

func TestScrapeSuccess(t *testing.T) {
	convey.Convey("A clean scrape runs all collectors and caches the result", t, func() {
		general := &fakeCollector{name: "g1", group: General}
		perDB := &fakeCollector{name: "p1", group: PerDB}
		provider := &fakeProvider{dbs: []NamedDB{{Name: "a"}, {Name: "b"}}}
		o, metrics := newTestOrchestrator(DefaultOrchestratorConfig(), &fakeVerifier{}, provider, general, perDB)

		o.Scrape(context.Background())

		convey.So(general.calls, convey.ShouldEqual, 1)
		convey.So(perDB.calls, convey.ShouldEqual, 2)
		convey.So(provider.cleanups, convey.ShouldEqual, 1)
		convey.So(metrics.Up(), convey.ShouldBeTrue)
		convey.So(metrics.Scrapes(), convey.ShouldEqual, 1)
		convey.So(metrics.Errors(), convey.ShouldEqual, 0)

		last := o.LastResult()
		convey.So(last, convey.ShouldNotBeNil)
		convey.So(last.Success, convey.ShouldBeTrue)
	})
}

func TestScrapeCoalescing(t *testing.T) {
	convey.Convey("Overlapping scrapes do not run collectors twice", t, func() {
		release := make(chan struct{})
		started := make(chan struct{})
		slow := &fakeCollector{name: "slow", group: General, fn: func() error {
			close(started)
			<-release
			return nil
		}}
		o, _ := newTestOrchestrator(DefaultOrchestratorConfig(), &fakeVerifier{}, &fakeProvider{}, slow)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Scrape(context.Background())
		}()
		<-started

		// This call must return promptly while the first scrape holds the lock.
		o.Scrape(context.Background())
		convey.So(slow.calls, convey.ShouldEqual, 1)

		close(release)
		wg.Wait()
		convey.So(o.LastResult().Success, convey.ShouldBeTrue)
	})
}

func TestVerifyRetries(t *testing.T) {
	convey.Convey("Connection failures retry with linearly growing delay", t, func() {
		cfg := DefaultOrchestratorConfig()
		verifier := &fakeVerifier{failConns: 2}
		collector := &fakeCollector{name: "g", group: General}
		o, metrics := newTestOrchestrator(cfg, verifier, &fakeProvider{}, collector)

		var slept []time.Duration
		o.sleep = func(d time.Duration) { slept = append(slept, d) }

		o.Scrape(context.Background())

		convey.So(slept, convey.ShouldResemble, []time.Duration{
			cfg.ConnectionRetryDelay,
			2 * cfg.ConnectionRetryDelay,
		})
		convey.So(collector.calls, convey.ShouldEqual, 1)
		convey.So(metrics.Up(), convey.ShouldBeTrue)
	})

	convey.Convey("Exhausted attempts mark the database down and skip collectors", t, func() {
		verifier := &fakeVerifier{failConns: 10}
		collector := &fakeCollector{name: "g", group: General}
		o, metrics := newTestOrchestrator(DefaultOrchestratorConfig(), verifier, &fakeProvider{}, collector)

		o.Scrape(context.Background())

		convey.So(verifier.connCalls, convey.ShouldEqual, 3)
		convey.So(collector.calls, convey.ShouldEqual, 0)
		convey.So(metrics.Up(), convey.ShouldBeFalse)
		convey.So(metrics.Errors(), convey.ShouldEqual, 1)
		convey.So(o.LastResult(), convey.ShouldBeNil)
	})

	convey.Convey("Version detection failure marks the database down", t, func() {
		verifier := &fakeVerifier{err: errTest}
		collector := &fakeCollector{name: "g", group: General}
		o, metrics := newTestOrchestrator(DefaultOrchestratorConfig(), verifier, &fakeProvider{}, collector)

		o.Scrape(context.Background())

		convey.So(collector.calls, convey.ShouldEqual, 0)
		convey.So(metrics.Up(), convey.ShouldBeFalse)
	})
}

func TestCircuitBreaker(t *testing.T) {
	failing := func(name string) *fakeCollector {
		return &fakeCollector{name: name, group: General, fn: func() error { return errTest }}
	}

	convey.Convey("Reaching the threshold aborts the remaining collectors", t, func() {
		cfg := DefaultOrchestratorConfig()
		cfg.CollectorFailureThreshold = 2
		f1, f2, f3 := failing("f1"), failing("f2"), failing("f3")
		o, metrics := newTestOrchestrator(cfg, &fakeVerifier{}, &fakeProvider{}, f1, f2, f3)

		o.Scrape(context.Background())

		convey.So(f1.calls, convey.ShouldEqual, 1)
		convey.So(f2.calls, convey.ShouldEqual, 1)
		convey.So(f3.calls, convey.ShouldEqual, 0)
		convey.So(metrics.Errors(), convey.ShouldEqual, 2)
		convey.So(o.LastResult(), convey.ShouldBeNil)
	})

	convey.Convey("With the breaker disabled every collector still runs", t, func() {
		cfg := DefaultOrchestratorConfig()
		cfg.CollectorFailureThreshold = 2
		cfg.CircuitBreakerEnabled = false
		f1, f2, f3 := failing("f1"), failing("f2"), failing("f3")
		ok := &fakeCollector{name: "ok", group: General}
		o, metrics := newTestOrchestrator(cfg, &fakeVerifier{}, &fakeProvider{}, f1, f2, f3, ok)

		o.Scrape(context.Background())

		convey.So(f3.calls, convey.ShouldEqual, 1)
		convey.So(ok.calls, convey.ShouldEqual, 1)
		convey.So(metrics.Errors(), convey.ShouldEqual, 3)
		// Failures without a trip still count as a completed scrape.
		convey.So(o.LastResult().Success, convey.ShouldBeTrue)
	})

	convey.Convey("A trip during per-db collection still cleans up datasources", t, func() {
		cfg := DefaultOrchestratorConfig()
		cfg.CollectorFailureThreshold = 1
		perDB := &fakeCollector{name: "p", group: PerDB, fn: func() error { return errTest }}
		provider := &fakeProvider{dbs: []NamedDB{{Name: "a"}, {Name: "b"}}}
		o, _ := newTestOrchestrator(cfg, &fakeVerifier{}, provider, perDB)

		o.Scrape(context.Background())

		convey.So(perDB.calls, convey.ShouldEqual, 1)
		convey.So(provider.cleanups, convey.ShouldEqual, 1)
	})
}

func TestScrapeResultStaleness(t *testing.T) {
	convey.Convey("Results age out of the cache window", t, func() {
		fresh := ScrapeResult{Start: time.Now(), Success: true}
		convey.So(fresh.IsStale(30*time.Second), convey.ShouldBeFalse)

		old := ScrapeResult{Start: time.Now().Add(-time.Minute), Success: true}
		convey.So(old.IsStale(30*time.Second), convey.ShouldBeTrue)
	})
}

func TestCircuitTrippedError(t *testing.T) {
	convey.Convey("Tripped errors preserve the collector cause", t, func() {
		cfg := DefaultOrchestratorConfig()
		cfg.CollectorFailureThreshold = 1
		f := &fakeCollector{name: "f", group: General, fn: func() error { return errTest }}
		o, _ := newTestOrchestrator(cfg, &fakeVerifier{}, &fakeProvider{}, f)

		result := o.performScrape(context.Background())
		convey.So(result.Success, convey.ShouldBeFalse)
		convey.So(errors.Is(result.Err, errCircuitTripped), convey.ShouldBeTrue)
		convey.So(errors.Is(result.Err, errTest), convey.ShouldBeTrue)
	})
}
