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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ScrapeResult records one orchestrator pass. Only successful results are
// cached for coalesced concurrent callers.
type ScrapeResult struct {
	Start   time.Time
	Success bool
	Err     error
}

func (r ScrapeResult) Age() time.Duration { return time.Since(r.Start) }

// IsStale reports whether the result is older than the cache window.
func (r ScrapeResult) IsStale(maxAge time.Duration) bool {
	return r.Age() > maxAge
}

// OrchestratorConfig carries the scrape-level tunables.
type OrchestratorConfig struct {
	ScrapeCacheMaxAge         time.Duration
	ConnectionRetryAttempts   int
	ConnectionRetryDelay      time.Duration
	CollectorFailureThreshold int
	CircuitBreakerEnabled     bool
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ScrapeCacheMaxAge:         30 * time.Second,
		ConnectionRetryAttempts:   3,
		ConnectionRetryDelay:      time.Second,
		CollectorFailureThreshold: 3,
		CircuitBreakerEnabled:     true,
	}
}

// connectionVerifier is the orchestrator's view of the version probe.
type connectionVerifier interface {
	TestConnection(ctx context.Context) bool
	DetectVersion(ctx context.Context) (Version, error)
}

// perDBSource is the orchestrator's view of the connection provider.
type perDBSource interface {
	Datasources(ctx context.Context, conn *sql.DB) []NamedDB
	Cleanup()
}

// errCircuitTripped aborts the remaining collectors of the current scrape
// once the failure threshold is reached. The next scrape starts fresh.
var errCircuitTripped = errors.New("too many collector failures, possible database issue")

// Orchestrator drives all enabled collectors per scrape: verify phase with
// retries, GENERAL collectors in declaration order on the coordinator
// connection, then PER_DB collectors over each allowed database. Overlapping
// scrape calls coalesce on the cached result.
type Orchestrator struct {
	cfg      OrchestratorConfig
	db       *sql.DB
	verifier connectionVerifier
	provider perDBSource
	metrics  *ExporterMetrics
	logger   *slog.Logger

	general []Collector
	perDB   []Collector

	scrapeMu sync.Mutex
	last     atomic.Pointer[ScrapeResult]

	// sleep is time.Sleep, injectable for tests of the verify phase.
	sleep func(time.Duration)
}

func NewOrchestrator(
	cfg OrchestratorConfig,
	db *sql.DB,
	verifier connectionVerifier,
	provider perDBSource,
	metrics *ExporterMetrics,
	collectors []Collector,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		db:       db,
		verifier: verifier,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
		sleep:    time.Sleep,
	}
	for _, c := range collectors {
		if c.Group() == PerDB {
			o.perDB = append(o.perDB, c)
		} else {
			o.general = append(o.general, c)
		}
	}
	logger.Info("collector groups initialized",
		"general", len(o.general), "per_db", len(o.perDB))
	return o
}

// Scrape performs one pass over all collectors. When another scrape is in
// progress the call returns promptly: a fresh cached result counts as
// success from the caller's viewpoint since the registry still serves the
// last values.
func (o *Orchestrator) Scrape(ctx context.Context) {
	if !o.scrapeMu.TryLock() {
		o.logger.Debug("scrape already in progress")
		if cached := o.last.Load(); cached != nil && !cached.IsStale(o.cfg.ScrapeCacheMaxAge) {
			o.logger.Debug("returning cached scrape", "age", cached.Age())
			return
		}
		o.logger.Warn("no valid cached scrape available, waiting for current scrape to complete")
		return
	}
	defer o.scrapeMu.Unlock()

	result := o.performScrape(ctx)
	if result.Success {
		o.last.Store(&result)
		o.logger.Debug("scrape successful, cached for future use")
	}
}

// LastResult returns the most recent successful scrape result, if any.
func (o *Orchestrator) LastResult() *ScrapeResult {
	return o.last.Load()
}

func (o *Orchestrator) performScrape(ctx context.Context) ScrapeResult {
	start := time.Now()
	o.metrics.ScrapeStarted()
	o.logger.Debug("starting scrape")
	defer func() {
		d := time.Since(start)
		o.metrics.ObserveScrapeDuration(d)
		o.logger.Debug("scrape completed", "duration", d)
	}()

	version, ok := o.verify(ctx)
	if !ok {
		return ScrapeResult{Start: start}
	}

	if err := o.collectAll(ctx, version); err != nil {
		if errors.Is(err, errCircuitTripped) {
			o.logger.Error("circuit breaker triggered, stopping remaining collectors", "err", err)
		} else {
			o.logger.Error("unexpected error during scrape", "err", err)
			o.metrics.Error()
		}
		return ScrapeResult{Start: start, Err: err}
	}
	return ScrapeResult{Start: start, Success: true}
}

// verify tests the connection with bounded retries (delay grows linearly
// with the attempt number), then resolves the server version.
func (o *Orchestrator) verify(ctx context.Context) (Version, bool) {
	attempts := o.cfg.ConnectionRetryAttempts
	delay := o.cfg.ConnectionRetryDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if !o.verifier.TestConnection(ctx) {
			if attempt < attempts {
				wait := delay * time.Duration(attempt)
				o.logger.Warn("database connection test failed, retrying",
					"attempt", attempt, "max_attempts", attempts, "retry_in", wait)
				o.sleep(wait)
				continue
			}
			o.logger.Error("database connection test failed", "attempts", attempts)
			o.metrics.SetUp(false)
			o.metrics.Error()
			return Version{}, false
		}

		version, err := o.verifier.DetectVersion(ctx)
		if err != nil {
			o.logger.Error("failed to detect Greengage version", "err", err)
			o.metrics.SetUp(false)
			o.metrics.Error()
			return Version{}, false
		}

		o.metrics.SetUp(true)
		if attempt > 1 {
			o.logger.Info("database connection restored", "attempts", attempt)
		}
		return version, true
	}
	return Version{}, false
}

type scrapeState struct {
	failures  int
	threshold int
	breaker   bool
}

func (o *Orchestrator) collectAll(ctx context.Context, version Version) error {
	state := &scrapeState{
		threshold: o.cfg.CollectorFailureThreshold,
		breaker:   o.cfg.CircuitBreakerEnabled,
	}

	for _, c := range o.general {
		if err := o.runCollector(ctx, c, o.db, version, state, ""); err != nil {
			return err
		}
	}

	if len(o.perDB) > 0 {
		if err := o.collectPerDB(ctx, version, state); err != nil {
			return err
		}
	}

	if state.failures > 0 {
		o.logger.Warn("scrape completed with collector failures", "failures", state.failures)
	}
	return nil
}

// collectPerDB iterates databases outer, collectors inner, so all metrics
// for one database are collected before moving to the next. Cleanup of
// temporary datasources is guaranteed even when the breaker trips.
func (o *Orchestrator) collectPerDB(ctx context.Context, version Version, state *scrapeState) error {
	datasources := o.provider.Datasources(ctx, o.db)
	defer o.provider.Cleanup()

	for _, ds := range datasources {
		for _, c := range o.perDB {
			if err := o.runCollector(ctx, c, ds.DB, version, state, ds.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) runCollector(ctx context.Context, c Collector, db *sql.DB, version Version, state *scrapeState, database string) error {
	start := time.Now()
	o.logger.Debug("collecting metrics", "collector", c.Name(), "database", database)
	err := c.Collect(ctx, db, version)
	o.logger.Debug("collector completed", "collector", c.Name(), "database", database, "duration", time.Since(start))
	if err == nil {
		return nil
	}
	return o.handleFailure(c, state, err, database)
}

func (o *Orchestrator) handleFailure(c Collector, state *scrapeState, err error, database string) error {
	state.failures++
	o.logger.Error("error collecting metrics",
		"collector", c.Name(), "database", database,
		"failures", state.failures, "threshold", state.threshold, "err", err)
	o.metrics.Error()
	o.metrics.CollectorError(c.Name())

	if state.breaker && state.failures >= state.threshold {
		return fmt.Errorf("%w: %w", errCircuitTripped, err)
	}
	return nil
}
