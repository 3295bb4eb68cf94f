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
	"log/slog"
	"time"
)

// Scheduler invokes the orchestrator at a fixed interval. Ticks are
// serialized on this goroutine; if a scrape outlives the interval, the
// overlapping tick is absorbed by the orchestrator's scrape lock. Nothing
// escaping the scrape may kill the periodic loop.
type Scheduler struct {
	interval time.Duration
	scrape   func(context.Context)
	logger   *slog.Logger
}

func NewScheduler(interval time.Duration, scrape func(context.Context), logger *slog.Logger) *Scheduler {
	return &Scheduler{interval: interval, scrape: scrape, logger: logger}
}

// Run blocks until ctx is cancelled, scraping once immediately and then on
// every tick.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scrape scheduler started", "interval", s.interval)
	s.scrapeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scrape scheduler stopped")
			return
		case <-ticker.C:
			s.scrapeOnce(ctx)
		}
	}
}

func (s *Scheduler) scrapeOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scrape panicked", "panic", r)
		}
	}()
	s.scrape(ctx)
}
