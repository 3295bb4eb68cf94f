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

// Collect running times of active queries, bucketed by duration.

package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const activeQueryDurationQuery = `
	WITH q AS (
	    SELECT EXTRACT(EPOCH FROM (now() - query_start)) AS duration
	    FROM pg_stat_activity
	    WHERE pid <> pg_backend_pid()
	      AND state = 'active'
	      AND application_name <> 'autovacuum'
	)
	SELECT
	    count(*) AS total_active_queries,
	    SUM(CASE WHEN duration < 10 THEN 1 ELSE 0 END) AS cnt_0_10,
	    SUM(CASE WHEN duration >= 10 AND duration < 60 THEN 1 ELSE 0 END) AS cnt_10_60,
	    SUM(CASE WHEN duration >= 60 AND duration < 180 THEN 1 ELSE 0 END) AS cnt_60_180,
	    SUM(CASE WHEN duration >= 180 AND duration < 600 THEN 1 ELSE 0 END) AS cnt_180_600,
	    SUM(CASE WHEN duration >= 600 THEN 1 ELSE 0 END) AS cnt_600_plus
	FROM q`

var durationBuckets = []string{"0_10", "10_60", "60_180", "180_600", "600_plus"}

type queryDurationCollector struct {
	entityCollector[string, float64]
}

func init() {
	registerCollector("query_duration", "Collect active query counts bucketed by running time.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newQueryDurationCollector(env), nil
		})
}

func newQueryDurationCollector(env Env) *queryDurationCollector {
	c := &queryDurationCollector{
		entityCollector: newEntityCollector[string, float64](baseCollector{
			name:        "query_duration",
			help:        "Collect active query counts bucketed by running time.",
			group:       General,
			failOnError: false,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemQuery, "active_queries_total"),
		"Total number of active queries.", nil,
		func() float64 {
			var sum float64
			for _, n := range c.snapshot() {
				sum += n
			}
			return sum
		})
	env.Registry.GaugeFunc(metricName(subsystemQuery, "active_queries_slow"),
		"Number of active queries running longer than 180 seconds.", nil,
		func() float64 {
			long, _ := c.lookup("180_600")
			longest, _ := c.lookup("600_plus")
			return long + longest
		})
	return c
}

func (c *queryDurationCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	var total sql.NullFloat64
	counts := make([]sql.NullFloat64, len(durationBuckets))
	dest := []interface{}{&total}
	for i := range counts {
		dest = append(dest, &counts[i])
	}
	if err := db.QueryRowContext(ctx, activeQueryDurationQuery).Scan(dest...); err != nil {
		return c.finish(fmt.Errorf("querying active query durations: %w", err))
	}

	buckets := make(map[string]float64, len(durationBuckets))
	for i, name := range durationBuckets {
		buckets[name] = counts[i].Float64
	}

	return c.finish(c.replace(buckets, func(bucket string) []MeterID {
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemQuery, "active_queries_duration_bucket"),
				"Number of active queries whose running time falls in the bucket (seconds).",
				prometheus.Labels{"bucket": bucket},
				func() float64 {
					n, _ := c.lookup(bucket)
					return n
				}),
		}
	}))
}
