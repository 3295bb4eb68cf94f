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

// Collect spill (workfile) usage per segment host, with cluster-wide skew.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const spillUsageQuery = `
	WITH per_segment AS (
	    SELECT w.segid AS content, SUM(w.size) AS spill_bytes
	    FROM gp_toolkit.gp_workfile_usage_per_query w
	    GROUP BY w.segid
	),
	all_host AS (
	    SELECT c.hostname, COALESCE(SUM(p.spill_bytes), 0) AS spill_bytes
	    FROM gp_segment_configuration c
	    LEFT JOIN per_segment p ON p.content = c.content
	    WHERE c.role = 'p' AND c.content >= 0
	    GROUP BY c.hostname
	)
	SELECT hostname, spill_bytes FROM all_host ORDER BY hostname`

type spillHostCollector struct {
	entityCollector[string, float64]
}

func init() {
	registerCollector("spill", "Collect spill file usage per segment host.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newSpillHostCollector(env), nil
		})
}

func newSpillHostCollector(env Env) *spillHostCollector {
	c := &spillHostCollector{
		entityCollector: newEntityCollector[string, float64](baseCollector{
			name:        "spill",
			help:        "Collect spill file usage per segment host.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemHost, "max_spill_usage"),
		"Maximum spill usage in bytes across hosts.", nil,
		func() float64 { return c.stats().max })
	env.Registry.GaugeFunc(metricName(subsystemHost, "avg_spill_usage"),
		"Average spill usage in bytes across hosts.", nil,
		func() float64 { return c.stats().avg })
	env.Registry.GaugeFunc(metricName(subsystemHost, "spill_usage_skew_ratio"),
		"Spill usage skew ratio across hosts (max/avg, 1.0=balanced).", nil,
		func() float64 { return c.stats().skew })
	return c
}

func (c *spillHostCollector) stats() skewStats {
	snapshot := c.snapshot()
	values := make([]float64, 0, len(snapshot))
	for _, v := range snapshot {
		values = append(values, v)
	}
	return computeSkew(values)
}

func (c *spillHostCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, spillUsageQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying spill usage: %w", err))
	}
	defer rows.Close()

	usage := make(map[string]float64)
	for rows.Next() {
		var (
			hostname string
			bytes    float64
		)
		if err := rows.Scan(&hostname, &bytes); err != nil {
			return c.finish(fmt.Errorf("scanning spill usage row: %w", err))
		}
		usage[hostname] = bytes
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(usage, func(hostname string) []MeterID {
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemHost, "spill_usage_bytes"),
				"Spill file usage in bytes on the host.",
				prometheus.Labels{"hostname": hostname},
				func() float64 {
					v, ok := c.lookup(hostname)
					if !ok {
						return math.NaN()
					}
					return v
				}),
		}
	}))
}
