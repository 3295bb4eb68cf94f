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

// Collect client connection counts grouped by backend state.

package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	connectionsByStateQueryV6 = `
		SELECT a.state, COUNT(*) AS count
		FROM pg_stat_activity a
		WHERE a.pid <> pg_backend_pid()
		GROUP BY 1
		ORDER BY count DESC`

	connectionsByStateQueryV7 = `
		SELECT state, COUNT(*) AS count
		FROM pg_stat_activity
		WHERE pid <> pg_backend_pid() AND backend_type = 'client backend'
		GROUP BY 1
		ORDER BY count DESC`
)

type connectionsCollector struct {
	entityCollector[string, float64]
}

func init() {
	registerCollector("connections", "Collect connection counts by backend state.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newConnectionsCollector(env), nil
		})
}

func newConnectionsCollector(env Env) *connectionsCollector {
	c := &connectionsCollector{
		entityCollector: newEntityCollector[string, float64](baseCollector{
			name:        "connections",
			help:        "Collect connection counts by backend state.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemCluster, "connections_all_states_total"),
		"Total number of client connections in any state.", nil,
		func() float64 {
			var sum float64
			for _, n := range c.snapshot() {
				sum += n
			}
			return sum
		})
	return c
}

func (c *connectionsCollector) Collect(ctx context.Context, db *sql.DB, version Version) error {
	query := connectionsByStateQueryV6
	if version.IsAtLeastV7() {
		query = connectionsByStateQueryV7
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return c.finish(fmt.Errorf("querying connections by state: %w", err))
	}
	defer rows.Close()

	counts := make(map[string]float64)
	for rows.Next() {
		var (
			state sql.NullString
			count float64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return c.finish(fmt.Errorf("scanning connection state row: %w", err))
		}
		counts[orUnknown(state.String)] = count
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(counts, func(state string) []MeterID {
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemCluster, "connections_total"),
				"Number of client connections in the given state.",
				prometheus.Labels{"state": state},
				func() float64 {
					n, _ := c.lookup(state)
					return n
				}),
		}
	}))
}
