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

// Collect sessions blocked on ungranted locks, grouped by lock type.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	queryWaitingCountQuery = `SELECT count(*) AS waiting_count FROM pg_locks WHERE NOT granted`

	lockedSessionsQueryV6 = `
		SELECT l.locktype AS lock_type, COUNT(*) AS count
		FROM pg_locks l
		JOIN pg_stat_activity a ON a.pid = l.pid
		WHERE a.waiting AND NOT l.granted
		GROUP BY l.locktype
		ORDER BY lock_type`

	lockedSessionsQueryV7 = `
		SELECT l.locktype AS lock_type, COUNT(*) AS count
		FROM pg_locks l
		JOIN pg_stat_activity a ON a.pid = l.pid
		WHERE a.wait_event_type = 'Lock' AND NOT l.granted
		GROUP BY l.locktype
		ORDER BY lock_type`
)

type lockedSessionsCollector struct {
	entityCollector[string, float64]

	waitingCount atomic.Int64
}

func init() {
	registerCollector("locks", "Collect sessions waiting on ungranted locks by lock type.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newLockedSessionsCollector(env), nil
		})
}

func newLockedSessionsCollector(env Env) *lockedSessionsCollector {
	c := &lockedSessionsCollector{
		entityCollector: newEntityCollector[string, float64](baseCollector{
			name:        "locks",
			help:        "Collect sessions waiting on ungranted locks by lock type.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemCluster, "query_waiting_count"),
		"Number of ungranted lock requests across the cluster.", nil,
		func() float64 { return float64(c.waitingCount.Load()) })
	env.Registry.GaugeFunc(metricName(subsystemServer, "locked_sessions_total"),
		"Total number of sessions waiting on locks.", nil,
		func() float64 {
			var sum float64
			for _, n := range c.snapshot() {
				sum += n
			}
			return sum
		})
	return c
}

func (c *lockedSessionsCollector) Collect(ctx context.Context, db *sql.DB, version Version) error {
	var waiting int64
	if err := db.QueryRowContext(ctx, queryWaitingCountQuery).Scan(&waiting); err != nil {
		return c.finish(fmt.Errorf("querying waiting lock count: %w", err))
	}
	c.waitingCount.Store(waiting)

	query := lockedSessionsQueryV6
	if version.IsAtLeastV7() {
		query = lockedSessionsQueryV7
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return c.finish(fmt.Errorf("querying locked sessions: %w", err))
	}
	defer rows.Close()

	counts := make(map[string]float64)
	for rows.Next() {
		var (
			lockType string
			count    float64
		)
		if err := rows.Scan(&lockType, &count); err != nil {
			return c.finish(fmt.Errorf("scanning locked sessions row: %w", err))
		}
		counts[orUnknown(lockType)] = count
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(counts, func(lockType string) []MeterID {
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemServer, "locked_sessions_count"),
				"Number of sessions waiting on locks of the given type.",
				prometheus.Labels{"lock_type": lockType},
				func() float64 {
					n, _ := c.lookup(lockType)
					return n
				}),
		}
	}))
}
