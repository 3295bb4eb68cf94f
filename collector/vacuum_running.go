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

// Collect currently running vacuum and autovacuum sessions. Metrics of
// finished vacuums are removed on the next collection.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const runningVacuumQuery = `
	SELECT datname, pid, usename,
	    EXTRACT(EPOCH FROM (now() - xact_start))::bigint AS seconds_running
	FROM pg_stat_activity
	WHERE (query ILIKE 'vacuum%' OR query ILIKE 'autovacuum:%')
	  AND state <> 'idle'`

type runningVacuum struct {
	datname string
	pid     int
	usename string
	seconds float64
}

type vacuumRunningCollector struct {
	entityCollector[string, runningVacuum]
}

func init() {
	registerCollector("vacuum_running", "Collect currently running vacuum sessions.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newVacuumRunningCollector(env), nil
		})
}

func newVacuumRunningCollector(env Env) *vacuumRunningCollector {
	c := &vacuumRunningCollector{
		entityCollector: newEntityCollector[string, runningVacuum](baseCollector{
			name:        "vacuum_running",
			help:        "Collect currently running vacuum sessions.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, true),
	}

	env.Registry.GaugeFunc(metricName(subsystemServer, "vacuum_running"),
		"Whether any vacuum is currently running (1=yes, 0=no).", nil,
		func() float64 {
			if c.entityCount() > 0 {
				return 1
			}
			return 0
		})
	return c
}

func (c *vacuumRunningCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, runningVacuumQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying running vacuums: %w", err))
	}
	defer rows.Close()

	vacuums := make(map[string]runningVacuum)
	for rows.Next() {
		var (
			v                runningVacuum
			datname, usename sql.NullString
		)
		if err := rows.Scan(&datname, &v.pid, &usename, &v.seconds); err != nil {
			return c.finish(fmt.Errorf("scanning running vacuum row: %w", err))
		}
		v.datname = orUnknown(datname.String)
		v.usename = orUnknown(usename.String)
		vacuums[v.datname+"."+strconv.Itoa(v.pid)+"."+v.usename] = v
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(vacuums, func(key string) []MeterID {
		v, ok := c.lookup(key)
		if !ok {
			return nil
		}
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemServer, "vacuum_running_seconds"),
				"Seconds the vacuum session has been running.",
				prometheus.Labels{
					"datname": v.datname,
					"usename": v.usename,
					"pid":     strconv.Itoa(v.pid),
				},
				func() float64 {
					cur, ok := c.lookup(key)
					if !ok {
						return math.NaN()
					}
					return cur.seconds
				}),
		}
	}))
}
