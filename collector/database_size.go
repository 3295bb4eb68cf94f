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

// Collect per-database sizes from gp_toolkit.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const databaseSizeQuery = `
	SELECT sodddatname AS database_name, sodddatsize/(1024*1024) AS database_size_mb
	FROM gp_toolkit.gp_size_of_database`

type databaseSizeCollector struct {
	entityCollector[string, float64]
}

func init() {
	registerCollector("database_size", "Collect per-database size in megabytes.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newDatabaseSizeCollector(env), nil
		})
}

func newDatabaseSizeCollector(env Env) *databaseSizeCollector {
	c := &databaseSizeCollector{
		entityCollector: newEntityCollector[string, float64](baseCollector{
			name:        "database_size",
			help:        "Collect per-database size in megabytes.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemHost, "total_database_size_mb"),
		"Total size of all databases in megabytes.", nil,
		func() float64 {
			var sum float64
			for _, size := range c.snapshot() {
				sum += size
			}
			return sum
		})
	env.Registry.GaugeFunc(metricName(subsystemServer, "database_count"),
		"Number of databases on the server.", nil,
		func() float64 { return float64(c.entityCount()) })
	return c
}

func (c *databaseSizeCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, databaseSizeQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying database sizes: %w", err))
	}
	defer rows.Close()

	sizes := make(map[string]float64)
	for rows.Next() {
		var (
			name string
			size float64
		)
		if err := rows.Scan(&name, &size); err != nil {
			return c.finish(fmt.Errorf("scanning database size row: %w", err))
		}
		sizes[name] = size
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(sizes, func(name string) []MeterID {
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemHost, "database_name_mb_size"),
				"Size of the database in megabytes.",
				prometheus.Labels{"dbname": name},
				func() float64 {
					size, ok := c.lookup(name)
					if !ok {
						return math.NaN()
					}
					return size
				}),
		}
	}))
}
