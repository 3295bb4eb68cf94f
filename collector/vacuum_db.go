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

// Collect database-level vacuum health rollups in every allowed database.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const dbVacuumQuery = vacuumStatsCTE + `
	SELECT datname,
	    MAX(EXTRACT(EPOCH FROM (now() - last_any_vacuum)))::bigint AS max_seconds_since_last_vacuum,
	    AVG(CASE WHEN (n_live_tup + n_dead_tup) > 0
	        THEN n_dead_tup::float / (n_live_tup + n_dead_tup)
	        ELSE 0 END) AS avg_dead_tuple_ratio,
	    MAX(CASE WHEN (n_live_tup + n_dead_tup) > 0
	        THEN n_dead_tup::float / (n_live_tup + n_dead_tup)
	        ELSE 0 END) AS max_dead_tuple_ratio
	FROM tab
	GROUP BY datname`

type dbVacuumInfo struct {
	maxSinceVacuum    float64
	avgDeadTupleRatio float64
	maxDeadTupleRatio float64
}

type dbVacuumCollector struct {
	entityCollector[string, dbVacuumInfo]

	tupleThreshold int
}

func init() {
	registerCollector("vacuum_db", "Collect database-level vacuum health rollups.", true,
		func(env Env, args []Arg) (Collector, error) {
			return newDBVacuumCollector(env, argInt(args, "tuple-threshold", defaultTupleThreshold)), nil
		},
		argDef{
			name:         "tuple-threshold",
			help:         "Minimum live+dead tuples for a table to count towards the rollup.",
			defaultValue: defaultTupleThreshold,
		})
}

func newDBVacuumCollector(env Env, tupleThreshold int) *dbVacuumCollector {
	return &dbVacuumCollector{
		entityCollector: newEntityCollector[string, dbVacuumInfo](baseCollector{
			name:        "vacuum_db",
			help:        "Collect database-level vacuum health rollups.",
			group:       PerDB,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
		tupleThreshold: tupleThreshold,
	}
}

func (c *dbVacuumCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, dbVacuumQuery, c.tupleThreshold)
	if err != nil {
		return c.finish(fmt.Errorf("querying database vacuum stats: %w", err))
	}
	defer rows.Close()

	merged := make(map[string]dbVacuumInfo)
	for key, info := range c.snapshot() {
		merged[key] = info
	}
	for rows.Next() {
		var (
			datname  sql.NullString
			maxSince sql.NullFloat64
			avgDead  float64
			maxDead  float64
			info     dbVacuumInfo
		)
		if err := rows.Scan(&datname, &maxSince, &avgDead, &maxDead); err != nil {
			return c.finish(fmt.Errorf("scanning database vacuum row: %w", err))
		}
		info.maxSinceVacuum = nullOrNaN(maxSince)
		info.avgDeadTupleRatio = avgDead
		info.maxDeadTupleRatio = maxDead
		merged[orUnknown(datname.String)] = info
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(merged, c.registerDatabase))
}

func (c *dbVacuumCollector) registerDatabase(datname string) []MeterID {
	labels := prometheus.Labels{"datname": datname}
	return []MeterID{
		c.dbGauge(metricName(subsystemDatabase, "db_max_seconds_since_last_vacuum"),
			"Longest time in seconds any table in the database has gone unvacuumed.", labels, datname,
			func(d dbVacuumInfo) float64 { return d.maxSinceVacuum }),
		c.dbGauge(metricName(subsystemDatabase, "db_avg_dead_tuple_ratio"),
			"Average dead tuple ratio across tables in the database.", labels, datname,
			func(d dbVacuumInfo) float64 { return d.avgDeadTupleRatio }),
		c.dbGauge(metricName(subsystemDatabase, "db_max_dead_tuple_ratio"),
			"Maximum dead tuple ratio across tables in the database.", labels, datname,
			func(d dbVacuumInfo) float64 { return d.maxDeadTupleRatio }),
	}
}

func (c *dbVacuumCollector) dbGauge(name, help string, labels prometheus.Labels, datname string, read func(dbVacuumInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		info, ok := c.lookup(datname)
		if !ok {
			return math.NaN()
		}
		return read(info)
	})
}
