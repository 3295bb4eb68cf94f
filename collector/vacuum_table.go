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

// Collect per-table vacuum statistics in every allowed database. Tables
// below the tuple threshold are skipped to bound cardinality.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

// vacuumStatsCTE scopes vacuum statistics to ordinary tables above the
// tuple threshold ($1), excluding system schemas. Shared by the table and
// database level vacuum collectors.
const vacuumStatsCTE = `
	WITH tab AS (
	    SELECT current_database() AS datname, n.nspname, c.relname,
	        s.n_live_tup, s.n_dead_tup, s.vacuum_count, s.autovacuum_count,
	        s.last_vacuum, s.last_autovacuum,
	        GREATEST(s.last_vacuum, s.last_autovacuum) AS last_any_vacuum
	    FROM pg_class c
	    JOIN pg_namespace n ON n.oid = c.relnamespace
	    JOIN pg_stat_all_tables s ON s.relid = c.oid
	    WHERE c.relkind = 'r'
	      AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
	      AND (s.n_live_tup + s.n_dead_tup) >= $1
	)`

const tableVacuumQuery = vacuumStatsCTE + `
	SELECT datname, nspname, relname, n_live_tup, n_dead_tup,
	    CASE WHEN (n_live_tup + n_dead_tup) > 0
	        THEN n_dead_tup::float / (n_live_tup + n_dead_tup)
	        ELSE 0 END AS dead_tuple_ratio,
	    EXTRACT(EPOCH FROM (now() - last_any_vacuum))::bigint AS seconds_since_last_vacuum,
	    EXTRACT(EPOCH FROM (now() - COALESCE(last_autovacuum, last_vacuum)))::bigint AS seconds_since_last_autovacuum,
	    vacuum_count, autovacuum_count
	FROM tab`

const defaultTupleThreshold = 1000

type tableVacuumInfo struct {
	liveTuples      float64
	deadTuples      float64
	deadTupleRatio  float64
	sinceVacuum     float64
	sinceAutovacuum float64
	vacuumCount     float64
	autovacuumCount float64
}

type tableVacuumCollector struct {
	entityCollector[string, tableVacuumInfo]

	tupleThreshold int
}

func init() {
	registerCollector("vacuum_table", "Collect per-table vacuum statistics in each allowed database.", true,
		func(env Env, args []Arg) (Collector, error) {
			return newTableVacuumCollector(env, argInt(args, "tuple-threshold", defaultTupleThreshold)), nil
		},
		argDef{
			name:         "tuple-threshold",
			help:         "Minimum live+dead tuples for a table to be reported.",
			defaultValue: defaultTupleThreshold,
		})
}

func newTableVacuumCollector(env Env, tupleThreshold int) *tableVacuumCollector {
	return &tableVacuumCollector{
		entityCollector: newEntityCollector[string, tableVacuumInfo](baseCollector{
			name:        "vacuum_table",
			help:        "Collect per-table vacuum statistics in each allowed database.",
			group:       PerDB,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
		tupleThreshold: tupleThreshold,
	}
}

func (c *tableVacuumCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, tableVacuumQuery, c.tupleThreshold)
	if err != nil {
		return c.finish(fmt.Errorf("querying table vacuum stats: %w", err))
	}
	defer rows.Close()

	// Per-DB collectors share one entity map across databases; the database
	// name in the key keeps tables of different databases apart. Entries of
	// databases other than the one just scanned are carried over.
	merged := make(map[string]tableVacuumInfo)
	for key, info := range c.snapshot() {
		merged[key] = info
	}
	for rows.Next() {
		var (
			datname, schema, table string
			since, sinceA          sql.NullFloat64
			info                   tableVacuumInfo
		)
		if err := rows.Scan(&datname, &schema, &table, &info.liveTuples, &info.deadTuples,
			&info.deadTupleRatio, &since, &sinceA, &info.vacuumCount, &info.autovacuumCount); err != nil {
			return c.finish(fmt.Errorf("scanning table vacuum row: %w", err))
		}
		info.sinceVacuum = nullOrNaN(since)
		info.sinceAutovacuum = nullOrNaN(sinceA)
		merged[datname+"."+schema+"."+table] = info
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(merged, c.registerTable))
}

func nullOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func (c *tableVacuumCollector) registerTable(key string) []MeterID {
	database, schema, table := splitTableKey(key)
	labels := prometheus.Labels{"database": database, "schema": schema, "table": table}
	return []MeterID{
		c.tableGauge(metricName(subsystemDatabase, "table_dead_tuple_ratio"),
			"Ratio of dead tuples to all tuples in the table.", labels, key,
			func(t tableVacuumInfo) float64 { return t.deadTupleRatio }),
		c.tableGauge(metricName(subsystemDatabase, "table_seconds_since_last_vacuum"),
			"Seconds since the table was last vacuumed by any means.", labels, key,
			func(t tableVacuumInfo) float64 { return t.sinceVacuum }),
		c.tableGauge(metricName(subsystemDatabase, "table_seconds_since_last_autovacuum"),
			"Seconds since the table was last autovacuumed.", labels, key,
			func(t tableVacuumInfo) float64 { return t.sinceAutovacuum }),
		c.tableGauge(metricName(subsystemDatabase, "table_vacuum_count"),
			"Number of manual vacuums of the table.", labels, key,
			func(t tableVacuumInfo) float64 { return t.vacuumCount }),
		c.tableGauge(metricName(subsystemDatabase, "table_autovacuum_count"),
			"Number of autovacuums of the table.", labels, key,
			func(t tableVacuumInfo) float64 { return t.autovacuumCount }),
	}
}

func (c *tableVacuumCollector) tableGauge(name, help string, labels prometheus.Labels, key string, read func(tableVacuumInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		info, ok := c.lookup(key)
		if !ok {
			return math.NaN()
		}
		return read(info)
	})
}

// splitTableKey reverses datname+"."+schema+"."+table. Database names cannot
// contain dots (enforced at datasource validation), so the first dot ends the
// database part; the last dot starts the table part.
func splitTableKey(key string) (database, schema, table string) {
	first, last := -1, -1
	for i, r := range key {
		if r == '.' {
			if first == -1 {
				first = i
			}
			last = i
		}
	}
	if first == -1 || first == last {
		return key, "", ""
	}
	return key[:first], key[first+1 : last], key[last+1:]
}
