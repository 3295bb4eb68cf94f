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

// Collect table bloat and distribution skew from gp_toolkit diagnostics.
// Superseded by the vacuum collectors for bloat tracking; kept for
// dashboards built on the bloat-state encoding.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	tableBloatQuery = `
		SELECT current_database() AS datname, bdinspname, bdirelname,
		    CASE
		        WHEN bdiexppages = 0 THEN 2
		        WHEN (bdirelpages::numeric / bdiexppages) > 10 THEN 2
		        WHEN (bdirelpages::numeric / bdiexppages) > 4 THEN 1
		        ELSE 0
		    END AS bloat_state
		FROM gp_toolkit.gp_bloat_diag`

	tableSkewQuery = `
		SELECT current_database() AS datname, skcnamespace, skcrelname, round(skccoeff, 1) AS skew
		FROM gp_toolkit.gp_skew_coefficients
		WHERE skccoeff > 0.1
		  AND skcnamespace NOT IN ('pg_catalog', 'information_schema', 'gp_toolkit')
		ORDER BY skccoeff DESC
		LIMIT 10`
)

type tableHealth struct {
	bloatState float64
	skewFactor float64
}

type tableHealthCollector struct {
	entityCollector[string, tableHealth]
}

func init() {
	registerCollector("table_health", "Collect table bloat state and distribution skew (superseded by vacuum collectors).", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newTableHealthCollector(env), nil
		})
}

func newTableHealthCollector(env Env) *tableHealthCollector {
	return &tableHealthCollector{
		entityCollector: newEntityCollector[string, tableHealth](baseCollector{
			name:        "table_health",
			help:        "Collect table bloat state and distribution skew (superseded by vacuum collectors).",
			group:       PerDB,
			failOnError: false,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}
}

func (c *tableHealthCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	merged := make(map[string]tableHealth)
	for key, info := range c.snapshot() {
		merged[key] = info
	}

	if err := c.collectBloat(ctx, db, merged); err != nil {
		return c.finish(err)
	}
	// Skew analysis scans all table data and can fail on busy clusters;
	// bloat results are still worth publishing.
	if err := c.collectSkew(ctx, db, merged); err != nil {
		c.logger.Debug("failed to collect table skew", "err", err)
	}

	return c.finish(c.replace(merged, c.registerTable))
}

func (c *tableHealthCollector) collectBloat(ctx context.Context, db *sql.DB, merged map[string]tableHealth) error {
	rows, err := db.QueryContext(ctx, tableBloatQuery)
	if err != nil {
		return fmt.Errorf("querying table bloat: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			datname, schema, table string
			bloat                  float64
		)
		if err := rows.Scan(&datname, &schema, &table, &bloat); err != nil {
			return fmt.Errorf("scanning table bloat row: %w", err)
		}
		key := datname + "." + schema + "." + table
		health := merged[key]
		if _, ok := merged[key]; !ok {
			health.skewFactor = math.NaN()
		}
		health.bloatState = bloat
		merged[key] = health
	}
	return rows.Err()
}

func (c *tableHealthCollector) collectSkew(ctx context.Context, db *sql.DB, merged map[string]tableHealth) error {
	rows, err := db.QueryContext(ctx, tableSkewQuery)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			datname, schema, table string
			skew                   float64
		)
		if err := rows.Scan(&datname, &schema, &table, &skew); err != nil {
			return err
		}
		key := datname + "." + schema + "." + table
		health := merged[key]
		if _, ok := merged[key]; !ok {
			health.bloatState = math.NaN()
		}
		health.skewFactor = skew
		merged[key] = health
	}
	return rows.Err()
}

func (c *tableHealthCollector) registerTable(key string) []MeterID {
	database, schema, table := splitTableKey(key)
	labels := prometheus.Labels{"database": database, "schema": schema, "table": table}
	return []MeterID{
		c.healthGauge(metricName(subsystemServer, "table_bloat_state"),
			"Bloat state of the table (0=ok, 1=moderate, 2=significant).", labels, key,
			func(h tableHealth) float64 { return h.bloatState }),
		c.healthGauge(metricName(subsystemServer, "table_skew_factor"),
			"Data distribution skew coefficient of the table.", labels, key,
			func(h tableHealth) float64 { return h.skewFactor }),
	}
}

func (c *tableHealthCollector) healthGauge(name, help string, labels prometheus.Labels, key string, read func(tableHealth) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		h, ok := c.lookup(key)
		if !ok {
			return math.NaN()
		}
		return read(h)
	})
}
