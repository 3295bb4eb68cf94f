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

// Collect detailed lock wait metrics: waiting query counts and maximum wait
// durations per database, lock type, mode and segment.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const extendedLocksQuery = `
	WITH waiting_locks AS (
	    SELECT l.locktype, l.mode, l.database, l.mppsessionid, l.gp_segment_id
	    FROM pg_locks l
	    WHERE l.granted = false
	),
	waiting_with_activity AS (
	    SELECT
	        db.datname,
	        wl.locktype,
	        wl.mode,
	        wl.gp_segment_id,
	        now() - a.query_start AS wait_duration
	    FROM waiting_locks wl
	    LEFT JOIN pg_database db ON db.oid = wl.database
	    LEFT JOIN pg_stat_activity a ON a.sess_id = wl.mppsessionid
	)
	SELECT
	    'lock_waiting_queries' AS metric_name,
	    datname, locktype, mode, gp_segment_id,
	    count(*)::float8 AS value
	FROM waiting_with_activity
	GROUP BY datname, locktype, mode, gp_segment_id
	UNION ALL
	SELECT
	    'lock_wait_max_wait_seconds' AS metric_name,
	    datname, locktype, mode, gp_segment_id,
	    EXTRACT(EPOCH FROM MAX(wait_duration)) AS value
	FROM waiting_with_activity
	GROUP BY datname, locktype, mode, gp_segment_id`

type lockWaitKey struct {
	metric   string
	database string
	lockType string
	mode     string
	segment  string
}

type extendedLocksCollector struct {
	entityCollector[lockWaitKey, float64]
}

func init() {
	registerCollector("locks_extended", "Collect lock wait counts and durations per database, type, mode and segment.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newExtendedLocksCollector(env), nil
		})
}

func newExtendedLocksCollector(env Env) *extendedLocksCollector {
	return &extendedLocksCollector{
		entityCollector: newEntityCollector[lockWaitKey, float64](baseCollector{
			name:        "locks_extended",
			help:        "Collect lock wait counts and durations per database, type, mode and segment.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, true),
	}
}

func (c *extendedLocksCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, extendedLocksQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying extended lock stats: %w", err))
	}
	defer rows.Close()

	values := make(map[lockWaitKey]float64)
	for rows.Next() {
		var (
			metric                   string
			database, lockType, mode sql.NullString
			segment                  sql.NullInt64
			value                    sql.NullFloat64
		)
		if err := rows.Scan(&metric, &database, &lockType, &mode, &segment, &value); err != nil {
			return c.finish(fmt.Errorf("scanning extended lock row: %w", err))
		}
		key := lockWaitKey{
			metric:   metric,
			database: orUnknown(database.String),
			lockType: orUnknown(lockType.String),
			mode:     orUnknown(mode.String),
			segment:  "unknown",
		}
		if segment.Valid {
			key.segment = fmt.Sprintf("%d", segment.Int64)
		}
		values[key] = value.Float64
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(values, func(key lockWaitKey) []MeterID {
		return []MeterID{
			c.registry.GaugeFunc(metricName(subsystemServer, key.metric),
				"Lock wait metric grouped by database, lock type, mode and segment.",
				prometheus.Labels{
					"database":  key.database,
					"lock_type": key.lockType,
					"mode":      key.mode,
					"content":   key.segment,
				},
				func() float64 {
					v, ok := c.lookup(key)
					if !ok {
						return math.NaN()
					}
					return v
				}),
		}
	}))
}
