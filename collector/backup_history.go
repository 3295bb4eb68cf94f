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

// Collect gpbackup run history from the SQLite database gpbackup maintains
// on the coordinator host. Disabled unless the history file is present.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
)

// backupHistoryQuery ranks backups per (database, incremental, status)
// newest first; rank 1 is the latest backup of its kind. Timestamps are
// gpbackup's 14-digit YYYYMMDDHHMMSS form and must be reassembled before
// strftime can parse them.
const backupHistoryQuery = `
	WITH normalized AS (
	    SELECT database_name,
	        incremental,
	        CASE WHEN lower(status) IN ('success', 'failure')
	            THEN lower(status)
	            ELSE 'in_progress' END AS status,
	        substr(timestamp, 1, 4) || '-' || substr(timestamp, 5, 2) || '-' || substr(timestamp, 7, 2)
	            || ' ' || substr(timestamp, 9, 2) || ':' || substr(timestamp, 11, 2) || ':' || substr(timestamp, 13, 2) AS started_at,
	        substr(end_time, 1, 4) || '-' || substr(end_time, 5, 2) || '-' || substr(end_time, 7, 2)
	            || ' ' || substr(end_time, 9, 2) || ':' || substr(end_time, 11, 2) || ':' || substr(end_time, 13, 2) AS ended_at
	    FROM backups
	),
	ranked AS (
	    SELECT database_name, incremental, status, started_at, ended_at,
	        COUNT(*) OVER (PARTITION BY database_name, incremental, status) AS backup_count,
	        ROW_NUMBER() OVER (PARTITION BY database_name, incremental, status ORDER BY started_at DESC) AS rn
	    FROM normalized
	)
	SELECT database_name, incremental, status, backup_count,
	    strftime('%s', ended_at) - strftime('%s', started_at) AS duration_seconds,
	    strftime('%s', 'now') - strftime('%s', ended_at) AS seconds_since_completion
	FROM ranked
	WHERE rn = 1`

const defaultBackupHistoryPath = "/data/master/gpseg-1/gpbackup_history.db"

type backupKey struct {
	database    string
	incremental int
	status      string
}

func (k backupKey) backupType() string {
	if k.incremental == 0 {
		return "full"
	}
	return "incremental"
}

type backupInfo struct {
	count           float64
	duration        float64
	sinceCompletion float64
}

type backupHistoryCollector struct {
	entityCollector[backupKey, backupInfo]

	// open is replaced in tests to point the collector at a fixture DB.
	open func() (*sql.DB, error)
}

func init() {
	registerCollector("gpbackup", "Collect gpbackup run history from its SQLite history database.", false,
		func(env Env, args []Arg) (Collector, error) {
			path := argString(args, "history-db", defaultBackupHistoryPath)
			return newBackupHistoryCollector(env, path), nil
		},
		argDef{
			name:         "history-db",
			help:         "Path to the gpbackup_history.db SQLite file.",
			defaultValue: defaultBackupHistoryPath,
		})
}

func newBackupHistoryCollector(env Env, path string) *backupHistoryCollector {
	return &backupHistoryCollector{
		entityCollector: newEntityCollector[backupKey, backupInfo](baseCollector{
			name:        "gpbackup",
			help:        "Collect gpbackup run history from its SQLite history database.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, true),
		open: func() (*sql.DB, error) {
			return sql.Open("sqlite3", "file:"+path+"?mode=ro")
		},
	}
}

// Collect reads the history file, not the Greengage connection it is
// handed. The file is reopened per scrape since gpbackup rewrites it.
func (c *backupHistoryCollector) Collect(ctx context.Context, _ *sql.DB, _ Version) error {
	db, err := c.open()
	if err != nil {
		return c.finish(fmt.Errorf("opening backup history: %w", err))
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, backupHistoryQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying backup history: %w", err))
	}
	defer rows.Close()

	backups := make(map[backupKey]backupInfo)
	for rows.Next() {
		var (
			key             backupKey
			count           float64
			duration, since sql.NullFloat64
		)
		if err := rows.Scan(&key.database, &key.incremental, &key.status, &count, &duration, &since); err != nil {
			return c.finish(fmt.Errorf("scanning backup history row: %w", err))
		}
		backups[key] = backupInfo{
			count:           count,
			duration:        nullOrNaN(duration),
			sinceCompletion: nullOrNaN(since),
		}
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(backups, c.registerBackup))
}

func (c *backupHistoryCollector) registerBackup(key backupKey) []MeterID {
	ids := []MeterID{
		c.backupGauge(metricName(subsystemBackup, "backup_count"),
			"Number of recorded backups of this database, type and status.",
			prometheus.Labels{"database": key.database, "type": key.backupType(), "status": key.status},
			key, func(b backupInfo) float64 { return b.count }),
	}
	// In-progress runs have no end time, so no duration or completion age.
	if key.status == "success" || key.status == "failure" {
		ids = append(ids, c.backupGauge(metricName(subsystemBackup, "last_backup_duration_seconds"),
			"Duration of the most recent backup of this database, type and status.",
			prometheus.Labels{"database": key.database, "incremental": key.backupType(), "status": key.status},
			key, func(b backupInfo) float64 { return b.duration }))
	}
	if key.status == "success" {
		ids = append(ids, c.backupGauge(metricName(subsystemBackup, "seconds_since_last_backup_completion"),
			"Seconds since the most recent successful backup of this database and type completed.",
			prometheus.Labels{"database": key.database, "incremental": key.backupType()},
			key, func(b backupInfo) float64 { return b.sinceCompletion }))
	}
	return ids
}

func (c *backupHistoryCollector) backupGauge(name, help string, labels prometheus.Labels, key backupKey, read func(backupInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		b, ok := c.lookup(key)
		if !ok {
			return math.NaN()
		}
		return read(b)
	})
}
