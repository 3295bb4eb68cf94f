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

// Collect mirror replication lag and state for the master and every primary
// segment. Segment rows are gathered through gp_dist_random so a single
// coordinator query covers the whole cluster.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	replicationQueryV6 = `
		WITH repl AS (
		    SELECT -1 AS content, application_name, state, sync_state,
		        GREATEST(COALESCE(pg_xlog_location_diff(sent_location, replay_location), 0), 0)::bigint AS replay_lag,
		        GREATEST(COALESCE(pg_xlog_location_diff(sent_location, write_location), 0), 0)::bigint AS write_lag,
		        GREATEST(COALESCE(pg_xlog_location_diff(sent_location, flush_location), 0), 0)::bigint AS flush_lag
		    FROM pg_stat_replication
		    WHERE state IN ('streaming', 'catchup')
		    UNION ALL
		    SELECT gp_execution_segment() AS content, application_name, state, sync_state,
		        GREATEST(COALESCE(pg_xlog_location_diff(sent_location, replay_location), 0), 0)::bigint AS replay_lag,
		        GREATEST(COALESCE(pg_xlog_location_diff(sent_location, write_location), 0), 0)::bigint AS write_lag,
		        GREATEST(COALESCE(pg_xlog_location_diff(sent_location, flush_location), 0), 0)::bigint AS flush_lag
		    FROM gp_dist_random('pg_stat_replication')
		    WHERE state IN ('streaming', 'catchup')
		)
		SELECT r.content, g.hostname, r.application_name, r.state, r.sync_state,
		    r.replay_lag, r.write_lag, r.flush_lag
		FROM repl r
		JOIN gp_segment_configuration g ON g.content = r.content AND g.role = 'p'
		ORDER BY r.content, r.application_name`

	replicationQueryV7 = `
		WITH repl AS (
		    SELECT -1 AS content, application_name, state, sync_state,
		        GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, replay_lsn), 0), 0)::bigint AS replay_lag,
		        GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, write_lsn), 0), 0)::bigint AS write_lag,
		        GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, flush_lsn), 0), 0)::bigint AS flush_lag
		    FROM pg_stat_replication
		    WHERE state IN ('streaming', 'catchup')
		    UNION ALL
		    SELECT gp_execution_segment() AS content, application_name, state, sync_state,
		        GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, replay_lsn), 0), 0)::bigint AS replay_lag,
		        GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, write_lsn), 0), 0)::bigint AS write_lag,
		        GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, flush_lsn), 0), 0)::bigint AS flush_lag
		    FROM gp_dist_random('pg_stat_replication')
		    WHERE state IN ('streaming', 'catchup')
		)
		SELECT r.content, g.hostname, r.application_name, r.state, r.sync_state,
		    r.replay_lag, r.write_lag, r.flush_lag
		FROM repl r
		JOIN gp_segment_configuration g ON g.content = r.content AND g.role = 'p'
		ORDER BY r.content, r.application_name`
)

type replicationKey struct {
	content  int
	hostname string
}

type replicationInfo struct {
	appName   string
	state     string
	syncState string
	replayLag float64
	writeLag  float64
	flushLag  float64
}

type replicationCollector struct {
	entityCollector[replicationKey, replicationInfo]
}

func init() {
	registerCollector("replication", "Collect mirror replication lag and state per segment.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newReplicationCollector(env), nil
		})
}

func newReplicationCollector(env Env) *replicationCollector {
	c := &replicationCollector{
		entityCollector: newEntityCollector[replicationKey, replicationInfo](baseCollector{
			name:        "replication",
			help:        "Collect mirror replication lag and state per segment.",
			group:       General,
			failOnError: false,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemCluster, "replication_max_lag_bytes"),
		"Maximum replay lag in bytes across all replication connections.", nil,
		func() float64 {
			var max float64
			for _, r := range c.snapshot() {
				if r.replayLag > max {
					max = r.replayLag
				}
			}
			return max
		})
	return c
}

func (c *replicationCollector) Collect(ctx context.Context, db *sql.DB, version Version) error {
	query := replicationQueryV6
	if version.IsAtLeastV7() {
		query = replicationQueryV7
	}

	replicas := make(map[replicationKey]replicationInfo)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		// Mirrorless clusters have no pg_stat_replication rows worth
		// reporting; keep whatever was collected before.
		c.logger.Debug("failed to query replication status", "err", err)
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key              replicationKey
			appName          sql.NullString
			state, syncState sql.NullString
			info             replicationInfo
		)
		if err := rows.Scan(&key.content, &key.hostname, &appName, &state, &syncState,
			&info.replayLag, &info.writeLag, &info.flushLag); err != nil {
			return c.finish(fmt.Errorf("scanning replication row: %w", err))
		}
		info.appName = orUnknown(appName.String)
		info.state = state.String
		info.syncState = syncState.String
		replicas[key] = info
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(replicas, c.registerReplica))
}

func (c *replicationCollector) registerReplica(key replicationKey) []MeterID {
	info, ok := c.lookup(key)
	if !ok {
		return nil
	}
	labels := prometheus.Labels{
		"content":          strconv.Itoa(key.content),
		"hostname":         key.hostname,
		"application_name": info.appName,
	}
	return []MeterID{
		c.replicaGauge(metricName(subsystemCluster, "replication_lag_bytes"),
			"Replay lag in bytes between the primary and its mirror.", labels, key,
			func(r replicationInfo) float64 { return r.replayLag }),
		c.replicaGauge(metricName(subsystemCluster, "replication_state"),
			"Replication state (1=streaming, 2=catchup, 3=backup, 0=unknown).", labels, key,
			func(r replicationInfo) float64 { return replicationStateValue(r.state) }),
		c.replicaGauge(metricName(subsystemCluster, "replication_sync_state"),
			"Replication sync state (2=sync, 1=async, 0.5=potential, 0=unknown).", labels, key,
			func(r replicationInfo) float64 { return replicationSyncStateValue(r.syncState) }),
		c.replicaGauge(metricName(subsystemCluster, "replication_write_lag_bytes"),
			"Write lag in bytes between the primary and its mirror.", labels, key,
			func(r replicationInfo) float64 { return r.writeLag }),
		c.replicaGauge(metricName(subsystemCluster, "replication_flush_lag_bytes"),
			"Flush lag in bytes between the primary and its mirror.", labels, key,
			func(r replicationInfo) float64 { return r.flushLag }),
	}
}

func (c *replicationCollector) replicaGauge(name, help string, labels prometheus.Labels, key replicationKey, read func(replicationInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		info, ok := c.lookup(key)
		if !ok {
			return math.NaN()
		}
		return read(info)
	})
}
