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

// Collect cluster-wide state: accessibility, uptime, sync replication,
// configuration reload time and connection limits.

package collector

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	clusterCheckStateQuery = `SELECT count(1) FROM gp_dist_random('gp_id')`

	clusterStateQuery = `
		WITH master AS (
		    SELECT hostname FROM gp_segment_configuration
		    WHERE content = -1 AND role = 'p'
		),
		standby AS (
		    SELECT hostname FROM gp_segment_configuration
		    WHERE content = -1 AND role = 'm'
		),
		uptime AS (
		    SELECT extract(epoch FROM now() - pg_postmaster_start_time()) AS uptime_seconds
		),
		sync AS (
		    SELECT count(*) AS sync_replicas
		    FROM pg_stat_replication
		    WHERE state = 'streaming'
		),
		conf_load AS (
		    SELECT pg_conf_load_time() AS conf_load_time
		)
		SELECT
		    (SELECT hostname FROM master) AS master_host,
		    (SELECT hostname FROM standby) AS standby_host,
		    (SELECT uptime_seconds FROM uptime) AS uptime_seconds,
		    (SELECT sync_replicas FROM sync) AS sync_replicas,
		    (SELECT conf_load_time FROM conf_load) AS conf_load_time,
		    (SELECT current_setting('max_connections')::int) AS max_connections`
)

type clusterState struct {
	accessible     bool
	version        string
	master         string
	standby        string
	uptime         float64
	sync           float64
	configLoadTime float64
	maxConnections float64
}

type clusterStateCollector struct {
	aggregateCollector[clusterState]
}

func init() {
	registerCollector("cluster_state", "Collect cluster accessibility, uptime, sync and configuration state.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newClusterStateCollector(env), nil
		})
}

func newClusterStateCollector(env Env) *clusterStateCollector {
	c := &clusterStateCollector{
		aggregateCollector: newAggregateCollector[clusterState](baseCollector{
			name:        "cluster_state",
			help:        "Collect cluster accessibility, uptime, sync and configuration state.",
			group:       General,
			failOnError: false,
			logger:      env.Logger,
			registry:    env.Registry,
		}),
	}
	c.update(&clusterState{version: "unknown", master: "unknown"})

	env.Registry.GaugeFuncDynamic(
		metricName(subsystemCluster, "state"),
		"Whether the Greengage database cluster is accessible (can query segments).",
		func() prometheus.Labels {
			s := c.current()
			if s == nil {
				return prometheus.Labels{"version": "unknown", "master": "unknown", "standby": ""}
			}
			return prometheus.Labels{"version": s.version, "master": s.master, "standby": s.standby}
		},
		func() float64 {
			if s := c.current(); s != nil && s.accessible {
				return 1
			}
			return 0
		},
	)
	c.gauge(metricName(subsystemCluster, "uptime_seconds"),
		"Duration that the Greengage database has been running since last restart.",
		nil, func(s *clusterState) float64 { return s.uptime })
	c.gauge(metricName(subsystemCluster, "sync"),
		"Number of sync replicas streaming from master (0=no sync, 1=sync active).",
		nil, func(s *clusterState) float64 { return s.sync })
	c.gauge(metricName(subsystemCluster, "config_last_load_time_seconds"),
		"Unix timestamp of the last configuration reload.",
		nil, func(s *clusterState) float64 { return s.configLoadTime })
	c.gauge(metricName(subsystemCluster, "max_connections"),
		"Maximum number of allowed connections to the Greengage database.",
		nil, func(s *clusterState) float64 { return s.maxConnections })
	return c
}

func (c *clusterStateCollector) Collect(ctx context.Context, db *sql.DB, version Version) error {
	state := &clusterState{
		version: orUnknown(version.Short),
		master:  "unknown",
	}

	var count int
	if err := db.QueryRowContext(ctx, clusterCheckStateQuery).Scan(&count); err != nil {
		c.logger.Debug("cluster not accessible (might be single-node)", "err", err)
	} else if count > 0 {
		state.accessible = true
	}

	var (
		master, standby sql.NullString
		uptime, syncN   sql.NullFloat64
		confLoad        sql.NullTime
		maxConns        sql.NullInt64
	)
	err := db.QueryRowContext(ctx, clusterStateQuery).Scan(&master, &standby, &uptime, &syncN, &confLoad, &maxConns)
	if err != nil {
		c.logger.Debug("failed to get detailed cluster info (might not be a cluster)", "err", err)
	} else {
		if master.Valid {
			state.master = master.String
		}
		state.standby = standby.String
		state.uptime = uptime.Float64
		state.sync = syncN.Float64
		state.maxConnections = float64(maxConns.Int64)
		if confLoad.Valid {
			state.configLoadTime = float64(confLoad.Time.UnixNano()) / float64(time.Second)
		}
	}

	c.update(state)
	return nil
}
