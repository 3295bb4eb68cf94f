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

// Collect resource group usage: memory and CPU per group and host, session
// queue depths and configured limits.

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
	resourceGroupQueryV6 = `
		SELECT g.rsgname, h.hostname, g.num_running, g.num_queueing,
		    cfg.cpu_rate_limit::int AS cpu_rate_limit,
		    COALESCE(ROUND(h.cpu)::int, 0) AS cpu_usage,
		    cfg.memory_limit::int AS memory_limit,
		    COALESCE(h.memory_used::int, 0) AS memory_usage
		FROM gp_toolkit.gp_resgroup_status g
		JOIN pg_resgroup r ON g.groupid = r.oid
		LEFT JOIN gp_toolkit.gp_resgroup_status_per_host h ON h.rsgname = g.rsgname
		LEFT JOIN gp_toolkit.gp_resgroup_config cfg ON cfg.groupid = g.groupid
		WHERE h.hostname IN (
		    SELECT hostname FROM gp_segment_configuration
		    WHERE role = 'p' AND content >= 0
		)
		ORDER BY g.rsgname, h.hostname`

	resourceGroupQueryV7 = `
		SELECT g.rsgname, h.hostname, g.num_running, g.num_queueing,
		    cfg.cpu_max_percent::int AS cpu_rate_limit,
		    COALESCE(ROUND(h.cpu_usage)::int, 0) AS cpu_usage,
		    cfg.memory_limit::int AS memory_limit,
		    COALESCE(h.memory_usage::int, 0) AS memory_usage
		FROM gp_toolkit.gp_resgroup_status g
		JOIN pg_resgroup r ON g.groupid = r.oid
		LEFT JOIN gp_toolkit.gp_resgroup_status_per_host h ON h.rsgname = g.rsgname
		LEFT JOIN gp_toolkit.gp_resgroup_config cfg ON cfg.groupid = g.groupid
		WHERE h.hostname IN (
		    SELECT hostname FROM gp_segment_configuration
		    WHERE role = 'p' AND content >= 0
		)
		ORDER BY g.rsgname, h.hostname`
)

type rsgKeyKind int

const (
	rsgPerHost rsgKeyKind = iota
	rsgPerGroup
)

type rsgKey struct {
	kind rsgKeyKind
	id   string
}

type rsgInfo struct {
	groupName    string
	hostname     string
	numRunning   float64
	numQueueing  float64
	cpuRateLimit int
	cpuUsage     float64
	memLimitMB   int
	memUsageMB   float64
}

type resourceGroupCollector struct {
	entityCollector[rsgKey, rsgInfo]
}

func init() {
	registerCollector("resource_groups", "Collect resource group memory, CPU and session queue usage.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newResourceGroupCollector(env), nil
		})
}

func newResourceGroupCollector(env Env) *resourceGroupCollector {
	c := &resourceGroupCollector{
		entityCollector: newEntityCollector[rsgKey, rsgInfo](baseCollector{
			name:        "resource_groups",
			help:        "Collect resource group memory, CPU and session queue usage.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	memStats := func() skewStats { return c.hostStats(func(r rsgInfo) float64 { return r.memUsageMB }) }
	cpuStats := func() skewStats { return c.hostStats(func(r rsgInfo) float64 { return r.cpuUsage }) }

	env.Registry.GaugeFunc(metricName(subsystemHost, "max_mem_usage"),
		"Maximum resource group memory usage in MB across hosts.", nil,
		func() float64 { return memStats().max })
	env.Registry.GaugeFunc(metricName(subsystemHost, "avg_mem_usage"),
		"Average resource group memory usage in MB across hosts.", nil,
		func() float64 { return memStats().avg })
	env.Registry.GaugeFunc(metricName(subsystemHost, "mem_usage_skew_ratio"),
		"Resource group memory usage skew ratio across hosts (max/avg).", nil,
		func() float64 { return memStats().skew })
	env.Registry.GaugeFunc(metricName(subsystemHost, "max_cpu_usage"),
		"Maximum resource group CPU usage percentage across hosts.", nil,
		func() float64 { return cpuStats().max })
	env.Registry.GaugeFunc(metricName(subsystemHost, "avg_cpu_usage"),
		"Average resource group CPU usage percentage across hosts.", nil,
		func() float64 { return cpuStats().avg })
	env.Registry.GaugeFunc(metricName(subsystemHost, "cpu_usage_skew_ratio"),
		"Resource group CPU usage skew ratio across hosts (max/avg).", nil,
		func() float64 { return cpuStats().skew })
	return c
}

func (c *resourceGroupCollector) hostStats(read func(rsgInfo) float64) skewStats {
	var values []float64
	for key, info := range c.snapshot() {
		if key.kind == rsgPerHost {
			values = append(values, read(info))
		}
	}
	return computeSkew(values)
}

func (c *resourceGroupCollector) Collect(ctx context.Context, db *sql.DB, version Version) error {
	query := resourceGroupQueryV6
	if version.IsAtLeastV7() {
		query = resourceGroupQueryV7
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return c.finish(fmt.Errorf("querying resource group status: %w", err))
	}
	defer rows.Close()

	groups := make(map[rsgKey]rsgInfo)
	for rows.Next() {
		var info rsgInfo
		if err := rows.Scan(&info.groupName, &info.hostname, &info.numRunning, &info.numQueueing,
			&info.cpuRateLimit, &info.cpuUsage, &info.memLimitMB, &info.memUsageMB); err != nil {
			return c.finish(fmt.Errorf("scanning resource group row: %w", err))
		}
		groups[rsgKey{kind: rsgPerHost, id: info.hostname + ":" + info.groupName}] = info
		// Group-level values repeat on every host row; the first wins.
		groupKey := rsgKey{kind: rsgPerGroup, id: info.groupName}
		if _, ok := groups[groupKey]; !ok {
			groups[groupKey] = info
		}
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(groups, c.registerGroup))
}

func limitLabel(limit int) string {
	if limit > 0 {
		return strconv.Itoa(limit)
	}
	return "unlimited"
}

func (c *resourceGroupCollector) registerGroup(key rsgKey) []MeterID {
	info, ok := c.lookup(key)
	if !ok {
		return nil
	}
	if key.kind == rsgPerHost {
		return []MeterID{
			c.rsgGauge(metricName(subsystemHost, "mem_usage_mb"),
				"Resource group memory usage in MB on the host.",
				prometheus.Labels{
					"resourceGroupName": info.groupName,
					"hostname":          info.hostname,
					"limit":             limitLabel(info.memLimitMB),
				}, key,
				func(r rsgInfo) float64 { return r.memUsageMB }),
			c.rsgGauge(metricName(subsystemHost, "cpu_usage_percentage"),
				"Resource group CPU usage percentage on the host.",
				prometheus.Labels{
					"resourceGroupName": info.groupName,
					"limit":             limitLabel(info.cpuRateLimit),
					"hostname":          info.hostname,
				}, key,
				func(r rsgInfo) float64 { return r.cpuUsage }),
		}
	}

	labels := prometheus.Labels{"resourceGroupName": info.groupName}
	return []MeterID{
		c.rsgGauge(metricName(subsystemHost, "num_running_sessions"),
			"Number of sessions running in the resource group.", labels, key,
			func(r rsgInfo) float64 { return r.numRunning }),
		c.rsgGauge(metricName(subsystemHost, "num_queueing_sessions"),
			"Number of sessions queued in the resource group.", labels, key,
			func(r rsgInfo) float64 { return r.numQueueing }),
		c.rsgGauge(metricName(subsystemHost, "mem_limit_mb"),
			"Configured memory limit in MB of the resource group.", labels, key,
			func(r rsgInfo) float64 { return float64(r.memLimitMB) }),
		c.rsgGauge(metricName(subsystemHost, "cpu_rate_limit_percentage"),
			"Configured CPU rate limit percentage of the resource group.", labels, key,
			func(r rsgInfo) float64 { return float64(r.cpuRateLimit) }),
	}
}

func (c *resourceGroupCollector) rsgGauge(name, help string, labels prometheus.Labels, key rsgKey, read func(rsgInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		info, ok := c.lookup(key)
		if !ok {
			return math.NaN()
		}
		return read(info)
	})
}
