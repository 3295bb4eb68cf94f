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

// Collect disk usage per segment host. Requires the ggexporter helper view
// wrapping gp_toolkit.gp_disk_free on every segment.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const diskUsageQuery = `
	SELECT DISTINCT gdu.dfhostname, dftotal_kb, dfused_kb, dfavail_kb, dfpercent
	FROM ggexporter.gp_segment_disk_usage gdu
	ORDER BY dfhostname`

type diskInfo struct {
	totalKB      float64
	usedKB       float64
	availableKB  float64
	usagePercent float64
}

type diskHostCollector struct {
	entityCollector[string, diskInfo]
}

func init() {
	registerCollector("disk", "Collect disk usage per segment host.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newDiskHostCollector(env), nil
		})
}

func newDiskHostCollector(env Env) *diskHostCollector {
	c := &diskHostCollector{
		entityCollector: newEntityCollector[string, diskInfo](baseCollector{
			name:        "disk",
			help:        "Collect disk usage per segment host.",
			group:       General,
			failOnError: false,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	c.skewGauges(env, "disk_total_kb", "total disk space in KB",
		func(d diskInfo) float64 { return d.totalKB })
	c.skewGauges(env, "disk_used_kb", "used disk space in KB",
		func(d diskInfo) float64 { return d.usedKB })
	c.skewGauges(env, "disk_available_kb", "available disk space in KB",
		func(d diskInfo) float64 { return d.availableKB })
	c.skewGauges(env, "disk_usage_percent", "disk usage percentage",
		func(d diskInfo) float64 { return d.usagePercent })
	return c
}

func (c *diskHostCollector) skewGauges(env Env, metric, what string, read func(diskInfo) float64) {
	stats := func() skewStats {
		snapshot := c.snapshot()
		values := make([]float64, 0, len(snapshot))
		for _, d := range snapshot {
			values = append(values, read(d))
		}
		return computeSkew(values)
	}
	env.Registry.GaugeFunc(metricName(subsystemHost, "max_"+metric),
		fmt.Sprintf("Maximum %s across hosts.", what), nil,
		func() float64 { return stats().max })
	env.Registry.GaugeFunc(metricName(subsystemHost, "avg_"+metric),
		fmt.Sprintf("Average %s across hosts.", what), nil,
		func() float64 { return stats().avg })
	env.Registry.GaugeFunc(metricName(subsystemHost, metric+"_skew_ratio"),
		fmt.Sprintf("Skew ratio of %s across hosts (max/avg).", what), nil,
		func() float64 { return stats().skew })
}

func (c *diskHostCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, diskUsageQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying disk usage: %w", err))
	}
	defer rows.Close()

	disks := make(map[string]diskInfo)
	for rows.Next() {
		var (
			hostname string
			d        diskInfo
		)
		if err := rows.Scan(&hostname, &d.totalKB, &d.usedKB, &d.availableKB, &d.usagePercent); err != nil {
			return c.finish(fmt.Errorf("scanning disk usage row: %w", err))
		}
		disks[hostname] = d
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(disks, c.registerHost))
}

func (c *diskHostCollector) registerHost(hostname string) []MeterID {
	labels := prometheus.Labels{"hostname": hostname}
	return []MeterID{
		c.diskGauge(metricName(subsystemHost, "disk_total_kb"),
			"Total disk space in KB on the host.", labels, hostname,
			func(d diskInfo) float64 { return d.totalKB }),
		c.diskGauge(metricName(subsystemHost, "disk_used_kb"),
			"Used disk space in KB on the host.", labels, hostname,
			func(d diskInfo) float64 { return d.usedKB }),
		c.diskGauge(metricName(subsystemHost, "disk_available_kb"),
			"Available disk space in KB on the host.", labels, hostname,
			func(d diskInfo) float64 { return d.availableKB }),
		c.diskGauge(metricName(subsystemHost, "disk_usage_percent"),
			"Disk usage percentage on the host.", labels, hostname,
			func(d diskInfo) float64 { return d.usagePercent }),
	}
}

func (c *diskHostCollector) diskGauge(name, help string, labels prometheus.Labels, hostname string, read func(diskInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		d, ok := c.lookup(hostname)
		if !ok {
			return math.NaN()
		}
		return read(d)
	})
}
