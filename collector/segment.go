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

// Collect per-segment status, role and mode from gp_segment_configuration.

package collector

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const segmentConfigQuery = `
	SELECT dbid, content, role, preferred_role, mode, status, port, hostname, address, datadir
	FROM gp_segment_configuration
	ORDER BY content, role`

type segmentInfo struct {
	dbid          int
	content       int
	role          string
	preferredRole string
	mode          string
	status        string
	port          int
	hostname      string
	address       string
	dataDir       string
}

type segmentCollector struct {
	entityCollector[string, segmentInfo]
}

func init() {
	registerCollector("segment", "Collect per-segment status, role and mode.", true,
		func(env Env, _ []Arg) (Collector, error) {
			return newSegmentCollector(env), nil
		})
}

func newSegmentCollector(env Env) *segmentCollector {
	c := &segmentCollector{
		entityCollector: newEntityCollector[string, segmentInfo](baseCollector{
			name:        "segment",
			help:        "Collect per-segment status, role and mode.",
			group:       General,
			failOnError: true,
			logger:      env.Logger,
			registry:    env.Registry,
		}, false),
	}

	env.Registry.GaugeFunc(metricName(subsystemCluster, "segments_total"),
		"Total number of segments in the cluster.", nil,
		func() float64 { return float64(c.entityCount()) })
	env.Registry.GaugeFunc(metricName(subsystemCluster, "segments_up"),
		"Number of segments currently up.", nil,
		func() float64 { return c.countStatus(true) })
	env.Registry.GaugeFunc(metricName(subsystemCluster, "segments_down"),
		"Number of segments currently down.", nil,
		func() float64 { return c.countStatus(false) })
	return c
}

func (c *segmentCollector) countStatus(up bool) float64 {
	var n float64
	for _, seg := range c.snapshot() {
		if strings.EqualFold(seg.status, "u") == up {
			n++
		}
	}
	return n
}

func (c *segmentCollector) Collect(ctx context.Context, db *sql.DB, _ Version) error {
	rows, err := db.QueryContext(ctx, segmentConfigQuery)
	if err != nil {
		return c.finish(fmt.Errorf("querying segment configuration: %w", err))
	}
	defer rows.Close()

	segments := make(map[string]segmentInfo)
	for rows.Next() {
		var seg segmentInfo
		if err := rows.Scan(&seg.dbid, &seg.content, &seg.role, &seg.preferredRole,
			&seg.mode, &seg.status, &seg.port, &seg.hostname, &seg.address, &seg.dataDir); err != nil {
			return c.finish(fmt.Errorf("scanning segment row: %w", err))
		}
		segments[segmentKey(seg)] = seg
	}
	if err := rows.Err(); err != nil {
		return c.finish(err)
	}

	return c.finish(c.replace(segments, c.registerSegment))
}

func segmentKey(seg segmentInfo) string {
	return seg.hostname + ":" + strconv.Itoa(seg.dbid)
}

func (c *segmentCollector) registerSegment(key string) []MeterID {
	seg, ok := c.lookup(key)
	if !ok {
		return nil
	}
	labels := prometheus.Labels{
		"dbid":           strconv.Itoa(seg.dbid),
		"content":        strconv.Itoa(seg.content),
		"hostname":       seg.hostname,
		"preferred_role": seg.preferredRole,
		"role":           seg.role,
		"port":           strconv.Itoa(seg.port),
	}
	return []MeterID{
		c.segmentGauge(metricName(subsystemCluster, "segment_status"),
			"Status of the segment (1=up, 0=down).", labels, key,
			func(s segmentInfo) float64 { return segmentStatusValue(s.status) }),
		c.segmentGauge(metricName(subsystemCluster, "segment_role"),
			"Current role of the segment (1=primary, 2=mirror).", labels, key,
			func(s segmentInfo) float64 { return segmentRoleValue(s.role) }),
		c.segmentGauge(metricName(subsystemCluster, "segment_mode"),
			"Replication mode of the segment (1=synced, 2=resyncing, 3=changetracking, 4=not syncing).", labels, key,
			func(s segmentInfo) float64 { return segmentModeValue(s.mode) }),
	}
}

func (c *segmentCollector) segmentGauge(name, help string, labels prometheus.Labels, key string, read func(segmentInfo) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		seg, ok := c.lookup(key)
		if !ok {
			return math.NaN()
		}
		return read(seg)
	})
}
