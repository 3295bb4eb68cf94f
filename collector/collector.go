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

// Package collector implements the Greengage collection runtime: the
// collector contract, the supplier-gauge meter registry, the scrape
// orchestrator and the catalogue of concrete collectors.
package collector

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "greengage"

// Metric subsystems. Sample names follow greengage_<subsystem>_<name>.
const (
	subsystemServer   = "server"
	subsystemDatabase = "database"
	subsystemExporter = "exporter"
	subsystemCluster  = "cluster"
	subsystemHost     = "host"
	subsystemQuery    = "query"
	subsystemBackup   = "gpbackup"
)

// Group tells the orchestrator which connection a collector receives.
// General collectors run on the coordinator connection, PerDB collectors
// run once per allowed database on a connection bound to it.
type Group int

const (
	General Group = iota
	PerDB
)

func (g Group) String() string {
	if g == PerDB {
		return "PER_DB"
	}
	return "GENERAL"
}

// Collector is the contract every catalogue entry implements. Collect runs
// the collector's queries against db and publishes the results through the
// meter registry the collector was constructed with.
type Collector interface {
	Name() string
	Help() string
	Group() Group
	Collect(ctx context.Context, db *sql.DB, version Version) error
}

func metricName(subsystem, name string) string {
	return prometheus.BuildFQName(namespace, subsystem, name)
}

// orUnknown unifies missing categorical strings on "unknown".
func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Numeric encodings of categorical segment states. These values are part
// of the external contract and must stay stable.
func segmentStatusValue(status string) float64 {
	if strings.EqualFold(status, "u") {
		return 1
	}
	return 0
}

func segmentRoleValue(role string) float64 {
	if strings.EqualFold(role, "p") {
		return 1
	}
	return 2
}

func segmentModeValue(mode string) float64 {
	switch strings.ToLower(mode) {
	case "s":
		return 1
	case "r":
		return 2
	case "c":
		return 3
	case "n", "":
		return 4
	default:
		return 0
	}
}

func replicationStateValue(state string) float64 {
	switch strings.ToLower(state) {
	case "streaming":
		return 1
	case "catchup":
		return 2
	case "backup":
		return 3
	default:
		return 0
	}
}

func replicationSyncStateValue(syncState string) float64 {
	switch strings.ToLower(syncState) {
	case "sync":
		return 2
	case "async":
		return 1
	case "potential":
		return 0.5
	default:
		return 0
	}
}

// skewStats is a max/avg/skew rollup over a set of per-host samples.
// Skew ratio is max/avg; 1.0 means balanced.
type skewStats struct {
	max  float64
	avg  float64
	skew float64
}

func computeSkew(values []float64) skewStats {
	if len(values) == 0 {
		return skewStats{}
	}
	var sum, max float64
	for _, v := range values {
		sum += v
		if v > max {
			max = v
		}
	}
	avg := sum / float64(len(values))
	var skew float64
	if avg > 0 {
		skew = max / avg
	}
	return skewStats{max: max, avg: avg, skew: skew}
}

// baseCollector carries the identity and policies shared by the aggregate
// and entity collector bases.
type baseCollector struct {
	name        string
	help        string
	group       Group
	failOnError bool
	logger      *slog.Logger
	registry    *MeterRegistry
}

func (c *baseCollector) Name() string { return c.name }
func (c *baseCollector) Help() string { return c.help }
func (c *baseCollector) Group() Group { return c.group }

// finish applies the collector's failure policy: fail-soft collectors log
// the error and keep the previous metric values in place.
func (c *baseCollector) finish(err error) error {
	if err == nil {
		return nil
	}
	if c.failOnError {
		return err
	}
	c.logger.Warn("collection failed, keeping previous values", "collector", c.name, "err", err)
	return nil
}
