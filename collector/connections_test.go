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

package collector

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smartystreets/goconvey/convey"
)

func TestConnectionsCollector(t *testing.T) {
	convey.Convey("Connection counts are grouped by state", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		rows := sqlmock.NewRows([]string{"state", "count"}).
			AddRow("active", 12).
			AddRow("idle", 30).
			AddRow(nil, 2)
		mock.ExpectQuery("FROM pg_stat_activity a").WillReturnRows(rows)

		env := testEnv()
		c := newConnectionsCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		convey.Convey("Per-state gauges are exposed", func() {
			v, ok := metricValue(env.Registry, "greengage_cluster_connections_total", labelMap{"state": "active"})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 12)
		})

		convey.Convey("A NULL state maps to unknown", func() {
			v, ok := metricValue(env.Registry, "greengage_cluster_connections_total", labelMap{"state": "unknown"})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 2)
		})

		convey.Convey("The all-states total sums every state", func() {
			v, _ := metricValue(env.Registry, "greengage_cluster_connections_all_states_total", labelMap{})
			convey.So(v, convey.ShouldEqual, 44)
		})

		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})

	convey.Convey("Version 7 restricts the scan to client backends", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("backend_type = 'client backend'").
			WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).AddRow("active", 1))

		c := newConnectionsCollector(testEnv())
		convey.So(c.Collect(context.Background(), db, version7()), convey.ShouldBeNil)
		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})
}
