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

var replicationColumns = []string{"content", "hostname", "application_name", "state", "sync_state", "replay_lag", "write_lag", "flush_lag"}

func TestReplicationCollector(t *testing.T) {
	convey.Convey("Replication rows become per-segment lag gauges", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("pg_xlog_location_diff").
			WillReturnRows(sqlmock.NewRows(replicationColumns).
				AddRow(-1, "mdw", "gp_walreceiver", "streaming", "sync", 0, 0, 0).
				AddRow(0, "sdw1", "gp_walreceiver", "catchup", "async", 4096, 1024, 2048))

		env := testEnv()
		c := newReplicationCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		labels := labelMap{"content": "0", "hostname": "sdw1", "application_name": "gp_walreceiver"}

		lag, ok := metricValue(env.Registry, "greengage_cluster_replication_lag_bytes", labels)
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(lag, convey.ShouldEqual, 4096)

		state, _ := metricValue(env.Registry, "greengage_cluster_replication_state", labels)
		convey.So(state, convey.ShouldEqual, 2)

		syncState, _ := metricValue(env.Registry, "greengage_cluster_replication_sync_state", labels)
		convey.So(syncState, convey.ShouldEqual, 1)

		maxLag, _ := metricValue(env.Registry, "greengage_cluster_replication_max_lag_bytes", labelMap{})
		convey.So(maxLag, convey.ShouldEqual, 4096)

		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})

	convey.Convey("Version 7 switches to the lsn functions", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("pg_wal_lsn_diff").
			WillReturnRows(sqlmock.NewRows(replicationColumns))

		c := newReplicationCollector(testEnv())
		convey.So(c.Collect(context.Background(), db, version7()), convey.ShouldBeNil)
		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})

	convey.Convey("Mirrorless clusters fail soft and keep previous values", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("pg_xlog_location_diff").
			WillReturnRows(sqlmock.NewRows(replicationColumns).
				AddRow(0, "sdw1", "gp_walreceiver", "streaming", "sync", 512, 0, 0))
		mock.ExpectQuery("pg_xlog_location_diff").WillReturnError(errTest)

		env := testEnv()
		c := newReplicationCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		maxLag, _ := metricValue(env.Registry, "greengage_cluster_replication_max_lag_bytes", labelMap{})
		convey.So(maxLag, convey.ShouldEqual, 512)
	})
}
