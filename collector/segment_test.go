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

var segmentColumns = []string{"dbid", "content", "role", "preferred_role", "mode", "status", "port", "hostname", "address", "datadir"}

func TestSegmentCollector(t *testing.T) {
	convey.Convey("With a two-segment cluster", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		rows := sqlmock.NewRows(segmentColumns).
			AddRow(1, -1, "p", "p", "n", "u", 5432, "mdw", "mdw", "/data/master/gpseg-1").
			AddRow(2, 0, "p", "p", "s", "u", 6000, "sdw1", "sdw1", "/data/primary/gpseg0").
			AddRow(3, 0, "m", "m", "s", "d", 7000, "sdw2", "sdw2", "/data/mirror/gpseg0")
		mock.ExpectQuery("FROM gp_segment_configuration").WillReturnRows(rows)

		env := testEnv()
		c := newSegmentCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		convey.Convey("Per-segment gauges carry the encoded values", func() {
			labels := labelMap{
				"dbid": "2", "content": "0", "hostname": "sdw1",
				"preferred_role": "p", "role": "p", "port": "6000",
			}
			v, ok := metricValue(env.Registry, "greengage_cluster_segment_status", labels)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 1)

			v, _ = metricValue(env.Registry, "greengage_cluster_segment_role", labels)
			convey.So(v, convey.ShouldEqual, 1)

			v, _ = metricValue(env.Registry, "greengage_cluster_segment_mode", labels)
			convey.So(v, convey.ShouldEqual, 1)
		})

		convey.Convey("Totals split into up and down", func() {
			total, _ := metricValue(env.Registry, "greengage_cluster_segments_total", labelMap{})
			up, _ := metricValue(env.Registry, "greengage_cluster_segments_up", labelMap{})
			down, _ := metricValue(env.Registry, "greengage_cluster_segments_down", labelMap{})
			convey.So(total, convey.ShouldEqual, 3)
			convey.So(up, convey.ShouldEqual, 2)
			convey.So(down, convey.ShouldEqual, 1)
		})

		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})

	convey.Convey("Query failures propagate since segments fail hard", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()
		mock.ExpectQuery("FROM gp_segment_configuration").WillReturnError(errTest)

		c := newSegmentCollector(testEnv())
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldNotBeNil)
	})
}
