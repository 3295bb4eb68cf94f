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

var durationColumns = []string{"total_active_queries", "cnt_0_10", "cnt_10_60", "cnt_60_180", "cnt_180_600", "cnt_600_plus"}

func TestQueryDurationCollector(t *testing.T) {
	convey.Convey("Duration buckets map onto labelled gauges", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("FROM pg_stat_activity").
			WillReturnRows(sqlmock.NewRows(durationColumns).AddRow(23, 15, 5, 1, 2, 0))

		env := testEnv()
		c := newQueryDurationCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		for bucket, want := range map[string]float64{
			"0_10": 15, "10_60": 5, "60_180": 1, "180_600": 2, "600_plus": 0,
		} {
			v, ok := metricValue(env.Registry, "greengage_query_active_queries_duration_bucket", labelMap{"bucket": bucket})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, want)
		}

		total, _ := metricValue(env.Registry, "greengage_query_active_queries_total", labelMap{})
		convey.So(total, convey.ShouldEqual, 23)

		slow, _ := metricValue(env.Registry, "greengage_query_active_queries_slow", labelMap{})
		convey.So(slow, convey.ShouldEqual, 2)

		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})

	convey.Convey("NULL bucket counts on an idle system read zero", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("FROM pg_stat_activity").
			WillReturnRows(sqlmock.NewRows(durationColumns).AddRow(0, nil, nil, nil, nil, nil))

		env := testEnv()
		c := newQueryDurationCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		v, ok := metricValue(env.Registry, "greengage_query_active_queries_duration_bucket", labelMap{"bucket": "0_10"})
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(v, convey.ShouldEqual, 0)
	})

	convey.Convey("Query failures keep previous values since the collector fails soft", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("FROM pg_stat_activity").
			WillReturnRows(sqlmock.NewRows(durationColumns).AddRow(3, 3, 0, 0, 0, 0))
		mock.ExpectQuery("FROM pg_stat_activity").WillReturnError(errTest)

		env := testEnv()
		c := newQueryDurationCollector(env)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		total, _ := metricValue(env.Registry, "greengage_query_active_queries_total", labelMap{})
		convey.So(total, convey.ShouldEqual, 3)
	})
}
