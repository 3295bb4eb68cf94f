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
	"math"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smartystreets/goconvey/convey"
)

var tableVacuumColumns = []string{
	"datname", "nspname", "relname", "n_live_tup", "n_dead_tup",
	"dead_tuple_ratio", "seconds_since_last_vacuum", "seconds_since_last_autovacuum",
	"vacuum_count", "autovacuum_count",
}

func TestSplitTableKey(t *testing.T) {
	convey.Convey("Keys split on the first and last dot", t, func() {
		db, schema, table := splitTableKey("sales.public.orders")
		convey.So(db, convey.ShouldEqual, "sales")
		convey.So(schema, convey.ShouldEqual, "public")
		convey.So(table, convey.ShouldEqual, "orders")

		// Schemas may contain dots; they end up in the middle part.
		db, schema, table = splitTableKey("sales.my.odd.schema.orders")
		convey.So(db, convey.ShouldEqual, "sales")
		convey.So(schema, convey.ShouldEqual, "my.odd.schema")
		convey.So(table, convey.ShouldEqual, "orders")
	})
}

func TestTableVacuumCollector(t *testing.T) {
	convey.Convey("Table statistics become labelled gauges", t, func() {
		db, mock, err := sqlmock.New()
		convey.So(err, convey.ShouldBeNil)
		defer db.Close()

		mock.ExpectQuery("FROM pg_class c").
			WithArgs(defaultTupleThreshold).
			WillReturnRows(sqlmock.NewRows(tableVacuumColumns).
				AddRow("sales", "public", "orders", 9000, 1000, 0.1, 3600, 1800, 4, 12).
				AddRow("sales", "public", "archive", 5000, 0, 0, nil, nil, 0, 0))

		env := testEnv()
		c := newTableVacuumCollector(env, defaultTupleThreshold)
		convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

		labels := labelMap{"database": "sales", "schema": "public", "table": "orders"}
		ratio, ok := metricValue(env.Registry, "greengage_database_table_dead_tuple_ratio", labels)
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(ratio, convey.ShouldEqual, 0.1)

		since, _ := metricValue(env.Registry, "greengage_database_table_seconds_since_last_vacuum", labels)
		convey.So(since, convey.ShouldEqual, 3600)

		convey.Convey("A never-vacuumed table reports NaN for the ages", func() {
			never := labelMap{"database": "sales", "schema": "public", "table": "archive"}
			v, ok := metricValue(env.Registry, "greengage_database_table_seconds_since_last_vacuum", never)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(math.IsNaN(v), convey.ShouldBeTrue)
		})

		convey.Convey("Tables of other databases are carried over on the next scrape", func() {
			mock.ExpectQuery("FROM pg_class c").
				WithArgs(defaultTupleThreshold).
				WillReturnRows(sqlmock.NewRows(tableVacuumColumns).
					AddRow("analytics", "public", "events", 100000, 5000, 0.05, 60, 60, 1, 9))
			convey.So(c.Collect(context.Background(), db, Version{}), convey.ShouldBeNil)

			// The sales table survives the analytics scan.
			v, ok := metricValue(env.Registry, "greengage_database_table_dead_tuple_ratio", labels)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 0.1)

			v, _ = metricValue(env.Registry, "greengage_database_table_dead_tuple_ratio",
				labelMap{"database": "analytics", "schema": "public", "table": "events"})
			convey.So(v, convey.ShouldEqual, 0.05)
		})

		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})
}
