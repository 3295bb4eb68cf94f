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
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smartystreets/goconvey/convey"
)

var backupColumns = []string{"database_name", "incremental", "status", "backup_count", "duration_seconds", "seconds_since_completion"}

// historyFixture points the collector at a mock in place of the SQLite file.
func historyFixture(c *backupHistoryCollector) sqlmock.Sqlmock {
	db, mock, _ := sqlmock.New()
	c.open = func() (*sql.DB, error) { return db, nil }
	return mock
}

func TestBackupHistoryCollector(t *testing.T) {
	convey.Convey("Latest backups per kind become gauges", t, func() {
		env := testEnv()
		c := newBackupHistoryCollector(env, defaultBackupHistoryPath)
		mock := historyFixture(c)

		mock.ExpectQuery("WITH normalized AS").
			WillReturnRows(sqlmock.NewRows(backupColumns).
				AddRow("sales", 0, "success", 12, 3600, 7200).
				AddRow("sales", 1, "failure", 2, 120, 500).
				AddRow("analytics", 0, "in_progress", 1, nil, nil))
		mock.ExpectClose()

		convey.So(c.Collect(context.Background(), nil, Version{}), convey.ShouldBeNil)

		convey.Convey("Counts carry database, type and status labels", func() {
			v, ok := metricValue(env.Registry, "greengage_gpbackup_backup_count",
				labelMap{"database": "sales", "type": "full", "status": "success"})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 12)

			v, ok = metricValue(env.Registry, "greengage_gpbackup_backup_count",
				labelMap{"database": "analytics", "type": "full", "status": "in_progress"})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 1)
		})

		convey.Convey("Finished backups report durations", func() {
			v, ok := metricValue(env.Registry, "greengage_gpbackup_last_backup_duration_seconds",
				labelMap{"database": "sales", "incremental": "incremental", "status": "failure"})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 120)
		})

		convey.Convey("Completion age exists only for successful backups", func() {
			v, ok := metricValue(env.Registry, "greengage_gpbackup_seconds_since_last_backup_completion",
				labelMap{"database": "sales", "incremental": "full"})
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(v, convey.ShouldEqual, 7200)

			_, ok = metricValue(env.Registry, "greengage_gpbackup_seconds_since_last_backup_completion",
				labelMap{"database": "sales", "incremental": "incremental"})
			convey.So(ok, convey.ShouldBeFalse)
		})

		convey.Convey("In-progress runs never register a duration", func() {
			_, ok := metricValue(env.Registry, "greengage_gpbackup_last_backup_duration_seconds",
				labelMap{"database": "analytics", "incremental": "full", "status": "in_progress"})
			convey.So(ok, convey.ShouldBeFalse)
		})

		convey.Convey("A vanished backup kind loses its meters on the next scrape", func() {
			mock2 := historyFixture(c)
			mock2.ExpectQuery("WITH normalized AS").
				WillReturnRows(sqlmock.NewRows(backupColumns).
					AddRow("sales", 0, "success", 13, 3500, 100))
			mock2.ExpectClose()
			convey.So(c.Collect(context.Background(), nil, Version{}), convey.ShouldBeNil)

			_, ok := metricValue(env.Registry, "greengage_gpbackup_backup_count",
				labelMap{"database": "sales", "type": "incremental", "status": "failure"})
			convey.So(ok, convey.ShouldBeFalse)

			v, _ := metricValue(env.Registry, "greengage_gpbackup_backup_count",
				labelMap{"database": "sales", "type": "full", "status": "success"})
			convey.So(v, convey.ShouldEqual, 13)
		})

		convey.So(mock.ExpectationsWereMet(), convey.ShouldBeNil)
	})

	convey.Convey("An unreadable history file is a hard failure", t, func() {
		env := testEnv()
		c := newBackupHistoryCollector(env, defaultBackupHistoryPath)
		c.open = func() (*sql.DB, error) { return nil, errTest }

		convey.So(c.Collect(context.Background(), nil, Version{}), convey.ShouldNotBeNil)
	})
}
