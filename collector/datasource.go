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
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PoolConfig sizes the primary coordinator pool.
type PoolConfig struct {
	MaxConns    int
	MinConns    int
	MaxLifetime time.Duration
}

// DefaultPoolConfig matches the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxConns: 5, MinConns: 1, MaxLifetime: 30 * time.Minute}
}

// OpenPrimary opens the fixed-size coordinator pool.
func OpenPrimary(dsn string, cfg PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening coordinator pool: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	return db, nil
}

// validDBName is a conservative database name validator, not a full SQL
// identifier parser. Anything outside [A-Za-z0-9_-] or longer than 63
// bytes is rejected before it reaches a connection URL.
var validDBName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateDBName(name string) error {
	if name == "" {
		return fmt.Errorf("empty database name")
	}
	if len(name) > 63 {
		return fmt.Errorf("database name %q exceeds 63 bytes", name)
	}
	if !validDBName.MatchString(name) {
		return fmt.Errorf("database name %q contains disallowed characters", name)
	}
	return nil
}

// perDBMaxLifetime keeps per-database pools short-lived so stale
// connections do not accumulate across database restarts.
const perDBMaxLifetime = 2 * time.Minute

// DatasourceFactory produces single-connection pools bound to a named
// database by rewriting the path of the base connection URL.
type DatasourceFactory struct {
	baseURL string
}

func NewDatasourceFactory(baseURL string) *DatasourceFactory {
	return &DatasourceFactory{baseURL: baseURL}
}

// For opens a single-connection pool for the named database.
func (f *DatasourceFactory) For(name string) (*sql.DB, error) {
	dsn, err := f.rewriteURL(name)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening datasource for %q: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(perDBMaxLifetime)
	return db, nil
}

func (f *DatasourceFactory) rewriteURL(name string) (string, error) {
	if err := validateDBName(name); err != nil {
		return "", err
	}
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	u.Path = "/" + name
	return u.String(), nil
}
