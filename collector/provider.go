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
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// PerDBMode selects which databases PER_DB collectors visit.
type PerDBMode int

const (
	ModeAll PerDBMode = iota
	ModeInclude
	ModeExclude
	ModeNone
)

// ParsePerDBMode parses the per-db mode option. "from_db" is accepted as a
// synonym of "all" for compatibility with older configurations.
func ParsePerDBMode(s string) (PerDBMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "from_db":
		return ModeAll, nil
	case "include":
		return ModeInclude, nil
	case "exclude":
		return ModeExclude, nil
	case "none":
		return ModeNone, nil
	default:
		return ModeAll, fmt.Errorf("unknown per-db mode %q", s)
	}
}

func (m PerDBMode) String() string {
	switch m {
	case ModeInclude:
		return "include"
	case ModeExclude:
		return "exclude"
	case ModeNone:
		return "none"
	default:
		return "all"
	}
}

const enumerateDatabasesQuery = `
	SELECT datname
	FROM pg_database
	WHERE datallowconn AND NOT datistemplate
	ORDER BY datname`

// NamedDB couples a per-database pool with the database it is bound to.
type NamedDB struct {
	Name string
	DB   *sql.DB
}

// dbOpener abstracts the datasource factory for tests.
type dbOpener interface {
	For(name string) (*sql.DB, error)
}

// ConnectionProvider enumerates candidate databases from the catalogue,
// filters them by mode, and hands out per-database pools. With caching
// enabled, pools live for the process; otherwise they are tracked per
// scrape and closed in Cleanup.
type ConnectionProvider struct {
	factory dbOpener
	mode    PerDBMode
	list    map[string]struct{}
	caching bool
	logger  *slog.Logger

	mu        sync.Mutex
	cached    map[string]*sql.DB
	temporary []*sql.DB
}

// NewConnectionProvider builds a provider. dbList is the CSV-derived list
// consulted under include/exclude modes.
func NewConnectionProvider(factory dbOpener, mode PerDBMode, dbList []string, caching bool, logger *slog.Logger) *ConnectionProvider {
	list := make(map[string]struct{}, len(dbList))
	for _, name := range dbList {
		name = strings.TrimSpace(name)
		if name != "" {
			list[name] = struct{}{}
		}
	}
	return &ConnectionProvider{
		factory: factory,
		mode:    mode,
		list:    list,
		caching: caching,
		logger:  logger,
		cached:  make(map[string]*sql.DB),
	}
}

// Datasources returns one pool per allowed database. Failures to build a
// single datasource are logged and skipped; a failure to enumerate returns
// an empty list and the scrape proceeds with GENERAL collectors only.
func (p *ConnectionProvider) Datasources(ctx context.Context, conn *sql.DB) []NamedDB {
	if p.mode == ModeNone {
		return nil
	}

	names, err := p.enumerate(ctx, conn)
	if err != nil {
		p.logger.Warn("failed to enumerate databases, skipping per-db collectors", "err", err)
		return nil
	}
	names = p.filter(names)

	out := make([]NamedDB, 0, len(names))
	for _, name := range names {
		db, err := p.datasource(name)
		if err != nil {
			p.logger.Warn("failed to create datasource, skipping database", "database", name, "err", err)
			continue
		}
		out = append(out, NamedDB{Name: name, DB: db})
	}
	return out
}

func (p *ConnectionProvider) enumerate(ctx context.Context, conn *sql.DB) ([]string, error) {
	rows, err := conn.QueryContext(ctx, enumerateDatabasesQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *ConnectionProvider) filter(names []string) []string {
	switch p.mode {
	case ModeInclude:
		var out []string
		for _, name := range names {
			if _, ok := p.list[name]; ok {
				out = append(out, name)
			}
		}
		return out
	case ModeExclude:
		var out []string
		for _, name := range names {
			if _, ok := p.list[name]; !ok {
				out = append(out, name)
			}
		}
		return out
	default:
		return names
	}
}

func (p *ConnectionProvider) datasource(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.caching {
		if db, ok := p.cached[name]; ok {
			return db, nil
		}
		db, err := p.factory.For(name)
		if err != nil {
			return nil, err
		}
		p.cached[name] = db
		return db, nil
	}

	db, err := p.factory.For(name)
	if err != nil {
		return nil, err
	}
	p.temporary = append(p.temporary, db)
	return db, nil
}

// Cleanup closes every datasource created during the current scrape when
// caching is disabled. Idempotent and safe when nothing was created.
func (p *ConnectionProvider) Cleanup() {
	p.mu.Lock()
	temporary := p.temporary
	p.temporary = nil
	p.mu.Unlock()

	for _, db := range temporary {
		if err := db.Close(); err != nil {
			p.logger.Warn("failed to close temporary datasource", "err", err)
		}
	}
}

// Close releases the cached datasources; called at process shutdown.
func (p *ConnectionProvider) Close() {
	p.Cleanup()
	p.mu.Lock()
	cached := p.cached
	p.cached = make(map[string]*sql.DB)
	p.mu.Unlock()

	for name, db := range cached {
		if err := db.Close(); err != nil {
			p.logger.Warn("failed to close cached datasource", "database", name, "err", err)
		}
	}
}
