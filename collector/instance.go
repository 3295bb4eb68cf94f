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
	"regexp"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/sony/gobreaker"
)

const (
	versionQuery    = `SELECT version()`
	testConnQuery   = `SELECT 1`
	probeAttempts   = 3
	probeRetryDelay = time.Second
	probeTimeout    = 5 * time.Second
)

// versionRE matches the Greengage version tuple inside the parenthesized
// product banner of SELECT version(), e.g.
// "... (Greengage Database 6.27.1 build commit:abc) ...".
var versionRE = regexp.MustCompile(`\([^)]*?\b((\d+)\.(\d+)\.(\d+)(?:[_\-+|][A-Za-z0-9.]+)?)\b\s+build\b`)

// Version is the detected Greengage server version. Short keeps the
// version tuple as printed in the banner (including a vendor suffix),
// Raw the full SELECT version() output.
type Version struct {
	semver.Version
	Short string
	Raw   string
}

// IsAtLeastV7 gates the v6/v7 SQL dialect split.
func (v Version) IsAtLeastV7() bool { return v.Major >= 7 }

// Supported reports whether this exporter supports the server version.
func (v Version) Supported() bool { return v.Major >= 6 }

// ParseVersion extracts the version tuple from the SELECT version() banner.
func ParseVersion(raw string) (Version, error) {
	m := versionRE.FindStringSubmatch(raw)
	if m == nil {
		return Version{}, fmt.Errorf("no version tuple in %q", raw)
	}
	sv, err := semver.ParseTolerant(fmt.Sprintf("%s.%s.%s", m[2], m[3], m[4]))
	if err != nil {
		return Version{}, fmt.Errorf("parsing version %q: %w", m[1], err)
	}
	return Version{Version: sv, Short: m[1], Raw: raw}, nil
}

// VersionProbe detects and caches the server version and answers liveness
// checks. Detection is wrapped in retries with a per-attempt timeout and a
// circuit breaker, so a database outage cannot hammer the detection path.
type VersionProbe struct {
	db     *sql.DB
	logger *slog.Logger

	mu     sync.Mutex
	cached *Version

	breaker *gobreaker.CircuitBreaker
	sleep   func(time.Duration)
}

func NewVersionProbe(db *sql.DB, logger *slog.Logger) *VersionProbe {
	p := &VersionProbe{
		db:     db,
		logger: logger,
		sleep:  time.Sleep,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "version-probe",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("version probe breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return p
}

// TestConnection runs a trivial query against the coordinator with a
// bounded timeout.
func (p *VersionProbe) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var one int
	if err := p.db.QueryRowContext(ctx, testConnQuery).Scan(&one); err != nil {
		p.logger.Debug("connection test failed", "err", err)
		return false
	}
	return one == 1
}

// DetectVersion returns the cached version, probing the database on the
// first call. Probe failures leave the cache empty so the next scrape
// retries; a banner that parses to no version tuple is fatal for the probe.
func (p *VersionProbe) DetectVersion(ctx context.Context) (Version, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}

	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.detect(ctx)
	})
	if err != nil {
		return Version{}, err
	}
	v := res.(Version)
	p.cached = &v
	p.logger.Info("detected Greengage version", "version", v.Short)
	return v, nil
}

func (p *VersionProbe) detect(ctx context.Context) (Version, error) {
	var lastErr error
	for attempt := 1; attempt <= probeAttempts; attempt++ {
		raw, err := p.queryVersion(ctx)
		if err != nil {
			lastErr = err
			p.logger.Warn("version query failed", "attempt", attempt, "err", err)
			if attempt < probeAttempts {
				p.sleep(probeRetryDelay)
			}
			continue
		}
		v, err := ParseVersion(raw)
		if err != nil {
			// Parse failures do not heal with retries.
			return Version{}, err
		}
		return v, nil
	}
	return Version{}, fmt.Errorf("version detection failed after %d attempts: %w", probeAttempts, lastErr)
}

func (p *VersionProbe) queryVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	var raw string
	if err := p.db.QueryRowContext(ctx, versionQuery).Scan(&raw); err != nil {
		return "", err
	}
	return raw, nil
}
