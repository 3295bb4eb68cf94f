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

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/greengagedb/greengage_exporter/collector"
)

var (
	metricsPath = kingpin.Flag(
		"web.telemetry-path",
		"Path under which to expose metrics.",
	).Default("/metrics").String()
	configFile = kingpin.Flag(
		"config.file",
		"Path to the connection config file with a [client] section.",
	).Default(".greengage.cnf").String()
	scrapeInterval = kingpin.Flag(
		"scrape.interval",
		"How often the background scheduler scrapes the database.",
	).Default("15s").Duration()
	scrapeCacheMaxAge = kingpin.Flag(
		"scrape.cache-max-age",
		"How long a successful scrape result satisfies overlapping scrape requests.",
	).Default("30s").Duration()
	connRetryAttempts = kingpin.Flag(
		"scrape.connection-retry-attempts",
		"Connection test attempts per scrape before giving up.",
	).Default("3").Int()
	connRetryDelay = kingpin.Flag(
		"scrape.connection-retry-delay",
		"Base delay between connection test attempts; grows linearly per attempt.",
	).Default("1s").Duration()
	failureThreshold = kingpin.Flag(
		"scrape.collector-failure-threshold",
		"Collector failures per scrape before the circuit breaker aborts the scrape.",
	).Default("3").Int()
	circuitBreaker = kingpin.Flag(
		"scrape.circuit-breaker",
		"Abort the scrape once the collector failure threshold is reached.",
	).Default("true").Bool()
	perDBMode = kingpin.Flag(
		"per-db.mode",
		"Database selection for per-database collectors: all, include, exclude or none.",
	).Default("all").String()
	perDBDatabases = kingpin.Flag(
		"per-db.databases",
		"Comma-separated database list consulted under include/exclude modes.",
	).Default("postgres").String()
	perDBCache = kingpin.Flag(
		"per-db.cache-connections",
		"Keep per-database connections open between scrapes.",
	).Default("true").Bool()
	poolMaxConns = kingpin.Flag(
		"datasource.max-connections",
		"Maximum open connections of the coordinator pool.",
	).Default("5").Int()
	poolMinConns = kingpin.Flag(
		"datasource.min-connections",
		"Idle connections kept in the coordinator pool.",
	).Default("1").Int()
	poolMaxLifetime = kingpin.Flag(
		"datasource.max-lifetime",
		"Maximum lifetime of a coordinator pool connection.",
	).Default("30m").Duration()
	toolkitFlags = webflag.AddFlags(kingpin.CommandLine, ":8080")
)

func main() {
	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(kingpin.CommandLine, promslogConfig)
	kingpin.Version(version.Print("greengage_exporter"))
	kingpin.HelpFlag.Short('h')
	collector.InitFlags(kingpin.CommandLine)
	kingpin.Parse()
	logger := promslog.New(promslogConfig)

	logger.Info("Starting greengage_exporter", "version", version.Info())
	logger.Info("Build context", "build_context", version.BuildContext())

	dsn := os.Getenv("DATA_SOURCE_NAME")
	if dsn == "" {
		cfg, err := newConfig(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "file", *configFile, "err", err)
			os.Exit(1)
		}
		client, err := validateConfig(cfg, "client")
		if err != nil {
			logger.Error("invalid config file", "file", *configFile, "err", err)
			os.Exit(1)
		}
		dsn = formDSN(client)
	}
	logger.Info("Using datasource", "dsn", maskDSN(dsn))

	db, err := collector.OpenPrimary(dsn, collector.PoolConfig{
		MaxConns:    *poolMaxConns,
		MinConns:    *poolMinConns,
		MaxLifetime: *poolMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open coordinator pool", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	probe := collector.NewVersionProbe(db, logger)

	// Refuse to start against a server the collectors cannot speak to. An
	// unreachable database is not fatal; the scheduler keeps retrying.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if v, err := probe.DetectVersion(startupCtx); err != nil {
		logger.Warn("could not detect Greengage version at startup, will retry on scrape", "err", err)
	} else if !v.Supported() {
		logger.Error("unsupported Greengage version", "version", v.Short)
		cancelStartup()
		os.Exit(1)
	}
	cancelStartup()

	registry := collector.NewMeterRegistry()
	metrics := collector.NewExporterMetrics(registry)

	collectors, err := collector.Build(collector.Env{Registry: registry, Logger: logger})
	if err != nil {
		logger.Error("failed to build collectors", "err", err)
		os.Exit(1)
	}

	mode, err := collector.ParsePerDBMode(*perDBMode)
	if err != nil {
		logger.Error("invalid per-db mode", "err", err)
		os.Exit(1)
	}
	provider := collector.NewConnectionProvider(
		collector.NewDatasourceFactory(dsn),
		mode,
		strings.Split(*perDBDatabases, ","),
		*perDBCache,
		logger,
	)
	defer provider.Close()

	orchestrator := collector.NewOrchestrator(
		collector.OrchestratorConfig{
			ScrapeCacheMaxAge:         *scrapeCacheMaxAge,
			ConnectionRetryAttempts:   *connRetryAttempts,
			ConnectionRetryDelay:      *connRetryDelay,
			CollectorFailureThreshold: *failureThreshold,
			CircuitBreakerEnabled:     *circuitBreaker,
		},
		db, probe, provider, metrics, collectors, logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := collector.NewScheduler(*scrapeInterval, orchestrator.Scrape, logger)
	go scheduler.Run(ctx)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		versioncollector.NewCollector("greengage_exporter"),
		registry,
	)

	mux := http.NewServeMux()
	mux.Handle(*metricsPath, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if !probe.TestConnection(r.Context()) {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ready")
	})
	if *metricsPath != "/" && *metricsPath != "" {
		landingConfig := web.LandingConfig{
			Name:        "Greengage Exporter",
			Description: "Prometheus Exporter for Greengage databases",
			Version:     version.Info(),
			Links: []web.LandingLinks{
				{Address: *metricsPath, Text: "Metrics"},
			},
		}
		landingPage, err := web.NewLandingPage(landingConfig)
		if err != nil {
			logger.Error("failed to build landing page", "err", err)
			os.Exit(1)
		}
		mux.Handle("/", landingPage)
	}

	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", "err", err)
		}
	}()

	if err := web.ListenAndServe(srv, toolkitFlags, logger); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server error", "err", err)
		os.Exit(1)
	}
	logger.Info("greengage_exporter stopped")
}
