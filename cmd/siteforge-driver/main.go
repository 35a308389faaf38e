// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"siteforge/internal/config"
	"siteforge/internal/design"
	"siteforge/internal/driver"
	"siteforge/internal/maasapi"
	"siteforge/internal/metrics"
	"siteforge/internal/oobapi"
	"siteforge/internal/orchestrator"
	"siteforge/internal/remote"
	"siteforge/internal/store"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if getenv("SITEFORGE_LOG_LEVEL", "info") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

// newOOBClientFactory builds one OOB Remote Client per node, since each
// node's BMC is a distinct endpoint (spec §4.5.5).
func newOOBClientFactory(cfg config.DriverConfig, logger *slog.Logger) func(design.BaremetalNode) (oobapi.Client, error) {
	return func(node design.BaremetalNode) (oobapi.Client, error) {
		if node.OOB.Address == "" {
			return nil, fmt.Errorf("node %s has no OOB address configured", node.Name)
		}
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		rc, err := remote.NewClient(
			fmt.Sprintf("%s://%s", scheme, node.OOB.Address),
			node.OOB.Password,
			cfg.UseSSL,
			remote.ServiceOOB,
			remote.WithMaxRetries(cfg.MaxRetries),
			remote.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("build oob remote client for %s: %w", node.Name, err)
		}
		return oobapi.NewHTTPClient(rc), nil
	}
}

func main() {
	logger := newLogger()
	slog.SetDefault(logger)

	metrics.SetNamespace(getenv("SITEFORGE_METRICS_NAMESPACE", "siteforge"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, getenv("SITEFORGE_DB_PATH", "./siteforge.db"))
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// Design ingestion/validation (YAML, Deckhand-style sourcing) is out
	// of scope (spec §1). A production deployment builds its own
	// Resolver from that pipeline and passes it to the Drivers below;
	// this binary starts with an empty one.
	resolver := design.NewStaticResolver(map[string]design.SiteDesign{})

	maasCfg := config.LoadDriverConfigFromEnv("SITEFORGE_MAAS_")
	if maasCfg.APIURL != "" {
		if err := maasCfg.Validate(); err != nil {
			logger.Error("invalid maas driver config", "error", err)
			os.Exit(1)
		}
	}
	oobCfg := config.LoadDriverConfigFromEnv("SITEFORGE_OOB_")
	if err := oobCfg.Validate(); err != nil {
		logger.Error("invalid oob driver config", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if maasCfg.APIURL != "" {
		rc, err := remote.NewClient(maasCfg.APIURL, maasCfg.APIKey, maasCfg.UseSSL, remote.ServiceMAAS,
			remote.WithMaxRetries(maasCfg.MaxRetries), remote.WithLogger(logger))
		if err != nil {
			logger.Error("build maas remote client failed", "error", err)
			os.Exit(1)
		}
		npDriver := driver.NewNodeProvisioningDriver(st, resolver, maasapi.NewClient(rc), maasCfg, logger.With("driver", "node-provisioning"))
		wg.Add(1)
		go func() { defer wg.Done(); npDriver.Run(ctx) }()
	} else {
		logger.Warn("SITEFORGE_MAAS_API_URL not set; node provisioning driver disabled")
	}

	oobDriver := driver.NewOOBDriver(st, resolver, newOOBClientFactory(oobCfg, logger), oobCfg, logger.With("driver", "oob"))
	wg.Add(1)
	go func() { defer wg.Done(); oobDriver.Run(ctx) }()

	// Exposed for embedding callers that submit tasks programmatically;
	// this binary only runs the Driver poll loops.
	_ = orchestrator.New(st, logger)

	metricsAddr := getenv("SITEFORGE_METRICS_ADDR", ":9090")
	srv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shCancel()
	_ = srv.Shutdown(shCtx)
	wg.Wait()
	logger.Info("siteforge-driver stopped")
}
