// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/edgeo-scada/opcua-engine/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine and export its metrics",
	Long: `Run the engine against the fixture address space, drive the simulated
nodes and serve Prometheus metrics.

Examples:
  edgeo-uaengine serve
  edgeo-uaengine serve -f plant.yaml --listen :9464 --simulate-interval 250ms`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":9464", "Metrics listen address")
	serveCmd.Flags().Duration("sample-interval", 100*time.Millisecond, "Sampler tick")
	serveCmd.Flags().Duration("simulate-interval", time.Second, "Simulator step, 0 disables the simulator")

	viper.BindPFlag("metrics.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("sample-interval", serveCmd.Flags().Lookup("sample-interval"))
	viper.BindPFlag("simulate-interval", serveCmd.Flags().Lookup("simulate-interval"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	e, err := setup(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		server.NewCollector(e.metrics, e.cfg.Metrics.Namespace),
		collectors.NewGoCollector(),
	)
	mux := http.NewServeMux()
	mux.Handle(e.cfg.Metrics.Path, promhttp.InstrumentMetricHandler(
		registry,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	))
	srv := &http.Server{
		Addr:              e.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	e.start(gctx, g)
	g.Go(func() error {
		e.logger.Info("serving metrics",
			slog.String("addr", srv.Addr),
			slog.String("path", e.cfg.Metrics.Path),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	e.logger.Info("engine stopped",
		slog.Int64("notifications_sent", e.metrics.NotificationsSent.Value()),
		slog.Int64("subscriptions_expired", e.metrics.SubscriptionsExpired.Value()),
	)
	return err
}
