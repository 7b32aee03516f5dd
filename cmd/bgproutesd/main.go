// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command bgproutesd accepts iBGP sessions and logs changes to the best route
// for every prefix learned from them.
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

	"github.com/msiegen/bgproutes/bgp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

type options struct {
	configFile  string
	listenAddr  string
	routerID    string
	metricsAddr string
	logLevel    string
}

func newRootCommand() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "bgproutesd",
		Short:         "Passive iBGP route collector",
		Long:          "bgproutesd accepts iBGP sessions, selects the best route to every prefix and logs each change.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fc, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), fc)
		},
	}
	cmd.Flags().StringVarP(&o.configFile, "config", "c", "", "Path to a YAML configuration file")
	cmd.Flags().StringVar(&o.listenAddr, "listen-addr", bgp.DefaultListenAddr, "Address to accept BGP connections on")
	cmd.Flags().StringVar(&o.routerID, "router-id", "", "Local BGP identifier (IPv4 address)")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on; empty disables")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "One of debug, info, warn, error")
	return cmd
}

// resolve loads the configuration file, if any, and applies the flags that
// were set explicitly on top of it.
func (o *options) resolve(cmd *cobra.Command) (*fileConfig, error) {
	fc := &fileConfig{}
	if o.configFile != "" {
		var err error
		if fc, err = loadConfig(o.configFile); err != nil {
			return nil, err
		}
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"listen-addr":  &fc.ListenAddr,
		"router-id":    &fc.RouterID,
		"metrics-addr": &fc.MetricsAddr,
		"log-level":    &fc.LogLevel,
	} {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			if err != nil {
				return nil, err
			}
			*dst = v
		}
	}
	return fc, nil
}

// logRoutes reports best route changes as structured log records.
func logRoutes(logger *slog.Logger) bgp.RouteListener {
	return bgp.RouteListenerFunc(func(updates []bgp.RouteUpdate) {
		for _, u := range updates {
			r := u.Route
			logger.Info("Best route changed",
				"type", u.Type.String(),
				"prefix", r.Prefix().String(),
				"next_hop", r.NextHop().String(),
				"as_path", r.ASPath().String(),
				"local_pref", r.LocalPref(),
				"med", r.MultiExitDisc(),
				"origin", r.Origin().String(),
				"peer", r.PeerAddr().String(),
			)
		}
	})
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	return srv
}

func run(ctx context.Context, fc *fileConfig) error {
	level, err := parseLevel(fc.LogLevel)
	if err != nil {
		return err
	}
	cfg, err := fc.serverConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s := &bgp.Server{
		Config:   cfg,
		Logger:   logger,
		Metrics:  bgp.NewMetrics("bgproutes", reg),
		Listener: logRoutes(logger),
	}
	if fc.MetricsAddr != "" {
		ms := serveMetrics(logger, fc.MetricsAddr, reg)
		defer ms.Close()
	}

	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe() }()
	logger.Info("bgproutesd started", "listen_addr", cfg.ListenAddr, "router_id", cfg.RouterID.String())

	select {
	case err := <-errc:
		s.Close() // ignore errors
		return err
	case <-ctx.Done():
	}
	logger.Info("bgproutesd shutting down", "reason", ctx.Err().Error())
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, bgp.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "bgproutesd: %v\n", err)
		stop()
		os.Exit(1)
	}
}
