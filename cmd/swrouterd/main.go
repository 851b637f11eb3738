// swrouterd is the software router daemon.
//
// It builds the domain topology from a YAML configuration, runs the packet
// engine on its cooperative dispatcher and serves Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swrouter/swrouter/pkg/config"
	"github.com/swrouter/swrouter/pkg/logging"
	"github.com/swrouter/swrouter/pkg/metrics"
)

func main() {
	configFile := flag.String("config", "/etc/swrouter/swrouter.yaml", "configuration file path")
	listen := flag.String("listen", "", "metrics listen address (overrides config)")
	eventDepth := flag.Int("event-buffer", 1024, "recent-event ring buffer size")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	events := logging.NewEventBuffer(*eventDepth)
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(logging.NewBufferHandler(base, events)))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swrouterd: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	r, peers, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "swrouterd: %v\n", err)
		os.Exit(1)
	}
	for name := range peers {
		slog.Info("interface attached", "interface", name)
	}
	r.StartSweep(time.Duration(cfg.SweepInterval))

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, r); err != nil {
		fmt.Fprintf(os.Stderr, "swrouterd: metrics: %v\n", err)
		os.Exit(1)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		slog.Info("metrics listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("router running",
		"domains", len(r.Domains()), "interfaces", len(r.Interfaces()))
	r.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	slog.Info("router stopped")
}
