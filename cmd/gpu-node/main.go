package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dantegpu/gpu-node/internal/adapters/nvml"
	"github.com/dantegpu/gpu-node/internal/config"
	"github.com/dantegpu/gpu-node/internal/domain"
	"github.com/dantegpu/gpu-node/internal/inventory"
	"github.com/dantegpu/gpu-node/internal/metrics"
	"github.com/dantegpu/gpu-node/internal/passthrough"
	"github.com/dantegpu/gpu-node/internal/pool"
)

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "/etc/gpu-node/node.yaml", "Path to the node config file")
	listenAddr := flag.String("listen", "", "Metrics listen address (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("gpu node starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("failed to load config", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	// GPU provider: real NVML when the driver is present, nil otherwise.
	// Without it the scanner still works from sysfs alone.
	var provider domain.GPUProvider
	realNVML := nvml.NewNVMLProvider()
	if err := realNVML.Init(); err != nil {
		slog.Warn("vendor GPU library unavailable, running on sysfs data only", "error", err)
	} else {
		provider = realNVML
		defer realNVML.Shutdown()
	}

	inv := inventory.NewManager(cfg.SysfsRoot, provider)
	devices, err := inv.Scan()
	if err != nil {
		fatal("device scan failed", err)
	}
	groups, err := inv.BuildGroups()
	if err != nil {
		fatal("isolation group discovery failed", err)
	}
	slog.Info("inventory ready", "devices", len(devices), "groups", len(groups))
	for _, dev := range devices {
		slog.Info("discovered device",
			"id", dev.ID, "vendor", dev.Vendor, "model", dev.Model, "vram_mb", dev.VRAMMB)
	}

	allocator := pool.NewPool(inv, cfg.Rates(), cfg.Quota())
	driverOps := passthrough.NewSysfsDriverOps(cfg.SysfsRoot)
	orchestrator := passthrough.NewOrchestrator(driverOps, inv, allocator, cfg.PassthroughDriver)

	var backends []domain.TelemetryBackend
	if provider != nil {
		backends = append(backends, metrics.NewNVMLBackend(provider))
	}
	backends = append(backends, metrics.NewSMIBackend(), metrics.NewSysfsBackend(cfg.SysfsRoot))
	collector := metrics.NewCollector(cfg.SampleInterval(), cfg.Retention(), orchestrator, backends...)

	hostStats, err := metrics.NewHostStatsSource(cfg.ProcRoot)
	if err != nil {
		fatal("failed to open procfs", err)
	}
	hostHandle, err := collector.Start("host", hostStats)
	if err != nil {
		fatal("failed to start host sampling", err)
	}

	// Pricing and quota changes apply without a restart.
	stopWatch, err := config.Watch(*configPath, func(next config.Config) {
		allocator.SetRates(next.Rates())
		slog.Info("pricing updated",
			"per_vram_mb", next.Pricing.PerVRAMMB,
			"per_compute_unit", next.Pricing.PerComputeUnit)
	})
	if err != nil {
		slog.Warn("config watching disabled", "error", err)
	} else {
		defer stopWatch()
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		fatal("failed to register metrics", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	go func() {
		slog.Info("metrics server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("metrics server error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")

	collector.Stop(hostHandle)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", "error", err)
	}

	slog.Info("gpu node stopped")
}
