// Command pairengine is the composition root: it loads a pair config,
// wires a concrete broker.Client, and runs internal/engine until it
// receives SIGINT/SIGTERM. Grounded on
// MetaRPC-GoMT5/examples/main.go's own composition shape (config load,
// umbrella context, graceful liveness/shutdown handling).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metarpc-labs/pairengine/internal/config"
	"github.com/metarpc-labs/pairengine/internal/engine"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath  string
		metricsAddr string
		brokerMode  string
	)
	flag.StringVar(&configPath, "config", "", "path to pair YAML config (empty = built-in defaults + env overrides)")
	flag.StringVar(&metricsAddr, "metrics-addr", ":9090", "Prometheus /metrics listen address")
	flag.StringVar(&brokerMode, "broker", "live", "broker backend: live|fake")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("pairengine: config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("pairengine: received %s, shutting down", sig)
		cancel()
	}()

	client, closeClient, err := newBrokerClient(ctx, brokerMode)
	if err != nil {
		log.Fatalf("pairengine: broker client: %v", err)
	}
	defer closeClient()

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	err = client.Initialize(initCtx)
	initCancel()
	if err != nil {
		log.Fatalf("pairengine: broker initialize: %v", err)
	}

	reg := prometheus.NewRegistry()
	go serveMetrics(metricsAddr, reg)

	eng, err := engine.New(cfg, client, reg)
	if err != nil {
		log.Fatalf("pairengine: engine construction: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("pairengine: engine start: %v", err)
	}

	log.Printf("pairengine running: pair=%s/%s magic=%d state_dir=%s",
		cfg.PrimarySymbol, cfg.SecondarySymbol, cfg.System.Magic, cfg.System.StateDir)

	<-ctx.Done()
	log.Println("pairengine: stopping engine")
	eng.Stop()
	log.Println("pairengine: stopped")
}

// loadConfig reads the YAML pair definition at path, or falls back to
// config.Default seeded from PAIRENGINE_PRIMARY_SYMBOL/
// PAIRENGINE_SECONDARY_SYMBOL (defaulting to EURUSD/GBPUSD) when no path
// is given.
func loadConfig(path string) (config.PairConfig, error) {
	if path != "" {
		return config.Load(path)
	}
	primary := envOr("PAIRENGINE_PRIMARY_SYMBOL", "EURUSD")
	secondary := envOr("PAIRENGINE_SECONDARY_SYMBOL", "GBPUSD")
	return config.Default(primary, secondary), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// serveMetrics exposes reg on /metrics until ctx-independent process exit;
// a bind failure is logged, not fatal, since metrics are observability
// rather than a trading-path dependency.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("pairengine: metrics server stopped: %v", err)
	}
}
