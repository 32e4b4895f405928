// Command mysqlping is a small demo binary that wires the pool, the config
// loader, and the metrics server together and keeps the backend's health
// gauge updated, adapted from the teacher's cmd/dbbouncer entrypoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nativesql/mysqlclient/internal/config"
	"github.com/nativesql/mysqlclient/internal/dsn"
	"github.com/nativesql/mysqlclient/internal/metrics"
	"github.com/nativesql/mysqlclient/internal/metricsserver"
	"github.com/nativesql/mysqlclient/internal/mysqlpool"
)

func main() {
	configPath := flag.String("config", "configs/mysqlping.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("mysqlping starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (dsn=%s)", *configPath, cfg.Redacted().DSN)

	d, err := dsn.Parse(cfg.DSN)
	if err != nil {
		log.Fatalf("failed to parse dsn: %v", err)
	}

	m := metrics.New()
	p := mysqlpool.New(d, mysqlpool.Defaults{
		MaxConnections: cfg.Defaults.MaxConnections,
		IdleTimeout:    cfg.Defaults.IdleTimeout,
		MaxLifetime:    cfg.Defaults.MaxLifetime,
		AcquireTimeout: cfg.Defaults.AcquireTimeout,
	}, nil)
	p.SetMetrics(m)

	srv := metricsserver.New(p, m, cfg.Listen)
	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start metrics server: %v", err)
	}

	stopHealthLoop := startHealthLoop(p, m, 5*time.Second)

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading configuration...")
		p.UpdateDefaults(mysqlpool.Defaults{
			MaxConnections: newCfg.Defaults.MaxConnections,
			IdleTimeout:    newCfg.Defaults.IdleTimeout,
			MaxLifetime:    newCfg.Defaults.MaxLifetime,
			AcquireTimeout: newCfg.Defaults.AcquireTimeout,
		})
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("mysqlping ready - metrics on %s:%d", cfg.Listen.MetricsBind, cfg.Listen.MetricsPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	close(stopHealthLoop)
	if err := srv.Stop(); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
	p.Close()

	log.Printf("mysqlping stopped")
}

// startHealthLoop periodically pings the pool's backend and reports the
// result to the metrics collector. Returns a channel that stops the loop
// when closed.
func startHealthLoop(p *mysqlpool.Pool, m *metrics.Collector, interval time.Duration) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval/2)
				start := time.Now()
				healthy := p.Ping(ctx)
				cancel()
				m.HealthCheckCompleted(time.Since(start), healthy)
				m.SetBackendHealth(healthy)
				m.SetIdleConnections(p.Idle())
			case <-stop:
				return
			}
		}
	}()
	return stop
}
