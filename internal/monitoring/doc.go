// Package monitoring exposes fleet health to the outside world.
//
// The package offers two complementary pieces:
//
// 1. Prometheus export (prometheus.go):
//   - Exporter implements controller.MetricsRecorder
//   - Per-unit gauges, fleet aggregates, risk and loop counters
//
// 2. Status server (server.go):
//   - /metrics, /health, /api/v1/health, /api/v1/report, /api/v1/units
//   - The served controller can be swapped after a config reload
//
// Usage:
//
//	exporter := monitoring.NewExporter(logger, monitoring.DefaultMetricsConfig())
//	ctrl, _ := controller.New(logger, cfg, controller.WithMetrics(exporter))
//	server := monitoring.NewServer(logger, monitoring.DefaultServerConfig(), ctrl, exporter)
//	server.Start()
//	defer server.Stop()
package monitoring
