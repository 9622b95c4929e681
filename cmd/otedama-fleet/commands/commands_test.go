package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shizukutanaka/otedama-fleet/internal/config"
	"github.com/shizukutanaka/otedama-fleet/internal/controller"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/history"
	"github.com/shizukutanaka/otedama-fleet/internal/monitoring"
	"github.com/shizukutanaka/otedama-fleet/internal/risk"
	"github.com/shizukutanaka/otedama-fleet/internal/telemetry"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func fastConfig() config.SystemConfig {
	cfg := config.DefaultConfig()
	cfg.MonitoringInterval = 10 * time.Millisecond
	cfg.CollectionInterval = 20 * time.Millisecond
	cfg.AnalysisInterval = 30 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.PortTimeout = 200 * time.Millisecond
	return cfg
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)

	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid")

	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	shown, err := config.Parse([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), shown)
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`monitoring_interval: 0.5
collection_interval: 1
analysis_interval: 0
shutdown_timeout: 5
enable_auto_optimization: true
log_performance_metrics: false
`), 0o644))

	_, err := execute(t, "config", "validate", path)
	var cerr *config.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "analysis_interval", cerr.Field)

	_, err = execute(t, "config", "validate")
	assert.Error(t, err)
}

func statusServer(t *testing.T) *httptest.Server {
	c, err := controller.New(zaptest.NewLogger(t), fastConfig())
	require.NoError(t, err)
	c.InitializeComponents()

	s := monitoring.NewServer(zaptest.NewLogger(t), monitoring.DefaultServerConfig(), c, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestStatusCommand(t *testing.T) {
	ts := statusServer(t)

	out, err := execute(t, "status", "--api-url", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Otedama Fleet Status")
	assert.Contains(t, out, "[STOP] stopped")
	assert.Contains(t, out, "unit-003 [asic/sha256d]")

	out, err = execute(t, "status", "--api-url", ts.URL, "--format", "json")
	require.NoError(t, err)
	var report controller.HealthReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 4, report.UnitCount)

	out, err = execute(t, "status", "--api-url", ts.URL, "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "unitcount: 4")

	_, err = execute(t, "status", "--api-url", ts.URL, "--format", "xml")
	assert.Error(t, err)
}

func TestReportCommand(t *testing.T) {
	ts := statusServer(t)

	out, err := execute(t, "report", "--api-url", ts.URL)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "=== Fleet System Report ==="))

	_, err = execute(t, "report", "--api-url", ts.URL+"/missing")
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "history", "--history-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "No assessments recorded")

	store, err := history.Open(zaptest.NewLogger(t), history.Config{Driver: "sqlite3", DSN: dsn})
	require.NoError(t, err)
	units := fleet.DefaultFleet()
	units[1].Temperature = 92
	require.NoError(t, store.RecordAssessment(context.Background(), risk.Assess(units, 0)))
	require.NoError(t, store.Close())

	out, err = execute(t, "history", "--history-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "high")
	assert.Contains(t, out, "unit-002")

	out, err = execute(t, "history", "--history-dsn", dsn, "--format", "json")
	require.NoError(t, err)
	var records []history.Record
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, risk.LevelHigh, records[0].Level)
}

func TestParseFault(t *testing.T) {
	tests := []struct {
		input   string
		unit    string
		fault   telemetry.Fault
		wantErr bool
	}{
		{input: "unit-002=heat:25", unit: "unit-002", fault: telemetry.Fault{HeatDelta: 25}},
		{input: "unit-001=dead", unit: "unit-001", fault: telemetry.Fault{Dead: true}},
		{input: "unit-004=unavailable", unit: "unit-004", fault: telemetry.Fault{Unavailable: true}},
		{input: "unit-001", wantErr: true},
		{input: "=dead", wantErr: true},
		{input: "unit-001=heat:lots", wantErr: true},
		{input: "unit-001=melted", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			unit, fault, err := parseFault(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.unit, unit)
			assert.Equal(t, tt.fault, fault)
		})
	}
}

func TestRunFleet(t *testing.T) {
	ro := &runOptions{
		telemetry:   "sim",
		sim:         telemetry.DefaultSimulatorConfig(),
		faults:      []string{"unit-002=heat:25"},
		units:       6,
		metricsAddr: "127.0.0.1:0",
		hist:        historyOptions{driver: "sqlite3", dsn: ":memory:"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	err := runFleet(ctx, zaptest.NewLogger(t), &out, fastConfig(), "", ro)
	require.NoError(t, err)

	report := out.String()
	assert.True(t, strings.HasPrefix(report, "=== Fleet System Report ==="))
	assert.Contains(t, report, "Units            : 6")
	assert.Contains(t, report, "unit-006")
}

func TestRunFleetRejectsUnknownTelemetry(t *testing.T) {
	ro := &runOptions{telemetry: "radio"}
	err := runFleet(context.Background(), zaptest.NewLogger(t), &bytes.Buffer{}, fastConfig(), "", ro)
	assert.ErrorContains(t, err, "unknown telemetry source")
}

func TestRunFleetReloadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, config.SaveToFile(fastConfig(), path))

	core, logs := observer.New(zap.InfoLevel)
	ro := &runOptions{telemetry: "none", watch: true}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runFleet(ctx, zap.New(core), &bytes.Buffer{}, fastConfig(), path, ro)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Configuration watcher started").Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	next := fastConfig()
	next.EnableAutoOptimization = false
	require.NoError(t, config.SaveToFile(next, path))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Configuration reloaded").Len() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runFleet did not return after cancel")
	}
}
