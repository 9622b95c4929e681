package commands

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/otedama-fleet/internal/alert"
	"github.com/shizukutanaka/otedama-fleet/internal/config"
	"github.com/shizukutanaka/otedama-fleet/internal/controller"
	"github.com/shizukutanaka/otedama-fleet/internal/fleet"
	"github.com/shizukutanaka/otedama-fleet/internal/history"
	"github.com/shizukutanaka/otedama-fleet/internal/monitoring"
	"github.com/shizukutanaka/otedama-fleet/internal/telemetry"
)

type runOptions struct {
	telemetry string
	hostUnit  string
	sim       telemetry.SimulatorConfig
	faults    []string
	units     int

	webhookURL   string
	webhookRate  float64
	webhookBurst int

	metricsAddr string
	hist        historyOptions
	watch       bool
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	ro := &runOptions{sim: telemetry.DefaultSimulatorConfig()}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the fleet controller until interrupted",
		Long: `Run the monitor, collector and analyzer loops against a telemetry source.

Examples:
  # Simulated fleet with the default configuration
  otedama-fleet run

  # Simulated fleet with one unit running hot
  otedama-fleet run --sim-fault unit-002=heat:25

  # Monitor this machine, reload on config changes
  otedama-fleet run --telemetry host --config fleet.yaml --watch-config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			logger, closeLog, err := opts.logger()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer closeLog()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting otedama-fleet",
				zap.String("version", Version),
				zap.String("config", opts.cfgFile),
				zap.String("telemetry", ro.telemetry),
			)
			return runFleet(ctx, logger, cmd.OutOrStdout(), cfg, opts.cfgFile, ro)
		},
	}

	f := runCmd.Flags()
	f.StringVar(&ro.telemetry, "telemetry", "sim", "Telemetry source (sim, host, none)")
	f.StringVar(&ro.hostUnit, "host-unit-id", fleet.UnitID(1), "Unit id reported by host telemetry")
	f.Int64Var(&ro.sim.Seed, "sim-seed", ro.sim.Seed, "Simulator random seed")
	f.Float64Var(&ro.sim.Noise, "sim-noise", ro.sim.Noise, "Simulator relative noise")
	f.Float64Var(&ro.sim.DropRate, "sim-drop-rate", ro.sim.DropRate, "Probability a simulated fetch fails")
	f.StringArrayVar(&ro.faults, "sim-fault", nil, "Inject a simulator fault: <unit>=heat:<delta>|dead|unavailable")
	f.IntVar(&ro.units, "units", 0, "Scale the fleet to this many units at startup (0 keeps the default)")
	f.StringVar(&ro.webhookURL, "webhook-url", "", "Post alerts to this webhook")
	f.Float64Var(&ro.webhookRate, "webhook-rate", 1, "Sustained webhook alerts per second")
	f.IntVar(&ro.webhookBurst, "webhook-burst", 5, "Webhook alert burst")
	f.StringVar(&ro.metricsAddr, "metrics-addr", ":9090", "Status and metrics listen address, empty disables")
	ro.hist.register(f, "")
	f.BoolVar(&ro.watch, "watch-config", false, "Rebuild the controller when the config file changes")
	return runCmd
}

// runFleet runs the controller until ctx is done, rebuilding it whenever
// the watched configuration changes to a valid one.
func runFleet(ctx context.Context, logger *zap.Logger, out io.Writer, cfg config.SystemConfig, cfgFile string, ro *runOptions) error {
	telemetryPort, units, err := ro.telemetrySource(logger)
	if err != nil {
		return err
	}

	senders := alert.Multi{alert.NewLogger(logger)}
	if ro.webhookURL != "" {
		whCfg := alert.DefaultWebhookConfig(ro.webhookURL)
		whCfg.Rate = ro.webhookRate
		whCfg.Burst = ro.webhookBurst
		wh, err := alert.NewWebhook(logger, whCfg)
		if err != nil {
			return err
		}
		senders = append(senders, wh)
	}

	var store *history.Store
	if ro.hist.dsn != "" {
		store, err = ro.hist.open(logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	var exporter *monitoring.Exporter
	if ro.metricsAddr != "" {
		exporter = monitoring.NewExporter(logger, monitoring.DefaultMetricsConfig())
	}

	build := func(cfg config.SystemConfig, units []fleet.ResourceUnit) (*controller.Controller, error) {
		copts := []controller.Option{controller.WithAlerts(senders)}
		if telemetryPort != nil {
			copts = append(copts, controller.WithTelemetry(telemetryPort))
		}
		if exporter != nil {
			copts = append(copts, controller.WithMetrics(exporter))
		}
		if store != nil {
			copts = append(copts, controller.WithHistory(store))
		}
		if len(units) > 0 {
			copts = append(copts, controller.WithUnits(units))
		}

		c, err := controller.New(logger, cfg, copts...)
		if err != nil {
			return nil, err
		}
		c.InitializeComponents()
		return c, nil
	}

	ctrl, err := build(cfg, units)
	if err != nil {
		return err
	}
	if ro.units > 0 {
		if err := ctrl.ScaleFleet(ro.units); err != nil {
			return err
		}
	}

	var server *monitoring.Server
	if exporter != nil {
		srvCfg := monitoring.DefaultServerConfig()
		srvCfg.ListenAddr = ro.metricsAddr
		server = monitoring.NewServer(logger, srvCfg, ctrl, exporter)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Warn("Status server shutdown failed", zap.Error(err))
			}
		}()
	}

	reloads := make(chan config.SystemConfig, 1)
	if ro.watch {
		if cfgFile == "" {
			return fmt.Errorf("--watch-config requires --config")
		}
		watcher, err := config.NewWatcher(logger, cfgFile)
		if err != nil {
			return err
		}
		err = watcher.Start(func() {
			next, err := config.LoadFromFile(cfgFile)
			if err != nil {
				logger.Warn("Ignoring invalid configuration", zap.Error(err))
				return
			}
			// Keep only the newest pending configuration.
			select {
			case <-reloads:
			default:
			}
			select {
			case reloads <- next:
			default:
			}
		})
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	for {
		var next *config.SystemConfig
		err := ctrl.Run(ctx, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
			case c := <-reloads:
				next = &c
			}
			return nil
		})
		if err != nil {
			return err
		}
		if next == nil {
			break
		}

		snapshot, err := ctrl.Units()
		if err != nil {
			return err
		}
		rebuilt, err := build(*next, snapshot)
		if err != nil {
			logger.Error("Failed to rebuild controller, keeping previous configuration", zap.Error(err))
			continue
		}
		ctrl = rebuilt
		if server != nil {
			server.SetSource(ctrl)
		}
		logger.Info("Configuration reloaded",
			zap.Duration("monitoring_interval", next.MonitoringInterval),
			zap.Duration("collection_interval", next.CollectionInterval),
			zap.Duration("analysis_interval", next.AnalysisInterval),
			zap.Bool("auto_optimization", next.EnableAutoOptimization),
		)
	}

	report, err := ctrl.GenerateSystemReport()
	if err != nil {
		return err
	}
	fmt.Fprint(out, report)
	logger.Info("otedama-fleet stopped")
	return nil
}

func (ro *runOptions) telemetrySource(logger *zap.Logger) (controller.TelemetryPort, []fleet.ResourceUnit, error) {
	switch ro.telemetry {
	case "sim", "simulator":
		sim := telemetry.NewSimulator(logger, ro.sim)
		for _, raw := range ro.faults {
			unitID, fault, err := parseFault(raw)
			if err != nil {
				return nil, nil, err
			}
			sim.InjectFault(unitID, fault)
		}
		return sim, nil, nil
	case "host":
		h := telemetry.NewHost(logger, ro.hostUnit)
		return h, []fleet.ResourceUnit{h.Describe()}, nil
	case "none":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown telemetry source %q", ro.telemetry)
	}
}

// parseFault parses <unit>=heat:<delta>|dead|unavailable.
func parseFault(s string) (string, telemetry.Fault, error) {
	unitID, kind, ok := strings.Cut(s, "=")
	if !ok || unitID == "" {
		return "", telemetry.Fault{}, fmt.Errorf("invalid fault %q: want <unit>=<fault>", s)
	}

	var fault telemetry.Fault
	switch {
	case kind == "dead":
		fault.Dead = true
	case kind == "unavailable":
		fault.Unavailable = true
	case strings.HasPrefix(kind, "heat:"):
		delta, err := strconv.ParseFloat(strings.TrimPrefix(kind, "heat:"), 64)
		if err != nil {
			return "", telemetry.Fault{}, fmt.Errorf("invalid heat delta in %q: %w", s, err)
		}
		fault.HeatDelta = delta
	default:
		return "", telemetry.Fault{}, fmt.Errorf("unknown fault %q", kind)
	}
	return unitID, fault, nil
}
