// ============================================================================
// fleetlink CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the fleetlink agent
//
// Command Structure:
//   fleetlink                      # Root command
//   ├── run                        # Start the messaging core
//   │   └── --simulate             # Use the simulated executor
//   ├── status                     # Query a running agent over admin RPC
//   ├── ledger                     # Inspect the task ledger offline
//   ├── version                    # Print build information
//   ├── --config, -c               # Config file (default configs/fleetlink.yaml)
//   └── --log-level                # debug, info, warn, error
//
// run Command:
//   1. Load config file (defaults fill missing fields)
//   2. Build the executor: external command, or simulated with --simulate
//   3. Create and start the Controller
//   4. Start the metrics HTTP server and the admin gRPC server if enabled
//   5. Wait for SIGINT / SIGTERM
//   6. Stop servers, then the Controller
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleetlink/internal/controller"
	"github.com/ChuLiYu/fleetlink/internal/ledger"
	"github.com/ChuLiYu/fleetlink/internal/metrics"
	"github.com/ChuLiYu/fleetlink/internal/server"
	"github.com/ChuLiYu/fleetlink/internal/worker"
)

// Build information, set with -ldflags "-X".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/fleetlink.yaml"

type rootOptions struct {
	configFile string
	logLevel   string
}

func BuildCLI() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "fleetlink",
		Short: "fleetlink: command-and-control messaging agent for automation fleets",
		Long: `fleetlink keeps one authenticated websocket per managed account open to
the command server and turns its commands into executed tasks:
- heartbeats, reconnection and network-loss recovery
- prioritised outbound and state-gated inbound queues
- a durable task ledger that reports interrupted work after a restart
- Prometheus metrics and an admin gRPC endpoint`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildLedgerCommand(opts))
	rootCmd.AddCommand(buildVersionCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the fleetlink messaging core",
		Long:  "Connect every configured account and process commands until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, opts, simulate, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "execute tasks with the simulated executor")
	return cmd
}

func runAgent(ctx context.Context, opts *rootOptions, simulate bool, logOut io.Writer) error {
	cfg, err := LoadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := cfg.NewLogger(logOut, opts.logLevel)
	if err != nil {
		return err
	}

	exec, err := buildExecutor(cfg, simulate)
	if err != nil {
		return err
	}
	store, err := cfg.OpenLedgerStore()
	if err != nil {
		// The ledger degrades rather than blocking startup.
		logger.Error("ledger store unavailable, running without persistence", "error", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	ctrlCfg := cfg.ControllerConfig(exec, logger)
	ctrlCfg.LedgerStore = store
	ctrlCfg.Metrics = collector

	ctrl, err := controller.New(ctrlCfg)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Addr, registry, logger)
		metricsSrv.Start()
	}

	var adminSrv *server.Server
	if cfg.Admin.Enabled {
		lis, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			ctrl.Stop()
			return fmt.Errorf("failed to listen on %s: %w", cfg.Admin.Addr, err)
		}
		adminSrv = server.NewServer(ctrl, logger)
		go func() {
			if err := adminSrv.Serve(lis); err != nil {
				logger.Error("admin server failed", "error", err)
			}
		}()
	}

	logger.Info("fleetlink started",
		"version", Version,
		"accounts", len(cfg.Accounts),
		"endpoint", cfg.Server.Endpoint,
		"simulate", simulate)

	<-ctx.Done()
	logger.Info("received shutdown signal, stopping gracefully")

	if adminSrv != nil {
		adminSrv.Stop()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
		cancel()
	}
	ctrl.Stop()

	logger.Info("fleetlink stopped")
	return nil
}

func buildExecutor(cfg *Config, simulate bool) (worker.Executor, error) {
	if simulate {
		return worker.NewSimulatedExecutor(cfg.Worker.Simulate.MaxLatency, cfg.Worker.Simulate.FailureRate, time.Now().UnixNano()), nil
	}
	if len(cfg.Worker.Command) == 0 {
		return nil, errors.New("worker.command is not configured (use --simulate to run without one)")
	}
	return &worker.ProcessExecutor{Path: cfg.Worker.Command[0], Args: cfg.Worker.Command[1:]}, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running agent",
		Long:  "Query a running agent over the admin gRPC endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := LoadConfig(opts.configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr = cfg.Admin.Addr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return showStatus(ctx, addr, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address (defaults to admin.addr from the config)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC timeout")
	return cmd
}

func showStatus(ctx context.Context, addr string, out io.Writer) error {
	client, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer client.Close()

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	conns, err := client.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("list connections: %w", err)
	}

	fmt.Fprintf(out, "Uptime:        %s\n", time.Duration(toFloat(st["uptime_seconds"])*float64(time.Second)).Round(time.Second))
	fmt.Fprintf(out, "Network:       %s\n", onlineText(st["online"]))
	fmt.Fprintf(out, "Connections:   %.0f (%.0f connected)\n", toFloat(st["connections"]), toFloat(st["connected"]))
	fmt.Fprintf(out, "Outbound:      %.0f queued, %.0f delayed\n", toFloat(st["outbound_queued"]), toFloat(st["outbound_delayed"]))
	fmt.Fprintf(out, "Inbound:       %.0f delayed\n", toFloat(st["inbound_delayed"]))
	fmt.Fprintf(out, "Ledger:        %.0f tasks%s\n", toFloat(st["ledger_tasks"]), disabledText(st["ledger_disabled"]))
	fmt.Fprintf(out, "Executor:      %.0f in flight, %.0f waiting\n", toFloat(st["in_flight"]), toFloat(st["worker_backlog"]))
	fmt.Fprintln(out)

	queued, _ := st["inbound_queued"].(map[string]any)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tACCOUNT\tSTATUS\tSTATE\tQUEUED\tRECONNECTS\tCONNECTED AT")
	sort.Slice(conns, func(i, j int) bool {
		return fmt.Sprint(conns[i]["account_id"]) < fmt.Sprint(conns[j]["account_id"])
	})
	for _, c := range conns {
		id := fmt.Sprint(c["device_id"])
		fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%.0f\t%.0f\t%v\n",
			shortID(id), c["account_id"], c["status"], c["state"],
			toFloat(queued[id]), toFloat(c["reconnect_attempts"]), c["connected_at"])
	}
	return tw.Flush()
}

// ============================================================================
// ledger
// ============================================================================

func buildLedgerCommand(opts *rootOptions) *cobra.Command {
	var backend, path string

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List the tasks recorded in the ledger",
		Long:  "Open the ledger storage read-only and list the recorded tasks. Stop the agent first when using the file backend.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if backend != "" {
				cfg.Ledger.Backend = backend
			}
			if path != "" {
				cfg.Ledger.Path = path
			}
			return showLedger(cfg, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&backend, "backend", "", "ledger backend override (file, sqlite)")
	cmd.Flags().StringVar(&path, "path", "", "ledger path override")
	return cmd
}

func showLedger(cfg *Config, out io.Writer) error {
	store, err := cfg.OpenLedgerStore()
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if store == nil {
		return errors.New("ledger backend is none")
	}
	defer store.Close()

	data, err := store.Load()
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	recs := make([]string, 0, len(data.Tasks))
	for id := range data.Tasks {
		recs = append(recs, id)
	}
	sort.Slice(recs, func(i, j int) bool {
		return data.Tasks[recs[i]].ReceivedAt < data.Tasks[recs[j]].ReceivedAt
	})

	now := time.Now()
	fmt.Fprintf(out, "%d task(s) in %s ledger %s\n\n", len(recs), cfg.Ledger.Backend, cfg.Ledger.Path)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRACE ID\tCOMMAND\tACCOUNT\tSTATUS\tRECEIVED\tTIMEOUT")
	for _, id := range recs {
		rec := data.Tasks[id]
		timeout := time.UnixMilli(rec.TimeoutAt).Format(time.RFC3339)
		if rec.Expired(now) {
			timeout += " (expired)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Command, rec.AccountID, rec.Status,
			time.UnixMilli(rec.ReceivedAt).Format(time.RFC3339), timeout)
	}
	return tw.Flush()
}

// ============================================================================
// version
// ============================================================================

func buildVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetlink %s (commit %s, built %s)\n", Version, Commit, Date)
			fmt.Fprintf(cmd.OutOrStdout(), "ledger schema v%d\n", ledger.SchemaVersion)
		},
	}
}

// ============================================================================
// Helpers
// ============================================================================

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func onlineText(v any) string {
	if b, _ := v.(bool); b {
		return "online"
	}
	return "offline"
}

func disabledText(v any) string {
	if b, _ := v.(bool); b {
		return " (disabled)"
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
