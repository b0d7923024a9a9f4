package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
	metricsv "k8s.io/metrics/pkg/client/clientset/versioned"

	"github.com/opscart/k8s-rollback-controller/pkg/breaker"
	"github.com/opscart/k8s-rollback-controller/pkg/config"
	"github.com/opscart/k8s-rollback-controller/pkg/degrade"
	"github.com/opscart/k8s-rollback-controller/pkg/health"
	"github.com/opscart/k8s-rollback-controller/pkg/models"
	"github.com/opscart/k8s-rollback-controller/pkg/monitor"
	"github.com/opscart/k8s-rollback-controller/pkg/notify"
	"github.com/opscart/k8s-rollback-controller/pkg/output"
	"github.com/opscart/k8s-rollback-controller/pkg/rollback"
	"github.com/opscart/k8s-rollback-controller/pkg/snapshot"
	"github.com/opscart/k8s-rollback-controller/pkg/state"
	"github.com/opscart/k8s-rollback-controller/pkg/storage"
	"github.com/opscart/k8s-rollback-controller/pkg/sysinfo"
	"github.com/opscart/k8s-rollback-controller/pkg/traffic"
)

var (
	kubeconfigPath string
	outputFormat   string
	listLimit      int
	listSnapshots  bool
	commitSHA      string
	noWaitDrain    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rollback-controller",
		Short: "Deployment resilience controller: blue-green/canary rollback, health monitoring, graceful degradation",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&kubeconfigPath, "kubeconfig", "", "Path to kubeconfig (defaults to ~/.kube/config, then in-cluster)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json")

	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the current deployment as a rollback target",
		RunE:  runSnapshot,
	}
	snapshotCmd.Flags().StringVar(&commitSHA, "commit", "", "Commit SHA of the running deployment")

	immediateCmd := &cobra.Command{
		Use:   "immediate <reason> [snapshotPath]",
		Short: "Restore the last known good snapshot immediately",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runImmediate,
	}

	blueGreenCmd := &cobra.Command{
		Use:   "blue-green <reason>",
		Short: "Switch traffic to the opposite color after verifying it",
		Args:  cobra.ExactArgs(1),
		RunE:  runBlueGreen,
	}
	blueGreenCmd.Flags().BoolVar(&noWaitDrain, "no-wait", false, "Exit without waiting for the deferred drain of the losing color")

	canaryCmd := &cobra.Command{
		Use:   "canary <reason>",
		Short: "Withdraw part of the current replicas and observe before escalating",
		Args:  cobra.ExactArgs(1),
		RunE:  runCanary,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch the active deployment and roll back automatically on repeated failures",
		RunE:  runMonitor,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show rollback history (or snapshots with --snapshots)",
		RunE:  runList,
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum entries to show")
	listCmd.Flags().BoolVar(&listSnapshots, "snapshots", false, "List deployment snapshots instead of rollback records")

	rootCmd.AddCommand(snapshotCmd, immediateCmd, blueGreenCmd, canaryCmd, monitorCmd, listCmd, newDegradeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app bundles everything a subcommand may need
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.FileStore
	snaps    *snapshot.Store
	audit    *rollback.FileAuditLog
	dbStore  storage.Store // nil unless STORAGE_ENABLED
	degrader *degrade.Manager
}

func newApp() (*app, error) {
	cfg := config.NewConfig()
	if outputFormat != "" {
		cfg.OutputFormat = outputFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, err := state.NewFileStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.NewStore(filepath.Join(cfg.StateDir, "snapshots"))
	if err != nil {
		return nil, err
	}
	audit, err := rollback.NewFileAuditLog(filepath.Join(cfg.StateDir, "rollbacks"))
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		snaps:    snaps,
		audit:    audit,
		degrader: degrade.NewManager(store, logger),
	}

	if cfg.StorageEnabled {
		db, err := storage.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("storage enabled but unavailable: %w", err)
		}
		a.dbStore = db
	}
	return a, nil
}

func (a *app) close() {
	if a.dbStore != nil {
		a.dbStore.Close()
	}
}

// kubeClients builds the typed and metrics clientsets, preferring an
// explicit kubeconfig, then the home default, then in-cluster config.
func kubeClients() (kubernetes.Interface, metricsv.Interface, error) {
	path := kubeconfigPath
	if path == "" {
		if home := homedir.HomeDir(); home != "" {
			candidate := filepath.Join(home, ".kube", "config")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}

	var (
		restCfg *rest.Config
		err     error
	)
	if path != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", path)
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build cluster config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	metricsClient, err := metricsv.NewForConfig(restCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics client: %w", err)
	}
	return clientset, metricsClient, nil
}

// orchestrator wires the rollback engine against the live cluster
func (a *app) orchestrator(client kubernetes.Interface, metricsClient metricsv.Interface) (*rollback.Orchestrator, *rollback.Scheduler, *sysinfo.Collector, error) {
	collector, err := sysinfo.NewCollector(client, metricsClient, a.cfg.PrometheusURL, a.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	var auditor rollback.Auditor = a.audit
	if a.dbStore != nil {
		auditor = rollback.MultiAuditor{a.audit, storage.AuditAdapter{S: a.dbStore}}
	}

	sched := rollback.NewScheduler(a.logger)
	orch := rollback.NewOrchestrator(rollback.Deps{
		Config:      a.cfg,
		Client:      client,
		Traffic:     traffic.NewSwitch(client, a.cfg.Namespace, a.cfg.ServiceName, a.logger),
		Snapshots:   a.snaps,
		Checker:     health.NewChecker(a.cfg.ProbeTimeout, a.logger),
		Notifier:    notify.NewSink(a.cfg.WebhookURL, a.cfg.CriticalWebhookURL, a.logger),
		Audit:       auditor,
		Scheduler:   sched,
		SystemState: collector.Snapshot,
		Logger:      a.logger,
	})
	return orch, sched, collector, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	client, _, err := kubeClients()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	capturer := snapshot.NewCapturer(client, a.cfg.Namespace, a.cfg.ServiceName)
	snap, err := capturer.Capture(ctx, a.cfg.DeploymentEnv, commitSHA)
	if err != nil {
		return err
	}
	path, err := a.snaps.Save(snap)
	if err != nil {
		return err
	}
	if a.dbStore != nil {
		if err := a.dbStore.SaveSnapshot(ctx, snap); err != nil {
			a.logger.Warn("failed to index snapshot in database", "err", err)
		}
	}
	fmt.Printf("Snapshot saved: %s (color=%s, images=%d)\n", path, snap.ActiveColor, len(snap.DockerImages))
	return nil
}

func runImmediate(cmd *cobra.Command, args []string) error {
	reason := args[0]
	snapshotPath := ""
	if len(args) > 1 {
		snapshotPath = args[1]
	}
	return runRollback(func(ctx context.Context, orch *rollback.Orchestrator) (*models.RollbackRecord, error) {
		return orch.Immediate(ctx, reason, snapshotPath)
	}, false)
}

func runBlueGreen(cmd *cobra.Command, args []string) error {
	return runRollback(func(ctx context.Context, orch *rollback.Orchestrator) (*models.RollbackRecord, error) {
		return orch.BlueGreen(ctx, args[0])
	}, !noWaitDrain)
}

func runCanary(cmd *cobra.Command, args []string) error {
	return runRollback(func(ctx context.Context, orch *rollback.Orchestrator) (*models.RollbackRecord, error) {
		return orch.Canary(ctx, args[0])
	}, false)
}

func runRollback(op func(context.Context, *rollback.Orchestrator) (*models.RollbackRecord, error), waitDrain bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	client, metricsClient, err := kubeClients()
	if err != nil {
		return err
	}
	orch, sched, _, err := a.orchestrator(client, metricsClient)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	rec, err := op(ctx, orch)
	if err != nil {
		return err
	}
	fmt.Printf("Rollback %s completed: target=%s\n", rec.RollbackType, rec.Target)

	if waitDrain && sched.Pending() > 0 {
		fmt.Println("Waiting for deferred drain of the losing color (use --no-wait to skip)...")
		sched.Wait()
	} else {
		sched.StopAll()
	}
	return nil
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	client, metricsClient, err := kubeClients()
	if err != nil {
		return err
	}
	orch, sched, collector, err := a.orchestrator(client, metricsClient)
	if err != nil {
		return err
	}
	defer sched.StopAll()

	ctx, cancel := signalContext()
	defer cancel()

	checker := health.NewChecker(a.cfg.ProbeTimeout, a.logger)
	breakers := breaker.NewRegistry(a.store, a.cfg.BreakerThreshold, a.cfg.BreakerRecovery, a.logger)
	pressure := sysinfo.NewPressureDetector(collector.Snapshot)

	loop := monitor.NewLoop(
		monitor.Config{
			Service:          a.cfg.ServiceName,
			Endpoint:         a.cfg.ServiceEndpoint(),
			Duration:         a.cfg.MonitorDuration,
			Interval:         a.cfg.HealthCheckInterval,
			FailureThreshold: a.cfg.FailureThreshold,
		},
		checker.Probe,
		breakers,
		a.degrader,
		pressure.Check,
		func(ctx context.Context, reason string) error {
			_, err := orch.Immediate(ctx, reason, "")
			return err
		},
		monitor.NewClock(),
		a.logger,
	)

	res, err := loop.Run(ctx)
	if err != nil {
		return err
	}
	if res.RolledBack {
		if res.RollbackErr != nil {
			return fmt.Errorf("automatic rollback failed: %w", res.RollbackErr)
		}
		fmt.Println("Automatic rollback completed; start a new monitor cycle after recovery")
		return nil
	}
	fmt.Printf("Monitoring completed: %d checks, no rollback needed\n", res.Ticks)
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	handler, err := output.NewHandler(a.cfg.OutputFormat, os.Stdout)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	if listSnapshots {
		if a.dbStore != nil {
			snaps, err := a.dbStore.ListSnapshots(ctx, a.cfg.DeploymentEnv, listLimit)
			if err != nil {
				return err
			}
			return handler.DisplaySnapshots(snaps)
		}
		snaps, err := a.snaps.List()
		if err != nil {
			return err
		}
		if len(snaps) > listLimit {
			snaps = snaps[:listLimit]
		}
		return handler.DisplaySnapshots(snaps)
	}

	if a.dbStore != nil {
		records, err := a.dbStore.ListRollbackRecords(ctx, listLimit)
		if err != nil {
			return err
		}
		return handler.DisplayRecords(records)
	}
	records, err := a.audit.List()
	if err != nil {
		return err
	}
	if len(records) > listLimit {
		records = records[:listLimit]
	}
	return handler.DisplayRecords(records)
}

func newDegradeCmd() *cobra.Command {
	degradeCmd := &cobra.Command{
		Use:   "degrade",
		Short: "Apply or inspect graceful degradation fallbacks",
	}

	degradeCmd.AddCommand(
		&cobra.Command{
			Use:   "trigger <service> <reason>",
			Short: "Disable the non-critical features of a service",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDegrader(func(m *degrade.Manager) error {
					return m.TriggerDegradedMode(args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "level <service> <minimal|moderate|severe>",
			Short: "Apply a coarse degradation tier",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDegrader(func(m *degrade.Manager) error {
					return m.GracefulDegrade(args[0], models.DegradationLevel(args[1]))
				})
			},
		},
		&cobra.Command{
			Use:   "cache <in_memory|filesystem|disabled>",
			Short: "Swap the caching fallback mode",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDegrader(func(m *degrade.Manager) error {
					return m.CachingFallback(models.CacheMode(args[0]))
				})
			},
		},
		&cobra.Command{
			Use:   "mesh <local|basic|none>",
			Short: "Swap the service mesh fallback mode",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDegrader(func(m *degrade.Manager) error {
					return m.ServiceMeshFallback(models.MeshMode(args[0]))
				})
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the current degradation config",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDegrader(func(m *degrade.Manager) error {
					cfg, err := m.Current()
					if err != nil {
						return err
					}
					fmt.Printf("Level: %s  Cache: %s  Mesh: %s\n", orDefault(string(cfg.Level), "none"),
						orDefault(string(cfg.CacheMode), "default"), orDefault(string(cfg.ServiceMeshMode), "default"))
					for name, enabled := range cfg.Features {
						fmt.Printf("  %-28s %v\n", name, enabled)
					}
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Re-enable all features and clear fallback modes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDegrader((*degrade.Manager).Reset)
			},
		},
	)
	return degradeCmd
}

func withDegrader(fn func(*degrade.Manager) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a.degrader)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
