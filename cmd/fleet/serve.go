package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/fleet/pkg/action"
	"github.com/cuemby/fleet/pkg/authz"
	"github.com/cuemby/fleet/pkg/config"
	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/gateway"
	"github.com/cuemby/fleet/pkg/inventory"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/manager"
	"github.com/cuemby/fleet/pkg/merge"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/reconciler"
	"github.com/cuemby/fleet/pkg/scheduler"
	"github.com/cuemby/fleet/pkg/server"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a fleet manager",
	Long: `Run a fleet manager as a single-node raft cluster.

The manager polls live merge attempts, monitors compute nodes and serves
the ops HTTP endpoints until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("node-id", "", "Unique manager ID")
	serveCmd.Flags().String("data-dir", "", "Data directory for cluster state")
	serveCmd.Flags().String("raft-addr", "", "Address for raft communication")
	serveCmd.Flags().String("ops-addr", "", "Address for the ops HTTP server")
	serveCmd.Flags().String("inventory", "", "Inventory file applied on startup")
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.RaftAddr,
		DataDir:  cfg.DataDir,
	})
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	defer func() {
		if err := mgr.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Manager shutdown failed")
		}
	}()

	if err := mgr.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	if err := mgr.WaitForLeader(30 * time.Second); err != nil {
		return err
	}
	metrics.RegisterComponent("raft", true, "leader elected")

	if err := seedNodes(mgr, cfg); err != nil {
		return err
	}
	if err := seedInventory(mgr, cfg.Inventory); err != nil {
		return err
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	recorder := events.NewRecorder(broker, mgr)
	recorder.Start()
	defer recorder.Stop()

	gw := gateway.NewClient(mgr, mgr, gateway.Config{Timeout: cfg.Gateway.Timeout})
	defer gw.Close()

	propagator := workflow.NewPropagator(mgr, workflow.NewBrokerSignal(broker), broker)
	reconcilerMerge := merge.NewReconciler(merge.Deps{
		Inventory: mgr,
		Snapshots: gw,
		Chains:    gw,
		Outcomes:  propagator,
		Audit:     broker,
	})

	registry, err := action.NewRegistry(
		action.NewDetachDisk(mgr, gw, broker),
		action.NewMergeStatus(reconcilerMerge),
	)
	if err != nil {
		return err
	}
	authorizer := authz.NewStoreAuthorizer(mgr)
	runner := action.NewRunner(registry, authorizer, broker)

	sched := scheduler.NewScheduler(mgr, runner, cfg.SchedulerConfig())
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		sched.Stop()
		metrics.UpdateComponent("scheduler", false, "stopped")
	}()
	metrics.RegisterComponent("scheduler", true, "running")

	monitor := reconciler.NewReconciler(mgr, gw, broker, cfg.MonitorConfig())
	monitor.Start()
	defer monitor.Stop()

	collector := manager.NewMetricsCollector(mgr, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	ops := server.NewServer(server.Deps{
		Cluster:    mgr,
		Store:      mgr,
		Scheduler:  sched,
		Runner:     runner,
		Authorizer: authorizer,
		Inventory:  mgr,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		metrics.RegisterComponent("api", true, "listening")
		return ops.Start(cfg.OpsAddr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	logger.Info().
		Str("node_id", cfg.NodeID).
		Str("raft_addr", cfg.RaftAddr).
		Str("ops_addr", cfg.OpsAddr).
		Msg("Fleet manager running")

	err = g.Wait()
	logger.Info().Msg("Shutting down")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seedNodes records configured compute nodes that are new or whose agent moved
func seedNodes(mgr *manager.Manager, cfg *config.Config) error {
	for _, node := range cfg.ComputeNodes() {
		existing, err := mgr.GetNode(node.ID)
		switch {
		case err == nil && existing.Address == node.Address:
			continue
		case err == nil:
			existing.Address = node.Address
			node = existing
		case !errors.Is(err, storage.ErrNotFound):
			return err
		default:
			node.CreatedAt = time.Now().UTC()
		}
		if err := mgr.PutNode(node); err != nil {
			return fmt.Errorf("failed to seed node %s: %w", node.ID, err)
		}
	}
	return nil
}

// seedInventory applies the configured inventory file, if any
func seedInventory(mgr *manager.Manager, path string) error {
	if path == "" {
		return nil
	}
	doc, err := inventory.Load(path)
	if err != nil {
		return err
	}
	if _, err := inventory.Apply(mgr, doc); err != nil {
		return fmt.Errorf("failed to apply inventory %s: %w", path, err)
	}
	return nil
}
