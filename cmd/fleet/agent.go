package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/fleet/pkg/gateway"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run an in-memory node agent",
	Long: `Run a node agent that answers gateway calls from a YAML state file.

The agent serves the same gRPC service as a real compute node, which makes
it useful for local clusters and for exercising merges end to end.

Examples:
  fleet agent --state node-a.yaml --listen 127.0.0.1:7950`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		statePath, _ := cmd.Flags().GetString("state")
		listen, _ := cmd.Flags().GetString("listen")

		agent := gateway.NewMemoryAgent()
		if statePath != "" {
			loaded, err := gateway.LoadMemoryAgent(statePath)
			if err != nil {
				return err
			}
			agent = loaded
		}

		lis, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", listen, err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runAgent(ctx, lis, agent)
	},
}

func init() {
	agentCmd.Flags().String("state", "", "YAML file with the VMs and chains to serve")
	agentCmd.Flags().String("listen", "127.0.0.1:7950", "Address for the node agent gRPC server")
}

// runAgent serves agent on lis until ctx is done
func runAgent(ctx context.Context, lis net.Listener, agent gateway.NodeAgent) error {
	srv := grpc.NewServer(grpc.UnaryInterceptor(gateway.LoggingInterceptor()))
	gateway.RegisterNodeAgentServer(srv, agent)

	logger := log.WithComponent("agent")
	logger.Info().Str("addr", lis.Addr().String()).Msg("Node agent listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}
