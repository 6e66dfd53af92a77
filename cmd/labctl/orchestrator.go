package main

import (
	"errors"
	"fmt"
	"net"

	"github.com/ashureev/scenario-lab/internal/config"
	"github.com/ashureev/scenario-lab/internal/orchestrator"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var errServeRemote = errors.New("orchestrator serve needs a local provider, not grpc")

func orchestratorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run or probe the scenario orchestrator",
	}
	cmd.AddCommand(orchestratorServeCmd())
	return cmd
}

func orchestratorServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the configured orchestrator backend over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			oc := config.LoadOrchestrator()
			if oc.Provider == config.ProviderGRPC {
				return errServeRemote
			}
			logger := cliLogger()
			orch, err := orchestrator.New(oc, logger)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}

			srv := grpc.NewServer()
			orchestrator.RegisterServer(srv, orch)

			go func() {
				<-cmd.Context().Done()
				logger.Info("Stopping orchestrator server")
				srv.GracefulStop()
			}()

			logger.Info("Orchestrator server listening", "addr", lis.Addr().String(), "provider", oc.Provider)
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:50051", "gRPC listen address")
	return cmd
}
