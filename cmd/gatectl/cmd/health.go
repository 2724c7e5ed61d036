package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type healthResult struct {
	Addr    string `json:"addr" yaml:"addr"`
	Service string `json:"service" yaml:"service"`
	Status  string `json:"status" yaml:"status"`
}

var (
	healthAddr    string
	healthService string
	healthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gRPC health service of a running instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()

		status, err := checkHealth(ctx, healthAddr, healthService)
		if err != nil {
			return fmt.Errorf("health %s: %w", healthAddr, err)
		}
		res := healthResult{Addr: healthAddr, Service: healthService, Status: status.String()}
		out := cmd.OutOrStdout()
		done, err := formatOutput(out, res)
		if err != nil {
			return err
		}
		if !done {
			fmt.Fprintf(out, "%s %s\n", res.Addr, res.Status)
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			return fmt.Errorf("service is %s", status)
		}
		return nil
	},
}

func checkHealth(ctx context.Context, addr, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "127.0.0.1:9090", "gRPC address")
	healthCmd.Flags().StringVar(&healthService, "service", "branchgate", "Service name; empty checks the whole server")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "Request timeout")
	offline["health"] = true
	rootCmd.AddCommand(healthCmd)
}
