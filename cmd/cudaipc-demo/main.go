package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/cudaipc/internal/config"
	"github.com/yuuki/cudaipc/internal/demo"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cudaipc-demo",
		Short: "Exchange a GPU buffer between processes over the cudaipc transport",
		Long: `cudaipc-demo exports a device buffer from an owner process and copies it
into a peer process with a zero-copy GET.

Run both sides in one process:
  cudaipc-demo loopback

Or in two processes sharing the simulated device directory:
  cudaipc-demo owner --sim-dir /dev/shm/cudaipc
  cudaipc-demo peer --sim-dir /dev/shm/cudaipc

Every flag can also be set in cudaipc.yaml or as a CUDAIPC_* environment
variable.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	config.SetupFlags(rootCmd.PersistentFlags())

	for _, role := range []struct{ name, short string }{
		{"owner", "Export a buffer and wait until a peer releases it"},
		{"peer", "Copy the buffer an owner exported and verify it"},
		{"loopback", "Run an owner and a peer in this process"},
	} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   role.name,
			Short: role.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := cmd.Flags().Set("role", cmd.Name()); err != nil {
					return err
				}
				return run(cmd, args)
			},
		})
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()

	// Handle create-config flag
	if createConfig, _ := flags.GetBool("create-config"); createConfig {
		configOutput, _ := flags.GetString("config-output")
		if err := config.CreateDefaultConfig(configOutput); err != nil {
			return fmt.Errorf("creating default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		return nil
	}

	cfg, err := config.LoadConfig(flags)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	d, err := demo.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to clean up")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Error().Err(err).Str("role", cfg.Demo.Role).Msg("Demo failed")
		return err
	}
	return nil
}
