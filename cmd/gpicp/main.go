package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AlgoSkyNet/gpi-cp/internal/demo"
	"github.com/AlgoSkyNet/gpi-cp/internal/logging"
	"github.com/AlgoSkyNet/gpi-cp/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
}

var rootCmd = &cobra.Command{
	Use:   "gpicp",
	Short: "Checkpoint-recovery demo scenarios over the in-memory fabric",
}

var simpleCmd = &cobra.Command{
	Use:   "simple",
	Short: "Single checkpoint, fault and recovery round trip",
	Run: func(rawCmd *cobra.Command, args []string) {
		runScenario(func(cfg *demo.Config, log *zap.SugaredLogger) error {
			return demo.RunSimple(cfg, log)
		})
	},
}

var periodicCmd = &cobra.Command{
	Use:   "periodic",
	Short: "Periodic checkpointing loop with a mid-run fault",
	Run: func(rawCmd *cobra.Command, args []string) {
		runScenario(func(cfg *demo.Config, log *zap.SugaredLogger) error {
			return demo.RunPeriodic(cfg, log)
		})
	},
}

var stencilCmd = &cobra.Command{
	Use:   "stencil",
	Short: "Ring stencil with halo exchange, fault and rollback",
	Run: func(rawCmd *cobra.Command, args []string) {
		runScenario(func(cfg *demo.Config, log *zap.SugaredLogger) error {
			norm, err := demo.RunStencil(cfg, log)
			if err != nil {
				return err
			}
			log.Infof("final grid norm: %.2f", norm)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file")
	rootCmd.AddCommand(simpleCmd, periodicCmd, stencilCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func runScenario(scenario func(*demo.Config, *zap.SugaredLogger) error) {
	if err := run(cmd, scenario); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd, scenario func(*demo.Config, *zap.SugaredLogger) error) error {
	cfg := demo.DefaultConfig()
	if cmd.ConfigPath != "" {
		var err error
		if cfg, err = demo.LoadConfig(cmd.ConfigPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	// The scenario races the signal handler; whichever finishes first
	// decides the exit.
	done := make(chan error, 2)
	go func() {
		done <- scenario(cfg, log)
	}()
	go func() {
		done <- xcmd.WaitInterrupted(context.Background())
	}()

	return <-done
}
