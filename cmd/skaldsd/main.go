package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jihunglin/skalds/internal/app"
	"github.com/jihunglin/skalds/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "skaldsd",
	Short: "Skalds distributed task orchestration controller",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller (skald/task monitoring, reconciliation, dispatch, and the query API)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("mode", "", "override SKALDS_RUN_MODE (CONTROLLER, MONITOR, DISPATCHER)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	modeOverride, _ := cmd.Flags().GetString("mode")
	if modeOverride != "" {
		if err := os.Setenv("SKALDS_RUN_MODE", modeOverride); err != nil {
			return err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}

	fmt.Printf("skalds controller starting: mode=%s policy=%s bind=%s:%d\n",
		cfg.RunMode, cfg.DispatchPolicy, cfg.BindHost, cfg.BindPort)

	return a.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
