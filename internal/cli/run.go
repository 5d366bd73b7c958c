package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/diag"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enforcement sidecar",
	Long:  "Starts the sidecar: loads the cached policy, connects to the control\nplane, and serves decisions on the local HTTP endpoint.",
	RunE:  runSidecar,
}

func runSidecar(cmd *cobra.Command, args []string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.orch.Start(ctx)

	srv := diag.New(a.cfg.Diag.Addr, a.orch, a.registry, a.logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	// Hot-reload for aliases and offline mode.
	watchPaths := []string{configPath, a.cfg.Enforcement.AliasPath}
	reloader, err := config.NewReloader(watchPaths, a.logger, a.reload)
	if err != nil {
		a.logger.Warn("hot-reload disabled", zap.Error(err))
	} else {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		a.logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			a.logger.Error("diag server failed", zap.Error(err))
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "diag shutdown: %v\n", err)
	}

	// Orchestrator last: its final audit flush covers shutdown events.
	a.orch.Stop()
	return nil
}
