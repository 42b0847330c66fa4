// Command orchestratorctl is the agentorch control plane: it dispatches
// queued runs, coordinates runtime leases, listens for worker events,
// drives DAG workflow executions, reaps dead runs, and checks alert rules
// and cron schedules — all the components described in SPEC_FULL.md.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/agentorch/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentorch: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var noTUI bool

	root := &cobra.Command{
		Use:     "orchestratorctl",
		Short:   "The agentorch control plane",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), noTUI)
		},
	}

	root.PersistentFlags().BoolVar(&noTUI, "no-tui", false, "disable the live operator console even when attached to a terminal")
	root.AddCommand(newDispatchTickCommand())
	root.AddCommand(newRecoveryTickCommand())
	root.AddCommand(newWorkflowCommand())
	root.AddCommand(newDiffMergeCommand())

	return root
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// runDaemon starts every background loop and blocks until SIGINT/SIGTERM,
// optionally rendering the operator TUI when attached to a terminal.
func runDaemon(ctx context.Context, noTUI bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- app.Run(ctx)
	}()

	interactive := !noTUI && os.Getenv("AGENTORCH_NO_TUI") != "1" && isatty.IsTerminal(os.Stdout.Fd())
	if interactive {
		program := tea.NewProgram(newTUIModel(app.bus))
		if _, err := program.Run(); err != nil {
			app.logger.Error("tui_exited_with_error", "error", err)
		}
		stop()
	}

	err = <-runErrCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	app.Shutdown(shutdownCtx)

	return err
}
