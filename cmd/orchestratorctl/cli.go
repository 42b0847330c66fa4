package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/basket/agentorch/internal/diffmerge"
)

// newDispatchTickCommand runs one C1 dispatch tick against the live store
// and exits, for cron jobs or manual operator intervention outside the
// daemon's own 5s ticker.
func newDispatchTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch-tick",
		Short: "Run a single dispatch tick over queued runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				return app.dispatcher.Tick(ctx)
			})
		},
	}
}

// newRecoveryTickCommand runs one C6 sweep for stale, zombie and overdue
// runs and exits.
func newRecoveryTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-tick",
		Short: "Run a single recovery sweep over in-flight runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				return app.recov.Tick(ctx)
			})
		},
	}
}

// newWorkflowCommand groups workflow-related one-shot operations.
func newWorkflowCommand() *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:   "workflow",
		Short: "Workflow execution operations",
	}
	workflowCmd.AddCommand(newWorkflowReplayCommand())
	return workflowCmd
}

// newWorkflowReplayCommand starts a fresh execution of an existing workflow
// definition, the CLI's manual equivalent of a cron-triggered fire.
func newWorkflowReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <workflow-id>",
		Short: "Start a new execution of a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowID := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, app *App) error {
				trigger := cronWorkflowTrigger{store: app.store, executor: app.executor}
				return trigger.StartExecution(ctx, workflowID)
			})
		},
	}
}

// newDiffMergeCommand exposes C8 as a standalone operation: no workflow
// node triggers a merge automatically (§4.8), so an operator or an
// external orchestration script invokes it directly over JSON lane input.
func newDiffMergeCommand() *cobra.Command {
	var patternsFlag []string
	cmd := &cobra.Command{
		Use:   "diff-merge <lanes.json>",
		Short: "Merge multiple lanes' unified diff patches into one",
		Long: `Reads a JSON array of {"label":"...","patch":"..."} lane objects from
the given file (or stdin if the argument is "-") and prints the merge
result as JSON: MergedPatch, MergedFiles, Conflicts, Additions, Deletions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read lanes: %w", err)
			}

			var lanes []diffmerge.LaneInput
			if err := json.Unmarshal(data, &lanes); err != nil {
				return fmt.Errorf("parse lanes json: %w", err)
			}

			result, err := diffmerge.Merge(lanes, patternsFlag)
			if err != nil {
				return fmt.Errorf("merge: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringSliceVar(&patternsFlag, "artifact-pattern", nil, "glob pattern annotating a touched file as a build artifact (repeatable)")
	return cmd
}

// withApp builds a full App, runs fn, and always tears it back down —
// the shape every one-shot CLI subcommand shares with the daemon's own
// startup/shutdown sequence.
func withApp(ctx context.Context, fn func(context.Context, *App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Shutdown(ctx)
	return fn(ctx, app)
}
