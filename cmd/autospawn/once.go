package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jbweber/autospawn/internal/output"
	"github.com/jbweber/autospawn/internal/reconciler"
)

var onceOutput string

var onceCmd = &cobra.Command{
	Use:   "once <spawn|sync|teardown>",
	Short: "Run a single action now",
	Long: `Run one action immediately and exit.

sync runs regardless of the active window. The resources created or deleted
are printed in the selected output format.`,
	ValidArgs: []string{reconciler.ActionSpawn, reconciler.ActionSync, reconciler.ActionTeardown},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatter, err := output.NewFormatter(output.Options{Format: output.Format(onceOutput)})
		if err != nil {
			return err
		}

		a, err := newApp(configPath)
		if err != nil {
			return err
		}
		defer a.close()

		rec, err := a.buildReconciler()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, runErr := runAction(ctx, rec, args[0])

		out, err := formatter.FormatResourceList(res.Resources)
		if err != nil {
			return err
		}
		fmt.Print(out)
		fmt.Fprintf(os.Stderr, "%s: desired=%d created=%d skipped=%d deleted=%d failed=%d\n",
			res.Action, res.Desired, res.Created, res.Skipped, res.Deleted, res.Failed)

		if runErr != nil {
			return runtimeError(fmt.Errorf("%s: %w", args[0], runErr))
		}
		return nil
	},
}

func init() {
	onceCmd.Flags().StringVarP(&onceOutput, "output", "o", string(output.FormatTable), "output format: table, yaml, json")
}

func runAction(ctx context.Context, rec *reconciler.Reconciler, action string) (reconciler.Result, error) {
	switch action {
	case reconciler.ActionSpawn:
		return rec.Spawn(ctx)
	case reconciler.ActionSync:
		return rec.Sync(ctx)
	case reconciler.ActionTeardown:
		return rec.Teardown(ctx)
	default:
		return reconciler.Result{Action: action}, fmt.Errorf("unknown action %q", action)
	}
}
