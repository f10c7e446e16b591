package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/brewkit/internal/patching"
)

var (
	upgradeContinueOnError bool
	upgradeNoPrefetch      bool
	upgradeGreedy          bool
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [ID]",
	Short: "Upgrade one package, or every outdated package",
	Long: `Without an ID, runs a batch upgrade: brew update, a check for outdated
packages, an optional parallel download and then one upgrade per package.
Interrupting the batch skips the remaining steps.`,
	Args: cobra.MaximumNArgs(1),
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return packageOp(cmd, "Upgraded", args[0], func(cb patching.ProgressCallback) error {
				return a.mgr.Upgrade(ctx, args[0], cb)
			})
		}
		return upgradeAll(ctx, a, cmd)
	}),
}

func init() {
	upgradeCmd.Flags().BoolVar(&upgradeContinueOnError, "continue-on-error", true, "keep upgrading after a package fails")
	upgradeCmd.Flags().BoolVar(&upgradeNoPrefetch, "no-prefetch", false, "download each package during its own upgrade")
	upgradeCmd.Flags().BoolVar(&upgradeGreedy, "greedy", false, "include casks that update themselves")
}

func upgradeAll(ctx context.Context, a *app, cmd *cobra.Command) error {
	opts := patching.BatchOptions{
		ContinueOnError: a.cfg.ContinueOnError,
		Prefetch:        a.cfg.Prefetch,
		Greedy:          a.cfg.Greedy,
	}
	flags := cmd.Flags()
	if flags.Changed("continue-on-error") {
		opts.ContinueOnError = upgradeContinueOnError
	}
	if flags.Changed("no-prefetch") {
		opts.Prefetch = !upgradeNoPrefetch
	}
	if flags.Changed("greedy") {
		opts.Greedy = upgradeGreedy
	}

	printer := newProgressPrinter(os.Stderr)
	opts.OnProgress = printer.brew
	opts.OnStep = func(step patching.UpgradeStep) {
		if step.Status.Terminal() {
			printer.line(step.ID, string(step.Status), describeStep(step), true)
		}
	}

	result := a.mgr.UpgradeAll(ctx, opts)
	printer.done()

	if err := render(cmd.OutOrStdout(), outputFormat, result, func(w io.Writer) {
		fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tMESSAGE")
		for _, step := range result.Steps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", step.Title, step.Status, step.Duration().Round(time.Second), step.Message)
		}
	}); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("upgrade finished with failures: %w", result.Err)
	}
	return nil
}

func describeStep(step patching.UpgradeStep) string {
	msg := fmt.Sprintf("%s: %s", step.Title, step.Status)
	if step.Message != "" {
		msg += " (" + step.Message + ")"
	}
	return msg
}
