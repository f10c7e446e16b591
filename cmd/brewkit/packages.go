package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/brewkit/internal/patching"
)

var (
	outdatedGreedy bool
	installedBrief bool
)

var installedCmd = &cobra.Command{
	Use:   "installed",
	Short: "List installed formulae and casks",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if installedBrief {
			return listInstalled(ctx, a, cmd.OutOrStdout())
		}
		pkgs, err := a.mgr.Installed(ctx)
		if err != nil {
			return err
		}
		return renderPackages(cmd.OutOrStdout(), pkgs)
	}),
}

var outdatedCmd = &cobra.Command{
	Use:   "outdated",
	Short: "List packages with newer versions available",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		greedy := a.cfg.Greedy
		if cmd.Flags().Changed("greedy") {
			greedy = outdatedGreedy
		}
		pkgs, err := a.mgr.Outdated(ctx, greedy)
		if err != nil {
			return err
		}
		if pkgs == nil {
			pkgs = []patching.OutdatedPackage{}
		}
		return render(cmd.OutOrStdout(), outputFormat, pkgs, func(w io.Writer) {
			if len(pkgs) == 0 {
				fmt.Fprintln(w, "All packages are up to date.")
				return
			}
			fmt.Fprintln(w, "ID\tINSTALLED\tCURRENT\tPINNED")
			for _, p := range pkgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.ID, strings.Join(p.InstalledVersions, ", "), p.CurrentVersion, p.Pinned)
			}
		})
	}),
}

var installCmd = &cobra.Command{
	Use:   "install ID",
	Short: "Install a formula, or a cask as cask:TOKEN",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return packageOp(cmd, "Installed", args[0], func(cb patching.ProgressCallback) error {
			return a.mgr.Install(ctx, args[0], cb)
		})
	}),
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall ID",
	Short: "Uninstall a formula, or a cask as cask:TOKEN",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		return packageOp(cmd, "Uninstalled", args[0], func(cb patching.ProgressCallback) error {
			return a.mgr.Uninstall(ctx, args[0], cb)
		})
	}),
}

var cleanupPrune bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old package versions and stale downloads",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		out, err := a.mgr.Cleanup(ctx, cleanupPrune)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			out = "Nothing to clean up."
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}),
}

func init() {
	installedCmd.Flags().BoolVar(&installedBrief, "brief", false, "only names and versions, without catalog details")
	outdatedCmd.Flags().BoolVar(&outdatedGreedy, "greedy", false, "include casks that update themselves")
	cleanupCmd.Flags().BoolVar(&cleanupPrune, "prune", false, "remove every cached download, not only stale ones")
}

// listInstalled renders brew's plain listing, which skips the JSON info
// round trip.
func listInstalled(ctx context.Context, a *app, out io.Writer) error {
	pkgs, err := a.mgr.List(ctx)
	if err != nil {
		return err
	}
	if pkgs == nil {
		pkgs = []patching.InstalledPackage{}
	}
	return render(out, outputFormat, pkgs, func(w io.Writer) {
		if len(pkgs) == 0 {
			fmt.Fprintln(w, "Nothing installed.")
			return
		}
		fmt.Fprintln(w, "ID\tKIND\tVERSIONS")
		for _, p := range pkgs {
			versions := p.Versions
			if len(versions) == 0 {
				versions = []string{p.Version}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.ID, p.Kind, strings.Join(versions, ", "))
		}
	})
}

func packageOp(cmd *cobra.Command, verb, id string, fn func(patching.ProgressCallback) error) error {
	printer := newProgressPrinter(os.Stderr)
	err := fn(printer.brew)
	printer.done()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, id)
	return nil
}
