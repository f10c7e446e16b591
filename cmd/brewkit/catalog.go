package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/brewkit/internal/brew"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the cached formula and cask catalogs",
}

var catalogFetchCmd = &cobra.Command{
	Use:       "fetch [formula|cask]",
	Short:     "Load a catalog, downloading it when the cache is stale",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(brew.KindFormula), string(brew.KindCask)},
	RunE:      run(catalogFetch),
}

var catalogRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Re-check both catalogs against the server",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		printer := newProgressPrinter(os.Stderr)
		defer printer.done()
		return a.mgr.RefreshCatalogs(ctx, printer.catalog)
	}),
}

var catalogClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete both cached catalogs",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if err := a.mgr.ClearCatalogs(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Catalog cache cleared.")
		return nil
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search QUERY",
	Short: "Search formulae and casks by name or description",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		if searchOffline {
			pkgs, err := a.mgr.SearchCached(args[0])
			if err != nil {
				return err
			}
			return renderPackages(cmd.OutOrStdout(), pkgs)
		}
		printer := newProgressPrinter(os.Stderr)
		pkgs, err := a.mgr.Search(ctx, args[0], printer.catalog)
		printer.done()
		if err != nil {
			return err
		}
		return renderPackages(cmd.OutOrStdout(), pkgs)
	}),
}

var searchOffline bool

var infoCmd = &cobra.Command{
	Use:   "info ID",
	Short: "Show details of a formula, or a cask as cask:TOKEN",
	Args:  cobra.ExactArgs(1),
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		pkg, err := a.mgr.Info(ctx, args[0])
		if err != nil {
			return err
		}
		return render(cmd.OutOrStdout(), outputFormat, pkg, func(w io.Writer) {
			describePackage(w, pkg)
		})
	}),
}

func init() {
	catalogCmd.AddCommand(catalogFetchCmd)
	catalogCmd.AddCommand(catalogRefreshCmd)
	catalogCmd.AddCommand(catalogClearCmd)
	searchCmd.Flags().BoolVar(&searchOffline, "offline", false, "search only the catalogs already cached on disk")
}

func catalogFetch(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
	kinds := []brew.Kind{brew.KindFormula, brew.KindCask}
	if len(args) == 1 {
		kind := brew.Kind(strings.ToLower(args[0]))
		if kind != brew.KindFormula && kind != brew.KindCask {
			return fmt.Errorf("unknown catalog %q (use formula or cask)", args[0])
		}
		kinds = []brew.Kind{kind}
	}

	printer := newProgressPrinter(os.Stderr)
	defer printer.done()

	counts := make(map[brew.Kind]int, len(kinds))
	for _, kind := range kinds {
		done := false
		for u := range a.mgr.StreamCatalog(ctx, kind) {
			if !u.Done {
				printer.catalog(u.Progress)
				continue
			}
			if u.Err != nil {
				return fmt.Errorf("fetch %s catalog: %w", kind, u.Err)
			}
			done = true
			counts[kind] = len(u.Items)
		}
		if !done {
			return fmt.Errorf("fetch %s catalog: %w", kind, ctx.Err())
		}
	}

	return render(cmd.OutOrStdout(), outputFormat, counts, func(w io.Writer) {
		fmt.Fprintln(w, "CATALOG\tPACKAGES")
		for _, kind := range kinds {
			fmt.Fprintf(w, "%s\t%d\n", kind, counts[kind])
		}
	})
}

func renderPackages(out io.Writer, pkgs []brew.Package) error {
	if pkgs == nil {
		pkgs = []brew.Package{}
	}
	return render(out, outputFormat, pkgs, func(w io.Writer) {
		if len(pkgs) == 0 {
			fmt.Fprintln(w, "No packages found.")
			return
		}
		fmt.Fprintln(w, "ID\tVERSION\tINSTALLED\tDESCRIPTION")
		for _, p := range pkgs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID(), p.Version(), dash(p.InstalledVersion()), truncate(p.Desc(), 60))
		}
	})
}

// describePackage prints one package as aligned key/value rows.
func describePackage(w io.Writer, p brew.Package) {
	rows := [][2]string{
		{"ID", p.ID()},
		{"Name", p.DisplayName()},
		{"Kind", string(p.Kind)},
		{"Version", p.Version()},
		{"Installed", dash(p.InstalledVersion())},
		{"Outdated", yesNo(p.Outdated())},
		{"Disabled", yesNo(p.Disabled())},
		{"Homepage", dash(p.Homepage())},
		{"Description", dash(p.Desc())},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
