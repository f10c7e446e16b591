package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/brewkit/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent upgrades and package changes",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		entries, err := a.mgr.History(historyLimit)
		var chainErr *history.ChainError
		if errors.As(err, &chainErr) {
			log.Warn("upgrade history failed verification", "entry", chainErr.Index, "reason", chainErr.Reason)
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: history may have been edited: %v\n", chainErr)
		} else if err != nil {
			return err
		}
		if entries == nil {
			entries = []history.Entry{}
		}
		return render(cmd.OutOrStdout(), outputFormat, entries, func(w io.Writer) {
			if len(entries) == 0 {
				fmt.Fprintln(w, "No history recorded yet.")
				return
			}
			fmt.Fprintln(w, "TIME\tEVENT\tRUN\tPACKAGE\tSTATUS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", historyTime(e.Time), e.Event, dash(e.RunID), dash(e.Package), dash(e.Status))
			}
		})
	}),
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of entries to show, 0 for all")
}

// historyTime renders an entry timestamp in local time.
func historyTime(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
