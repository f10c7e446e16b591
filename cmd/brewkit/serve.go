package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/websocket"
)

var (
	serveListen   string
	serveLogLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve catalog, outdated and upgrade commands to local UI clients over a websocket",
	Args:  cobra.NoArgs,
	RunE: run(func(ctx context.Context, a *app, cmd *cobra.Command, args []string) error {
		addr := serveListen
		if !cmd.Flags().Changed("listen") && a.cfg.ListenAddr != "" {
			addr = a.cfg.ListenAddr
		}

		srv := websocket.New(a.mgr, websocket.Options{
			Workers:         a.cfg.MaxConcurrentCommands,
			QueueSize:       a.cfg.CommandQueueSize,
			LogLevel:        logging.ParseLevel(serveLogLevel),
			ContinueOnError: a.cfg.ContinueOnError,
			Prefetch:        a.cfg.Prefetch,
			Greedy:          a.cfg.Greedy,
		})

		// Warm the catalogs so the first client request is served from memory.
		a.mgr.RevalidateCatalogs()

		log.Info("starting server", "addr", addr, "forwardLevel", logging.ParseLevel(serveLogLevel).String())
		return srv.ListenAndServe(ctx, addr)
	}),
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "127.0.0.1:7788", "address to listen on")
	serveCmd.Flags().StringVar(&serveLogLevel, "forward-log-level", "warn", "lowest log level mirrored to clients")
}
