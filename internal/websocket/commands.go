package websocket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/catalog"
	"github.com/breeze-rmm/brewkit/internal/health"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/patching"
)

type commandHandler func(s *Server, ctx context.Context, c *session, cmd Command) CommandResult

var handlerRegistry = map[string]commandHandler{}

// inlineCommands run on the read goroutine instead of the worker pool.
var inlineCommands = map[string]bool{
	CmdUpgradeCancel: true,
	CmdStatus:        true,
}

func init() {
	handlerRegistry[CmdCatalogFetch] = handleCatalogFetch
	handlerRegistry[CmdSearch] = handleSearch
	handlerRegistry[CmdOutdated] = handleOutdated
	handlerRegistry[CmdInstalled] = handleInstalled
	handlerRegistry[CmdUpgradeBatch] = handleUpgradeBatch
	handlerRegistry[CmdUpgradeCancel] = handleUpgradeCancel
	handlerRegistry[CmdStatus] = handleStatus
}

// CatalogResult is the result of catalog.fetch and search.
type CatalogResult struct {
	Kind     brew.Kind      `json:"kind,omitempty"`
	Count    int            `json:"count"`
	Packages []brew.Package `json:"packages"`
}

// CancelResult is the result of upgrade.cancel.
type CancelResult struct {
	CommandID string `json:"commandId"`
	Cancelled bool   `json:"cancelled"`
}

// StatusResult is the result of status.
type StatusResult struct {
	CatalogBusy     bool           `json:"catalogBusy"`
	RunningBatches  []string       `json:"runningBatches"`
	RunningCommands int            `json:"runningCommands"`
	Clients         int            `json:"clients"`
	Health          health.Summary `json:"health"`
}

func (s *Server) dispatch(c *session, cmd Command) {
	log.Info("processing command", logging.KeyCommandID, cmd.ID, "commandType", cmd.Type)

	handler, ok := handlerRegistry[cmd.Type]
	if !ok {
		c.deliver(finish(cmd, time.Now(), failed(fmt.Errorf("unknown command type %q", cmd.Type))))
		return
	}
	if inlineCommands[cmd.Type] {
		start := time.Now()
		c.deliver(finish(cmd, start, handler(s, context.Background(), c, cmd)))
		return
	}

	ctx, cancel := context.WithCancel(s.pool.Context())
	if !s.track(cmd.ID, cancel) {
		cancel()
		c.deliver(finish(cmd, time.Now(), failed(fmt.Errorf("command %s is already running", cmd.ID))))
		return
	}
	submitted := s.pool.Submit(func(context.Context) {
		defer s.untrack(cmd.ID)
		defer cancel()
		start := time.Now()
		result := finish(cmd, start, handler(s, ctx, c, cmd))
		if err := c.deliver(result); err != nil {
			log.Warn("failed to send command result", logging.KeyCommandID, cmd.ID, logging.KeyError, err)
		}
	})
	if !submitted {
		s.untrack(cmd.ID)
		cancel()
		c.deliver(finish(cmd, time.Now(), failed(errors.New("command queue is full"))))
	}
}

func finish(cmd Command, start time.Time, result CommandResult) CommandResult {
	result.Type = FrameCommandResult
	result.CommandID = cmd.ID
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func completed(v any) CommandResult {
	return CommandResult{Status: StatusCompleted, Result: v}
}

func failed(err error) CommandResult {
	return CommandResult{
		Status:      StatusFailed,
		Error:       brewerr.UserMessage(err),
		Recoverable: brewerr.IsRecoverable(err),
	}
}

// catalogProgress forwards catalog progress for cmd to the client.
func catalogProgress(c *session, cmd Command) func(catalog.Progress) {
	return func(p catalog.Progress) {
		c.offer(ProgressFrame{Type: FrameProgress, CommandID: cmd.ID, Event: p})
	}
}

func handleCatalogFetch(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	kind := brew.Kind(GetPayloadString(cmd.Payload, "kind", string(brew.KindFormula)))
	if kind != brew.KindFormula && kind != brew.KindCask {
		return failed(fmt.Errorf("unknown catalog kind %q", kind))
	}
	pkgs, err := s.backend.Catalog(ctx, kind, catalogProgress(c, cmd))
	component := health.ComponentFormulae
	if kind == brew.KindCask {
		component = health.ComponentCasks
	}
	s.health.Observe(component, err)
	if err != nil {
		return failed(err)
	}
	return completed(CatalogResult{Kind: kind, Count: len(pkgs), Packages: pkgs})
}

func handleSearch(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	query := GetPayloadString(cmd.Payload, "query", "")
	if query == "" {
		return failed(errors.New("search query is empty"))
	}
	pkgs, err := s.backend.Search(ctx, query, catalogProgress(c, cmd))
	if err != nil {
		return failed(err)
	}
	return completed(CatalogResult{Count: len(pkgs), Packages: pkgs})
}

func handleOutdated(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	outdated, err := s.backend.Outdated(ctx, GetPayloadBool(cmd.Payload, "greedy", s.opts.Greedy))
	s.health.Observe(health.ComponentBrew, err)
	if err != nil {
		return failed(err)
	}
	if outdated == nil {
		outdated = []patching.OutdatedPackage{}
	}
	return completed(outdated)
}

func handleInstalled(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	pkgs, err := s.backend.Installed(ctx)
	s.health.Observe(health.ComponentBrew, err)
	if err != nil {
		return failed(err)
	}
	return completed(CatalogResult{Count: len(pkgs), Packages: pkgs})
}

// handleUpgradeBatch runs a batch under the command ID so upgrade.cancel can
// stop it.
func handleUpgradeBatch(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	opts := patching.BatchOptions{
		ID:              cmd.ID,
		ContinueOnError: GetPayloadBool(cmd.Payload, "continueOnError", s.opts.ContinueOnError),
		Prefetch:        GetPayloadBool(cmd.Payload, "prefetch", s.opts.Prefetch),
		Greedy:          GetPayloadBool(cmd.Payload, "greedy", s.opts.Greedy),
		OnStep: func(step patching.UpgradeStep) {
			c.offer(StepFrame{Type: FrameStep, CommandID: cmd.ID, Step: step})
		},
		OnProgress: func(ev patching.ProgressEvent) {
			c.offer(ProgressFrame{Type: FrameProgress, CommandID: cmd.ID, Event: ev})
		},
	}

	result := s.backend.UpgradeAll(ctx, opts)
	s.health.Observe(health.ComponentBrew, result.Err)
	if result.Success {
		return completed(result)
	}
	res := CommandResult{Status: StatusFailed, Result: result, Error: result.Error}
	if result.Err != nil {
		res.Recoverable = brewerr.IsRecoverable(result.Err)
	}
	return res
}

func handleUpgradeCancel(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	target := GetPayloadString(cmd.Payload, "commandId", "")
	if target == "" {
		return failed(errors.New("commandId is required"))
	}
	batch := s.backend.CancelBatch(target)
	running := s.cancel(target)
	log.Info("cancel requested", logging.KeyCommandID, target, "found", batch || running)
	return completed(CancelResult{CommandID: target, Cancelled: batch || running})
}

func handleStatus(s *Server, ctx context.Context, c *session, cmd Command) CommandResult {
	batches := s.backend.RunningBatches()
	if batches == nil {
		batches = []string{}
	}
	return completed(StatusResult{
		CatalogBusy:     s.backend.CatalogBusy(),
		RunningBatches:  batches,
		RunningCommands: s.runningCommands(),
		Clients:         s.logs.Subscribers(),
		Health:          s.health.Summary(),
	})
}
