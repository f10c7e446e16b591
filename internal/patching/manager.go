package patching

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/brewproc"
	"github.com/breeze-rmm/brewkit/internal/catalog"
	"github.com/breeze-rmm/brewkit/internal/config"
	"github.com/breeze-rmm/brewkit/internal/freshness"
	"github.com/breeze-rmm/brewkit/internal/history"
	"github.com/breeze-rmm/brewkit/internal/httputil"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/progress"
	"github.com/breeze-rmm/brewkit/internal/workerpool"
)

// Manager is the single entry point used by the CLI and the local server:
// catalogs, installed state, and every brew operation. Mutating brew
// commands are serialized; brew does not allow two at once.
type Manager struct {
	brew         *HomebrewProvider
	orchestrator *Orchestrator
	preflight    PreflightOptions

	formulae   *catalog.Manager[brew.Formula]
	casks      *catalog.Manager[brew.Cask]
	formulaRes catalog.Resource
	caskRes    catalog.Resource
	installed  *InstalledCache
	pool       *workerpool.Pool

	journal     *history.Journal
	historyPath string

	// busy holds a token while a mutating brew command runs.
	busy chan struct{}

	mu      sync.Mutex
	batches map[string]context.CancelFunc
}

// NewRunner builds the brew process runner described by cfg.
func NewRunner(cfg *config.Config) *brewproc.Runner {
	phases := make(map[brewproc.Phase]time.Duration)
	for name, d := range cfg.PhaseTimeoutDurations() {
		phases[brewproc.Phase(name)] = d
	}
	return &brewproc.Runner{
		StaleTimeout:         cfg.StaleTimeout(),
		DownloadStaleTimeout: cfg.DownloadStaleTimeout(),
		PhaseTimeouts:        phases,
		CheckInterval:        cfg.WatchdogInterval(),
	}
}

// NewManager locates brew and wires a Manager from cfg.
func NewManager(cfg *config.Config) (*Manager, error) {
	brewPath := cfg.BrewPath
	if brewPath == "" {
		path, err := brewBinaryPath()
		if err != nil {
			return nil, err
		}
		brewPath = path
	}
	return NewManagerWithRunner(cfg, NewRunner(cfg), brewPath), nil
}

// NewManagerWithRunner wires a Manager that runs brewPath through runner.
func NewManagerWithRunner(cfg *config.Config, runner CommandRunner, brewPath string) *Manager {
	client := &http.Client{}
	oracle := freshness.New(client)
	pool := workerpool.New("revalidate", cfg.RevalidateWorkers, cfg.RevalidateWorkers*2)
	opts := catalog.Options{
		Client:           client,
		Retry:            httputil.RetryConfig{MaxRetries: cfg.MaxRetries, BaseDelay: cfg.RetryBaseDelay()},
		ProgressInterval: cfg.ProgressInterval(),
		Oracle:           oracle,
		Pool:             pool,
	}

	prefix := cfg.HomebrewPrefix
	if prefix == "" {
		prefix = config.DefaultHomebrewPrefix()
	}

	historyPath := filepath.Join(cfg.CacheDir, "history.jsonl")
	journal, err := history.Open(historyPath, 0, 0)
	if err != nil {
		log.Warn("upgrade history disabled", "path", historyPath, logging.KeyError, err)
	}

	provider := NewHomebrewProvider(runner, brewPath)
	log.Debug("manager ready", "brew", provider.BrewPath(), "cacheDir", cfg.CacheDir)
	return &Manager{
		brew:         provider,
		orchestrator: NewOrchestrator(provider),
		preflight:    PreflightOptionsFromConfig(cfg),
		formulae:     catalog.NewManager[brew.Formula](opts),
		casks:        catalog.NewManager[brew.Cask](opts),
		formulaRes:   catalog.FormulaResource(cfg.CacheDir, cfg.FormulaURL),
		caskRes:      catalog.CaskResource(cfg.CacheDir, cfg.CaskURL),
		installed:    NewInstalledCache(provider, filepath.Join(cfg.CacheDir, "installed.json"), prefix, oracle),
		pool:         pool,
		journal:      journal,
		historyPath:  historyPath,
		busy:         make(chan struct{}, 1),
		batches:      make(map[string]context.CancelFunc),
	}
}

// Close stops background revalidation, waiting for running work until ctx
// is done.
func (m *Manager) Close(ctx context.Context) {
	m.pool.Shutdown(ctx)
	if err := m.journal.Close(); err != nil {
		log.Warn("failed to close upgrade history", logging.KeyError, err)
	}
}

// History returns the newest limit entries of the upgrade history, oldest
// first, and whether their hash chain verifies.
func (m *Manager) History(limit int) ([]history.Entry, error) {
	entries, err := history.Read(m.historyPath, limit)
	if err != nil {
		return entries, err
	}
	return entries, history.Verify(entries)
}

// Formulae returns the formula catalog.
func (m *Manager) Formulae(ctx context.Context, onProgress progress.Func[catalog.Progress]) ([]brew.Formula, error) {
	return m.formulae.Fetch(ctx, m.formulaRes, onProgress)
}

// Casks returns the cask catalog.
func (m *Manager) Casks(ctx context.Context, onProgress progress.Func[catalog.Progress]) ([]brew.Cask, error) {
	return m.casks.Fetch(ctx, m.caskRes, onProgress)
}

// Catalog returns one catalog as packages.
func (m *Manager) Catalog(ctx context.Context, kind brew.Kind, onProgress progress.Func[catalog.Progress]) ([]brew.Package, error) {
	if kind == brew.KindCask {
		casks, err := m.Casks(ctx, onProgress)
		return wrapCasks(casks), err
	}
	formulae, err := m.Formulae(ctx, onProgress)
	return wrapFormulae(formulae), err
}

// StreamCatalog is Catalog delivered as a channel of progress updates that
// ends with a Done update carrying the packages. The channel is closed after
// the Done update or when ctx is done.
func (m *Manager) StreamCatalog(ctx context.Context, kind brew.Kind) <-chan catalog.Update[brew.Package] {
	if kind == brew.KindCask {
		return mapUpdates(ctx, m.casks.Stream(ctx, m.caskRes), wrapCasks)
	}
	return mapUpdates(ctx, m.formulae.Stream(ctx, m.formulaRes), wrapFormulae)
}

func mapUpdates[T any](ctx context.Context, in <-chan catalog.Update[T], wrap func([]T) []brew.Package) <-chan catalog.Update[brew.Package] {
	out := make(chan catalog.Update[brew.Package], cap(in))
	go func() {
		defer close(out)
		for u := range in {
			next := catalog.Update[brew.Package]{Progress: u.Progress, Err: u.Err, Done: u.Done}
			if u.Done {
				next.Items = wrap(u.Items)
			}
			select {
			case out <- next:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// CachedCatalog returns a catalog from memory or disk without contacting
// the network. ok is false when it has never been downloaded.
func (m *Manager) CachedCatalog(kind brew.Kind) (pkgs []brew.Package, ok bool, err error) {
	if kind == brew.KindCask {
		casks, ok, err := m.casks.Cached(m.caskRes)
		return wrapCasks(casks), ok, err
	}
	formulae, ok, err := m.formulae.Cached(m.formulaRes)
	return wrapFormulae(formulae), ok, err
}

// RefreshCatalogs re-checks both catalogs against the server and reloads
// whichever changed.
func (m *Manager) RefreshCatalogs(ctx context.Context, onProgress progress.Func[catalog.Progress]) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := m.formulae.Refresh(gctx, m.formulaRes, onProgress)
		return err
	})
	g.Go(func() error {
		_, err := m.casks.Refresh(gctx, m.caskRes, onProgress)
		return err
	})
	return g.Wait()
}

// RevalidateCatalogs schedules a background refresh of both catalogs.
func (m *Manager) RevalidateCatalogs() {
	m.formulae.Revalidate(m.formulaRes, nil)
	m.casks.Revalidate(m.caskRes, nil)
}

// ClearCatalogs drops both catalogs from memory and disk.
func (m *Manager) ClearCatalogs() error {
	if err := m.formulae.Clear(m.formulaRes); err != nil {
		return err
	}
	if err := m.casks.Clear(m.caskRes); err != nil {
		return err
	}
	m.journal.Record(history.Entry{Event: history.EventCatalogClear})
	return nil
}

// CatalogBusy reports whether either catalog is being fetched.
func (m *Manager) CatalogBusy() bool {
	return m.formulae.InFlight(m.formulaRes) || m.casks.InFlight(m.caskRes)
}

// Search loads both catalogs concurrently and returns the packages
// matching query, sorted by ID.
func (m *Manager) Search(ctx context.Context, query string, onProgress progress.Func[catalog.Progress]) ([]brew.Package, error) {
	var formulae []brew.Formula
	var casks []brew.Cask
	// Both fetches report through one callback.
	var mu sync.Mutex
	emit := func(p catalog.Progress) {
		mu.Lock()
		defer mu.Unlock()
		onProgress.Emit(p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		formulae, err = m.formulae.Fetch(gctx, m.formulaRes, emit)
		return err
	})
	g.Go(func() error {
		var err error
		casks, err = m.casks.Fetch(gctx, m.caskRes, emit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return filterSorted(append(wrapFormulae(formulae), wrapCasks(casks)...), query), nil
}

// SearchCached is Search over the catalogs already on disk. It never
// downloads, so a catalog that was never fetched contributes nothing.
func (m *Manager) SearchCached(query string) ([]brew.Package, error) {
	var all []brew.Package
	for _, kind := range []brew.Kind{brew.KindFormula, brew.KindCask} {
		pkgs, ok, err := m.CachedCatalog(kind)
		if err != nil {
			return nil, fmt.Errorf("read cached %s catalog: %w", kind, err)
		}
		if !ok {
			log.Info("catalog not cached, skipping", "kind", kind)
			continue
		}
		all = append(all, pkgs...)
	}
	return filterSorted(all, query), nil
}

func filterSorted(pkgs []brew.Package, query string) []brew.Package {
	var matches []brew.Package
	for _, p := range pkgs {
		if p.Matches(query) {
			matches = append(matches, p)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID() < matches[j].ID() })
	return matches
}

// Info returns brew's record of one package.
func (m *Manager) Info(ctx context.Context, id string) (brew.Package, error) {
	return m.brew.Info(ctx, id)
}

// Installed returns every installed package, cached until Homebrew's
// install state changes.
func (m *Manager) Installed(ctx context.Context) ([]brew.Package, error) {
	return m.installed.Get(ctx)
}

// List returns installed package names and versions.
func (m *Manager) List(ctx context.Context) ([]InstalledPackage, error) {
	return m.brew.ListAll(ctx)
}

// Outdated lists packages with newer versions available.
func (m *Manager) Outdated(ctx context.Context, greedy bool) ([]OutdatedPackage, error) {
	return m.brew.Outdated(ctx, OutdatedOptions{Greedy: greedy})
}

// Install installs one package.
func (m *Manager) Install(ctx context.Context, id string, onProgress ProgressCallback) error {
	err := m.mutate(ctx, func() error {
		return m.brew.Install(ctx, id, onProgress.relay("", id, 1, 1))
	})
	m.recordPackage(history.EventInstall, id, err)
	return err
}

// Upgrade upgrades one package.
func (m *Manager) Upgrade(ctx context.Context, id string, onProgress ProgressCallback) error {
	err := m.mutate(ctx, func() error {
		return m.brew.Upgrade(ctx, id, onProgress.relay("", id, 1, 1))
	})
	m.recordPackage(history.EventUpgrade, id, err)
	return err
}

// Uninstall removes one package.
func (m *Manager) Uninstall(ctx context.Context, id string, onProgress ProgressCallback) error {
	err := m.mutate(ctx, func() error {
		return m.brew.Uninstall(ctx, id, onProgress.relay("", id, 1, 1))
	})
	m.recordPackage(history.EventUninstall, id, err)
	return err
}

// Cleanup removes old versions and, with prune, every cached download.
func (m *Manager) Cleanup(ctx context.Context, prune bool) (string, error) {
	var out string
	err := m.mutate(ctx, func() error {
		var err error
		out, err = m.brew.Cleanup(ctx, prune, nil)
		return err
	})
	m.journal.Record(history.Entry{
		Event:   history.EventCleanup,
		Status:  outcome(err),
		Details: map[string]any{"prune": prune},
	})
	return out, err
}

// UpgradeAll runs a batch upgrade. The run can be stopped with CancelBatch
// using the ID in opts, which is generated when empty. Preflight checks
// from the config are applied unless opts sets its own.
func (m *Manager) UpgradeAll(ctx context.Context, opts BatchOptions) BatchResult {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Preflight == nil {
		pf := m.preflight
		opts.Preflight = &pf
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.batches[opts.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.batches, opts.ID)
		m.mu.Unlock()
	}()

	var result BatchResult
	err := m.mutate(ctx, func() error {
		m.journal.Record(history.Entry{
			Event: history.EventBatchStarted,
			RunID: opts.ID,
			Details: map[string]any{
				"greedy":          opts.Greedy,
				"prefetch":        opts.Prefetch,
				"continueOnError": opts.ContinueOnError,
			},
		})
		result = m.orchestrator.Run(ctx, opts)
		m.recordBatch(result)
		return nil
	})
	if err != nil {
		return BatchResult{ID: opts.ID, Err: err, Error: err.Error()}
	}
	return result
}

// CancelBatch requests cancellation of a running batch. It reports whether
// a batch with that ID was running.
func (m *Manager) CancelBatch(id string) bool {
	m.mu.Lock()
	cancel, ok := m.batches[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// RunningBatches lists the IDs of batches in progress.
func (m *Manager) RunningBatches() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.batches))
	for id := range m.batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mutate runs fn while holding the brew mutation token, then invalidates
// the installed cache.
func (m *Manager) mutate(ctx context.Context, fn func() error) error {
	select {
	case m.busy <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for brew: %w", brewerr.ErrCancelled)
	}
	defer func() { <-m.busy }()

	err := fn()
	if invErr := m.installed.Invalidate(); invErr != nil {
		log.Warn("failed to invalidate installed cache", logging.KeyError, invErr)
	}
	return err
}

func (m *Manager) recordPackage(event, id string, err error) {
	e := history.Entry{Event: event, Package: id, Status: outcome(err)}
	if err != nil {
		e.Details = map[string]any{"error": err.Error(), "kind": string(brewerr.KindOf(err))}
	}
	m.journal.Record(e)
}

// recordBatch journals every package step that ran and the batch outcome.
func (m *Manager) recordBatch(result BatchResult) {
	var upgraded, failed, skipped int
	for _, step := range result.Steps {
		switch step.ID {
		case StepIDUpdate, StepIDCheck, StepIDPrefetch:
			continue
		}
		switch step.Status {
		case StepCompleted:
			upgraded++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		default:
			continue
		}
		e := history.Entry{
			Event:   history.EventStepFinished,
			RunID:   result.ID,
			Package: step.ID,
			Status:  string(step.Status),
			Details: map[string]any{"durationMs": step.Duration().Milliseconds()},
		}
		if step.Message != "" {
			e.Details["message"] = step.Message
		}
		m.journal.Record(e)
	}

	status := "completed"
	if !result.Success {
		status = "failed"
	}
	m.journal.Record(history.Entry{
		Event:  history.EventBatchFinished,
		RunID:  result.ID,
		Status: status,
		Details: map[string]any{
			"upgraded":   upgraded,
			"failed":     failed,
			"skipped":    skipped,
			"durationMs": result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		},
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case brewerr.IsCancelled(err):
		return "cancelled"
	default:
		return "failed"
	}
}

func wrapFormulae(fs []brew.Formula) []brew.Package {
	out := make([]brew.Package, 0, len(fs))
	for _, f := range fs {
		out = append(out, brew.NewFormula(f))
	}
	return out
}

func wrapCasks(cs []brew.Cask) []brew.Package {
	out := make([]brew.Package, 0, len(cs))
	for _, c := range cs {
		out = append(out, brew.NewCask(c))
	}
	return out
}
