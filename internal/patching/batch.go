package patching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/brewproc"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
)

const (
	msgCancelled     = "Cancelled by user"
	msgLockSkipped   = "Skipped due to brew lock error"
	msgPreviousError = "Skipped due to previous error"
)

// Upgrader is the subset of HomebrewProvider a batch needs.
type Upgrader interface {
	Update(ctx context.Context, onProgress func(brewproc.Event)) error
	Outdated(ctx context.Context, opts OutdatedOptions) ([]OutdatedPackage, error)
	Fetch(ctx context.Context, names []string, kind brew.Kind, onProgress func(brewproc.Event)) error
	Upgrade(ctx context.Context, id string, onProgress func(brewproc.Event)) error
}

// BatchOptions configures one Orchestrator.Run.
type BatchOptions struct {
	// ID names the run; empty generates one.
	ID              string
	ContinueOnError bool
	Prefetch        bool
	Greedy          bool
	// Preflight runs before the update step when set; a failure there fails
	// the update step.
	Preflight *PreflightOptions

	// OnStep receives a copy of a step after each change.
	OnStep     func(UpgradeStep)
	OnProgress ProgressCallback
}

// BatchResult is the outcome of a batch upgrade.
type BatchResult struct {
	ID         string        `json:"id"`
	Success    bool          `json:"success"`
	Steps      []UpgradeStep `json:"steps"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`

	// Err joins the errors of every failed step.
	Err error `json:"-"`
}

// Orchestrator runs the update, check, prefetch and per-package upgrade
// sequence against one Upgrader.
type Orchestrator struct {
	brew      Upgrader
	preflight func(ctx context.Context, opts PreflightOptions) PreflightResult
}

func NewOrchestrator(u Upgrader) *Orchestrator {
	return &Orchestrator{brew: u, preflight: RunPreflight}
}

// batch is the mutable state of one run. Only the Run goroutine touches it.
type batch struct {
	id    string
	opts  BatchOptions
	steps []*UpgradeStep
	log   *slog.Logger
}

// Run executes a batch upgrade. It never returns an error directly: every
// failure is recorded on the step it happened in and summarised in
// BatchResult.Err.
func (o *Orchestrator) Run(ctx context.Context, opts BatchOptions) BatchResult {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	b := &batch{id: id, opts: opts, log: logging.WithRun(log, id, "")}
	started := time.Now()
	b.log.Info("batch upgrade started", "greedy", opts.Greedy, "prefetch", opts.Prefetch, "continueOnError", opts.ContinueOnError)

	update := b.add(StepIDUpdate, "Update Homebrew", "")
	check := b.add(StepIDCheck, "Check for outdated packages", "")

	o.execute(ctx, b, update, check)

	result := b.result(started)
	b.log.Info("batch upgrade finished",
		"success", result.Success,
		"steps", len(result.Steps),
		logging.KeyDurationMs, result.FinishedAt.Sub(started).Milliseconds())
	return result
}

func (o *Orchestrator) execute(ctx context.Context, b *batch, update, check *UpgradeStep) {
	// 1. update; any failure is fatal.
	b.start(update)
	err := o.runPreflight(ctx, b.opts.Preflight)
	if err == nil {
		err = o.brew.Update(ctx, b.relay(update, 0, 0))
	}
	if err != nil {
		b.abort(update, err)
		return
	}
	b.complete(update, "Homebrew is up to date")

	// 2. check, without a second auto-update.
	if ctx.Err() != nil {
		b.skipPending(msgCancelled)
		return
	}
	b.start(check)
	outdated, err := o.brew.Outdated(ctx, OutdatedOptions{Greedy: b.opts.Greedy, SkipUpdate: true})
	if err != nil {
		b.abort(check, err)
		return
	}
	if len(outdated) == 0 {
		b.complete(check, "All packages are up to date")
		return
	}
	b.complete(check, fmt.Sprintf("%d outdated %s", len(outdated), plural(len(outdated), "package", "packages")))

	// 3. one step per package, behind an optional prefetch step.
	var prefetch *UpgradeStep
	if b.opts.Prefetch && len(outdated) > 1 {
		prefetch = b.add(StepIDPrefetch, "Download packages", fmt.Sprintf("%d packages", len(outdated)))
	}
	pkgSteps := make([]*UpgradeStep, 0, len(outdated))
	for _, pkg := range outdated {
		pkgSteps = append(pkgSteps, b.add(pkg.ID, pkg.Name, versionSubtitle(pkg)))
	}

	// 4. prefetch is best effort.
	if prefetch != nil && ctx.Err() == nil {
		o.prefetch(ctx, b, prefetch, outdated)
	}

	// 5. strictly sequential upgrades.
	lockHeld := false
	for i, step := range pkgSteps {
		if ctx.Err() != nil {
			b.skipPending(msgCancelled)
			return
		}
		if lockHeld {
			b.skip(step, msgLockSkipped)
			continue
		}

		b.start(step)
		err := o.brew.Upgrade(ctx, step.ID, b.relay(step, i+1, len(pkgSteps)))
		if err == nil {
			b.complete(step, "Upgraded to "+outdated[i].CurrentVersion)
			continue
		}
		if brewerr.IsCancelled(err) {
			b.skip(step, msgCancelled)
			b.skipPending(msgCancelled)
			return
		}

		b.fail(step, err)
		if brewerr.KindOf(err) == brewerr.KindLock {
			lockHeld = true
			continue
		}
		if !b.opts.ContinueOnError {
			b.skipPending(msgPreviousError)
			return
		}
	}
}

func (o *Orchestrator) runPreflight(ctx context.Context, opts *PreflightOptions) error {
	if opts == nil {
		return nil
	}
	return o.preflight(ctx, *opts).FirstError()
}

// prefetch downloads every outdated package up front with brew's parallel
// downloader, formulae and casks in separate calls. Failure only marks the
// step skipped.
func (o *Orchestrator) prefetch(ctx context.Context, b *batch, step *UpgradeStep, outdated []OutdatedPackage) {
	var formulae, casks []string
	for _, pkg := range outdated {
		if pkg.Kind == brew.KindCask {
			casks = append(casks, pkg.Name)
		} else {
			formulae = append(formulae, pkg.Name)
		}
	}

	b.start(step)
	onProgress := b.relay(step, 0, 0)
	var errs []error
	if err := o.brew.Fetch(ctx, formulae, brew.KindFormula, onProgress); err != nil {
		errs = append(errs, fmt.Errorf("formulae: %w", err))
	}
	if err := o.brew.Fetch(ctx, casks, brew.KindCask, onProgress); err != nil {
		errs = append(errs, fmt.Errorf("casks: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		b.log.Warn("prefetch failed, continuing with upgrades", logging.KeyError, err)
		b.skip(step, "Prefetch failed: "+brewerr.UserMessage(err))
		return
	}
	b.complete(step, fmt.Sprintf("Downloaded %d packages", len(outdated)))
}

func (b *batch) add(id, title, subtitle string) *UpgradeStep {
	step := &UpgradeStep{ID: id, Title: title, Subtitle: subtitle, Status: StepPending}
	b.steps = append(b.steps, step)
	return step
}

// transition moves step to next, refusing any move that is not forward.
func (b *batch) transition(step *UpgradeStep, next StepStatus, message string) bool {
	if !step.Status.canMoveTo(next) {
		b.log.Warn("ignoring backward step transition", logging.KeyStepID, step.ID, "from", step.Status, "to", next)
		return false
	}
	now := time.Now()
	step.Status = next
	if message != "" {
		step.Message = message
	}
	if next == StepRunning {
		step.StartTime = &now
	}
	if next.Terminal() {
		step.EndTime = &now
		metrics.UpgradeSteps.WithLabelValues(string(next)).Inc()
	}
	b.notify(step)
	return true
}

func (b *batch) start(step *UpgradeStep) {
	b.transition(step, StepRunning, "")
}

func (b *batch) complete(step *UpgradeStep, message string) {
	b.transition(step, StepCompleted, message)
}

func (b *batch) skip(step *UpgradeStep, message string) {
	b.transition(step, StepSkipped, message)
}

func (b *batch) fail(step *UpgradeStep, err error) {
	step.err = err
	step.Error = err.Error()
	step.Recoverable = brewerr.IsRecoverable(err)
	if b.transition(step, StepFailed, brewerr.UserMessage(err)) {
		b.log.Warn("step failed", logging.KeyStepID, step.ID, "kind", brewerr.KindOf(err), logging.KeyError, err)
	}
}

// abort ends the batch at step: a cancellation skips it, anything else
// fails it, and every pending step is skipped.
func (b *batch) abort(step *UpgradeStep, err error) {
	if brewerr.IsCancelled(err) {
		b.skip(step, msgCancelled)
		b.skipPending(msgCancelled)
		return
	}
	b.fail(step, err)
	b.skipPending(msgPreviousError)
}

func (b *batch) skipPending(message string) {
	for _, step := range b.steps {
		if step.Status == StepPending {
			b.skip(step, message)
		}
	}
}

func (b *batch) notify(step *UpgradeStep) {
	if b.opts.OnStep != nil {
		b.opts.OnStep(*step)
	}
}

// relay records the current phase on step and forwards brew progress.
func (b *batch) relay(step *UpgradeStep, item, total int) func(brewproc.Event) {
	forward := b.opts.OnProgress.relay(b.id, step.ID, item, total)
	return func(ev brewproc.Event) {
		if ev.Phase != "" && ev.Phase != step.CurrentPhase {
			step.CurrentPhase = ev.Phase
			b.notify(step)
		}
		if forward != nil {
			forward(ev)
		}
	}
}

func (b *batch) result(started time.Time) BatchResult {
	res := BatchResult{
		ID:         b.id,
		Success:    true,
		Steps:      make([]UpgradeStep, 0, len(b.steps)),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	var errs []error
	for _, step := range b.steps {
		res.Steps = append(res.Steps, *step)
		if step.Status == StepFailed {
			res.Success = false
			errs = append(errs, fmt.Errorf("%s: %w", step.ID, step.err))
		}
	}
	res.Err = errors.Join(errs...)
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	return res
}

func versionSubtitle(pkg OutdatedPackage) string {
	if len(pkg.InstalledVersions) == 0 {
		return pkg.CurrentVersion
	}
	return strings.Join(pkg.InstalledVersions, ", ") + " → " + pkg.CurrentVersion
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
