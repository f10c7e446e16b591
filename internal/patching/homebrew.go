package patching

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/brewproc"
	"github.com/breeze-rmm/brewkit/internal/logging"
)

var log = logging.L("patching")

// CommandRunner runs a brew subprocess. *brewproc.Runner implements it.
type CommandRunner interface {
	Run(ctx context.Context, c brewproc.Command) (brewproc.Result, error)
}

// HomebrewProvider drives the brew CLI.
type HomebrewProvider struct {
	runner   CommandRunner
	brewPath string
	env      []string

	// DownloadConcurrency is passed to `brew fetch` as
	// HOMEBREW_DOWNLOAD_CONCURRENCY; empty means "auto".
	DownloadConcurrency string
}

// NewHomebrewProvider creates a provider that runs brewPath through runner.
func NewHomebrewProvider(runner CommandRunner, brewPath string) *HomebrewProvider {
	home, _ := os.UserHomeDir()
	return &HomebrewProvider{
		runner:   runner,
		brewPath: brewPath,
		env:      brewEnv(brewPath, home),
	}
}

// BrewPath is the brew executable this provider runs.
func (h *HomebrewProvider) BrewPath() string {
	return h.brewPath
}

type invocation struct {
	args       []string
	pkg        string
	env        map[string]string
	onProgress func(brewproc.Event)
}

func (h *HomebrewProvider) run(ctx context.Context, inv invocation) (brewproc.Result, error) {
	if ctx.Err() != nil {
		return brewproc.Result{}, fmt.Errorf("brew %s: %w", inv.args[0], brewerr.ErrCancelled)
	}
	env := h.env
	for k, v := range inv.env {
		env = setEnv(env, k, v)
	}
	res, err := h.runner.Run(ctx, brewproc.Command{
		Path:       h.brewPath,
		Args:       inv.args,
		Env:        env,
		OnProgress: inv.onProgress,
	})
	if err != nil {
		return res, brewerr.FromCommandOutput(inv.pkg, err, res.Stderr)
	}
	return res, nil
}

// Update runs `brew update`.
func (h *HomebrewProvider) Update(ctx context.Context, onProgress func(brewproc.Event)) error {
	_, err := h.run(ctx, invocation{args: []string{"update"}, onProgress: onProgress})
	return err
}

// OutdatedOptions controls `brew outdated`.
type OutdatedOptions struct {
	// Greedy includes casks that update themselves.
	Greedy bool
	// SkipUpdate stops brew from running its implicit auto-update first.
	SkipUpdate bool
}

// Outdated lists packages with newer versions available.
func (h *HomebrewProvider) Outdated(ctx context.Context, opts OutdatedOptions) ([]OutdatedPackage, error) {
	args := []string{"outdated", "--json=v2"}
	if opts.Greedy {
		args = append(args, "--greedy")
	}
	inv := invocation{args: args}
	if opts.SkipUpdate {
		inv.env = map[string]string{"HOMEBREW_NO_AUTO_UPDATE": "1"}
	}
	res, err := h.run(ctx, inv)
	if err != nil {
		return nil, err
	}

	var report brewOutdatedReport
	if err := json.Unmarshal([]byte(res.Stdout), &report); err != nil {
		return nil, fmt.Errorf("brew outdated json failed: %w", err)
	}

	outdated := make([]OutdatedPackage, 0, len(report.Formulae)+len(report.Casks))
	for _, f := range report.Formulae {
		outdated = append(outdated, f.toPackage(brew.KindFormula))
	}
	for _, c := range report.Casks {
		outdated = append(outdated, c.toPackage(brew.KindCask))
	}
	return outdated, nil
}

// Upgrade upgrades a formula or cask by package ID.
func (h *HomebrewProvider) Upgrade(ctx context.Context, id string, onProgress func(brewproc.Event)) error {
	return h.packageCommand(ctx, "upgrade", id, onProgress)
}

// Install installs a formula or cask by package ID.
func (h *HomebrewProvider) Install(ctx context.Context, id string, onProgress func(brewproc.Event)) error {
	return h.packageCommand(ctx, "install", id, onProgress)
}

// Uninstall removes a formula or cask by package ID.
func (h *HomebrewProvider) Uninstall(ctx context.Context, id string, onProgress func(brewproc.Event)) error {
	return h.packageCommand(ctx, "uninstall", id, onProgress)
}

func (h *HomebrewProvider) packageCommand(ctx context.Context, sub, id string, onProgress func(brewproc.Event)) error {
	name, kind := brew.ParseID(id)
	if name == "" {
		return fmt.Errorf("brew %s: package ID is required", sub)
	}
	args := []string{sub}
	if kind == brew.KindCask {
		args = append(args, "--cask")
	}
	args = append(args, name)

	_, err := h.run(ctx, invocation{args: args, pkg: name, onProgress: onProgress})
	if err != nil {
		return fmt.Errorf("brew %s %s failed: %w", sub, id, err)
	}
	return nil
}

// Fetch downloads the artifacts of names, all of one kind, using brew's own
// parallel downloader.
func (h *HomebrewProvider) Fetch(ctx context.Context, names []string, kind brew.Kind, onProgress func(brewproc.Event)) error {
	if len(names) == 0 {
		return nil
	}
	args := []string{"fetch"}
	if kind == brew.KindCask {
		args = append(args, "--cask")
	}
	args = append(args, names...)

	concurrency := h.DownloadConcurrency
	if concurrency == "" {
		concurrency = "auto"
	}
	_, err := h.run(ctx, invocation{
		args:       args,
		env:        map[string]string{"HOMEBREW_DOWNLOAD_CONCURRENCY": concurrency},
		onProgress: onProgress,
	})
	return err
}

// Cleanup runs `brew cleanup`, removing every cached download when prune
// is set, and returns brew's output.
func (h *HomebrewProvider) Cleanup(ctx context.Context, prune bool, onProgress func(brewproc.Event)) (string, error) {
	args := []string{"cleanup"}
	if prune {
		args = append(args, "--prune=all")
	}
	res, err := h.run(ctx, invocation{args: args, onProgress: onProgress})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Info returns the full record of one package.
func (h *HomebrewProvider) Info(ctx context.Context, id string) (brew.Package, error) {
	name, kind := brew.ParseID(id)
	args := []string{"info", "--json=v2"}
	if kind == brew.KindCask {
		args = append(args, "--cask")
	}
	args = append(args, name)

	pkgs, err := h.info(ctx, name, args)
	if err != nil {
		return brew.Package{}, err
	}
	for _, p := range pkgs {
		if p.Kind == kind {
			return p, nil
		}
	}
	return brew.Package{}, fmt.Errorf("brew info %s: no such %s", name, kind)
}

// InstalledInfo returns the full records of every installed package.
func (h *HomebrewProvider) InstalledInfo(ctx context.Context) ([]brew.Package, error) {
	return h.info(ctx, "", []string{"info", "--json=v2", "--installed"})
}

func (h *HomebrewProvider) info(ctx context.Context, pkg string, args []string) ([]brew.Package, error) {
	res, err := h.run(ctx, invocation{args: args, pkg: pkg})
	if err != nil {
		return nil, err
	}
	var report brewInfoReport
	if err := json.Unmarshal([]byte(res.Stdout), &report); err != nil {
		return nil, fmt.Errorf("brew info json failed: %w", err)
	}
	pkgs := make([]brew.Package, 0, len(report.Formulae)+len(report.Casks))
	for _, f := range report.Formulae {
		pkgs = append(pkgs, brew.NewFormula(f))
	}
	for _, c := range report.Casks {
		pkgs = append(pkgs, brew.NewCask(c))
	}
	return pkgs, nil
}

// List returns installed packages of one kind with their versions.
func (h *HomebrewProvider) List(ctx context.Context, kind brew.Kind) ([]InstalledPackage, error) {
	flag := "--formula"
	if kind == brew.KindCask {
		flag = "--cask"
	}
	res, err := h.run(ctx, invocation{args: []string{"list", flag, "--versions"}})
	if err != nil {
		return nil, err
	}
	return parseBrewList(res.Stdout, kind), nil
}

// ListAll lists installed formulae and casks concurrently.
func (h *HomebrewProvider) ListAll(ctx context.Context) ([]InstalledPackage, error) {
	var formulae, casks []InstalledPackage
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		formulae, err = h.List(gctx, brew.KindFormula)
		return err
	})
	g.Go(func() error {
		var err error
		casks, err = h.List(gctx, brew.KindCask)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(formulae, casks...), nil
}

type brewOutdatedReport struct {
	Formulae []brewOutdatedEntry `json:"formulae"`
	Casks    []brewOutdatedEntry `json:"casks"`
}

type brewOutdatedEntry struct {
	Name             string   `json:"name"`
	InstalledVersion []string `json:"installed_versions"`
	CurrentVersion   string   `json:"current_version"`
	Pinned           bool     `json:"pinned"`
}

func (e brewOutdatedEntry) toPackage(kind brew.Kind) OutdatedPackage {
	return OutdatedPackage{
		ID:                brew.ID(kind, e.Name),
		Name:              e.Name,
		Kind:              kind,
		InstalledVersions: e.InstalledVersion,
		CurrentVersion:    e.CurrentVersion,
		Pinned:            e.Pinned,
	}
}

type brewInfoReport struct {
	Formulae []brew.Formula `json:"formulae"`
	Casks    []brew.Cask    `json:"casks"`
}

func parseBrewList(output string, kind brew.Kind) []InstalledPackage {
	scanner := bufio.NewScanner(strings.NewReader(output))
	installed := []InstalledPackage{}
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		installed = append(installed, InstalledPackage{
			ID:       brew.ID(kind, parts[0]),
			Name:     parts[0],
			Kind:     kind,
			Version:  parts[len(parts)-1],
			Versions: parts[1:],
		})
	}
	return installed
}

// brewPrefixes are the standard install locations of the brew binary.
var brewPrefixes = []string{
	"/opt/homebrew/bin/brew",
	"/usr/local/bin/brew",
	"/home/linuxbrew/.linuxbrew/bin/brew",
}

// brewBinaryPath locates brew in the standard prefixes, then on PATH.
func brewBinaryPath() (string, error) {
	for _, candidate := range brewPrefixes {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	path, err := exec.LookPath("brew")
	if err != nil {
		return "", errors.New("brew not found in standard locations or PATH")
	}
	return path, nil
}

// brewEnv builds the environment for brew: the current environment with
// HOME set to homeDir, brew's directory first on PATH, and colour and
// hints turned off.
func brewEnv(brewPath, homeDir string) []string {
	env := os.Environ()
	if homeDir != "" {
		env = setEnv(env, "HOME", homeDir)
	}
	env = setEnv(env, "PATH", ensurePathPrefix(os.Getenv("PATH"), filepath.Dir(brewPath)))
	env = setEnv(env, "HOMEBREW_NO_COLOR", "1")
	env = setEnv(env, "HOMEBREW_NO_ENV_HINTS", "1")
	return env
}

func ensurePathPrefix(path, dir string) string {
	if dir == "" || dir == "." {
		return path
	}
	if path == "" {
		return dir
	}
	for _, entry := range filepath.SplitList(path) {
		if entry == dir {
			return path
		}
	}
	return dir + string(os.PathListSeparator) + path
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			out := make([]string, len(env))
			copy(out, env)
			out[i] = prefix + value
			return out
		}
	}
	out := make([]string, len(env), len(env)+1)
	copy(out, env)
	return append(out, prefix+value)
}
