package patching

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/config"
)

const (
	checkBrewRunning = "brew_running"
	checkDiskSpace   = "disk_space"
)

// PreflightOptions configures which pre-flight checks to run before upgrading.
type PreflightOptions struct {
	CheckBrewRunning bool
	CheckDiskSpace   bool
	MinDiskSpaceGB   float64
	// Prefix is the Homebrew prefix whose filesystem must have room.
	Prefix string
}

// PreflightResult captures the outcome of all pre-flight checks.
type PreflightResult struct {
	OK     bool
	Checks []PreflightCheck
}

// PreflightCheck is one individual check result.
type PreflightCheck struct {
	Name    string
	Passed  bool
	Message string
}

// PreflightOptionsFromConfig builds PreflightOptions from config fields.
func PreflightOptionsFromConfig(cfg *config.Config) PreflightOptions {
	prefix := cfg.HomebrewPrefix
	if prefix == "" {
		prefix = config.DefaultHomebrewPrefix()
	}
	return PreflightOptions{
		CheckBrewRunning: true,
		CheckDiskSpace:   cfg.MinDiskSpaceGB > 0,
		MinDiskSpaceGB:   float64(cfg.MinDiskSpaceGB),
		Prefix:           prefix,
	}
}

// RunPreflight runs all enabled pre-flight checks and returns a combined result.
func RunPreflight(ctx context.Context, opts PreflightOptions) PreflightResult {
	result := PreflightResult{OK: true}

	if opts.CheckBrewRunning {
		check := checkNoBrewRunning(ctx)
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.OK = false
		}
	}

	if opts.CheckDiskSpace {
		check := checkFreeSpace(ctx, opts.Prefix, opts.MinDiskSpaceGB)
		result.Checks = append(result.Checks, check)
		if !check.Passed {
			result.OK = false
		}
	}

	return result
}

// FirstError returns the first failed check as an error, or nil if all
// passed. A running brew is reported as a lock error so callers treat it
// like lock contention seen in brew's own output.
func (r PreflightResult) FirstError() error {
	for _, check := range r.Checks {
		if check.Passed {
			continue
		}
		if check.Name == checkBrewRunning {
			return &brewerr.LockError{Message: check.Message}
		}
		return &ErrPreflightFailed{Check: check.Name, Message: check.Message}
	}
	return nil
}

// listCommandLines returns pid -> argv for every visible process.
var listCommandLines = func(ctx context.Context) (map[int32][]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int32][]string, len(procs))
	for _, p := range procs {
		argv, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(argv) == 0 {
			continue
		}
		out[p.Pid] = argv
	}
	return out, nil
}

// checkNoBrewRunning fails when another brew invocation is live. A failed
// process listing passes with a note; brew's own lock still protects it.
func checkNoBrewRunning(ctx context.Context) PreflightCheck {
	check := PreflightCheck{Name: checkBrewRunning}

	cmdlines, err := listCommandLines(ctx)
	if err != nil {
		check.Passed = true
		check.Message = fmt.Sprintf("could not list processes: %v", err)
		return check
	}

	self := int32(os.Getpid())
	for pid, argv := range cmdlines {
		if pid == self {
			continue
		}
		if isBrewCommandLine(argv) {
			check.Message = fmt.Sprintf("brew is already running (pid %d: %s)", pid, strings.Join(argv, " "))
			return check
		}
	}

	check.Passed = true
	check.Message = "no other brew process running"
	return check
}

// isBrewCommandLine matches the brew wrapper run directly or through its
// shell, and the Ruby entry point the wrapper execs.
func isBrewCommandLine(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	prog := filepath.Base(argv[0])
	switch {
	case prog == "brew":
		return true
	case strings.HasPrefix(prog, "ruby"):
		for _, arg := range argv[1:] {
			if filepath.Base(arg) == "brew.rb" {
				return true
			}
		}
	case shells[prog]:
		return len(argv) > 1 && strings.HasSuffix(argv[1], "/bin/brew")
	}
	return false
}

var shells = map[string]bool{"sh": true, "bash": true, "zsh": true, "dash": true}

// checkFreeSpace verifies the filesystem holding prefix has at least minGB free.
func checkFreeSpace(ctx context.Context, prefix string, minGB float64) PreflightCheck {
	check := PreflightCheck{Name: checkDiskSpace}

	path := existingAncestor(prefix)
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		check.Message = fmt.Sprintf("failed to check disk space on %s: %v", path, err)
		return check
	}

	freeGB := float64(usage.Free) / (1024 * 1024 * 1024)
	if freeGB < minGB {
		check.Message = fmt.Sprintf("insufficient disk space: %.1f GB free, minimum %.1f GB required", freeGB, minGB)
		return check
	}

	check.Passed = true
	check.Message = fmt.Sprintf("%.1f GB free on %s", freeGB, path)
	return check
}

// existingAncestor walks up from path to the nearest directory that exists.
func existingAncestor(path string) string {
	if path == "" {
		return string(filepath.Separator)
	}
	for {
		if _, err := os.Stat(path); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
