package brewerr

import (
	"errors"
	"regexp"
	"strings"
)

var lockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)another active homebrew (?:update )?process`),
	regexp.MustCompile("(?i)`?brew update`? process is (?:already|currently) running"),
	regexp.MustCompile(`(?i)has already locked`),
	regexp.MustCompile(`(?i)operation already in progress for`),
	regexp.MustCompile(`(?i)please wait for it to finish or terminate it to continue`),
}

// IsLockOutput reports whether brew output text indicates lock contention.
func IsLockOutput(text string) bool {
	for _, re := range lockPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

var (
	disabledRe = regexp.MustCompile(`(?m)(?:Cask '([^']+)'|(\S+)) has been disabled because ([^!\n]+)`)

	conflictFormulaRe = regexp.MustCompile(`Cannot install (\S+) because conflicting formulae are installed`)
	conflictEntryRe   = regexp.MustCompile(`(?m)^\s+(\S+): because`)
	conflictCaskRe    = regexp.MustCompile(`Cask '([^']+)' conflicts with '([^']+)'`)
	conflictAppRe     = regexp.MustCompile(`already an App at '([^']+)'`)

	platformPatterns = []*regexp.Regexp{
		regexp.MustCompile(`This software does not run on macOS versions (?:older|newer) than ([^.\n]+)`),
		regexp.MustCompile(`requires (macOS [<>]=? ?[\w.]+)`),
		regexp.MustCompile(`((?:macOS|Linux) is required for this software)`),
		regexp.MustCompile(`((?:arm64|x86_64|Intel|Apple Silicon) (?:architecture|processor|CPU) is required)`),
		regexp.MustCompile(`(An unsatisfied requirement failed this build)`),
	}

	packageRe = regexp.MustCompile(`(?m)^Error: (?:Cask '([^']+)'|([^\s:]+):)`)
)

// FromCommandOutput upgrades a failed brew invocation into a specific kind
// when stderr matches a known Homebrew message. pkg is used when the output
// does not name the package itself. Errors that already carry a specific
// kind, and output that matches nothing, are returned unchanged.
func FromCommandOutput(pkg string, err error, stderr string) error {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return err
	}
	if stderr == "" {
		stderr = cmdErr.Stderr
	}
	if typed := classifyOutput(pkg, stderr); typed != nil {
		return typed
	}
	return err
}

func classifyOutput(pkg, text string) error {
	if IsLockOutput(text) {
		return &LockError{Message: lastErrorLine(text)}
	}

	if m := disabledRe.FindStringSubmatch(text); m != nil {
		name := firstNonEmpty(m[1], m[2], pkg)
		return &PackageDisabledError{Package: name, Reason: strings.TrimSpace(m[3])}
	}

	if m := conflictFormulaRe.FindStringSubmatch(text); m != nil {
		conflict := &PackageConflictError{Package: firstNonEmpty(m[1], pkg)}
		for _, entry := range conflictEntryRe.FindAllStringSubmatch(text, -1) {
			conflict.Conflicts = append(conflict.Conflicts, entry[1])
		}
		return conflict
	}
	if m := conflictCaskRe.FindStringSubmatch(text); m != nil {
		return &PackageConflictError{Package: firstNonEmpty(m[1], pkg), Conflicts: []string{m[2]}}
	}
	if m := conflictAppRe.FindStringSubmatch(text); m != nil {
		return &PackageConflictError{Package: firstNonEmpty(packageName(text), pkg), Conflicts: []string{m[1]}}
	}

	for _, re := range platformPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return &UnsupportedPlatformError{
				Package:     firstNonEmpty(packageName(text), pkg),
				Requirement: strings.TrimSpace(m[1]),
			}
		}
	}
	return nil
}

func packageName(text string) string {
	if m := packageRe.FindStringSubmatch(text); m != nil {
		return firstNonEmpty(m[1], m[2])
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
