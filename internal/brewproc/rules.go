package brewproc

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// Phase is the coarse stage of a brew operation inferred from its output.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseDownloading Phase = "downloading"
	PhaseVerifying   Phase = "verifying"
	PhaseExtracting  Phase = "extracting"
	PhaseInstalling  Phase = "installing"
	PhaseLinking     Phase = "linking"
	PhaseCleaning    Phase = "cleaning"
	PhaseComplete    Phase = "complete"
	PhaseError       Phase = "error"
)

// Event is one classified line of brew output.
type Event struct {
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
	// Percentage is set only for lines that carry one.
	Percentage      *float64 `json:"percentage,omitempty"`
	BytesDownloaded int64    `json:"bytesDownloaded,omitempty"`
	TotalBytes      int64    `json:"totalBytes,omitempty"`
}

// Rule classifies a trimmed, non-empty output line. A rule that returns an
// Event with an empty Phase keeps the current phase.
type Rule struct {
	Name  string
	Match func(line string) (Event, bool)
}

var (
	progressBarRe = regexp.MustCompile(`#+\s+(\d+(?:\.\d+)?)%`)
	transferRe    = regexp.MustCompile(`(\d+(?:\.\d+)?\s?[kKMGT]?B)\s*/\s*(\d+(?:\.\d+)?\s?[kKMGT]?B)`)
)

// DefaultRules is the ordered classification table; the first match wins.
var DefaultRules = []Rule{
	{Name: "error", Match: func(line string) (Event, bool) {
		if strings.HasPrefix(line, "Error:") {
			return Event{Phase: PhaseError, Message: line}, true
		}
		return Event{}, false
	}},
	{Name: "progress-bar", Match: func(line string) (Event, bool) {
		m := progressBarRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Phase: PhaseDownloading, Message: "Downloading", Percentage: &pct}, true
	}},
	{Name: "transfer", Match: func(line string) (Event, bool) {
		m := transferRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		done, err1 := units.FromHumanSize(strings.ReplaceAll(m[1], " ", ""))
		total, err2 := units.FromHumanSize(strings.ReplaceAll(m[2], " ", ""))
		if err1 != nil || err2 != nil || total <= 0 {
			return Event{}, false
		}
		pct := float64(done) * 100 / float64(total)
		if pct > 100 {
			pct = 100
		}
		return Event{
			Phase:           PhaseDownloading,
			Message:         stripBanner(line),
			Percentage:      &pct,
			BytesDownloaded: done,
			TotalBytes:      total,
		}, true
	}},
	containsRule("download", PhaseDownloading, "Downloading", "==> Fetching", "Already downloaded"),
	containsRule("verify", PhaseVerifying, "Verifying"),
	containsRule("extract", PhaseExtracting, "Pouring", "Extracting", "Unpacking"),
	containsRule("install", PhaseInstalling, "Installing", "Reinstalling", "Upgrading"),
	containsRule("link", PhaseLinking, "Linking", "Unlinking", "Moving App", "Symlinking"),
	containsRule("clean", PhaseCleaning, "Cleaning", "Removing:", "Pruned"),
	containsRule("complete", PhaseComplete, "🍺", "successfully upgraded", "successfully installed", "was successfully"),
	{Name: "banner", Match: func(line string) (Event, bool) {
		if strings.HasPrefix(line, "==> ") {
			return Event{Message: stripBanner(line)}, true
		}
		return Event{}, false
	}},
}

func containsRule(name string, phase Phase, needles ...string) Rule {
	return Rule{Name: name, Match: func(line string) (Event, bool) {
		for _, n := range needles {
			if strings.Contains(line, n) {
				return Event{Phase: phase, Message: stripBanner(line)}, true
			}
		}
		return Event{}, false
	}}
}

func stripBanner(line string) string {
	return strings.TrimSpace(strings.TrimPrefix(line, "==> "))
}

// Classify runs line through rules in order and returns the first match.
// Lines matching no rule produce no event.
func Classify(rules []Rule, line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Event{}, false
	}
	for _, r := range rules {
		if ev, ok := r.Match(line); ok {
			return ev, true
		}
	}
	return Event{}, false
}
