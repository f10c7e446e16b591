package patching

import (
	"time"

	"github.com/breeze-rmm/brewkit/internal/brew"
	"github.com/breeze-rmm/brewkit/internal/brewproc"
)

// OutdatedPackage is one entry of `brew outdated --json=v2`.
type OutdatedPackage struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Kind              brew.Kind `json:"kind"`
	InstalledVersions []string  `json:"installedVersions"`
	CurrentVersion    string    `json:"currentVersion"`
	Pinned            bool      `json:"pinned,omitempty"`
}

// InstalledPackage is one line of `brew list --versions`.
type InstalledPackage struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Kind     brew.Kind `json:"kind"`
	Version  string    `json:"version"`
	Versions []string  `json:"versions,omitempty"`
}

// StepStatus is the lifecycle state of an UpgradeStep. It only moves
// forward: pending, running, then one of the terminal states.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether no further transition is allowed.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

func (s StepStatus) canMoveTo(next StepStatus) bool {
	switch s {
	case StepPending:
		return next != StepPending
	case StepRunning:
		return next.Terminal()
	default:
		return false
	}
}

// Fixed step IDs. Package steps use the package ID.
const (
	StepIDUpdate   = "update"
	StepIDCheck    = "check"
	StepIDPrefetch = "prefetch"
)

// UpgradeStep is one unit of work in a batch upgrade. The full list of
// steps is the audit trail of the run.
type UpgradeStep struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Subtitle     string         `json:"subtitle,omitempty"`
	Status       StepStatus     `json:"status"`
	Message      string         `json:"message,omitempty"`
	StartTime    *time.Time     `json:"startTime,omitempty"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	Error        string         `json:"error,omitempty"`
	Recoverable  bool           `json:"isRecoverable,omitempty"`
	CurrentPhase brewproc.Phase `json:"currentPhase,omitempty"`

	err error
}

// Err returns the error that failed the step, if any.
func (s UpgradeStep) Err() error {
	return s.err
}

// Duration is the time spent running, or zero if the step never ran.
func (s UpgradeStep) Duration() time.Duration {
	if s.StartTime == nil || s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(*s.StartTime)
}
