// Package brewproc runs brew subprocesses, turning their output into typed
// progress events and enforcing a per-phase stall watchdog.
package brewproc

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/logging"
	"github.com/breeze-rmm/brewkit/internal/metrics"
)

var log = logging.L("brewproc")

const (
	DefaultStaleTimeout         = 300 * time.Second
	DefaultDownloadStaleTimeout = 600 * time.Second
	DefaultCheckInterval        = 30 * time.Second
	DefaultExitGrace            = 2 * time.Second

	// MaxOutputSize caps the captured tail of each output stream.
	MaxOutputSize = 4 * 1024 * 1024
)

// Runner holds the watchdog and classification policy shared by every
// command it runs. The zero value uses the defaults.
type Runner struct {
	StaleTimeout         time.Duration
	DownloadStaleTimeout time.Duration
	// PhaseTimeouts overrides the stall timeout for individual phases.
	PhaseTimeouts map[Phase]time.Duration
	CheckInterval time.Duration
	// ExitGrace bounds how long output is still read after brew exits while
	// a background child keeps its pipes open.
	ExitGrace time.Duration
	Rules     []Rule
}

// Command is a single invocation.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
	// OnProgress receives classified output events in order.
	OnProgress func(Event)
}

func (c Command) String() string {
	return strings.Join(append([]string{filepath.Base(c.Path)}, c.Args...), " ")
}

// Result is the captured output of a finished command.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	LastPhase Phase
	Duration  time.Duration
}

func (r *Runner) timeoutFor(phase Phase) time.Duration {
	if d, ok := r.PhaseTimeouts[phase]; ok && d > 0 {
		return d
	}
	if phase == PhaseDownloading {
		if r.DownloadStaleTimeout > 0 {
			return r.DownloadStaleTimeout
		}
		return DefaultDownloadStaleTimeout
	}
	if r.StaleTimeout > 0 {
		return r.StaleTimeout
	}
	return DefaultStaleTimeout
}

func (r *Runner) checkInterval() time.Duration {
	if r.CheckInterval > 0 {
		return r.CheckInterval
	}
	return DefaultCheckInterval
}

func (r *Runner) exitGrace() time.Duration {
	if r.ExitGrace > 0 {
		return r.ExitGrace
	}
	return DefaultExitGrace
}

func (r *Runner) rules() []Rule {
	if r.Rules != nil {
		return r.Rules
	}
	return DefaultRules
}

type streamID int

const (
	streamStdout streamID = iota
	streamStderr
)

type chunk struct {
	stream streamID
	data   []byte
}

// chunkWriter hands output to the Run loop. Writes fail once Run returns.
type chunkWriter struct {
	stream streamID
	out    chan<- chunk
	done   <-chan struct{}
}

func (w chunkWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case w.out <- chunk{stream: w.stream, data: data}:
		return len(p), nil
	case <-w.done:
		return 0, errRunFinished
	}
}

var errRunFinished = errors.New("run finished")

// Run starts c with stdin closed and blocks until it exits, stalls, hits a
// lock error or ctx is cancelled. In every case but a clean exit the whole
// process group is killed first.
//
// Errors: *brewerr.LockError when stderr reports lock contention,
// *brewerr.StaleProcessError when no output arrives within the current
// phase's timeout, an error wrapping brewerr.ErrCancelled on cancellation,
// *brewerr.CommandError on a non-zero exit.
func (r *Runner) Run(ctx context.Context, c Command) (Result, error) {
	start := time.Now()
	display := c.String()
	subcommand := "unknown"
	if len(c.Args) > 0 {
		subcommand = c.Args[0]
	}
	if ctx.Err() != nil {
		return Result{ExitCode: -1, LastPhase: PhaseStarting}, fmt.Errorf("%s: %w", display, brewerr.ErrCancelled)
	}

	chunks := make(chan chunk, 64)
	done := make(chan struct{})
	defer close(done)

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = chunkWriter{stream: streamStdout, out: chunks, done: done}
	cmd.Stderr = chunkWriter{stream: streamStderr, out: chunks, done: done}
	cmd.WaitDelay = r.exitGrace()
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", display, err)
	}
	log.Debug("brew started", "command", display, "pid", cmd.Process.Pid)

	// Wait returns once brew has exited and its output is copied, or
	// ExitGrace after exit when a child still holds the pipes. No write
	// happens after it returns.
	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		close(chunks)
		exited <- err
	}()

	out := &tailBuffer{limit: MaxOutputSize}
	errOut := &tailBuffer{limit: MaxOutputSize}
	splitters := [2]lineSplitter{}
	rules := r.rules()

	phase := PhaseStarting
	emit := func(ev Event) {
		if c.OnProgress != nil {
			c.OnProgress(ev)
		}
	}
	emit(Event{Phase: PhaseStarting, Message: "Running " + display})

	result := func() Result {
		return Result{
			Stdout:    out.String(),
			Stderr:    errOut.String(),
			ExitCode:  -1,
			LastPhase: phase,
			Duration:  time.Since(start),
		}
	}
	abort := func(reason string) Result {
		if err := killProcessGroup(cmd); err != nil {
			log.Warn("failed to kill brew process group", "command", display, logging.KeyError, err)
		}
		for range chunks {
		}
		<-exited
		metrics.ObserveBrewCommand(subcommand, reason, time.Since(start))
		return result()
	}

	// handleLine classifies one line; it returns a lock error when stderr
	// reports contention.
	handleLine := func(s streamID, line string) error {
		if s == streamStderr && brewerr.IsLockOutput(line) {
			return &brewerr.LockError{Message: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "Error:"))}
		}
		ev, ok := Classify(rules, line)
		if !ok {
			return nil
		}
		if ev.Phase == "" {
			ev.Phase = phase
		}
		phase = ev.Phase
		emit(ev)
		return nil
	}

	ticker := time.NewTicker(r.checkInterval())
	defer ticker.Stop()
	lastOutput := time.Now()

	output := (<-chan chunk)(chunks)
	for output != nil {
		select {
		case ch, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			lastOutput = time.Now()
			if ch.stream == streamStdout {
				out.Write(ch.data)
			} else {
				errOut.Write(ch.data)
			}
			for _, line := range splitters[ch.stream].feed(ch.data) {
				if lockErr := handleLine(ch.stream, line); lockErr != nil {
					res := abort("lock")
					log.Warn("brew lock contention", "command", display)
					return res, lockErr
				}
			}

		case <-ticker.C:
			idle := time.Since(lastOutput)
			if idle > r.timeoutFor(phase) {
				res := abort("stale")
				metrics.StaleProcesses.WithLabelValues(string(phase)).Inc()
				log.Warn("brew stalled, killed", "command", display, "phase", phase, "idle", idle.Round(time.Second))
				return res, &brewerr.StaleProcessError{LastPhase: string(phase), Idle: idle}
			}

		case <-ctx.Done():
			res := abort("cancelled")
			log.Info("brew cancelled", "command", display)
			return res, fmt.Errorf("%s: %w", display, brewerr.ErrCancelled)
		}
	}

	for s := range splitters {
		if line := splitters[s].flush(); line != "" {
			if lockErr := handleLine(streamID(s), line); lockErr != nil {
				<-exited
				return result(), lockErr
			}
		}
	}

	waitErr := <-exited
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		log.Warn("brew exited but a child kept its output open", "command", display)
		waitErr = nil
	}
	res := result()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			metrics.ObserveBrewCommand(subcommand, "error", res.Duration)
			return res, fmt.Errorf("wait %s: %w", display, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		metrics.ObserveBrewCommand(subcommand, "failed", res.Duration)
		emit(Event{Phase: PhaseError, Message: fmt.Sprintf("%s exited with code %d", display, res.ExitCode)})
		return res, &brewerr.CommandError{Command: display, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	res.ExitCode = 0
	metrics.ObserveBrewCommand(subcommand, "ok", res.Duration)
	log.Debug("brew finished", "command", display, logging.KeyDurationMs, res.Duration.Milliseconds())
	return res, nil
}
