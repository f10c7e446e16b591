package patching

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/breeze-rmm/brewkit/internal/brewerr"
	"github.com/breeze-rmm/brewkit/internal/brewproc"
)

// fakeRunner answers brew invocations from a handler keyed on the joined
// argument list and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []brewproc.Command
	handler func(args string) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, c brewproc.Command) (brewproc.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	if f.handler == nil {
		return brewproc.Result{}, nil
	}
	out, err := f.handler(strings.Join(c.Args, " "))
	var cmdErr *brewerr.CommandError
	if errors.As(err, &cmdErr) {
		return brewproc.Result{Stderr: cmdErr.Stderr, ExitCode: cmdErr.ExitCode}, err
	}
	return brewproc.Result{Stdout: out}, err
}

func (f *fakeRunner) argLists() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

func (f *fakeRunner) last() brewproc.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func envValue(env []string, key string) (string, bool) {
	for _, e := range env {
		if v, ok := strings.CutPrefix(e, key+"="); ok {
			return v, true
		}
	}
	return "", false
}

// blockingRunner blocks every command until ctx is cancelled.
type blockingRunner struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingRunner) Run(ctx context.Context, c brewproc.Command) (brewproc.Result, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return brewproc.Result{}, fmt.Errorf("%s: %w", strings.Join(c.Args, " "), brewerr.ErrCancelled)
}
