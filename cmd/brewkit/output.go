package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/brewkit/internal/brewproc"
	"github.com/breeze-rmm/brewkit/internal/catalog"
	"github.com/breeze-rmm/brewkit/internal/patching"
)

const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// render writes v in the selected output format. text renders the human
// form; it receives a tabwriter that is flushed afterwards.
func render(w io.Writer, format string, v any, text func(w io.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)

	case outputYAML:
		// Round-trip through JSON so YAML keys follow the json tags.
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()

	default:
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		text(tw)
		return tw.Flush()
	}
}

func formatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progressPrinter writes progress lines to w. On a terminal each line
// replaces the previous one; otherwise only phase changes are printed.
type progressPrinter struct {
	w   io.Writer
	tty bool

	mu   sync.Mutex
	last map[string]string
	open bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, tty: isTerminal(w), last: make(map[string]string)}
}

// line prints msg for key. phase decides, off a terminal, whether msg is
// new enough to be worth a line.
func (p *progressPrinter) line(key, phase, msg string, final bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s", msg)
		p.open = true
		if final {
			fmt.Fprintln(p.w)
			p.open = false
		}
		return
	}
	if !final && p.last[key] == phase {
		return
	}
	p.last[key] = phase
	fmt.Fprintln(p.w, msg)
}

// done terminates a pending terminal line.
func (p *progressPrinter) done() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

func (p *progressPrinter) catalog(ev catalog.Progress) {
	p.line(ev.URL, string(ev.Phase), describeCatalogProgress(ev), ev.Complete)
}

func (p *progressPrinter) brew(ev patching.ProgressEvent) {
	p.line(ev.StepID, string(ev.Phase), describeBrewProgress(ev), false)
}

func describeCatalogProgress(ev catalog.Progress) string {
	name := path.Base(ev.URL)
	switch {
	case ev.ErrorMessage != "":
		return fmt.Sprintf("%s: failed: %s", name, ev.ErrorMessage)
	case ev.Complete:
		return fmt.Sprintf("%s: ready (%d items)", name, ev.TotalItems)
	case ev.Phase == catalog.PhaseProcessing && ev.TotalItems > 0:
		return fmt.Sprintf("%s: processing %d/%d items", name, ev.ItemsProcessed, ev.TotalItems)
	case ev.Phase == catalog.PhaseProcessing:
		return fmt.Sprintf("%s: processing %d items", name, ev.ItemsProcessed)
	case ev.TotalBytes > 0:
		return fmt.Sprintf("%s: downloading %s / %s (%d%%)", name, formatSize(ev.BytesDownloaded), formatSize(ev.TotalBytes), ev.Percent)
	default:
		return fmt.Sprintf("%s: downloading %s", name, formatSize(ev.BytesDownloaded))
	}
}

func describeBrewProgress(ev patching.ProgressEvent) string {
	prefix := ev.StepID
	if ev.TotalItems > 0 {
		prefix = fmt.Sprintf("[%d/%d] %s", ev.CurrentItem, ev.TotalItems, ev.StepID)
	}
	phase := string(ev.Phase)
	if phase == "" {
		phase = string(brewproc.PhaseStarting)
	}
	switch {
	case ev.TotalBytes > 0:
		return fmt.Sprintf("%s: %s %s / %s", prefix, phase, formatSize(ev.BytesDownloaded), formatSize(ev.TotalBytes))
	case ev.Percentage != nil:
		return fmt.Sprintf("%s: %s %.0f%%", prefix, phase, *ev.Percentage)
	default:
		return fmt.Sprintf("%s: %s", prefix, phase)
	}
}
