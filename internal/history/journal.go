// Package history keeps an append-only JSONL journal of brew mutations and
// batch upgrades. Entries form a SHA-256 hash chain so a gap or an edited
// line is detectable with Verify.
package history

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/brewkit/internal/fsutil"
	"github.com/breeze-rmm/brewkit/internal/logging"
)

var log = logging.L("history")

// Event types.
const (
	EventBatchStarted  = "batch_started"
	EventStepFinished  = "step_finished"
	EventBatchFinished = "batch_finished"
	EventInstall       = "install"
	EventUpgrade       = "upgrade"
	EventUninstall     = "uninstall"
	EventCleanup       = "cleanup"
	EventCatalogClear  = "catalog_cleared"
	EventRotated       = "journal_rotated"
)

const genesis = "genesis"

// syncEvents change what is installed; they are fsynced after writing.
var syncEvents = map[string]bool{
	EventBatchFinished: true,
	EventInstall:       true,
	EventUpgrade:       true,
	EventUninstall:     true,
}

// Entry is a single journal record.
type Entry struct {
	Time     string         `json:"time"`
	Event    string         `json:"event"`
	RunID    string         `json:"runId,omitempty"`
	Package  string         `json:"package,omitempty"`
	Status   string         `json:"status,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	PrevHash string         `json:"prevHash"`
	Hash     string         `json:"hash"`
}

// Journal appends entries to a size-rotated JSONL file. A nil *Journal
// discards everything, so callers need not check whether one was opened.
type Journal struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// Open opens or creates the journal at path. The hash chain continues from
// the last entry already in the file.
func Open(path string, maxSizeMB, maxBackups int) (*Journal, error) {
	if err := fsutil.EnsureDir(path); err != nil {
		return nil, err
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	j := &Journal{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
	}
	if last, err := lastHash(path); err != nil {
		log.Warn("could not resume journal hash chain", "path", path, logging.KeyError, err)
	} else if last != "" {
		j.prevHash = last
	}

	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

// Path returns the journal file path, or "" for a nil journal.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Record appends e, filling in its time and hashes. The chain only advances
// after a successful write, so a failed write leaves no gap.
func (j *Journal) Record(e Entry) {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.written > 0 && j.written >= j.maxSize {
		if err := j.rotate(); err != nil {
			log.Error("journal rotation failed", logging.KeyError, err)
			j.dropped.Add(1)
			return
		}
	}
	if err := j.write(e); err != nil {
		log.Error("failed to write journal entry", "event", e.Event, logging.KeyError, err)
		j.dropped.Add(1)
	}
}

func (j *Journal) write(e Entry) error {
	e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	e.PrevHash = j.prevHash
	hash, err := computeHash(e)
	if err != nil {
		return err
	}
	e.Hash = hash

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	n, err := j.file.Write(append(data, '\n'))
	j.written += int64(n)
	if err != nil {
		return err
	}
	j.prevHash = e.Hash

	if syncEvents[e.Event] {
		if err := j.file.Sync(); err != nil {
			log.Warn("failed to fsync journal", "event", e.Event, logging.KeyError, err)
		}
	}
	return nil
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Dropped returns the number of entries that failed to write, or -1 for a
// nil journal.
func (j *Journal) Dropped() int64 {
	if j == nil {
		return -1
	}
	return j.dropped.Load()
}

// computeHash hashes the length-prefixed fields of e so no field value can
// imitate a field boundary.
func computeHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Time, e.Event, e.RunID, e.Package, e.Status, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(details))
		h.Write(details)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (j *Journal) openFile() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.written = info.Size()
	return nil
}

// rotate shifts path to path.1 (and older backups up by one) and starts the
// new file with a sentinel linking to the last entry of the old one.
func (j *Journal) rotate() error {
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}

	for i := j.maxBackups; i >= 2; i-- {
		src, dst := j.backupName(i-1), j.backupName(i)
		if i == j.maxBackups {
			if err := fsutil.RemoveIfExists(dst); err != nil {
				log.Warn("failed to remove oldest journal backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to shift journal backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(j.path, j.backupName(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to rotate journal", logging.KeyError, err)
	}

	if err := j.openFile(); err != nil {
		return err
	}
	return j.write(Entry{
		Event:   EventRotated,
		Details: map[string]any{"previousFile": j.backupName(1)},
	})
}

func (j *Journal) backupName(index int) string {
	return fmt.Sprintf("%s.%d", j.path, index)
}

// Read returns the last limit entries of the journal file at path, oldest
// first. limit <= 0 returns every entry. A missing file yields no entries.
func Read(path string, limit int) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	return readEntries(f, limit)
}

func readEntries(r io.Reader, limit int) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return entries, fmt.Errorf("journal line %d: %w", line, err)
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) > limit {
			entries = entries[1:]
		}
	}
	return entries, scanner.Err()
}

// lastHash returns the hash of the final entry in path, or "" when the file
// is missing or empty.
func lastHash(path string) (string, error) {
	entries, err := Read(path, 1)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].Hash, nil
}

// ChainError reports the first entry whose hash or link does not match.
type ChainError struct {
	Index  int
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal entry %d: %s", e.Index, e.Reason)
}

// Verify checks that every entry hashes to its recorded hash and links to
// the one before it. The first entry's link is not checked, so a tail read
// with Read verifies too.
func Verify(entries []Entry) error {
	for i, e := range entries {
		want, err := computeHash(e)
		if err != nil {
			return &ChainError{Index: i, Reason: err.Error()}
		}
		if e.Hash != want {
			return &ChainError{Index: i, Reason: "hash mismatch"}
		}
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return &ChainError{Index: i, Reason: "broken link to previous entry"}
		}
	}
	return nil
}
