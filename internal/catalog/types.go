package catalog

import (
	"path/filepath"

	"github.com/breeze-rmm/brewkit/internal/brew"
)

// Resource is a remote JSON array cached on disk.
type Resource struct {
	// Name labels the resource in logs and metrics.
	Name      string
	URL       string
	CachePath string
}

// FormulaResource is the formula catalog cached under cacheDir.
func FormulaResource(cacheDir, url string) Resource {
	return Resource{Name: string(brew.KindFormula), URL: url, CachePath: filepath.Join(cacheDir, "formula.json")}
}

// CaskResource is the cask catalog cached under cacheDir.
func CaskResource(cacheDir, url string) Resource {
	return Resource{Name: string(brew.KindCask), URL: url, CachePath: filepath.Join(cacheDir, "cask.json")}
}

// Phase is the stage of a fetch a Progress event describes.
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseProcessing  Phase = "processing"
)

// UnknownPercent is reported when the total size is not known.
const UnknownPercent = -1

// Progress is one fetch progress event. Within one fetch, downloading events
// precede processing events, BytesDownloaded never decreases, and the event
// with Complete set is last.
type Progress struct {
	URL             string `json:"url"`
	Phase           Phase  `json:"phase"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	// TotalBytes is 0 when the server did not send a length.
	TotalBytes int64 `json:"totalBytes"`
	// Percent is in [0,100], or UnknownPercent.
	Percent        int    `json:"percent"`
	ItemsProcessed int    `json:"itemsProcessed,omitempty"`
	TotalItems     int    `json:"totalItems,omitempty"`
	Complete       bool   `json:"complete"`
	Err            error  `json:"-"`
	ErrorMessage   string `json:"error,omitempty"`
}

// Update is one element of a Stream: either a progress event or, when Done
// is set, the final result.
type Update[T any] struct {
	Progress Progress
	Items    []T
	Err      error
	Done     bool
}

func percentOf(done, total int64) int {
	if total <= 0 {
		return UnknownPercent
	}
	p := int(done * 100 / total)
	if p > 100 {
		return 100
	}
	return p
}
