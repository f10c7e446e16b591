package patching

import "github.com/breeze-rmm/brewkit/internal/brewproc"

// ProgressCallback receives brew output progress for a batch or single operation.
type ProgressCallback func(event ProgressEvent)

// ProgressEvent is a brewproc.Event attributed to the step that produced it.
type ProgressEvent struct {
	RunID           string         `json:"runId,omitempty"`
	StepID          string         `json:"stepId"`
	Phase           brewproc.Phase `json:"phase"`
	Message         string         `json:"message,omitempty"`
	Percentage      *float64       `json:"percentage,omitempty"`
	BytesDownloaded int64          `json:"bytesDownloaded,omitempty"`
	TotalBytes      int64          `json:"totalBytes,omitempty"`
	CurrentItem     int            `json:"currentItem,omitempty"` // 1-based package index in the batch
	TotalItems      int            `json:"totalItems,omitempty"`
}

// relay adapts cb to a brewproc progress callback for stepID.
func (cb ProgressCallback) relay(runID, stepID string, item, total int) func(brewproc.Event) {
	if cb == nil {
		return nil
	}
	return func(ev brewproc.Event) {
		cb(ProgressEvent{
			RunID:           runID,
			StepID:          stepID,
			Phase:           ev.Phase,
			Message:         ev.Message,
			Percentage:      ev.Percentage,
			BytesDownloaded: ev.BytesDownloaded,
			TotalBytes:      ev.TotalBytes,
			CurrentItem:     item,
			TotalItems:      total,
		})
	}
}
