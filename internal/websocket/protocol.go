package websocket

// Command types accepted by the server.
const (
	CmdCatalogFetch  = "catalog.fetch"
	CmdSearch        = "search"
	CmdOutdated      = "outdated"
	CmdInstalled     = "installed"
	CmdUpgradeBatch  = "upgrade.batch"
	CmdUpgradeCancel = "upgrade.cancel"
	CmdStatus        = "status"
)

// Frame types sent to clients.
const (
	FrameCommandResult = "command_result"
	FrameProgress      = "progress"
	FrameStep          = "step"
	FrameLog           = "log"
)

// Command result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Command represents a command received via WebSocket
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// CommandResult represents the result of a command execution
type CommandResult struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	// Recoverable is set on failures a retry may fix.
	Recoverable bool  `json:"isRecoverable,omitempty"`
	DurationMs  int64 `json:"durationMs"`
}

// ProgressFrame carries one progress event of a running command. Event is a
// catalog.Progress or a patching.ProgressEvent depending on the command.
type ProgressFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Event     any    `json:"event"`
}

// StepFrame carries a batch upgrade step after a change.
type StepFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"commandId"`
	Step      any    `json:"step"`
}

// LogFrame mirrors a log record to every connected client.
type LogFrame struct {
	Type  string `json:"type"`
	Entry any    `json:"entry"`
}

// Payload helpers
func GetPayloadString(payload map[string]any, key string, defaultVal string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

func GetPayloadBool(payload map[string]any, key string, defaultVal bool) bool {
	if v, ok := payload[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
