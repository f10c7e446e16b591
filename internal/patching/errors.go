package patching

import "fmt"

// ErrPreflightFailed indicates a pre-flight check failed before upgrading could proceed.
type ErrPreflightFailed struct {
	Check   string // "disk_space"
	Message string
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}
