package domain

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Error kinds surfaced by the request path. Callers match them with errors.Is.
var (
	// ErrInvalidSelection means an operand group resolved to zero locations.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrToolExecutionFailed means the external tool exited nonzero.
	ErrToolExecutionFailed = errors.New("tool execution failed")
	// ErrEmptyResult means the tool produced a zero-byte artifact.
	ErrEmptyResult = errors.New("empty result")
	// ErrDuplicateKey means a cache row for the key or location already exists.
	ErrDuplicateKey = errors.New("duplicate cache key")
	// ErrUnresolvedLocation means a location matched no registry.
	ErrUnresolvedLocation = errors.New("unresolved location")
	// ErrNotFound means a named registry entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNameUsed means a user dataset name collides with an existing name.
	ErrNameUsed = errors.New("name already used")
	// ErrUnknownAttribute means a selection referenced an attribute that was never loaded.
	ErrUnknownAttribute = errors.New("unknown attribute")
)

// ToolError carries the diagnostics of a failed external tool invocation.
type ToolError struct {
	Command  []string
	ExitCode int
	Stderr   string
	Stdout   string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %q exited with status %d", ErrToolExecutionFailed, strings.Join(e.Command, " "), e.ExitCode)
}

// Unwrap lets errors.Is match ErrToolExecutionFailed.
func (e *ToolError) Unwrap() error { return ErrToolExecutionFailed }

// Diagnostics returns the captured output, stderr first.
func (e *ToolError) Diagnostics() string {
	switch {
	case e.Stderr != "" && e.Stdout != "":
		return e.Stderr + "\n" + e.Stdout
	case e.Stderr != "":
		return e.Stderr
	default:
		return e.Stdout
	}
}
