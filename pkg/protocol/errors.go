package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrDialogNotFound is fatal at the request boundary; no turn starts.
	ErrDialogNotFound = errors.New("dialog not found")

	// ErrScopeMissing reports a memory operation without any scope id.
	ErrScopeMissing = errors.New("at least one of user_id, agent_id or run_id is required")

	// ErrCancelled reports a turn cancelled by transport disconnect.
	ErrCancelled = errors.New("cancelled by client")

	// ErrMCPUnavailable reports a failed MCP session; the tool layer converts
	// it into an error observation rather than a fatal turn error.
	ErrMCPUnavailable = errors.New("mcp server unavailable")

	// ErrToolTimeout reports a remote tool call exceeding its deadline.
	ErrToolTimeout = errors.New("tool call timed out")
)

// ProviderError wraps a transport or server failure from a model provider.
// The orchestrator converts it into a graceful fallback chunk; it never
// propagates into the SSE stream verbatim.
type ProviderError struct {
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (model %s): %v", e.Provider, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProviderError(provider, model string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Model: model, Err: err}
}

// SchemaError reports model-supplied tool arguments that fail validation
// against the tool's declared schema.
type SchemaError struct {
	Tool string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("arguments for tool %s do not match its schema: %v", e.Tool, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }
