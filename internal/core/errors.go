package core

import (
	"errors"
	"fmt"

	"console_agent/internal/storage"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAgentExhausted  = errors.New("agent exhausted its iteration budget")
	ErrTurnInProgress  = errors.New("another turn is in progress for this session")
	ErrUnreachableNode = errors.New("unreachable node")
	ErrNothingToResume = errors.New("nothing to resume")

	// Re-exported so callers of the graph need not import storage.
	ErrSessionNotFound = storage.ErrSessionNotFound
	ErrSessionConflict = storage.ErrSessionConflict
)

// RoutingError reports a transition to a node the graph does not declare.
type RoutingError struct {
	From NodeName
	To   NodeName
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error: unknown worker %s", e.To)
}

func (e *RoutingError) Unwrap() error { return ErrUnreachableNode }

type ToolErrorKind string

const (
	ToolErrorInvalidArgument ToolErrorKind = "invalid_argument"
	ToolErrorTimeout         ToolErrorKind = "timeout"
	ToolErrorFailed          ToolErrorKind = "failed"
)

// ToolError is a contained tool failure; it is reported to the model, never
// to the caller.
type ToolError struct {
	Tool string
	Kind ToolErrorKind
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// CheckpointError reports a failed checkpoint write. The session keeps its
// previous checkpoint and stays resumable.
type CheckpointError struct {
	SessionID string
	Step      int64
	Err       error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("checkpoint session %s step %d: %v", e.SessionID, e.Step, e.Err)
}

func (e *CheckpointError) Unwrap() error { return e.Err }
