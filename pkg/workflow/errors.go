package workflow

import (
	"errors"
	"fmt"
	"strings"

	"taskflow/pkg/task"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotAssignee       = errors.New("caller is not the assignee")
	ErrNotAuthorized     = errors.New("caller is not authorized")
	ErrTaskInactive      = errors.New("task is inactive")
	ErrMissingReason     = errors.New("rejection reason is required")
	ErrMissingProof      = errors.New("completion proof is required")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
)

var kinds = []error{
	ErrInvalidTransition, ErrNotAssignee, ErrNotAuthorized, ErrTaskInactive,
	ErrMissingReason, ErrMissingProof, ErrInvalidInput, ErrNotFound,
}

// Error is what every Controller operation returns. It carries enough context
// for a caller to render a specific message.
type Error struct {
	Kind       error // one of the Err* kinds, nil for storage failures
	TaskID     string
	RequestID  string
	Transition string // attempted action, e.g. "start"
	From       task.Status
	Reason     string
	Err        error // underlying cause
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Transition != "" {
		sb.WriteString(e.Transition)
	} else {
		sb.WriteString("workflow")
	}
	if e.TaskID != "" {
		fmt.Fprintf(&sb, " task %s", e.TaskID)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&sb, " request %s", e.RequestID)
	}
	if e.From != "" {
		fmt.Fprintf(&sb, " from %s", e.From)
	}
	if e.Kind != nil {
		fmt.Fprintf(&sb, ": %v", e.Kind)
	}
	if e.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the error kind of err, or nil for an unclassified failure.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName is the stable wire name of a kind.
func KindName(kind error) string {
	switch kind {
	case ErrInvalidTransition:
		return "invalid_transition"
	case ErrNotAssignee:
		return "not_assignee"
	case ErrNotAuthorized:
		return "not_authorized"
	case ErrTaskInactive:
		return "task_inactive"
	case ErrMissingReason:
		return "missing_reason"
	case ErrMissingProof:
		return "missing_proof"
	case ErrInvalidInput:
		return "invalid_input"
	case ErrNotFound:
		return "not_found"
	}
	return "internal"
}
