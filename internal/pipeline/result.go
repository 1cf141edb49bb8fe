package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind tags a failed result so operators can tell bad data from a broken pipeline
type FailureKind string

const (
	KindNone               FailureKind = ""
	KindValidation         FailureKind = "validation"
	KindActionFailed       FailureKind = "action_failed"
	KindActionFault        FailureKind = "action_fault"
	KindConflictUnresolved FailureKind = "conflict_unresolved"
	KindConflictRejected   FailureKind = "conflict_rejected"
	KindRetryExhausted     FailureKind = "retry_exhausted"
	KindTimeout            FailureKind = "timeout"
	KindInfrastructure     FailureKind = "infrastructure"
)

// Result data keys set by the pipeline itself
const (
	KeyFailedAction     = "failed_action"
	KeyCompletedActions = "completed_actions"
	KeyActionError      = "action_error"
	KeyOptionalFailures = "optional_failures"
	KeyDurationMs       = "duration_ms"
)

var (
	// ErrTimeout is returned when a row exceeds its deadline
	ErrTimeout = errors.New("row processing timed out")
)

// ActionResult is the outcome of one action or of a whole pipeline run.
// ContextUpdates and MetadataUpdates are merged into the context only after
// the action returns successfully.
type ActionResult struct {
	Success         bool
	Message         string
	Errors          []string
	Data            map[string]interface{}
	ContextUpdates  map[string]interface{}
	MetadataUpdates map[string]interface{}
	Kind            FailureKind
}

// Success creates a successful result
func Success(message string) *ActionResult {
	return &ActionResult{
		Success:        true,
		Message:        message,
		Data:           make(map[string]interface{}),
		ContextUpdates: make(map[string]interface{}),
	}
}

// Failure creates a failed result. An empty errs list uses the message as the error.
func Failure(kind FailureKind, message string, errs ...string) *ActionResult {
	if len(errs) == 0 && message != "" {
		errs = []string{message}
	}
	if kind == KindNone {
		kind = KindActionFailed
	}
	return &ActionResult{
		Success:        false,
		Message:        message,
		Errors:         errs,
		Data:           make(map[string]interface{}),
		ContextUpdates: make(map[string]interface{}),
		Kind:           kind,
	}
}

// FromError creates a failed result carrying err's text
func FromError(kind FailureKind, err error) *ActionResult {
	if errors.Is(err, ErrTimeout) {
		kind = KindTimeout
	}
	return Failure(kind, err.Error())
}

// WithData attaches a data value and returns the result for chaining
func (r *ActionResult) WithData(key string, value interface{}) *ActionResult {
	if r.Data == nil {
		r.Data = make(map[string]interface{})
	}
	r.Data[key] = value
	return r
}

// WithContextUpdate records one deferred context update
func (r *ActionResult) WithContextUpdate(key string, value interface{}) *ActionResult {
	if r.ContextUpdates == nil {
		r.ContextUpdates = make(map[string]interface{})
	}
	r.ContextUpdates[key] = value
	return r
}

// WithContextUpdates records several deferred context updates
func (r *ActionResult) WithContextUpdates(updates map[string]interface{}) *ActionResult {
	for k, v := range updates {
		r.WithContextUpdate(k, v)
	}
	return r
}

// WithMetadata records a note for the context's Metadata, merged like a context update
func (r *ActionResult) WithMetadata(key string, value interface{}) *ActionResult {
	if r.MetadataUpdates == nil {
		r.MetadataUpdates = make(map[string]interface{})
	}
	r.MetadataUpdates[key] = value
	return r
}

// IsFailure reports whether the result is a failure
func (r *ActionResult) IsFailure() bool {
	return !r.Success
}

// Error returns the joined error list, or the message when the list is empty
func (r *ActionResult) Error() string {
	if len(r.Errors) > 0 {
		return strings.Join(r.Errors, "; ")
	}
	if r.IsFailure() {
		return r.Message
	}
	return ""
}

// DataString returns a data value as a string
func (r *ActionResult) DataString(key string) string {
	if r.Data == nil {
		return ""
	}
	return AsString(r.Data[key])
}

// ActionError is returned alongside the failure result when a required action errors
type ActionError struct {
	Action    string
	Completed []string
	Err       error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed after [%s]: %v", e.Action, strings.Join(e.Completed, ", "), e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
