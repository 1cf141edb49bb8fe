package conflicts

import "sort"

// ResolutionAction is what the write loop does after a conflict is handled
type ResolutionAction string

const (
	ActionSkip   ResolutionAction = "skip"
	ActionUpdate ResolutionAction = "update"
	ActionRetry  ResolutionAction = "retry"
	ActionModify ResolutionAction = "modify"
	ActionFail   ResolutionAction = "fail"
)

// ConflictResolution is the decided response to one conflict.
// An unresolved resolution always carries ActionFail; a resolver that
// deliberately rejects the row returns Resolved with ActionFail instead.
type ConflictResolution struct {
	Resolved     bool
	Action       ResolutionAction
	Strategy     string
	Reason       string
	ModifiedData map[string]interface{}
	Metadata     map[string]interface{}
}

func newResolution(action ResolutionAction, strategy, reason string) *ConflictResolution {
	return &ConflictResolution{
		Resolved:     true,
		Action:       action,
		Strategy:     strategy,
		Reason:       reason,
		ModifiedData: make(map[string]interface{}),
		Metadata:     make(map[string]interface{}),
	}
}

// Skip resolves by leaving the row unwritten
func Skip(strategy, reason string) *ConflictResolution {
	return newResolution(ActionSkip, strategy, reason)
}

// Update resolves by writing to an existing record; data names the target
func Update(strategy, reason string, data map[string]interface{}) *ConflictResolution {
	return newResolution(ActionUpdate, strategy, reason).WithModifiedData(data)
}

// Retry resolves by attempting the same write again after a side effect
func Retry(strategy, reason string, data map[string]interface{}) *ConflictResolution {
	return newResolution(ActionRetry, strategy, reason).WithModifiedData(data)
}

// Modify resolves by changing the incoming row and retrying
func Modify(strategy, reason string, data map[string]interface{}) *ConflictResolution {
	return newResolution(ActionModify, strategy, reason).WithModifiedData(data)
}

// Reject is a deliberate decision to fail the row
func Reject(strategy, reason string) *ConflictResolution {
	return newResolution(ActionFail, strategy, reason)
}

// Unresolved reports that no decision could be made
func Unresolved(reason string) *ConflictResolution {
	r := newResolution(ActionFail, "none", reason)
	r.Resolved = false
	return r
}

// WithModifiedData merges values to apply to the row before the next attempt
func (r *ConflictResolution) WithModifiedData(data map[string]interface{}) *ConflictResolution {
	if r.ModifiedData == nil {
		r.ModifiedData = make(map[string]interface{})
	}
	for k, v := range data {
		r.ModifiedData[k] = v
	}
	return r
}

// WithMetadata attaches side-channel information such as the matched record
func (r *ConflictResolution) WithMetadata(key string, value interface{}) *ConflictResolution {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// ToMap renders the resolution for row reports
func (r *ConflictResolution) ToMap() map[string]interface{} {
	out := map[string]interface{}{
		"resolved": r.Resolved,
		"action":   string(r.Action),
		"strategy": r.Strategy,
		"reason":   r.Reason,
	}
	if len(r.Metadata) > 0 {
		meta := make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		out["metadata"] = meta
	}
	if len(r.ModifiedData) > 0 {
		keys := make([]string, 0, len(r.ModifiedData))
		for k := range r.ModifiedData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out["modified_fields"] = keys
	}
	return out
}
