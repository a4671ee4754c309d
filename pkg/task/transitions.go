package task

// Lifecycle actions checked against the task's current status.
const (
	ActionStart               = "start"
	ActionComplete            = "complete"
	ActionRequestVerification = "request_verification"
	ActionApprove             = "approve"
	ActionReject              = "reject"
	ActionReassign            = "reassign"
)

var transitionMap = map[string][]Status{
	ActionStart:               {StatusPending},
	ActionComplete:            {StatusInProgress},
	ActionRequestVerification: {StatusCompleted},
	ActionApprove:             {StatusCompleted},
	ActionReject:              {StatusCompleted},
	ActionReassign:            {StatusCompleted, StatusRejected},
}

// ValidTransition reports whether action may run from status.
func ValidTransition(action string, from Status) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}
