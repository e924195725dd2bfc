package engine

import "fmt"

// Guard reasons. Machine-readable so callers can present an actionable
// message instead of a generic failure.
const (
	ReasonDependencyNotMet    = "dependency-not-met"
	ReasonChecklistIncomplete = "checklist-incomplete"
	ReasonAttachmentRequired  = "attachment-required"
	ReasonDateRequired        = "date-required"
	ReasonObjectionPending    = "objection-already-pending"
)

// GuardError rejects a transition whose preconditions are not met. The task
// is left untouched; the caller corrects the input and retries.
type GuardError struct {
	Reason  string
	Message string
}

func (e GuardError) Error() string {
	if e.Message == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func guardErr(reason, format string, args ...any) GuardError {
	return GuardError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
