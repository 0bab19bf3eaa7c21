// Package errors defines Conductor's closed error taxonomy.
//
// Most of Conductor's packages return a *Error carrying a Kind from the
// closed enumeration below; a few helper packages (httpclient,
// observability, logging) return plain errors, for which KindOf reports
// "". Kinds map directly
// to the propagation policy: transient errors are retried by their caller,
// verification failures count against a task's attempt budget, resource and
// coordination errors are surfaced to the PM Coordinator or operator, and
// integrity errors halt new wave emission entirely.
package errors

import "fmt"

// Kind is the closed taxonomy of error categories.
type Kind string

const (
	// KindTransient covers LLM timeouts, lock contention, bounded I/O
	// errors. Retried with exponential backoff by the caller.
	KindTransient Kind = "transient"

	// KindVerification covers Gate rejections of a claimed completion.
	// Counted toward the task's attempt budget.
	KindVerification Kind = "verification"

	// KindResource covers budget exhaustion, context window overflow,
	// and lock TTL misuse. The run is paused and the operator alerted.
	KindResource Kind = "resource"

	// KindCoordination covers deadlocks, semantic conflicts, and
	// file-ownership violations. Resolved or escalated by the PM.
	KindCoordination Kind = "coordination"

	// KindIntegrity covers store corruption, missing checkpoints, and
	// broken invariants. New waves halt; no automatic mutation follows.
	KindIntegrity Kind = "integrity"

	// KindAmbiguity covers conflicting or underspecified requirements.
	// Always escalated as decision_needed, never guessed.
	KindAmbiguity Kind = "ambiguity"
)

// Error is Conductor's structured error type. It always carries a Kind, a
// human-readable Message, optional Evidence (the data that triggered the
// error — a failing check's output, a conflicting task ID, …), and a
// SuggestedAction rendered to operators in status views.
type Error struct {
	Kind            Kind
	Message         string
	Evidence        string
	SuggestedAction string
	Cause           error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, target) match any *Error whose Kind equals
// target's Kind when target is itself a *Error (such as ErrNotFound);
// callers typically use KindOf instead.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithEvidence attaches evidence (failing check output, conflicting ID, …).
func (e *Error) WithEvidence(evidence string) *Error {
	e.Evidence = evidence
	return e
}

// WithSuggestedAction attaches the operator-facing next action.
func (e *Error) WithSuggestedAction(action string) *Error {
	e.SuggestedAction = action
	return e
}

// KindOf extracts the Kind from err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if ok := asError(err, &ce); ok {
		return ce.Kind
	}
	return ""
}

func asError(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel errors mirroring the task package's ErrTaskNotFound pattern,
// reused across store-backed entities.
var (
	ErrNotFound      = New(KindIntegrity, "entity not found")
	ErrAlreadyExists = New(KindCoordination, "entity already exists")
	ErrTerminalState = New(KindCoordination, "entity is in a terminal state")
)
