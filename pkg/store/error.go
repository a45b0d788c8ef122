package store

import "errors"

// NotFoundError is returned when a chat, message, branch, checkpoint, or
// stream doesn't exist in the store.
type NotFoundError struct {
	// Kind is the entity kind: "chat", "message", "branch", "checkpoint",
	// or "stream".
	Kind string

	// ID identifies the missing entity (for branches and checkpoints this
	// is "chatID/name").
	ID string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return e.Kind + " not found"
	}

	return e.Kind + " not found: " + e.ID
}

// IsNotFound reports whether err is a NotFoundError of any kind.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// InvariantError is returned when a write would violate a structural
// invariant (self-parenting message, cross-chat parent, over-deep chain,
// reopening a live stream). The offending write is rejected before any row
// is touched.
type InvariantError struct {
	Reason string
}

func (e InvariantError) Error() string {
	return "invariant violation: " + e.Reason
}

// IsInvariant reports whether err is an InvariantError.
func IsInvariant(err error) bool {
	var iv InvariantError
	return errors.As(err, &iv)
}
