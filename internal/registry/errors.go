package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrAgentNotFound is returned when no record exists for an agent id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when registering an id that is already taken.
	ErrAgentExists = errors.New("agent already registered")

	// ErrInvalidID is returned for ids that are not UUIDv4.
	ErrInvalidID = errors.New("invalid agent id")

	// ErrInvalidTransition is returned when a status change would move backward.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrLocked is returned when the registry lock could not be acquired.
	ErrLocked = errors.New("registry is locked by another process")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	AgentID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: cannot move from %s to %s", e.AgentID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
