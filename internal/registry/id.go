package registry

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a fresh random agent id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID checks that id is a canonical version 4 UUID. Ids name files on
// disk, so nothing else is accepted.
func ValidateID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if parsed.Version() != 4 || parsed.String() != id {
		return fmt.Errorf("%w: %q is not a canonical UUIDv4", ErrInvalidID, id)
	}
	return nil
}
