package contest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/arena/go/internal/models"
)

var ErrContestNotFound = errors.New("contest not found")

// ValidationError is malformed admin input, rejected before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StateConflictError is a command that is not legal in the contest's
// current status. The contest is left untouched.
type StateConflictError struct {
	ContestID uuid.UUID
	Op        string
	Status    models.ContestStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s contest %s in status %s", e.Op, e.ContestID, e.Status)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsStateConflict(err error) bool {
	var c *StateConflictError
	return errors.As(err, &c)
}
