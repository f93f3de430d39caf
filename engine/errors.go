package engine

import (
	"errors"
	"fmt"
)

// Entity kinds used in NotFoundError.
const (
	KindBoard = "board"
	KindList  = "list"
	KindCard  = "card"
	KindUser  = "user"
)

// ErrRevisionConflict is returned by a Store when a conditional write loses a
// race. Operations retry on it; callers see it only once the attempt budget
// is spent.
var ErrRevisionConflict = errors.New("revision conflict")

// ErrForbidden is returned when the caller is not a member of the board.
var ErrForbidden = errors.New("not a board member")

// ValidationError reports malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NotFoundError reports that a referenced entity does not resolve. It is
// raised before any mutation so a failed precondition leaves every document
// untouched.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
