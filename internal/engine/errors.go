package engine

import (
	"errors"
	"fmt"

	"deskline/internal/domain"
	"deskline/internal/repo"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrAlreadyAnswered   = errors.New("question already resolved")
	ErrConflictingClaim  = errors.New("conflicting claim")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrNotFound is repo.ErrNotFound; a row in another tenant is not found too.
	ErrNotFound = repo.ErrNotFound
)

// TransitionError describes a rejected state change. It matches
// ErrInvalidTransition with errors.Is.
type TransitionError struct {
	Op   string
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s -> %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
