package agreement

import "errors"

// Failure kinds surfaced to callers. Match with errors.Is; messages carry detail.
var (
	ErrInvalidInput       = errors.New("agreement: invalid input")
	ErrNotFound           = errors.New("agreement: not found")
	ErrForbidden          = errors.New("agreement: forbidden")
	ErrConflict           = errors.New("agreement: conflict")
	ErrPreconditionFailed = errors.New("agreement: precondition failed")
)

var (
	// ErrDuplicateReference signals a reference code collision on insert.
	ErrDuplicateReference = errors.New("agreement: duplicate reference")
	// ErrStale signals the stored version moved since it was read.
	ErrStale = errors.New("agreement: stale version")
)
