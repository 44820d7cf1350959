package store

import "errors"

var (
	// ErrNotFound indicates a record was not located.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateID indicates a create collided with an existing id.
	ErrDuplicateID = errors.New("store: duplicate id")
	// ErrAlreadyClaimed indicates another worker holds the job's lease.
	ErrAlreadyClaimed = errors.New("store: already claimed")
	// ErrNotPending indicates a claim was attempted on a non-pending job.
	ErrNotPending = errors.New("store: job not pending")
	// ErrLeaseExpired indicates the caller's lease was reassigned or reaped.
	ErrLeaseExpired = errors.New("store: lease expired")
	// ErrNotOwner indicates the caller does not hold the current lease.
	ErrNotOwner = errors.New("store: not lease owner")
	// ErrIllegalTransition indicates a proposed status change violates the
	// forward-only state machine.
	ErrIllegalTransition = errors.New("store: illegal transition")
	// ErrUnavailable indicates the store could not be reached after
	// bounded retries; it is surfaced distinctly so infrastructure faults
	// never masquerade as build failures.
	ErrUnavailable = errors.New("store: unavailable")
)
