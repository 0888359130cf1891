package domain

import "errors"

// Error kinds surfaced by the ingestion pipeline. Concrete failures wrap one of
// these so callers can branch with errors.Is.
var (
	// ErrTransient marks listing, download and poll failures that may succeed later.
	ErrTransient = errors.New("transient network failure")

	// ErrIntegrity marks a digest mismatch on a downloaded artifact.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrProtocol marks an unusable classifier response.
	ErrProtocol = errors.New("classifier protocol violation")

	// ErrPersistence marks a rolled back database transaction.
	ErrPersistence = errors.New("persistence failure")

	// ErrPrecondition marks a run refused because of the ledger state.
	ErrPrecondition = errors.New("precondition not met")
)
