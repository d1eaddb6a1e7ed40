package relister

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("relister: no store configured")
	ErrStoreClosed     = errors.New("relister: store closed")
	ErrMigrationFailed = errors.New("relister: migration failed")

	// Not found errors.
	ErrJobNotFound    = errors.New("relister: job not found")
	ErrTaskNotFound   = errors.New("relister: task not found")
	ErrTenantNotFound = errors.New("relister: tenant not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("relister: job already exists")
	ErrTaskAlreadyExists = errors.New("relister: task already exists")

	// State errors.
	ErrInvalidTransition  = errors.New("relister: invalid state transition")
	ErrJobTerminal        = errors.New("relister: job is in a terminal state")
	ErrTaskTerminal       = errors.New("relister: task is in a terminal state")
	ErrUnknownAction      = errors.New("relister: unknown action code")
	ErrMaxRetriesExceeded = errors.New("relister: max retries exceeded")

	// Dispatcher errors.
	ErrDispatcherStopped = errors.New("relister: dispatcher stopped")
	ErrWorkerExists      = errors.New("relister: worker already exists for tenant")
)
