package dispatch

import "errors"

var (
	// Store errors.
	ErrNoStore            = errors.New("dispatch: no store configured")
	ErrStoreClosed        = errors.New("dispatch: store closed")
	ErrMigrationFailed    = errors.New("dispatch: migration failed")
	ErrStorageUnavailable = errors.New("dispatch: storage unavailable")

	// Not found errors.
	ErrJobNotFound      = errors.New("dispatch: job not found")
	ErrJobAlreadyExists = errors.New("dispatch: job already exists")

	// Catalog and registration errors. These are configuration errors and
	// must stop the process from starting.
	ErrUnknownKind    = errors.New("dispatch: unknown job kind")
	ErrDuplicateKind  = errors.New("dispatch: duplicate job kind")
	ErrMissingHandler = errors.New("dispatch: no handler registered for kind")

	// Validation errors.
	ErrPayloadInvalid = errors.New("dispatch: payload validation failed")

	// State errors.
	ErrInvalidState = errors.New("dispatch: invalid state transition")
	ErrLeaseLost    = errors.New("dispatch: lease lost")
)
