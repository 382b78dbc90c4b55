package permissions

import "errors"

var (
	// ErrInvalidPermission indicates an unrecognized permission level name.
	// It is returned before anything is persisted.
	ErrInvalidPermission = errors.New("invalid permission level")

	// ErrNotFound indicates the requested row does not exist. During
	// resolution the absence of a row in a single source is not an error;
	// the resolver swallows ErrNotFound and moves to the next source.
	ErrNotFound = errors.New("permission not found")

	// ErrAlreadyExists indicates a uniqueness violation on
	// (resource_key, principal).
	ErrAlreadyExists = errors.New("permission already exists")

	// ErrStoreUnavailable indicates the backing store could not be reached.
	// It is propagated, never retried here; retries belong to the store's
	// own transport layer.
	ErrStoreUnavailable = errors.New("permission store unavailable")
)
