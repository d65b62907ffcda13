package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrConflict is returned when an insert violates a uniqueness constraint,
// e.g. registering a handle that is already taken.
var ErrConflict = errors.New("storage: conflict")
