package registry

import (
	"errors"
	"fmt"
)

// ErrUnknownWorker is returned for heartbeats naming a worker the
// registry has no record of.
var ErrUnknownWorker = errors.New("unknown worker")

// ErrNoWorkerAvailable is returned by Route when no healthy provider
// exposes the requested capability key.
var ErrNoWorkerAvailable = errors.New("no worker available")

// ValidationError rejects a malformed registration. The API layer maps
// it to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError reports a journal write failure. The mutation it
// guarded was not applied; the API layer maps it to 500.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("journal %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
