package state

import "errors"

// ErrNotFound indicates a referenced task or executor does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalid indicates a request that fails validation.
var ErrInvalid = errors.New("invalid request")

// ErrConflict indicates a precondition failure, such as an illegal status
// transition or a stale concurrent update.
var ErrConflict = errors.New("conflict")

// ErrUnauthorized indicates the actor is not allowed to perform the operation.
var ErrUnauthorized = errors.New("unauthorized")

// ErrCycle indicates a reparent that would create a cycle in the tree.
var ErrCycle = errors.New("reparent would create a cycle")
