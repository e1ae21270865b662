// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the caller supplied invalid input.
var ErrValidation = errors.New("validation failed")

// ErrInvalidState indicates an operation is not allowed in the entity's current state.
// Nothing is written when an operation fails with this error.
var ErrInvalidState = errors.New("invalid state")

// ErrUnauthorized indicates missing or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// ErrAccountLocked indicates too many failed login attempts for an identity.
var ErrAccountLocked = errors.New("account locked")
