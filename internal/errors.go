package scribe

import "errors"

// Sentinel errors for the proxy domain. The HTTP layer maps these to the
// error taxonomy; everything else classifies with errors.Is.
var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrUpstream        = errors.New("upstream error")
	ErrUpstreamAuth    = errors.New("upstream authentication failed")
	ErrClientCancelled = errors.New("client cancelled")
	ErrInternal        = errors.New("internal error")
	// ErrStorageDisabled marks dashboard data routes unusable when persistence
	// is switched off by configuration.
	ErrStorageDisabled = errors.New("storage disabled")
)
