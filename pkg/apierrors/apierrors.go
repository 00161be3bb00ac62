// Package apierrors defines the error kinds produced by the request
// pipeline and its supporting components, and their HTTP propagation
// rules (spec §7).
package apierrors

import (
	"errors"
	"fmt"
)

// AuthError is returned by the Security Gate when a required token is
// missing or does not match. Terminal for the request: 401.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("auth: %s", e.Reason) }

// RoutingError is returned when the path's alias segment does not match
// any configured DomainMapping. Terminal for the request: 404.
type RoutingError struct {
	Alias string
}

func (e *RoutingError) Error() string { return fmt.Sprintf("routing: unknown alias %q", e.Alias) }

// ThrottleError is returned when the Throttle Manager refuses admission,
// either because of an hourly-budget violation or an active cooldown.
// Terminal for the request: 429 with Retry-After.
type ThrottleError struct {
	RetryAfterSeconds int
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %ds", e.RetryAfterSeconds)
}

// UpstreamTransportError wraps a connection failure or timeout talking to
// the upstream. Yields a synthesized 502.
type UpstreamTransportError struct {
	Err error
}

func (e *UpstreamTransportError) Error() string { return fmt.Sprintf("upstream transport: %v", e.Err) }
func (e *UpstreamTransportError) Unwrap() error  { return e.Err }

// UpstreamStatusError wraps a non-transport-failure upstream response
// (including non-2xx statuses). Passed through unmodified to the client;
// when Status == 429 it also records a throttle violation.
type UpstreamStatusError struct {
	Status int
}

func (e *UpstreamStatusError) Error() string { return fmt.Sprintf("upstream status: %d", e.Status) }

// StorageError wraps a Store-level failure. Fatal at startup; at request
// time it degrades the cache layer to pass-through.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// CacheError wraps a serialization/compression failure. Always
// recoverable: lookups degrade to misses, stores degrade to no-ops.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache: %s: %v", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }

// As is a thin re-export of errors.As so callers need only import this
// package when switching on pipeline error kinds.
func As(err error, target any) bool { return errors.As(err, target) }
