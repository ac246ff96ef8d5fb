package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Config errors

type ErrConfigNotFound struct {
	Path string
}

func (e *ErrConfigNotFound) Error() string {
	return fmt.Sprintf("config file not found: %s", e.Path)
}

type ErrConfigParse struct {
	Err error
}

func (e *ErrConfigParse) Error() string {
	return fmt.Sprintf("failed to parse YAML: %v", e.Err)
}

func (e *ErrConfigParse) Unwrap() error {
	return e.Err
}

type ErrConfigValidation struct {
	Err error
}

func (e *ErrConfigValidation) Error() string {
	return fmt.Sprintf("config validation failed: %v", e.Err)
}

func (e *ErrConfigValidation) Unwrap() error {
	return e.Err
}

// ConfigError reports a missing or weak security setting. It is fatal: callers
// must never downgrade it to "unauthenticated".
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}

// Database errors

type ErrDatabaseOpen struct {
	Path string
	Err  error
}

func (e *ErrDatabaseOpen) Error() string {
	return fmt.Sprintf("failed to open database %s: %v", e.Path, e.Err)
}

func (e *ErrDatabaseOpen) Unwrap() error {
	return e.Err
}

type ErrDatabaseMigration struct {
	Version int
	Err     error
}

func (e *ErrDatabaseMigration) Error() string {
	return fmt.Sprintf("database migration %d failed: %v", e.Version, e.Err)
}

func (e *ErrDatabaseMigration) Unwrap() error {
	return e.Err
}

type ErrDatabaseQuery struct {
	Operation string
	Err       error
}

func (e *ErrDatabaseQuery) Error() string {
	return fmt.Sprintf("database query failed for operation %s: %v", e.Operation, e.Err)
}

func (e *ErrDatabaseQuery) Unwrap() error {
	return e.Err
}

// DependencyUnavailableError marks a storage or backend failure. Unlike lookup
// misses it must not be treated as "not found"; callers fail closed.
type DependencyUnavailableError struct {
	Operation string
	Err       error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency unavailable during %s: %v", e.Operation, e.Err)
}

func (e *DependencyUnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a DependencyUnavailableError. A nil err stays nil.
func Unavailable(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyUnavailableError{Operation: operation, Err: err}
}

// IsDependencyUnavailable reports whether err is, or wraps, a DependencyUnavailableError.
func IsDependencyUnavailable(err error) bool {
	var dep *DependencyUnavailableError
	return stderrors.As(err, &dep)
}

// Credential errors. MalformedCredential, BadSignature, Expired and Revoked all
// collapse to "unauthenticated" at the HTTP boundary.

var (
	ErrMalformedCredential = stderrors.New("malformed credential")
	ErrBadSignature        = stderrors.New("bad signature")
	ErrExpired             = stderrors.New("credential expired")
	ErrRevoked             = stderrors.New("credential revoked")
)

// Lookup errors

var (
	ErrNotFound = stderrors.New("not found")
	ErrConflict = stderrors.New("conflict")
)

// ErrInvalidOrExpired is returned for any linking code that cannot be redeemed,
// whether it never existed, was already used, or expired.
var ErrInvalidOrExpired = stderrors.New("invalid or expired code")

// RateLimitedError is distinct from authentication failures: the caller is
// known but must wait.
type RateLimitedError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s, retry after %s", e.Action, e.RetryAfter)
}

// Server errors

type ErrServerStart struct {
	Addr string
	Err  error
}

func (e *ErrServerStart) Error() string {
	return fmt.Sprintf("failed to start server on %s: %v", e.Addr, e.Err)
}

func (e *ErrServerStart) Unwrap() error {
	return e.Err
}

type ErrServerShutdown struct {
	Err error
}

func (e *ErrServerShutdown) Error() string {
	return fmt.Sprintf("server shutdown failed: %v", e.Err)
}

func (e *ErrServerShutdown) Unwrap() error {
	return e.Err
}

// Filesystem errors

type ErrDirectoryCreate struct {
	Path string
	Err  error
}

func (e *ErrDirectoryCreate) Error() string {
	return fmt.Sprintf("failed to create directory %s: %v", e.Path, e.Err)
}

func (e *ErrDirectoryCreate) Unwrap() error {
	return e.Err
}

type ErrFileRead struct {
	Path string
	Err  error
}

func (e *ErrFileRead) Error() string {
	return fmt.Sprintf("failed to read file %s: %v", e.Path, e.Err)
}

func (e *ErrFileRead) Unwrap() error {
	return e.Err
}
