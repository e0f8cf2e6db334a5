// Package errs defines the error taxonomy used to decide, at each call
// site, whether an event is dropped, retried on the next delivery, or
// whether processing continues past a damaged shard of data.
package errs

import "github.com/pkg/errors"

// TransientHttp wraps a failed outbound HTTP call (5xx or network error).
// The current event is dropped; the bus will redeliver it.
type TransientHttp struct {
	Op  string
	Err error
}

func (e *TransientHttp) Error() string {
	return "transient http error during " + e.Op + ": " + e.Err.Error()
}

func (e *TransientHttp) Unwrap() error { return e.Err }

// NewTransientHttp wraps err as a TransientHttp, tagged with the
// operation that failed.
func NewTransientHttp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientHttp{Op: op, Err: err}
}

// AuthUnavailable means a credential refresh attempt failed. The event is
// dropped; a later event will retry the refresh.
type AuthUnavailable struct {
	Provider string
	Err      error
}

func (e *AuthUnavailable) Error() string {
	return "auth unavailable for provider " + e.Provider + ": " + e.Err.Error()
}

func (e *AuthUnavailable) Unwrap() error { return e.Err }

func NewAuthUnavailable(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &AuthUnavailable{Provider: provider, Err: err}
}

// ParseError means malformed git or LLM output. The offending shard
// (line, hunk, chunk) is skipped; processing continues.
type ParseError struct {
	Source string
	Err    error
}

func (e *ParseError) Error() string {
	return "parse error in " + e.Source + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

func NewParseError(source string, err error) error {
	if err == nil {
		return nil
	}
	return &ParseError{Source: source, Err: err}
}

// MissingData means a commit or local_dir is absent from the clone. The
// caller should attempt a git pull; if still missing, skip the PR.
type MissingData struct {
	What string
}

func (e *MissingData) Error() string { return "missing data: " + e.What }

func NewMissingData(what string) error {
	return &MissingData{What: what}
}

// StoreError wraps a KV read/write failure. The operation is abandoned;
// no partial writes are committed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "store error during " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// ConfigError means a required environment variable was absent at
// startup. Fatal at process start.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return "config error for " + e.Field + ": " + e.Err.Error()
	}
	return "config error: missing " + e.Field
}

func (e *ConfigError) Unwrap() error { return e.Err }

func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// Wrap is a thin re-export of pkg/errors.Wrap so call sites across the
// module only need to import this package for both the taxonomy and
// generic wrapping.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, format string, args ...any) error {
	return errors.Wrapf(err, format, args...)
}

// Cause unwraps to the deepest pkg/errors-wrapped cause.
func Cause(err error) error {
	return errors.Cause(err)
}
