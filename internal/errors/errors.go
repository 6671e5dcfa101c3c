// Package errors defines the error kinds surfaced by the runtime manager and
// the mapping from an error to a process exit code.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error.
type ErrorCode string

const (
	// ErrCodeArgument indicates malformed command-line input.
	ErrCodeArgument ErrorCode = "ARGUMENT"
	// ErrCodeInvalidConfiguration indicates a configuration value failed validation.
	ErrCodeInvalidConfiguration ErrorCode = "INVALID_CONFIGURATION"
	// ErrCodeInvalidFeed indicates an index document failed validation.
	ErrCodeInvalidFeed ErrorCode = "INVALID_FEED"
	// ErrCodeInvalidFeedVersion indicates an index entry declared an unsupported schema.
	ErrCodeInvalidFeedVersion ErrorCode = "INVALID_FEED_VERSION"
	// ErrCodeHashMismatch indicates a downloaded artifact failed verification.
	ErrCodeHashMismatch ErrorCode = "HASH_MISMATCH"
	// ErrCodeNoInstalls indicates there are no installs to choose from.
	ErrCodeNoInstalls ErrorCode = "NO_INSTALLS"
	// ErrCodeNoInstallFound indicates no install matched the requested tag.
	ErrCodeNoInstallFound ErrorCode = "NO_INSTALL_FOUND"
	// ErrCodeNotFound indicates a lookup found nothing.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeInvalidInstall indicates an install directory is corrupt.
	ErrCodeInvalidInstall ErrorCode = "INVALID_INSTALL"
	// ErrCodeNoInternet indicates the network is unavailable.
	ErrCodeNoInternet ErrorCode = "NO_INTERNET"
	// ErrCodeFilesInUse indicates files could not be removed because they are held open.
	ErrCodeFilesInUse ErrorCode = "FILES_IN_USE"
	// ErrCodeAutomaticInstallDisabled indicates policy forbids automatic installs.
	ErrCodeAutomaticInstallDisabled ErrorCode = "AUTOMATIC_INSTALL_DISABLED"
	// ErrCodeTransport indicates every download backend failed.
	ErrCodeTransport ErrorCode = "TRANSPORT"
)

// ExitAutomaticInstallDisabled is the fixed exit code for AutomaticInstallDisabled.
const ExitAutomaticInstallDisabled = 0xA0000006

// Error carries a kind, a user-facing message, an optional cause and the
// process exit code to use when it reaches the dispatcher.
type Error struct {
	Code     ErrorCode
	Message  string
	Cause    error
	ExitCode int
	Context  map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message != "" || t.Cause != nil {
		return false
	}
	if t.Code == ErrCodeInvalidFeed && e.Code == ErrCodeInvalidFeedVersion {
		return true
	}
	return t.Code == e.Code
}

// New creates an error of the given kind.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, ExitCode: defaultExitCode(code)}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a kind and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause, ExitCode: defaultExitCode(code)}
}

// WithContext attaches debugging context to the error and returns it.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Kind returns a bare error usable as an errors.Is target for the code.
func Kind(code ErrorCode) error {
	return &Error{Code: code}
}

// IsKind reports whether any error in err's chain has the given code.
func IsKind(err error, code ErrorCode) bool {
	return stderrors.Is(err, Kind(code))
}

func defaultExitCode(code ErrorCode) int {
	if code == ErrCodeAutomaticInstallDisabled {
		return ExitAutomaticInstallDisabled
	}
	return 1
}

// SilentError marks an error that has already been reported to the user.
// The dispatcher only propagates its exit code.
type SilentError struct {
	Err error
}

func (e *SilentError) Error() string {
	if e.Err == nil {
		return "silent error"
	}
	return e.Err.Error()
}

func (e *SilentError) Unwrap() error {
	return e.Err
}

// Silent wraps err so the dispatcher does not report it a second time.
func Silent(err error) error {
	if err == nil {
		return nil
	}
	var s *SilentError
	if stderrors.As(err, &s) {
		return err
	}
	return &SilentError{Err: err}
}

// IsSilent reports whether err has already been reported.
func IsSilent(err error) bool {
	var s *SilentError
	return stderrors.As(err, &s)
}

// ExitCode returns the process exit code for err: 0 for nil, the code carried
// by the first *Error in the chain, and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if stderrors.As(err, &e) && e.ExitCode != 0 {
		return e.ExitCode
	}
	return 1
}

// NoInstallFound reports that no install matched tag.
func NoInstallFound(tag string) *Error {
	return Newf(ErrCodeNoInstallFound, "no runtime installed that matches %s", tag).WithContext("tag", tag)
}

// HashMismatch reports a failed artifact verification.
func HashMismatch(path, algo, expected, actual string) *Error {
	return Newf(ErrCodeHashMismatch, "hash mismatch for %s (%s)", path, algo).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

// InvalidFeed reports a validation failure at the dotted path.
func InvalidFeed(path, message string) *Error {
	if path == "" {
		return New(ErrCodeInvalidFeed, message)
	}
	return Newf(ErrCodeInvalidFeed, "%s: %s", path, message).WithContext("path", path)
}
