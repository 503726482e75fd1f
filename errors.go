package vmcache

import (
	"errors"
	"fmt"
)

// Error represents a vmcache error with an error code
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // wrapped error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vmcache: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("vmcache: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target carries the same error code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// ErrorCode classifies vmcache errors
type ErrorCode int

const (
	// Success indicates the operation completed successfully
	Success ErrorCode = 0

	// ErrInvalid indicates an invalid configuration or argument
	ErrInvalid ErrorCode = -31000

	// ErrBadValSize indicates a key/payload pair that does not fit in a node
	ErrBadValSize ErrorCode = -31001

	// ErrVirtualExhausted indicates the virtual region has no PIDs left
	ErrVirtualExhausted ErrorCode = -31002

	// ErrIO indicates the storage device failed a read or write
	ErrIO ErrorCode = -31003

	// ErrInvariant indicates a broken page-state or node invariant
	ErrInvariant ErrorCode = -31004

	// ErrCorrupted indicates a tree that fails structural verification
	ErrCorrupted ErrorCode = -31005

	// ErrNoFrame indicates the physical frame pool is empty
	ErrNoFrame ErrorCode = -31006

	// ErrTreesFull indicates the metadata page has no free root slot
	ErrTreesFull ErrorCode = -31007

	// ErrClosed indicates use of a closed buffer manager
	ErrClosed ErrorCode = -31008
)

// Error descriptions
var errorMessages = map[ErrorCode]string{
	Success:             "success",
	ErrInvalid:          "invalid argument",
	ErrBadValSize:       "invalid key or value size",
	ErrVirtualExhausted: "virtual region too small (raise VIRTGB)",
	ErrIO:               "storage I/O failure",
	ErrInvariant:        "internal invariant violated",
	ErrCorrupted:        "tree is corrupted",
	ErrNoFrame:          "no free physical frame",
	ErrTreesFull:        "metadata page has no free tree slot",
	ErrClosed:           "buffer manager is closed",
}

// NewError creates a new Error with the given code
func NewError(code ErrorCode) *Error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = fmt.Sprintf("unknown error code %d", code)
	}
	return &Error{Code: code, Message: msg}
}

// WrapError creates a new Error wrapping another error
func WrapError(code ErrorCode, err error) *Error {
	e := NewError(code)
	e.Err = err
	return e
}

// Common error variables for convenience
var (
	ErrInvalidError          = NewError(ErrInvalid)
	ErrBadValSizeError       = NewError(ErrBadValSize)
	ErrVirtualExhaustedError = NewError(ErrVirtualExhausted)
	ErrCorruptedError        = NewError(ErrCorrupted)
	ErrTreesFullError        = NewError(ErrTreesFull)
	ErrClosedError           = NewError(ErrClosed)
)

// errRestart is returned by guards when an optimistic snapshot went stale.
// It unwinds to the operation's retry loop and never reaches callers.
var errRestart = errors.New("vmcache: restart")

// IsBadValSize returns true if the error is ErrBadValSize
func IsBadValSize(err error) bool {
	return Code(err) == ErrBadValSize
}

// IsCorrupted returns true if the error indicates a structurally broken tree
func IsCorrupted(err error) bool {
	return Code(err) == ErrCorrupted
}

// Code returns the error code from an error, or ErrInvalid if not a vmcache error
func Code(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInvalid
}

// corruptf builds an ErrCorrupted error with a formatted cause.
func corruptf(format string, args ...any) *Error {
	return WrapError(ErrCorrupted, fmt.Errorf(format, args...))
}

// assert panics with ErrInvariant when cond does not hold.
func assert(cond bool, what string) {
	if !cond {
		panic(WrapError(ErrInvariant, errors.New(what)))
	}
}
