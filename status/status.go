package status

import (
	"errors"
	"fmt"
)

// Code is the coarse result taxonomy reported by the executor.
type Code int

const (
	Ok Code = iota
	NotFound
	Busy
	Corrupted
	InvalidArgs
	Unfinished
	Finished
	IgnoreData
	// Internal covers engine failures that fit none of the other codes.
	Internal
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "ok"
	case NotFound:
		return "not_found"
	case Busy:
		return "busy"
	case Corrupted:
		return "corrupted"
	case InvalidArgs:
		return "invalid_args"
	case Unfinished:
		return "unfinished"
	case Finished:
		return "finished"
	case IgnoreData:
		return "ignore_data"
	default:
		return "internal"
	}
}

// Error carries a Code across the executor boundary. The wrapped cause is kept
// for logging only; callers branch on Code.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound    = &Error{Code: NotFound}
	ErrBusy        = &Error{Code: Busy}
	ErrCorrupted   = &Error{Code: Corrupted}
	ErrInvalidArgs = &Error{Code: InvalidArgs}
	ErrUnfinished  = &Error{Code: Unfinished}
	ErrFinished    = &Error{Code: Finished}
	ErrIgnoreData  = &Error{Code: IgnoreData}
)

// New builds an error for op with the given code and optional cause.
func New(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds an error for op with a formatted cause.
func Errorf(code Code, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the Code of err. nil maps to Ok and foreign errors to Internal.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsSuccess reports whether err is nil or a code callers treat as success.
func IsSuccess(err error) bool {
	switch CodeOf(err) {
	case Ok, IgnoreData, Finished, Unfinished:
		return true
	}
	return false
}
