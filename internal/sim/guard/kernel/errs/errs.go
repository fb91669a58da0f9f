package errs

import (
	"errors"
	"fmt"
)

type Code string

const (
	NotFound            Code = "NOT_FOUND"
	Forbidden           Code = "FORBIDDEN"
	PreconditionFailed  Code = "PRECONDITION_FAILED"
	InvalidArgument     Code = "INVALID_ARGUMENT"
	InsufficientBalance Code = "INSUFFICIENT_BALANCE"
	Internal            Code = "INTERNAL"
)

type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

// Is matches any *Error carrying the same code, so errors.Is(err, errs.E(errs.Forbidden, ""))
// and errs.Is(err, errs.Forbidden) agree.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func E(code Code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Msg: msg}
}

// CodeOf returns the reason tag of err, Internal for foreign errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
