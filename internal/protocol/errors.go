package protocol

import "guardwatch.ai/internal/sim/guard/kernel/errs"

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"
	ErrNotInWorld      = "E_NOT_IN_WORLD"

	// Rule/action layer.
	ErrNotFound            = "E_NOT_FOUND"
	ErrNoPermission        = "E_NO_PERMISSION"
	ErrPrecondition        = "E_PRECONDITION"
	ErrBadRequest          = "E_BAD_REQUEST"
	ErrInsufficientBalance = "E_INSUFFICIENT_BALANCE"
	ErrInternal            = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:     {},
	ErrUnauthorized:        {},
	ErrNotInWorld:          {},
	ErrNotFound:            {},
	ErrNoPermission:        {},
	ErrPrecondition:        {},
	ErrBadRequest:          {},
	ErrInsufficientBalance: {},
	ErrInternal:            {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// CodeFor maps an engine error to its wire code. nil maps to "".
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	switch errs.CodeOf(err) {
	case errs.NotFound:
		return ErrNotFound
	case errs.Forbidden:
		return ErrNoPermission
	case errs.PreconditionFailed:
		return ErrPrecondition
	case errs.InvalidArgument:
		return ErrBadRequest
	case errs.InsufficientBalance:
		return ErrInsufficientBalance
	default:
		return ErrInternal
	}
}
