package models

import "errors"

var (
	ErrAuthRequired      = errors.New("authentication required")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrCallBusy          = errors.New("call already in progress")
	ErrTargetUnreachable = errors.New("user unreachable")
	ErrStaleSignal       = errors.New("stale signal")
	ErrPersistence       = errors.New("persistence failure")
	ErrNotFound          = errors.New("not found")
	ErrInvalidFrame      = errors.New("invalid frame")
)

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrCallBusy):
		return "call_busy"
	case errors.Is(err, ErrTargetUnreachable):
		return "target_unreachable"
	case errors.Is(err, ErrStaleSignal):
		return "stale_signal"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidFrame):
		return "invalid_frame"
	default:
		return "internal"
	}
}
