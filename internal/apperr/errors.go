// Package apperr defines the sentinel errors shared by the matching engine,
// the credit ledger and the chat runtime. Callers match them with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation is a malformed action payload. No state changed.
	ErrValidation = errors.New("validation error")

	// ErrUnauthorized means the caller is not a participant of the room.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInsufficientResource means a balance is below the required cost.
	ErrInsufficientResource = errors.New("insufficient credits")

	// ErrNotFound is an unknown room, message or user.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a lost create race; callers re-fetch instead of retrying.
	ErrConflict = errors.New("conflict")

	// ErrExternal wraps notifier and presence failures. Logged, never fatal.
	ErrExternal = errors.New("external dependency failure")

	// ErrTransactionUnsupported is reported by stores that cannot run a
	// multi-record transaction.
	ErrTransactionUnsupported = errors.New("transactions not supported")

	// ErrRoomClosed means the room is archived.
	ErrRoomClosed = errors.New("room is archived")
)

// Code maps an error to the short code sent to clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "invalid_payload"
	case errors.Is(err, ErrUnauthorized):
		return "forbidden"
	case errors.Is(err, ErrInsufficientResource):
		return "insufficient_credits"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
