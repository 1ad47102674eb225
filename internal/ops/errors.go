// Package ops implements the per-method TURN/STUN request handlers: Binding,
// Allocate, Refresh, CreatePermission, ChannelBind, Send, Data, and
// ChannelData. Handlers are pure with respect to the wire — they take a
// decoded request and return the bytes to send, touching only
// internal/session.Store and internal/observer.Observer as side effects.
package ops

import "github.com/kuuji/turngate/internal/stun"

// STUN/TURN error codes this relay returns (RFC 8489 §14.8, RFC 8656 §18.13).
const (
	ErrTryAlternate          = 300
	ErrBadRequest            = 400
	ErrUnauthorized          = 401
	ErrForbidden             = 403
	ErrUnknownAttribute      = 420
	ErrAllocationMismatch    = 437
	ErrStaleNonce            = 438
	ErrAddressFamilyMismatch = 440
	ErrWrongCredentials      = 441
	ErrUnsupportedTransport  = 442
	ErrAllocationQuotaReached = 486
	ErrServerError           = 500
	ErrInsufficientCapacity  = 508
)

// buildError constructs an error response mirroring req's method and
// transaction ID. Error responses are never integrity-protected on the
// first 401/438 challenge (the client has no key yet); later error
// responses on an authenticated exchange could add MESSAGE-INTEGRITY, but
// this relay keeps all error paths uniform and unsigned, matching how the
// teacher's codec builds its own error paths.
func buildError(req *stun.Message, code int, reason string) []byte {
	return stun.NewResponse(req, stun.ClassErrorResponse).
		ErrorCode(code, reason).
		Build(stun.IntegrityNone, nil, true)
}
