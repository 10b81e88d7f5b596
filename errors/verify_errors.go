package errors

import "errors"

// Token verification failures. Distinguished internally so callers can tell
// transient from hard failures; presented uniformly on the wire.
var (
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
	ErrTokenBadIssuer        = errors.New("token issuer mismatch")
	ErrTokenBadAudience      = errors.New("token audience mismatch")
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenRevoked          = errors.New("token revoked")
)
