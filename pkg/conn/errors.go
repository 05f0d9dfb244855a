package conn

import (
	"errors"

	"mcplink/internal/transport"
	"mcplink/pkg/auth"
	"mcplink/pkg/oauth"
)

// ErrInvalidAddress means the server locator is neither a well-formed URL
// nor a well-formed local command line. Fatal, not retried.
var ErrInvalidAddress = errors.New("conn: invalid server address")

// ErrSessionClosed means an operation was attempted on a session that is
// closing or closed. This is caller misuse and is always reported.
var ErrSessionClosed = errors.New("conn: session closed")

// Aliases for the sentinels raised by lower layers, so callers can classify
// every failure with errors.Is against this package alone.
var (
	ErrConnectTimeout       = transport.ErrConnectTimeout
	ErrTransportClosed      = transport.ErrTransportClosed
	ErrRequestAbandoned     = transport.ErrRequestAbandoned
	ErrAuthenticationFailed = auth.ErrAuthenticationFailed
	ErrStateMismatch        = oauth.ErrStateMismatch
	ErrAuthorizationTimeout = oauth.ErrAuthorizationTimeout
)
