// Package transport owns the lifecycle of the persistent connection to the
// assistant service: handshake, send, receive-dispatch, disconnect, and bounded
// reconnection with exponential backoff.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Close codes relevant to the reconnect decision.
const (
	// CloseNormal is sent on intentional teardown and never triggers a reconnect.
	CloseNormal = 1000
	// ClosePolicyViolation is how the service rejects the auth handshake.
	ClosePolicyViolation = 1008
)

// Common transport errors.
var (
	// ErrConnectTimeout is returned when a send gave up waiting for the
	// connection to come up.
	ErrConnectTimeout = errors.New("timed out waiting for connection")

	// ErrNotConnected is returned when an operation requires a live connection.
	ErrNotConnected = errors.New("not connected")

	// ErrReconnectExhausted is surfaced after the reconnect attempt ceiling is
	// reached; further attempts require an explicit Connect.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrReconnecting is the transient error surfaced while the manager is
	// waiting to re-establish a lost connection.
	ErrReconnecting = errors.New("connection lost, reconnecting")
)

// HandshakeError reports an auth handshake rejected by the remote end. It is
// fatal: the manager does not retry automatically.
type HandshakeError struct {
	Reason string
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}

// CloseError reports the transport closing with a status code.
type CloseError struct {
	Code   int
	Reason string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// Socket is a single established bidirectional connection.
type Socket interface {
	// ReadJSON blocks until the next inbound frame is decoded into v. When the
	// peer closes the connection it returns a *CloseError.
	ReadJSON(v any) error

	// WriteJSON sends one frame.
	WriteJSON(v any) error

	// Close tears the connection down, sending the given close code.
	Close(code int, reason string) error
}

// Dialer establishes a Socket. Production uses the websocket dialer; tests
// inject fakes.
type Dialer func(ctx context.Context, url string) (Socket, error)

// TokenProvider supplies the credential sent in the auth handshake.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to the TokenProvider interface.
type TokenProviderFunc func(ctx context.Context) (string, error)

// Token implements TokenProvider.
func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }
