// Package transport provides the framed-message channels a connection
// session runs on: a stdio transport that owns a child process and an
// HTTP/SSE transport that correlates outbound requests with events on a
// persistent server-sent event stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"mcplink/pkg/oauth"
)

// Sentinel errors shared by both transports.
var (
	// ErrConnectTimeout means the transport failed to establish within its
	// connect budget. The caller may retry.
	ErrConnectTimeout = errors.New("transport: connect timed out")

	// ErrTransportClosed means the underlying process or stream has ended.
	// All outstanding work fails and the transport rejects further sends.
	ErrTransportClosed = errors.New("transport: closed")

	// ErrRequestAbandoned means one specific call could not be completed,
	// typically because the event stream was re-established while the call
	// was in flight. The transport itself may remain usable.
	ErrRequestAbandoned = errors.New("transport: request abandoned")
)

// Request is one outbound call. The ID is assigned by the session's
// sequence and echoed by the server on the matching response.
type Request struct {
	ID     int64
	Method string
	Params any
}

// Notification is an inbound server-initiated message with no
// correlation id.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Transport is a duplex framed-message channel to one server.
type Transport interface {
	// Connect establishes the channel. It blocks until the transport is
	// ready to carry requests or the connect budget elapses.
	Connect(ctx context.Context) error

	// Call sends a request and blocks until the correlated response
	// arrives, the context is done, or the transport fails.
	Call(ctx context.Context, req Request) (json.RawMessage, error)

	// Notify sends a one-way message with no response expected.
	Notify(ctx context.Context, method string, params any) error

	// Notifications returns the stream of server-initiated messages.
	// The channel is closed when the transport closes.
	Notifications() <-chan Notification

	// Close tears the channel down. Idempotent.
	Close() error
}

// RequestSigner attaches credential material to outbound HTTP requests and
// refreshes it after an authorization failure. pkg/auth handlers satisfy it.
type RequestSigner interface {
	Sign(ctx context.Context, req *http.Request) error
	HandleUnauthorized(ctx context.Context, challenge *oauth.AuthChallenge) error
}

const jsonRPCVersion = "2.0"

// rpcRequest is an outbound JSON-RPC 2.0 request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcNotification is an outbound frame with no id and no expected response.
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is any inbound frame: a response (ID set, Result or Error) or
// a server notification (Method set, ID absent).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// callResult resolves one in-flight request: either the correlated response
// frame or a transport-level failure.
type callResult struct {
	msg rpcMessage
	err error
}

// pendingCalls tracks in-flight requests by correlation id. Both transports
// embed one behind their own mutex; delivery and failure are single-shot
// per id.
type pendingCalls struct {
	calls map[int64]chan callResult
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[int64]chan callResult)}
}

// add registers a waiter. The returned channel has capacity one so the
// reader loop never blocks on delivery.
func (p *pendingCalls) add(id int64) chan callResult {
	ch := make(chan callResult, 1)
	p.calls[id] = ch
	return ch
}

func (p *pendingCalls) remove(id int64) {
	delete(p.calls, id)
}

// deliver routes a response to its waiter. Unknown ids are dropped; the
// waiter may have abandoned the call already.
func (p *pendingCalls) deliver(msg rpcMessage) bool {
	if msg.ID == nil {
		return false
	}
	ch, ok := p.calls[*msg.ID]
	if !ok {
		return false
	}
	delete(p.calls, *msg.ID)
	ch <- callResult{msg: msg}
	return true
}

// failAll resolves every outstanding call with the given cause and clears
// the table. No waiter is left hanging.
func (p *pendingCalls) failAll(err error) {
	for id, ch := range p.calls {
		ch <- callResult{err: err}
		delete(p.calls, id)
	}
}
