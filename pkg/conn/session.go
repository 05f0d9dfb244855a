package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"mcplink/internal/transport"
	"mcplink/pkg/auth"
)

// protocolVersion is the MCP revision announced in the handshake.
const protocolVersion = "2024-11-05"

// SessionState is a session's lifecycle position.
type SessionState int

const (
	StateCreated SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one logical connection to one tool server. It owns its
// transport exclusively and correlates requests with a monotonic sequence.
type Session struct {
	id      string
	address ServerAddress
	opts    sessionOptions

	transport transport.Transport
	seq       atomic.Int64

	mu    sync.Mutex
	state SessionState

	serverInfo   mcp.Implementation
	capabilities mcp.ServerCapabilities

	notifications chan mcp.JSONRPCNotification
}

// Open connects to the server at the given address and performs the
// protocol handshake. The environment overrides MCPLINK_ENDPOINT and
// MCPLINK_TOKEN are read once, here.
func Open(ctx context.Context, address string, opts ...Option) (*Session, error) {
	o := newSessionOptions(opts)

	if override := os.Getenv(EnvEndpoint); override != "" {
		o.logger.Debug("using endpoint override from environment", "endpoint", override)
		address = override
	}

	addr, err := ParseServerAddress(address)
	if err != nil {
		return nil, err
	}

	if token := os.Getenv(EnvToken); token != "" && o.authConfig.IsNone() {
		o.logger.Debug("using bearer token override from environment")
		o.authConfig = auth.StaticToken(token)
	}

	s := &Session{
		id:            uuid.NewString(),
		address:       addr,
		opts:          o,
		state:         StateCreated,
		notifications: make(chan mcp.JSONRPCNotification, 64),
	}

	if err := s.buildTransport(); err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, o.connectTimeout)
	defer cancel()

	if err := s.open(connectCtx); err != nil {
		s.transport.Close()
		if errors.Is(err, context.DeadlineExceeded) && connectCtx.Err() != nil {
			return nil, fmt.Errorf("%w: handshake incomplete after %s", ErrConnectTimeout, o.connectTimeout)
		}
		return nil, err
	}

	s.mu.Lock()
	s.state = StateOpen
	s.mu.Unlock()

	defaultRegistry.register(s)
	go s.pumpNotifications()

	s.opts.logger.Debug("session opened",
		"session_id", s.id,
		"address", addr.String(),
		"remote", addr.Remote,
	)
	return s, nil
}

// buildTransport selects the transport from the parsed address. Local
// processes are never authenticated over the wire; any configured auth
// other than none is ignored by policy.
func (s *Session) buildTransport() error {
	if s.address.Remote {
		signer, err := auth.NewHandler(s.opts.authConfig)
		if err != nil {
			return err
		}
		s.transport = transport.NewSSE(transport.SSEOptions{
			Endpoint:       s.address.URL,
			Signer:         signer,
			HTTPTimeout:    s.opts.httpTimeout,
			IdleTimeout:    s.opts.idleTimeout,
			ConnectTimeout: s.opts.connectTimeout,
			Logger:         s.opts.logger,
		})
		return nil
	}

	if !s.opts.authConfig.IsNone() {
		s.opts.logger.Debug("ignoring auth configuration for local server",
			"command", s.address.Command,
		)
	}
	s.transport = transport.NewStdio(transport.StdioOptions{
		Command: s.address.Command,
		Args:    s.address.Args,
		Env:     s.opts.env,
		Logger:  s.opts.logger,
	})
	return nil
}

// open establishes the transport and runs the initialize handshake.
func (s *Session) open(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return err
	}

	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: protocolVersion,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    s.opts.clientName,
			Version: s.opts.clientVersion,
		},
	}

	raw, err := s.transport.Call(ctx, transport.Request{
		ID:     s.seq.Add(1),
		Method: "initialize",
		Params: params,
	})
	if err != nil {
		return fmt.Errorf("initialize handshake: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("decoding initialize result: %w", err)
	}
	s.serverInfo = result.ServerInfo
	s.capabilities = result.Capabilities

	if err := s.transport.Notify(ctx, "notifications/initialized", struct{}{}); err != nil {
		return fmt.Errorf("completing handshake: %w", err)
	}
	return nil
}

// ID returns the registry key for this session.
func (s *Session) ID() string {
	return s.id
}

// Address returns the parsed server address.
func (s *Session) Address() ServerAddress {
	return s.address
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the server's announced implementation details.
func (s *Session) ServerInfo() mcp.Implementation {
	return s.serverInfo
}

// Capabilities returns the server's announced capabilities.
func (s *Session) Capabilities() mcp.ServerCapabilities {
	return s.capabilities
}

// Call sends one request and waits for its correlated response. While the
// session is not open, calls fail with ErrSessionClosed without touching
// the transport.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	if s.state != StateOpen {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, state)
	}
	s.mu.Unlock()

	raw, err := s.transport.Call(ctx, transport.Request{
		ID:     s.seq.Add(1),
		Method: method,
		Params: params,
	})
	if errors.Is(err, ErrTransportClosed) {
		// Abrupt transport failure moves the session straight to closed.
		s.markClosed()
	}
	return raw, err
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Call(ctx, "ping", nil)
	return err
}

// Notifications returns the stream of server-initiated messages. The
// channel is closed when the session closes.
func (s *Session) Notifications() <-chan mcp.JSONRPCNotification {
	return s.notifications
}

// pumpNotifications converts transport frames into protocol notifications
// until the transport closes.
func (s *Session) pumpNotifications() {
	for n := range s.transport.Notifications() {
		note := mcp.JSONRPCNotification{
			JSONRPC: mcp.JSONRPC_VERSION,
			Notification: mcp.Notification{
				Method: n.Method,
			},
		}
		if len(n.Params) > 0 {
			var fields map[string]any
			if err := json.Unmarshal(n.Params, &fields); err != nil {
				s.opts.logger.Warn("discarding unparseable notification params",
					"method", n.Method,
					"error", err.Error(),
				)
			} else {
				if meta, ok := fields["_meta"].(map[string]any); ok {
					note.Params.Meta = meta
					delete(fields, "_meta")
				}
				note.Params.AdditionalFields = fields
			}
		}
		select {
		case s.notifications <- note:
		default:
			s.opts.logger.Warn("notification channel full, dropping", "method", n.Method)
		}
	}
	close(s.notifications)
}

// markClosed records an abrupt transport failure.
func (s *Session) markClosed() {
	s.mu.Lock()
	alreadyClosed := s.state == StateClosed
	s.state = StateClosed
	s.mu.Unlock()

	if !alreadyClosed {
		defaultRegistry.unregister(s.id)
		s.opts.logger.Debug("session closed by transport failure", "session_id", s.id)
	}
}

// Close tears the session down. Outstanding requests fail per the
// transport's semantics; closing an already-closed session is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	err := s.transport.Close()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()

	defaultRegistry.unregister(s.id)
	s.opts.logger.Debug("session closed", "session_id", s.id)
	return err
}

// requestTimeoutContext applies a default bound when the caller supplied
// none, so discovery helpers cannot hang forever on a silent server.
func requestTimeoutContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 2*time.Minute)
}
