package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mcplink/pkg/auth"
	"mcplink/pkg/oauth"
)

// DefaultHTTPTimeout bounds one outbound request, connect through full
// response.
const DefaultHTTPTimeout = 30 * time.Second

// DefaultIdleTimeout is the maximum silence tolerated on the event stream
// before it is considered dead and reconnected.
const DefaultIdleTimeout = 5 * time.Minute

// SSEOptions configures an HTTP/SSE transport.
type SSEOptions struct {
	// Endpoint is the server's base URL.
	Endpoint string

	// Signer attaches credentials to every outbound request and refreshes
	// them after a 401/403. Nil disables signing.
	Signer RequestSigner

	// HTTPTimeout bounds each POST request. Zero uses the default.
	HTTPTimeout time.Duration

	// IdleTimeout bounds silence on the event stream. Zero uses the default.
	IdleTimeout time.Duration

	// ConnectTimeout bounds stream establishment, including the wait for
	// the server's endpoint event. Zero uses the default.
	ConnectTimeout time.Duration

	// Logger receives transport diagnostics. Nil uses slog's default.
	Logger *slog.Logger
}

// SSE correlates outbound POST requests with events on a persistent
// server-sent event stream. Requests and responses are decoupled: the POST
// is acknowledged immediately and the matching result arrives on the
// stream keyed by the request's correlation id.
//
// On stream disconnection the transport attempts exactly one automatic
// reconnect before closing for good; requests in flight across a reconnect
// fail with ErrRequestAbandoned.
type SSE struct {
	opts   SSEOptions
	logger *slog.Logger

	postClient   *http.Client
	streamClient *http.Client

	mu          sync.Mutex
	pending     *pendingCalls
	postURL     string
	connected   bool
	closed      bool
	reconnected bool

	streamCancel  context.CancelFunc
	endpointReady chan struct{}

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// NewSSE creates a transport for the given endpoint. No connection is made
// until Connect.
func NewSSE(opts SSEOptions) *SSE {
	if opts.HTTPTimeout == 0 {
		opts.HTTPTimeout = DefaultHTTPTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSE{
		opts:   opts,
		logger: logger.With("transport", "sse", "endpoint", opts.Endpoint),

		postClient: &http.Client{Timeout: opts.HTTPTimeout},
		// The stream client carries no overall timeout: the event stream is
		// long-lived and silence is policed by the idle watchdog instead.
		streamClient: &http.Client{},

		pending:       newPendingCalls(),
		notifications: make(chan Notification, 64),
		done:          make(chan struct{}),
	}
}

// Connect opens the event stream and blocks until the server announces the
// POST endpoint or the connect budget elapses.
func (t *SSE) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.mu.Unlock()

	return t.openStream(ctx)
}

// openStream establishes the GET stream, starts the reader, and waits for
// the endpoint event.
func (t *SSE) openStream(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	streamCtx, streamCancel := context.WithCancel(context.Background())

	body, err := t.requestStream(connectCtx, streamCtx)
	if err != nil {
		streamCancel()
		if connectCtx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return err
	}

	ready := make(chan struct{})
	t.mu.Lock()
	t.streamCancel = streamCancel
	t.endpointReady = ready
	t.mu.Unlock()

	go t.readStream(body)

	select {
	case <-ready:
		return nil
	case <-connectCtx.Done():
		streamCancel()
		return fmt.Errorf("%w: no endpoint event within %s", ErrConnectTimeout, t.opts.ConnectTimeout)
	case <-t.done:
		return ErrTransportClosed
	}
}

// requestStream issues the signed GET that opens the event stream. A
// 401/403 triggers one credential refresh and one retry, mirroring the
// per-request policy.
func (t *SSE) requestStream(connectCtx, streamCtx context.Context) (io.ReadCloser, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.opts.Endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("building stream request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		if t.opts.Signer != nil {
			if err := t.opts.Signer.Sign(connectCtx, req); err != nil {
				return nil, fmt.Errorf("signing stream request: %w", err)
			}
		}

		resp, err := t.streamClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("opening event stream: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			challenge := oauth.ChallengeFromResponse(resp)
			resp.Body.Close()
			if attempt > 0 || t.opts.Signer == nil {
				return nil, fmt.Errorf("event stream rejected with %d: %w", resp.StatusCode, auth.ErrAuthenticationFailed)
			}
			t.logUnauthorized(resp.StatusCode, challenge)
			if err := t.opts.Signer.HandleUnauthorized(connectCtx, challenge); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
		}
		return resp.Body, nil
	}
}

// readStream parses events until the stream drops, then drives the
// single-reconnect policy.
func (t *SSE) readStream(body io.ReadCloser) {
	defer body.Close()

	// The watchdog cancels the stream request when the server has been
	// silent for longer than the idle budget.
	t.mu.Lock()
	cancel := t.streamCancel
	t.mu.Unlock()
	watchdog := time.AfterFunc(t.opts.IdleTimeout, func() {
		t.logger.Warn("event stream idle, reconnecting", "idle_timeout", t.opts.IdleTimeout)
		cancel()
	})
	defer watchdog.Stop()

	reader := bufio.NewReader(body)
	for {
		event, err := readSSEEvent(reader)
		if err != nil {
			t.onStreamDrop(err)
			return
		}
		watchdog.Reset(t.opts.IdleTimeout)
		t.handleEvent(event)
	}
}

// handleEvent dispatches one parsed stream event.
func (t *SSE) handleEvent(event sseEvent) {
	switch event.name {
	case "endpoint":
		t.setPostURL(event.data)
	case "message", "":
		var msg rpcMessage
		if err := json.Unmarshal([]byte(event.data), &msg); err != nil {
			t.logger.Warn("discarding unparseable event", "error", err.Error())
			return
		}
		if msg.ID != nil {
			t.mu.Lock()
			delivered := t.pending.deliver(msg)
			t.mu.Unlock()
			if !delivered {
				t.logger.Debug("response for unknown request id", "id", *msg.ID)
			}
			return
		}
		if msg.Method != "" {
			select {
			case t.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
				t.logger.Warn("notification channel full, dropping", "method", msg.Method)
			}
		}
	case "ping", "heartbeat":
		// Keepalives only reset the watchdog.
	default:
		t.logger.Debug("ignoring unknown event", "event", event.name)
	}
}

// setPostURL resolves the endpoint event's data, which may be relative to
// the stream URL, and unblocks Connect.
func (t *SSE) setPostURL(data string) {
	base, err := url.Parse(t.opts.Endpoint)
	if err != nil {
		t.logger.Warn("invalid endpoint base", "error", err.Error())
		return
	}
	ref, err := url.Parse(strings.TrimSpace(data))
	if err != nil {
		t.logger.Warn("invalid endpoint event payload", "error", err.Error())
		return
	}
	resolved := base.ResolveReference(ref).String()

	t.mu.Lock()
	t.postURL = resolved
	ready := t.endpointReady
	t.endpointReady = nil
	t.mu.Unlock()

	t.logger.Debug("post endpoint announced", "url", resolved)
	if ready != nil {
		close(ready)
	}
}

// onStreamDrop fails in-flight requests and attempts the one allowed
// reconnect. A second drop closes the transport.
func (t *SSE) onStreamDrop(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	// Requests correlated on the dead stream can never complete.
	t.pending.failAll(ErrRequestAbandoned)
	alreadyRetried := t.reconnected
	t.reconnected = true
	t.mu.Unlock()

	if alreadyRetried {
		t.logger.Warn("event stream lost after reconnect, closing", "error", cause.Error())
		t.terminate()
		return
	}

	t.logger.Warn("event stream lost, reconnecting once", "error", cause.Error())
	if err := t.openStream(context.Background()); err != nil {
		t.logger.Warn("reconnect failed, closing", "error", err.Error())
		t.terminate()
	}
}

// Call posts one request and blocks until the correlated event arrives.
func (t *SSE) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	postURL := t.postURL
	ch := t.pending.add(req.ID)
	t.mu.Unlock()

	if postURL == "" {
		t.mu.Lock()
		t.pending.remove(req.ID)
		t.mu.Unlock()
		return nil, fmt.Errorf("transport not connected")
	}

	frame, err := json.Marshal(rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Method:  req.Method,
		Params:  req.Params,
	})
	if err != nil {
		t.mu.Lock()
		t.pending.remove(req.ID)
		t.mu.Unlock()
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	if err := t.post(ctx, postURL, frame); err != nil {
		t.mu.Lock()
		t.pending.remove(req.ID)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		t.pending.remove(req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Notify posts a one-way frame.
func (t *SSE) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	closed, postURL := t.closed, t.postURL
	t.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	if postURL == "" {
		return fmt.Errorf("transport not connected")
	}

	frame, err := json.Marshal(rpcNotification{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return t.post(ctx, postURL, frame)
}

// post sends one signed frame. A 401/403 invokes the signer's refresh path
// exactly once and retries once; a second rejection is final.
func (t *SSE) post(ctx context.Context, postURL string, frame []byte) error {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(frame))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		if t.opts.Signer != nil {
			if err := t.opts.Signer.Sign(ctx, req); err != nil {
				return fmt.Errorf("signing request: %w", err)
			}
		}

		resp, err := t.postClient.Do(req)
		if err != nil {
			return fmt.Errorf("posting request: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			challenge := oauth.ChallengeFromResponse(resp)
			drainBody(resp)
			if attempt > 0 || t.opts.Signer == nil {
				return fmt.Errorf("request rejected with %d after refresh: %w", resp.StatusCode, auth.ErrAuthenticationFailed)
			}
			t.logUnauthorized(resp.StatusCode, challenge)
			if err := t.opts.Signer.HandleUnauthorized(ctx, challenge); err != nil {
				return err
			}
			continue
		}

		drainBody(resp)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}
}

func (t *SSE) logUnauthorized(status int, challenge *oauth.AuthChallenge) {
	attrs := []any{"status", status}
	if challenge != nil {
		attrs = append(attrs,
			"scheme", challenge.Scheme,
			"realm", challenge.Realm,
			"challenge_error", challenge.Error,
		)
	}
	t.logger.Debug("request unauthorized, invoking credential refresh", attrs...)
}

// Notifications returns the stream of server-initiated messages.
func (t *SSE) Notifications() <-chan Notification {
	return t.notifications
}

// terminate moves the transport to its final closed state.
func (t *SSE) terminate() {
	t.mu.Lock()
	t.closed = true
	t.pending.failAll(ErrTransportClosed)
	cancel := t.streamCancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.closeOnce.Do(func() {
		close(t.done)
		close(t.notifications)
	})
}

// Close tears the transport down. Idempotent.
func (t *SSE) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.terminate()
	return nil
}

// drainBody discards a small response body so the connection can be reused.
func drainBody(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))
	resp.Body.Close()
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readSSEEvent reads lines until a blank line terminates one event.
// Comment lines (leading colon) are skipped; multi-line data fields are
// joined with newlines per the SSE framing rules.
func readSSEEvent(reader *bufio.Reader) (sseEvent, error) {
	var event sseEvent
	var data []string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if event.name == "" && len(data) == 0 {
				continue
			}
			event.data = strings.Join(data, "\n")
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			event.name = value
		case "data":
			data = append(data, value)
		}
	}
}
