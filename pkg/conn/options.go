package conn

import (
	"log/slog"
	"time"

	"mcplink/pkg/auth"
)

const (
	// EnvEndpoint overrides the remote endpoint at session construction.
	EnvEndpoint = "MCPLINK_ENDPOINT"

	// EnvToken supplies a bearer token when no auth is configured.
	EnvToken = "MCPLINK_TOKEN"
)

// DefaultConnectTimeout bounds session opening, transport establishment
// plus the protocol handshake.
const DefaultConnectTimeout = 10 * time.Second

type sessionOptions struct {
	authConfig     auth.Config
	env            map[string]string
	connectTimeout time.Duration
	httpTimeout    time.Duration
	idleTimeout    time.Duration
	logger         *slog.Logger
	clientName     string
	clientVersion  string
}

// Option configures a session at Open time.
type Option func(*sessionOptions)

// WithAuth sets the authentication configuration. Ignored, by policy, for
// local stdio servers.
func WithAuth(cfg auth.Config) Option {
	return func(o *sessionOptions) { o.authConfig = cfg }
}

// WithEnv adds environment overrides for a local server process.
func WithEnv(env map[string]string) Option {
	return func(o *sessionOptions) {
		if o.env == nil {
			o.env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.env[k] = v
		}
	}
}

// WithConnectTimeout bounds transport establishment and the handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *sessionOptions) { o.connectTimeout = d }
}

// WithHTTPTimeout bounds each outbound HTTP request on a remote session.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *sessionOptions) { o.httpTimeout = d }
}

// WithSSEIdleTimeout bounds silence on a remote session's event stream.
func WithSSEIdleTimeout(d time.Duration) Option {
	return func(o *sessionOptions) { o.idleTimeout = d }
}

// WithLogger routes session and transport diagnostics to the given logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *sessionOptions) { o.logger = logger }
}

// WithClientInfo sets the name and version announced in the handshake.
func WithClientInfo(name, version string) Option {
	return func(o *sessionOptions) {
		o.clientName = name
		o.clientVersion = version
	}
}

func newSessionOptions(opts []Option) sessionOptions {
	o := sessionOptions{
		connectTimeout: DefaultConnectTimeout,
		clientName:     "mcplink",
		clientVersion:  "1.0.0",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}
