// Package conn is the public façade for connecting to MCP tool servers.
//
// A server address is either a remote URL (http/https, served over an SSE
// event stream) or a local command line (served over the child process's
// standard streams); the scheme is the sole discriminator and is decided
// once, at session creation.
//
// Open parses the address, wires up the configured authentication
// strategy, performs the protocol handshake, and returns a Session. Every
// open session is tracked in a process-wide registry; CloseAll tears down
// whatever the caller forgot, exactly once per session.
package conn
