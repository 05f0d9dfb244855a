// Package oauth implements the client side of the OAuth 2.1 Authorization
// Code flow with PKCE, as used to authenticate against protected MCP servers.
//
// The package provides four building blocks:
//
//   - PKCE generation (GeneratePKCE, GenerateState): the cryptographic
//     material binding an authorization code to this client.
//   - Flow: an explicit state machine driving one authorization attempt,
//     from opening the local callback listener through exchanging the
//     authorization code at the token endpoint.
//   - TokenStore: durable, owner-only persistence of token records, keyed
//     by server identity (authorization endpoint host + client name).
//   - WWW-Authenticate parsing, used to classify 401 responses.
//
// The package deliberately knows nothing about transports or sessions; the
// auth resolver in pkg/auth decides when a flow or a refresh is needed.
package oauth
