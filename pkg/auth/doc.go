// Package auth turns a declarative authentication configuration into a
// request-signing strategy for HTTP transports.
//
// A Config is a closed variant: exactly one of no-auth, a static bearer
// token, a dynamic token provider, a custom handler, or a browser-based
// OAuth flow is active per connection. Static headers may be merged
// underneath any variant.
//
// The resulting Handler exposes two operations: Sign attaches credential
// material to an outbound request, and HandleUnauthorized is invoked after
// a 401/403 response to refresh or re-acquire credentials before the
// transport retries the request once.
package auth
