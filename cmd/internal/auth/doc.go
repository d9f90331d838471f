// Package auth resolves the caller identity of HTTP and WebSocket requests.
//
// Account management lives in the identity service upstream; this package only
// verifies what that service issues. Two modes exist: PASETO v4.public access
// tokens carrying a "uid" claim, and a trusted header set by a gateway in front
// of LangMate (development and internal deployments only).
package auth
