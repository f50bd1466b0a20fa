// Package jwt issues and verifies the session tokens of the reference server.
// Tokens are bound to a device session so that revoking the device session
// invalidates every token issued for it.
package jwt
