// Package api is the HTTP gateway between the client and the remote auth service.
//
// Every request goes through [Client.Do], which attaches the bearer token, the
// anti-forgery (XSRF) header for state-changing methods, and a request id, then
// translates every non-2xx response into exactly one member of the [Error] union:
//
//	422  -> *ValidationError
//	429  -> *RateLimitedError
//	401  -> *SessionInvalidError
//	403  -> *DeviceVerificationRequiredError (when the body flags it) or *RequestError
//	419  -> *CSRFMismatchError
//	5xx  -> *ServerError
//	I/O  -> *NetworkError
//
// Use [KindOf] for exhaustive switches.
//
// # Architecture boundaries
//
// The client reads the token through [TokenSource] and never writes it. A 401 on a
// request that carried a token is reported through Options.OnUnauthorized; the owner
// of the token decides what to clear.
//
// # What this package must NOT do
//
//   - Store or clear the session token.
//   - Retry auth-critical calls. Only requests opting in with [WithRetry] are retried,
//     and only after transport failures.
//   - Import authflow or any other package of this module.
package api
