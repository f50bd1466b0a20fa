// Package device implements device identity and trust for the client.
//
// A device is identified by a fingerprint: a BLAKE2b-256 digest over stable
// signals (user agent, language, screen geometry, timezone offset and a
// rendering or host entropy source). The fingerprint is a heuristic identifier,
// not a proof of possession; anyone who can reproduce the signals can reproduce
// it. It is cached in the client's durable store so it stays stable across
// restarts.
//
// [Manager] wraps the device endpoints: best-effort registration, the
// device-code challenge used for logins from unrecognized devices, explicit
// trust (password required), revocation, listing and the security check.
//
// # What this package must NOT do
//
//   - Store the session token.
//   - Treat the fingerprint as a secret.
//   - Import authflow.
package device
