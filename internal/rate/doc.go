// Package rate provides Redis-backed resend windows and attempt counters used by
// the reference server to enforce code cooldowns and brute-force limits.
//
// # Window semantics
//
// Resend windows store the absolute "available at" epoch second under the key, so
// callers can report it back to clients verbatim. Attempt counters are fixed
// windows: INCR + conditional EXPIRE on first hit. Key prefixes:
//   - rs: resend window per scope+subject
//   - fa: failed verification attempts per scope+subject
//
// # What this package must NOT do
//
//   - Decide which flows are limited (the server handlers do).
//   - Be imported outside the authflow module.
package rate
