// Package devserver is an in-memory reference implementation of the HTTP
// contract consumed by authflow clients.
//
// It serves registration, phone login, password reset, password login with
// TOTP and backup codes, device challenges, device management, email
// verification, social login and age verification. Resend windows and
// failed-attempt budgets live in Redis (miniredis in tests); everything
// else is held in memory. One-time codes are not delivered anywhere: they
// are recorded in the [Outbox] so tests and the local CLI can read them.
//
// # Architecture boundaries
//
// The server is a test collaborator. It is not hardened for production
// traffic and keeps no durable state.
package devserver
