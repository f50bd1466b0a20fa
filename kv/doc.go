// Package kv defines the durable key/value store that holds client-side
// authentication state: the bearer token, resumable verification sessions,
// the cached device fingerprint and pending social-login state.
//
// # Implementations
//
//   - [MemoryStore]: process-local, supports [Watcher]; used by tests and embedded callers.
//   - [FileStore]: JSON file on disk; used by the CLI so each invocation resumes prior state.
//   - [RedisStore]: shared Redis keys with a pub/sub change feed; lets several
//     processes observe each other's logins the way browser tabs observe storage events.
//
// # What this package must NOT do
//
//   - Interpret stored values. Encoding belongs to the caller.
//   - Import authflow or any sibling package.
package kv
