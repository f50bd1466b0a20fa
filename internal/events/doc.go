// Package events implements async delivery of client notifications
// (success/error toasts, welcome messages, navigation requests).
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: structured notification with timestamp, type, message, target and metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; that responsibility belongs to the Client and the verification flows.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on auth state.
//   - Import authflow or any sibling internal package.
//   - Perform network I/O beyond what a caller-supplied Sink does.
package events
