// Package internal holds random code helpers shared by the reference server.
//
// # Sub-packages
//
//   - events: async notification dispatch (Dispatcher + Sink implementations)
//   - rate: Redis-backed resend windows and failed-attempt budgets
//   - stepup: the step-up authentication state machine
package internal
