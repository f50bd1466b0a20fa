// Package verification implements the step-indexed, server-tracked flows that
// exchange a one-time code: [Registration], [PhoneLogin] and [PasswordReset].
//
// Each flow persists its [Session] (session id, step, timers) as one JSON blob per
// flow kind so a restarted process resumes the same step. Resend cooldowns are
// always derived from the server's absolute "available at" epoch through
// [Countdown], and a resend inside the window fails locally with
// [ErrResendCooldown] without a network call. [CodeInput] guards auto-submission
// of fixed-length codes, and every flow tags its calls with a generation number so
// responses that arrive after Back or Abandon are discarded with [ErrStale].
//
// # What this package must NOT do
//
//   - Store the session token (flows return it; the caller persists it).
//   - Retry verification calls.
//   - Import authflow.
package verification
