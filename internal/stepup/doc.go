// Package stepup holds the login attempt state machine.
//
// A login attempt moves from Anonymous through PrimaryPending into at most one
// pending challenge at a time, and ends in Authenticated. Legal moves are listed
// in a single transition table; everything else fails with
// [ErrIllegalTransition]. Every attempt carries a generation number so that a
// response arriving after the user abandoned the attempt can be discarded.
//
// # What this package must NOT do
//
//   - Perform I/O or know about HTTP responses.
//   - Import authflow or any sibling internal package.
package stepup
