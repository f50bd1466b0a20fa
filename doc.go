// Package authflow is the client side of a multi-step authentication service:
// the step-up login state machine and the session lifecycle around it.
//
// A [Client] is built once through [Builder] and owns every piece of
// process-wide auth state: the bearer token (through tokenstore), the
// resolved user, the step-up state and the verification flows. Consumers read
// that state through the Client instead of touching storage directly.
//
// # Login paths
//
// Password login ([Client.SubmitCredentials]), phone login ([Client.PhoneLogin]
// then [Client.SubmitPhoneCode]), registration ([Client.Registration] then
// [Client.CompleteRegistration]) and social login ([Client.SocialAuthURL] then
// [Client.CompleteSocialLogin]) all end in the same step-up sequence:
//
//	primary -> two-factor? -> device verification? -> age verification? -> authenticated
//
// Each gate is left only by completing its own challenge, or abandoned back to
// anonymous with [Client.BackToLogin].
//
// # Session lifecycle
//
// [Client.Bootstrap] resolves a stored token once at startup. [Client.Start]
// runs the background refresh, the poll for logins made by other processes and
// the store watcher; all three stay quiet while a device challenge is open.
// [Client.Close] stops them.
//
// # What this package must NOT do
//
//   - Write the token anywhere except through its own token store.
//   - Log tokens, passwords or one-time codes.
//   - Retry login or code verification calls.
package authflow
