// Package password hashes the reference server's credentials with Argon2id.
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// # What this package must NOT do
//
//   - Store passwords; callers supply plaintext and receive hashes.
//   - Log plaintext passwords.
package password
