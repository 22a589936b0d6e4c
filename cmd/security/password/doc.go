// Package password hashes and verifies relay account passwords with Argon2id.
//
// Hashes use the PHC string format ($argon2id$v=19$m=..,t=..,p=..$salt$key).
// Encoded hashes are untrusted input: Verify bounds their parameters before
// running the KDF, and NeedsRehash reports hashes made with weaker settings
// so the caller can upgrade them on the next successful login.
package password
