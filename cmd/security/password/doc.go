// Package password hashes and verifies conversation lock secrets.
//
// It implements Argon2id hashing using a PHC-like encoded string format and includes:
//   - Configurable Argon2id parameters (via environment variables)
//   - A length policy for lock secrets
//   - Strict hash decoding with anti-DoS bounds during Verify
//
// Plain secrets are never stored or returned; only the encoded hash leaves this package.
package password
