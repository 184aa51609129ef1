// Package tokenstore holds OAuth token material per (agent, provider)
// pair.
//
// Two implementations exist: an in-memory store used by default and in
// tests, and a file-backed store that persists records as a single
// AES-256-GCM encrypted blob keyed from a master key (argon2id
// derivation). Plaintext token material leaves the store only in the
// records returned to callers; the durable form is ciphertext.
//
// Semantics shared by both: writes replace the whole record for a key
// atomically, reads never observe a partially written record, and a record
// past its expiry with no refresh token reads as absent.
package tokenstore
