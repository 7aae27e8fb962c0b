// Package crypto provides the cryptographic primitives used by lockwallet.
//
// Encryption uses AES-256-GCM with:
//   - 32-byte key, either derived from a password via PBKDF2 or random
//   - 12-byte random IV per encryption operation
//   - 16-byte authentication tag appended to the ciphertext
//
// Key derivation uses PBKDF2-HMAC-SHA256 with:
//   - 32-byte random salt (stored unencrypted)
//   - 600,000 iterations by default
//
// Every authentication failure is reported as walleterr.ErrDecryption. A
// wrong key and a corrupted ciphertext are deliberately indistinguishable.
//
// Memory safety:
//   - Use ClearBytes() to zero sensitive data after use
//   - Call Encryptor.Destroy() when done with encryption operations
package crypto
