// Package storage provides the BBolt database interface for lockwallet.
//
// Database structure uses two buckets:
//   - records: logical key -> encrypted record (opaque to this package)
//   - meta: store metadata (JSON), KDF salt, password verifier, passwordless
//     key envelope or key handle, store identity
//
// Password-lifecycle migrations touch both buckets. They are expressed as a
// Changeset and applied by Commit inside a single BBolt read-write
// transaction, so either every change lands or none does.
//
// BBolt provides ACID transactions, file locking, and corruption detection.
package storage
