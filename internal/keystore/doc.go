// Package keystore implements the encrypted key-value store that holds the
// wallet mnemonic and any other secret records.
//
// Every record is sealed with AES-256-GCM under a single master key. The
// master key comes from one of three sources:
//
//   - a password, stretched with PBKDF2 over a salt kept in the database
//   - a random key held by the OS keyring, with only its handle persisted
//   - a random key persisted as a raw envelope when no keyring is usable
//
// Password add, change and remove decrypt and re-encrypt everything in
// memory first, then apply the result in one bbolt transaction. A failure
// before that commit leaves the database as it was.
package keystore
