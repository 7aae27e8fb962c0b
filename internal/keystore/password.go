package keystore

import (
	"fmt"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/storage"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// ChangePasswordOptions tunes ChangePassword.
type ChangePasswordOptions struct {
	// Iterations requests a PBKDF2 cost for the new password. A value
	// below the current count is ignored.
	Iterations int
}

// SetPassword converts a passwordless store into a password store. Every
// record is re-encrypted under a key derived from password on a fresh salt.
func (s *Store) SetPassword(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if s.state != StatePasswordlessUnlocked {
		return fmt.Errorf("%w: store already has a password", walleterr.ErrConflict)
	}
	if len(password) == 0 {
		return fmt.Errorf("%w: empty password", walleterr.ErrValidation)
	}

	meta, err := s.touchedMetadata()
	if err != nil {
		return err
	}
	iterations := s.policy.Resolve(meta.Pbkdf2Iterations)

	if err := s.rekeyWithPassword(meta, password, iterations); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}

	log.Infof("Password set (%d iterations)", iterations)
	return nil
}

// ChangePassword replaces the password of a password store. The iteration
// count never goes down.
func (s *Store) ChangePassword(oldPassword, newPassword []byte,
	opts ChangePasswordOptions) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if s.state != StatePasswordUnlocked {
		return fmt.Errorf("%w: store has no password", walleterr.ErrConflict)
	}
	if len(newPassword) == 0 {
		return fmt.Errorf("%w: empty password", walleterr.ErrValidation)
	}

	meta, err := s.touchedMetadata()
	if err != nil {
		return err
	}
	active := s.source.(passwordKey).iterations
	if err := s.verifyPassword(oldPassword, active); err != nil {
		return err
	}

	current := active
	if meta.Pbkdf2Iterations > current {
		current = meta.Pbkdf2Iterations
	}

	iterations := s.policy.ForChange(opts.Iterations, current)
	if err := s.rekeyWithPassword(meta, newPassword, iterations); err != nil {
		return fmt.Errorf("failed to change password: %w", err)
	}

	log.Infof("Password changed (%d iterations)", iterations)
	return nil
}

// RemovePassword converts a password store back to passwordless mode under
// a new random master key.
func (s *Store) RemovePassword(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if s.state != StatePasswordUnlocked {
		return fmt.Errorf("%w: store has no password", walleterr.ErrConflict)
	}

	meta, err := s.touchedMetadata()
	if err != nil {
		return err
	}
	if err := s.verifyPassword(password, s.source.(passwordKey).iterations); err != nil {
		return err
	}

	plain, err := s.decryptAll()
	if err != nil {
		return err
	}
	defer wipeRecords(plain)

	storeID, err := s.db.GetOrCreateStoreID()
	if err != nil {
		return fmt.Errorf("failed to read store id: %w", err)
	}

	key, err := crypto.GenerateRandom(crypto.KeySize)
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(key)

	enc, err := s.newSealer(key)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	cs := storage.NewChangeset()
	if err := stageReencrypt(cs, enc, plain); err != nil {
		enc.Destroy()
		return fmt.Errorf("failed to remove password: %w", err)
	}

	src, undo, err := s.stagePasswordlessKey(cs, storeID, key)
	if err != nil {
		enc.Destroy()
		return err
	}
	cs.DeleteMeta(storage.MetaSalt)
	meta.HasPassword = false
	cs.SetMetadata(meta)

	if err := s.commit(cs); err != nil {
		undo()
		enc.Destroy()
		return fmt.Errorf("failed to remove password: %w", err)
	}

	s.activate(enc, src)
	log.Infof("Password removed")
	return nil
}

// verifyPassword checks password against the stored verifier without
// touching the active key.
func (s *Store) verifyPassword(password []byte, iterations int) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: current password required",
			walleterr.ErrUnauthorized)
	}

	enc, err := s.passwordSealer(password, iterations)
	if err != nil {
		return err
	}
	enc.Destroy()
	return nil
}

// rekeyWithPassword re-encrypts every record under a key derived from
// password and commits it together with the new salt and meta. On error
// nothing has been written.
func (s *Store) rekeyWithPassword(meta *storage.Metadata, password []byte,
	iterations int) error {

	plain, err := s.decryptAll()
	if err != nil {
		return err
	}
	defer wipeRecords(plain)

	kdf, err := crypto.NewKDF(iterations)
	if err != nil {
		return err
	}
	key, err := kdf.DeriveKey(password)
	if err != nil {
		return fmt.Errorf("failed to derive key: %w", err)
	}
	defer crypto.ClearBytes(key)

	enc, err := s.newSealer(key)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}

	cs := storage.NewChangeset()
	if err := stageReencrypt(cs, enc, plain); err != nil {
		enc.Destroy()
		return err
	}
	cs.PutMeta(storage.MetaSalt, kdf.Salt)
	cs.DeleteMeta(storage.MetaKeyEnvelope)
	cs.DeleteMeta(storage.MetaKeyHandle)

	meta.HasPassword = true
	meta.Pbkdf2Iterations = iterations
	cs.SetMetadata(meta)

	if err := s.commit(cs); err != nil {
		enc.Destroy()
		return err
	}

	previous := s.source
	s.activate(enc, passwordKey{iterations: iterations})
	s.forgetKeySource(previous)
	return nil
}

// decryptAll returns every record in plaintext under the active key.
func (s *Store) decryptAll() (map[string][]byte, error) {
	records, err := s.db.Records()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	plain := make(map[string][]byte, len(records))
	for k, data := range records {
		value, err := openRecord(s.enc, data)
		if err != nil {
			wipeRecords(plain)
			return nil, fmt.Errorf("failed to decrypt %q: %w", k, err)
		}
		plain[k] = value
	}
	return plain, nil
}

// stageReencrypt replaces the records bucket and the verifier with copies
// sealed by enc.
func stageReencrypt(cs *storage.Changeset, enc sealer, plain map[string][]byte) error {
	cs.ClearRecords()
	for k, value := range plain {
		data, err := sealRecord(enc, value)
		if err != nil {
			return err
		}
		cs.PutRecord(k, data)
	}
	return stageVerifier(cs, enc)
}

func wipeRecords(plain map[string][]byte) {
	for _, v := range plain {
		crypto.ClearBytes(v)
	}
}
