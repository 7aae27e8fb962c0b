package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/keyring"
	"github.com/illarion/lockwallet/internal/storage"
	"github.com/illarion/lockwallet/internal/walleterr"
)

const (
	// MnemonicKey is the record whose presence means a wallet exists.
	MnemonicKey = "mnemonic"

	keyCheckString = "lockwallet-key-check"
)

// ErrClosed is returned by every call on a closed store.
var ErrClosed = errors.New("keystore closed")

// State is the lifecycle position of a Store.
type State int

const (
	StateUninitialized State = iota
	StatePasswordlessUnlocked
	StatePasswordUnlocked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePasswordlessUnlocked:
		return "passwordless"
	case StatePasswordUnlocked:
		return "password"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Options configures a Store.
type Options struct {
	// Vault holds passwordless master keys. Nil forces the raw envelope.
	Vault keyring.Vault

	// Policy picks PBKDF2 iteration counts for new passwords.
	Policy IterationPolicy

	// Now overrides the clock used for metadata timestamps.
	Now func() time.Time
}

// Store is an encrypted key-value map persisted in bbolt. Calls on one
// instance are serialized.
type Store struct {
	mu sync.Mutex

	path   string
	db     *storage.Storage
	vault  keyring.Vault
	policy IterationPolicy
	now    func() time.Time

	state  State
	enc    sealer
	source keySource

	// Replaced in tests to inject failures between compute and commit.
	newSealer  func(key []byte) (sealer, error)
	commitHook func() error
}

// Open opens or creates the database at path. The store starts
// uninitialized; call Init to unlock it.
func Open(path string, opts Options) (*Store, error) {
	db, err := storage.Open(path)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		path:      path,
		db:        db,
		vault:     opts.Vault,
		policy:    opts.Policy,
		now:       now,
		state:     StateUninitialized,
		newSealer: newEncryptorSealer,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// State reports the lifecycle state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether the active master key is persisted as raw bytes
// in the database because the OS keyring could not hold it.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.source.(rawEnvelopeKey)
	return ok
}

// Init unlocks the store, creating it first when it has never been
// initialized. An empty password selects passwordless mode.
func (s *Store) Init(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if s.state != StateUninitialized {
		return fmt.Errorf("%w: store is already unlocked", walleterr.ErrConflict)
	}

	meta, err := s.db.GetMetadata()
	if err != nil {
		return fmt.Errorf("failed to read metadata: %w", err)
	}
	if meta == nil {
		return s.create(password)
	}

	if meta.HasPassword {
		return s.unlockWithPassword(meta, password)
	}
	if len(password) > 0 {
		return fmt.Errorf("%w: store has no password, unlock it and set one",
			walleterr.ErrConflict)
	}
	return s.unlockPasswordless()
}

// create initializes an empty store in the mode chosen by password.
func (s *Store) create(password []byte) error {
	storeID, err := s.db.GetOrCreateStoreID()
	if err != nil {
		return fmt.Errorf("failed to create store id: %w", err)
	}

	meta := storage.NewMetadata(s.now())
	cs := storage.NewChangeset()
	undo := func() {}

	var (
		key []byte
		src keySource
	)
	if len(password) > 0 {
		iterations := s.policy.Resolve(0)
		kdf, err := crypto.NewKDF(iterations)
		if err != nil {
			return err
		}
		key, err = kdf.DeriveKey(password)
		if err != nil {
			return fmt.Errorf("failed to derive key: %w", err)
		}
		cs.PutMeta(storage.MetaSalt, kdf.Salt)
		cs.DeleteMeta(storage.MetaKeyEnvelope)
		cs.DeleteMeta(storage.MetaKeyHandle)
		meta.HasPassword = true
		meta.Pbkdf2Iterations = iterations
		src = passwordKey{iterations: iterations}
	} else {
		key, err = crypto.GenerateRandom(crypto.KeySize)
		if err != nil {
			return err
		}
		cs.DeleteMeta(storage.MetaSalt)
		src, undo, err = s.stagePasswordlessKey(cs, storeID, key)
		if err != nil {
			crypto.ClearBytes(key)
			return err
		}
	}
	defer crypto.ClearBytes(key)

	enc, err := s.newSealer(key)
	if err != nil {
		undo()
		return fmt.Errorf("failed to create encryptor: %w", err)
	}
	if err := stageVerifier(cs, enc); err != nil {
		undo()
		enc.Destroy()
		return err
	}
	cs.SetMetadata(meta)

	if err := s.commit(cs); err != nil {
		undo()
		enc.Destroy()
		return err
	}

	s.activate(enc, src)
	log.Infof("Initialized %s store", s.state)
	return nil
}

func (s *Store) unlockWithPassword(meta *storage.Metadata, password []byte) error {
	if len(password) == 0 {
		return fmt.Errorf("%w: store is password protected",
			walleterr.ErrUnauthorized)
	}

	iterations := s.policy.Resolve(meta.Pbkdf2Iterations)
	enc, err := s.passwordSealer(password, iterations)
	if err != nil {
		return err
	}

	s.activate(enc, passwordKey{iterations: iterations})
	log.Debugf("Unlocked password store (%d iterations)", iterations)
	return nil
}

// passwordSealer derives the key for password from the stored salt and
// checks it against the verifier.
func (s *Store) passwordSealer(password []byte, iterations int) (sealer, error) {
	salt, err := s.db.GetSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	if salt == nil {
		return nil, fmt.Errorf("%w: password store has no salt",
			walleterr.ErrConfiguration)
	}

	key, err := crypto.DeriveKey(password, salt, iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer crypto.ClearBytes(key)

	enc, err := s.newSealer(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if err := s.checkVerifier(enc); err != nil {
		enc.Destroy()
		return nil, err
	}
	return enc, nil
}

func (s *Store) unlockPasswordless() error {
	key, src, err := s.loadPasswordlessKey()
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(key)

	enc, err := s.newSealer(key)
	if err != nil {
		return fmt.Errorf("failed to create encryptor: %w", err)
	}
	if err := s.checkVerifier(enc); err != nil {
		enc.Destroy()
		return err
	}

	if _, ok := src.(rawEnvelopeKey); ok {
		src = s.migrateToKeyring(key)
	}

	s.activate(enc, src)
	log.Debugf("Unlocked passwordless store")
	return nil
}

func keyCheckPayload() []byte {
	sum := sha256.Sum256([]byte(keyCheckString))
	return []byte(hex.EncodeToString(sum[:]))
}

func stageVerifier(cs *storage.Changeset, enc sealer) error {
	verifier, err := sealRecord(enc, keyCheckPayload())
	if err != nil {
		return err
	}
	cs.PutMeta(storage.MetaVerifier, verifier)
	return nil
}

func (s *Store) checkVerifier(enc sealer) error {
	data, err := s.db.GetMeta(storage.MetaVerifier)
	if err != nil {
		return fmt.Errorf("failed to read verifier: %w", err)
	}
	if data == nil {
		return fmt.Errorf("%w: store has no key verifier",
			walleterr.ErrConfiguration)
	}

	plaintext, err := openRecord(enc, data)
	if err != nil {
		return fmt.Errorf("failed to unlock store: %w", err)
	}
	defer crypto.ClearBytes(plaintext)

	if !crypto.ConstantTimeCompare(plaintext, keyCheckPayload()) {
		return fmt.Errorf("failed to unlock store: %w", walleterr.ErrDecryption)
	}
	return nil
}

// activate installs enc as the live key and moves to the matching state.
func (s *Store) activate(enc sealer, src keySource) {
	if s.enc != nil && s.enc != enc {
		s.enc.Destroy()
	}
	s.enc = enc
	s.source = src

	if _, ok := src.(passwordKey); ok {
		s.state = StatePasswordUnlocked
	} else {
		s.state = StatePasswordlessUnlocked
	}
}

func (s *Store) deactivate(next State) {
	if s.enc != nil {
		s.enc.Destroy()
	}
	s.enc = nil
	s.source = nil
	s.state = next
}

func (s *Store) commit(cs *storage.Changeset) error {
	if s.commitHook != nil {
		cs.BeforeCommit(s.commitHook)
	}
	if err := s.db.Commit(cs); err != nil {
		return fmt.Errorf("failed to commit changes: %w", err)
	}
	return nil
}

// requireUnlocked must be called with mu held.
func (s *Store) requireUnlocked() error {
	switch s.state {
	case StateClosed:
		return ErrClosed
	case StateUninitialized:
		return fmt.Errorf("%w: store is not unlocked", walleterr.ErrLocked)
	}
	return nil
}

// touchedMetadata returns a copy of the metadata row with UpdatedAt
// advanced, ready to stage.
func (s *Store) touchedMetadata() (*storage.Metadata, error) {
	meta, err := s.db.GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: store has no metadata",
			walleterr.ErrConfiguration)
	}
	meta = meta.Clone()
	meta.Touch(s.now())
	return meta, nil
}

// Exists reports whether a wallet has been stored. Metadata alone does
// not count.
func (s *Store) Exists() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false, ErrClosed
	}
	return s.db.HasRecord(MnemonicKey)
}

// Get returns the plaintext stored under key, or nil if there is none.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}

	data, err := s.db.GetRecord(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	if data == nil {
		return nil, nil
	}

	plaintext, err := openRecord(s.enc, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt %q: %w", key, err)
	}
	return plaintext, nil
}

// Set encrypts value under a fresh IV and stores it under key.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", walleterr.ErrValidation)
	}

	data, err := sealRecord(s.enc, value)
	if err != nil {
		return err
	}
	meta, err := s.touchedMetadata()
	if err != nil {
		return err
	}

	cs := storage.NewChangeset()
	cs.PutRecord(key, data)
	cs.SetMetadata(meta)
	return s.commit(cs)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return err
	}

	meta, err := s.touchedMetadata()
	if err != nil {
		return err
	}

	cs := storage.NewChangeset()
	cs.DeleteRecord(key)
	cs.SetMetadata(meta)
	return s.commit(cs)
}

// Keys lists the stored logical keys in order.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireUnlocked(); err != nil {
		return nil, err
	}
	return s.db.RecordKeys()
}

func (s *Store) metadata() (*storage.Metadata, error) {
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	meta, err := s.db.GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return meta, nil
}

// HasPassword reports whether the store is password protected.
func (s *Store) HasPassword() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.metadata()
	if err != nil || meta == nil {
		return false, err
	}
	return meta.HasPassword, nil
}

// HasBackup reports whether a backup has been recorded.
func (s *Store) HasBackup() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.metadata()
	if err != nil || meta == nil {
		return false, err
	}
	return meta.HasBackup, nil
}

// LastBackupAt returns when the last backup was recorded, or nil.
func (s *Store) LastBackupAt() (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.metadata()
	if err != nil || meta == nil {
		return nil, err
	}
	return meta.LastBackupAt, nil
}

// Pbkdf2Iterations returns the persisted iteration count, or zero when no
// password was ever set.
func (s *Store) Pbkdf2Iterations() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.metadata()
	if err != nil || meta == nil {
		return 0, err
	}
	return meta.Pbkdf2Iterations, nil
}

// MarkBackupCompleted records a backup taken at at. A zero time means now.
func (s *Store) MarkBackupCompleted(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	if at.IsZero() {
		at = s.now()
	}

	meta, err := s.touchedMetadata()
	if err != nil {
		return err
	}
	at = at.UTC()
	meta.HasBackup = true
	meta.LastBackupAt = &at

	cs := storage.NewChangeset()
	cs.SetMetadata(meta)
	return s.commit(cs)
}

// Clear deletes every record and all key material, including the store
// identity. The store returns to the uninitialized state.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}

	handle, err := s.db.GetMeta(storage.MetaKeyHandle)
	if err != nil {
		return fmt.Errorf("failed to read key handle: %w", err)
	}

	cs := storage.NewChangeset()
	cs.ClearRecords()
	cs.ClearMeta()
	if err := s.commit(cs); err != nil {
		return err
	}

	if handle != nil {
		s.forgetKeySource(opaqueKey{handle: string(handle)})
	}
	s.deactivate(StateUninitialized)
	log.Infof("Cleared store")
	return nil
}

// Lock drops the master key from memory. Init unlocks the store again.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}
	s.deactivate(StateUninitialized)
}

// Compact rewrites the database file to reclaim space.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrClosed
	}
	return s.db.Compact()
}

// Close wipes the master key and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	s.deactivate(StateClosed)
	return s.db.Close()
}
