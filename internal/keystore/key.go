package keystore

import (
	"errors"
	"fmt"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/keyring"
	"github.com/illarion/lockwallet/internal/storage"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// keySource records where the active master key lives.
type keySource interface {
	isKeySource()
}

// passwordKey is derived from the user's password and the stored salt.
type passwordKey struct {
	iterations int
}

// opaqueKey is held by the OS keyring under handle.
type opaqueKey struct {
	handle string
}

// rawEnvelopeKey is persisted in the meta bucket as a StoredKeyEnvelope.
type rawEnvelopeKey struct{}

func (passwordKey) isKeySource()    {}
func (opaqueKey) isKeySource()      {}
func (rawEnvelopeKey) isKeySource() {}

// keyHandle returns the keyring account for a store.
func keyHandle(storeID string) string {
	return "store-" + storeID
}

// stagePasswordlessKey persists key for a passwordless store into cs. It
// prefers the keyring and falls back to a raw envelope. The returned undo
// removes a keyring entry written here; call it if the commit fails.
func (s *Store) stagePasswordlessKey(cs *storage.Changeset, storeID string,
	key []byte) (keySource, func(), error) {

	if s.vault != nil {
		handle := keyHandle(storeID)
		err := s.vault.Store(handle, key)
		if err == nil {
			cs.PutMeta(storage.MetaKeyHandle, []byte(handle))
			cs.DeleteMeta(storage.MetaKeyEnvelope)

			undo := func() {
				if err := s.vault.Remove(handle); err != nil {
					log.Warnf("Unable to remove keyring entry %s: %v", handle, err)
				}
			}
			return opaqueKey{handle: handle}, undo, nil
		}
		log.Warnf("Keyring unavailable, storing master key in database: %v", err)
	}

	envelope, err := encodeKeyEnvelope(key)
	if err != nil {
		return nil, nil, err
	}
	cs.PutMeta(storage.MetaKeyEnvelope, envelope)
	cs.DeleteMeta(storage.MetaKeyHandle)
	return rawEnvelopeKey{}, func() {}, nil
}

// loadPasswordlessKey reads the master key of a passwordless store.
func (s *Store) loadPasswordlessKey() ([]byte, keySource, error) {
	handle, err := s.db.GetMeta(storage.MetaKeyHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key handle: %w", err)
	}
	if handle != nil {
		if s.vault == nil {
			return nil, nil, fmt.Errorf("%w: master key is in the OS keyring "+
				"but no keyring is configured", walleterr.ErrConfiguration)
		}
		key, err := s.vault.Load(string(handle))
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: keyring entry %s is missing",
				walleterr.ErrConfiguration, handle)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load master key: %w", err)
		}
		if len(key) != crypto.KeySize {
			crypto.ClearBytes(key)
			return nil, nil, fmt.Errorf("%w: keyring entry holds %d bytes",
				walleterr.ErrConfiguration, len(key))
		}
		return key, opaqueKey{handle: string(handle)}, nil
	}

	envelope, err := s.db.GetMeta(storage.MetaKeyEnvelope)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read key envelope: %w", err)
	}
	if envelope == nil {
		return nil, nil, fmt.Errorf("%w: passwordless store has no master key",
			walleterr.ErrConfiguration)
	}
	key, err := decodeKeyEnvelope(envelope)
	if err != nil {
		return nil, nil, err
	}
	return key, rawEnvelopeKey{}, nil
}

// migrateToKeyring moves a raw envelope key into the keyring. Failure is
// not an error: the store keeps working from the envelope.
func (s *Store) migrateToKeyring(key []byte) keySource {
	if s.vault == nil {
		return rawEnvelopeKey{}
	}

	storeID, err := s.db.GetOrCreateStoreID()
	if err != nil {
		log.Warnf("Skipping keyring migration: %v", err)
		return rawEnvelopeKey{}
	}

	handle := keyHandle(storeID)
	if err := s.vault.Store(handle, key); err != nil {
		log.Debugf("Keyring still unavailable: %v", err)
		return rawEnvelopeKey{}
	}

	cs := storage.NewChangeset()
	cs.PutMeta(storage.MetaKeyHandle, []byte(handle))
	cs.DeleteMeta(storage.MetaKeyEnvelope)
	if err := s.commit(cs); err != nil {
		log.Warnf("Keyring migration rolled back: %v", err)
		if err := s.vault.Remove(handle); err != nil {
			log.Warnf("Unable to remove keyring entry %s: %v", handle, err)
		}
		return rawEnvelopeKey{}
	}

	log.Infof("Moved master key into the OS keyring")
	return opaqueKey{handle: handle}
}

// forgetKeySource removes keyring state for a source that is no longer
// active. Called only after the replacing commit succeeded.
func (s *Store) forgetKeySource(src keySource) {
	if k, ok := src.(opaqueKey); ok && s.vault != nil {
		if err := s.vault.Remove(k.handle); err != nil {
			log.Warnf("Unable to remove keyring entry %s: %v", k.handle, err)
		}
	}
}
