package keystore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/walleterr"
)

const (
	// RecordVersion is the EncryptedRecord layout written by this package.
	RecordVersion = 1

	// KeyEnvelopeVersion is the StoredKeyEnvelope layout version.
	KeyEnvelopeVersion = 1

	// KeyFormatRaw marks an envelope carrying plain key bytes.
	KeyFormatRaw = "raw"
)

// EncryptedRecord is the persisted form of one value.
type EncryptedRecord struct {
	Version    int    `cbor:"1,keyasint" json:"version"`
	IV         []byte `cbor:"2,keyasint" json:"iv"`
	Ciphertext []byte `cbor:"3,keyasint" json:"ciphertext"`
}

// StoredKeyEnvelope persists a passwordless master key when the OS keyring
// cannot hold it.
type StoredKeyEnvelope struct {
	Version  int    `json:"version"`
	Format   string `json:"format"`
	KeyBytes []byte `json:"keyBytes"`
}

var recordEncMode cbor.EncMode

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder: %v", err))
	}
}

// sealer is the AEAD surface the store needs from a master key.
type sealer interface {
	Encrypt(plaintext []byte) (iv, ciphertext []byte, err error)
	Decrypt(iv, ciphertext []byte) ([]byte, error)
	Destroy()
}

func newEncryptorSealer(key []byte) (sealer, error) {
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		return nil, err
	}
	return enc, nil
}

// sealRecord encrypts plaintext and returns the encoded record.
func sealRecord(s sealer, plaintext []byte) ([]byte, error) {
	iv, ct, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt record: %w", err)
	}

	data, err := recordEncMode.Marshal(EncryptedRecord{
		Version:    RecordVersion,
		IV:         iv,
		Ciphertext: ct,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return data, nil
}

// openRecord decodes and decrypts an encoded record.
func openRecord(s sealer, data []byte) ([]byte, error) {
	var rec EncryptedRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: malformed record: %v", walleterr.ErrDecryption, err)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("%w: unsupported record version %d",
			walleterr.ErrValidation, rec.Version)
	}

	plaintext, err := s.Decrypt(rec.IV, rec.Ciphertext)
	if errors.Is(err, walleterr.ErrDecryption) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", walleterr.ErrDecryption, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func encodeKeyEnvelope(key []byte) ([]byte, error) {
	data, err := json.Marshal(StoredKeyEnvelope{
		Version:  KeyEnvelopeVersion,
		Format:   KeyFormatRaw,
		KeyBytes: key,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key envelope: %w", err)
	}
	return data, nil
}

func decodeKeyEnvelope(data []byte) ([]byte, error) {
	var env StoredKeyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed key envelope: %v",
			walleterr.ErrConfiguration, err)
	}
	if env.Version != KeyEnvelopeVersion || env.Format != KeyFormatRaw {
		return nil, fmt.Errorf("%w: unsupported key envelope %d/%q",
			walleterr.ErrConfiguration, env.Version, env.Format)
	}
	if len(env.KeyBytes) != crypto.KeySize {
		return nil, fmt.Errorf("%w: key envelope holds %d bytes",
			walleterr.ErrConfiguration, len(env.KeyBytes))
	}
	return env.KeyBytes, nil
}
