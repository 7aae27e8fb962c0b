// Package keyring keeps passwordless master keys in the OS credential store
// so the wallet database only has to persist an opaque handle.
package keyring

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const serviceName = "lockwallet"

// ErrNotFound is returned when no key is stored under a handle
var ErrNotFound = errors.New("key not found in keyring")

// Vault stores raw key bytes behind string handles
type Vault interface {
	// Store saves key under handle, replacing any previous value.
	Store(handle string, key []byte) error

	// Load returns the key stored under handle, or ErrNotFound.
	Load(handle string) ([]byte, error)

	// Remove deletes the key stored under handle. Removing an absent
	// handle is not an error.
	Remove(handle string) error
}

// OSVault is a Vault backed by the platform keyring (Keychain, Secret
// Service, Windows Credential Manager)
type OSVault struct {
	service string
}

// NewOSVault returns a Vault using the lockwallet keyring service
func NewOSVault() *OSVault {
	return &OSVault{service: serviceName}
}

// Store implements Vault
func (v *OSVault) Store(handle string, key []byte) error {
	if err := keyring.Set(v.service, handle, base64.StdEncoding.EncodeToString(key)); err != nil {
		return fmt.Errorf("failed to save key to keyring: %w", err)
	}
	return nil
}

// Load implements Vault
func (v *OSVault) Load(handle string) ([]byte, error) {
	encoded, err := keyring.Get(v.service, handle)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key from keyring: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed keyring entry: %w", err)
	}
	return key, nil
}

// Remove implements Vault
func (v *OSVault) Remove(handle string) error {
	err := keyring.Delete(v.service, handle)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete key from keyring: %w", err)
	}
	return nil
}

// Available reports whether the platform keyring can be written to. It
// round-trips a probe entry under handle.
func (v *OSVault) Available(handle string) bool {
	probe := handle + ".probe"
	if err := keyring.Set(v.service, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(v.service, probe)
	return true
}
