package cmd

import (
	"fmt"
	"os"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/walleterr"
	"golang.org/x/term"
)

// Environment variables consulted before prompting.
const (
	EnvPassword       = "LOCKWALLET_PASSWORD"
	EnvNewPassword    = "LOCKWALLET_NEW_PASSWORD"
	EnvBackupPassword = "LOCKWALLET_BACKUP_PASSWORD"
	EnvPassphrase     = "LOCKWALLET_PASSPHRASE"
)

// isTerminal is replaced in tests so they never block on a prompt.
var isTerminal = term.IsTerminal

// ReadPassword reads a password from the terminal without echo
func ReadPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		return nil, fmt.Errorf("%w: stdin is not a terminal", walleterr.ErrUnauthorized)
	}

	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return password, nil
}

// ReadPasswordConfirm reads a password twice and ensures they match
func ReadPasswordConfirm(prompt string) ([]byte, error) {
	password1, err := ReadPassword(prompt)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password1)

	password2, err := ReadPassword("Confirm: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password2)

	if !crypto.ConstantTimeCompare(password1, password2) {
		return nil, fmt.Errorf("%w: passwords do not match", walleterr.ErrValidation)
	}

	result := make([]byte, len(password1))
	copy(result, password1)
	return result, nil
}

// fromEnv returns a copy of the named variable, or nil when it is unset.
func fromEnv(name string) []byte {
	value := os.Getenv(name)
	if value == "" {
		return nil
	}
	return []byte(value)
}

// GetPassword returns the current wallet password from LOCKWALLET_PASSWORD
// or a prompt. The caller clears it.
func GetPassword(prompt string) ([]byte, error) {
	if password := fromEnv(EnvPassword); password != nil {
		return password, nil
	}
	return ReadPassword(prompt)
}

// GetNewPassword returns a password that is about to be set. env names the
// variable checked first; the prompt asks twice.
func GetNewPassword(env, prompt string) ([]byte, error) {
	if password := fromEnv(env); password != nil {
		return password, nil
	}
	return ReadPasswordConfirm(prompt)
}

// GetBackupPassword returns the backup password. confirm asks twice when
// prompting.
func GetBackupPassword(confirm bool) ([]byte, error) {
	if password := fromEnv(EnvBackupPassword); password != nil {
		return password, nil
	}
	if confirm {
		return ReadPasswordConfirm("Enter backup password: ")
	}
	return ReadPassword("Enter backup password: ")
}

// GetPassphrase returns the BIP39 passphrase when enabled is set, and the
// empty string otherwise.
func GetPassphrase(enabled bool) (string, error) {
	if !enabled {
		return "", nil
	}
	if passphrase := os.Getenv(EnvPassphrase); passphrase != "" {
		return passphrase, nil
	}

	passphrase, err := ReadPasswordConfirm("Enter mnemonic passphrase: ")
	if err != nil {
		return "", err
	}
	defer crypto.ClearBytes(passphrase)
	return string(passphrase), nil
}
