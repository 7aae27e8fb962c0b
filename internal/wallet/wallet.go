// Package wallet ties the encrypted store, the HD key manager and the
// backup codec together behind one object with explicit Open and Close.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illarion/lockwallet/internal/backup"
	"github.com/illarion/lockwallet/internal/config"
	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/keyring"
	"github.com/illarion/lockwallet/internal/keystore"
	"github.com/illarion/lockwallet/internal/security"
	"github.com/illarion/lockwallet/internal/walleterr"
)

const (
	// DatabaseFile is the store file inside the data directory.
	DatabaseFile = "wallet.db"

	// BackupDir holds envelopes written by SaveBackup.
	BackupDir = "backups"

	passphraseKey = "passphrase"
	networkKey    = "network"
)

var (
	ErrNoWallet     = errors.New("no wallet")
	ErrWalletExists = errors.New("wallet already exists")
	ErrNotOpen      = errors.New("wallet not open")
	ErrWrongNetwork = errors.New("wallet belongs to another network")
)

// Deps are the collaborators a Wallet does not create itself.
type Deps struct {
	// Vault holds passwordless master keys. Nil disables the OS keyring.
	Vault keyring.Vault

	// Now is the clock for metadata and backups.
	Now func() time.Time
}

// DefaultDeps returns the production collaborators.
func DefaultDeps() Deps {
	return Deps{Vault: keyring.NewOSVault(), Now: time.Now}
}

// Status summarizes the wallet without unlocking it.
type Status struct {
	DataDir      string
	Network      hdwallet.Network
	Exists       bool
	Unlocked     bool
	HasPassword  bool
	HasBackup    bool
	LastBackupAt *time.Time
	Iterations   int
	Degraded     bool
}

// backupSecret is the plaintext sealed into a backup envelope.
type backupSecret struct {
	Mnemonic   string `json:"mnemonic"`
	Passphrase string `json:"passphrase,omitempty"`
}

// Wallet is the application root. Methods are serialized.
type Wallet struct {
	mu sync.Mutex

	cfg  *config.Config
	deps Deps

	dir   *security.DataDir
	store *keystore.Store
	keys  *hdwallet.Manager
}

// New validates cfg and returns a closed wallet.
func New(cfg *config.Config, deps Deps) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	keys, err := hdwallet.NewManager(cfg.ManagerConfig())
	if err != nil {
		return nil, err
	}

	return &Wallet{cfg: cfg, deps: deps, keys: keys}, nil
}

// Open opens the data directory and the store. The wallet stays locked.
func (w *Wallet) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.store != nil {
		return nil
	}

	dir, err := security.Open(w.cfg.DataDir)
	if err != nil {
		return err
	}
	dbPath, err := dir.Join(DatabaseFile)
	if err != nil {
		dir.Close()
		return err
	}

	store, err := keystore.Open(dbPath, keystore.Options{
		Vault:  w.deps.Vault,
		Policy: w.cfg.IterationPolicy(),
		Now:    w.deps.Now,
	})
	if err != nil {
		dir.Close()
		return fmt.Errorf("failed to open wallet store: %w", err)
	}

	w.dir = dir
	w.store = store
	log.Debugf("Opened wallet at %s (%s)", dbPath, w.keys.Network())
	return nil
}

// Close locks the wallet and releases the store.
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keys.Lock()
	if w.store == nil {
		return nil
	}

	err := w.store.Close()
	if cerr := w.dir.Close(); err == nil {
		err = cerr
	}
	w.store = nil
	w.dir = nil
	return err
}

func (w *Wallet) requireOpen() error {
	if w.store == nil {
		return ErrNotOpen
	}
	return nil
}

// Exists reports whether a wallet has been created or restored.
func (w *Wallet) Exists() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return false, err
	}
	return w.store.Exists()
}

// Create generates a new mnemonic of strength bits, stores it and unlocks
// the wallet. An empty password creates a passwordless store.
func (w *Wallet) Create(strength int, passphrase string, password []byte) (string, error) {
	mnemonic, err := hdwallet.GenerateMnemonic(strength)
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.install(mnemonic, passphrase, password); err != nil {
		return "", err
	}
	log.Infof("Created wallet (%d bits)", strength)
	return mnemonic, nil
}

// Restore stores an existing mnemonic and unlocks the wallet.
func (w *Wallet) Restore(mnemonic, passphrase string, password []byte) error {
	if err := hdwallet.ValidateMnemonic(mnemonic); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.install(hdwallet.NormalizeMnemonic(mnemonic), passphrase, password); err != nil {
		return err
	}
	log.Infof("Restored wallet")
	return nil
}

// install writes a wallet into an empty store. Leftovers of an init that
// never stored a mnemonic are discarded first.
func (w *Wallet) install(mnemonic, passphrase string, password []byte) error {
	if err := w.requireOpen(); err != nil {
		return err
	}

	exists, err := w.store.Exists()
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %w", walleterr.ErrConflict, ErrWalletExists)
	}

	if err := w.store.Clear(); err != nil {
		return err
	}
	if err := w.store.Init(password); err != nil {
		return err
	}
	if err := w.keys.FromMnemonic(mnemonic, passphrase); err != nil {
		w.store.Lock()
		return err
	}

	// The mnemonic goes last: its presence is what makes the wallet exist.
	if err := w.store.Set(networkKey, []byte(w.keys.Network())); err != nil {
		return w.abortInstall(err)
	}
	if passphrase != "" {
		if err := w.store.Set(passphraseKey, []byte(passphrase)); err != nil {
			return w.abortInstall(err)
		}
	}
	if err := w.store.Set(keystore.MnemonicKey, []byte(mnemonic)); err != nil {
		return w.abortInstall(err)
	}
	return nil
}

func (w *Wallet) abortInstall(err error) error {
	w.keys.Lock()
	w.store.Lock()
	return err
}

// Unlock opens the store with password and loads the keys.
func (w *Wallet) Unlock(password []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}

	exists, err := w.store.Exists()
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoWallet
	}

	if w.store.State() == keystore.StateUninitialized {
		if err := w.store.Init(password); err != nil {
			return err
		}
	}

	if err := w.loadKeys(); err != nil {
		w.keys.Lock()
		w.store.Lock()
		return err
	}

	log.Infof("Wallet unlocked")
	return nil
}

func (w *Wallet) loadKeys() error {
	network, err := w.store.Get(networkKey)
	if err != nil {
		return err
	}
	if network != nil && hdwallet.Network(network) != w.keys.Network() {
		return fmt.Errorf("%w: %w: stored %s, configured %s",
			walleterr.ErrConflict, ErrWrongNetwork, network, w.keys.Network())
	}

	mnemonic, err := w.store.Get(keystore.MnemonicKey)
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(mnemonic)

	passphrase, err := w.store.Get(passphraseKey)
	if err != nil {
		return err
	}
	defer crypto.ClearBytes(passphrase)

	return w.keys.FromMnemonic(string(mnemonic), string(passphrase))
}

// Lock wipes the keys and the store's master key from memory.
func (w *Wallet) Lock() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keys.Lock()
	if w.store != nil {
		w.store.Lock()
	}
	log.Debugf("Wallet locked")
}

// Keys returns the unlocked HD key manager.
func (w *Wallet) Keys() (*hdwallet.Manager, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.keys.Unlocked() {
		return nil, walleterr.ErrLocked
	}
	return w.keys, nil
}

// SetPassword protects a passwordless wallet with password.
func (w *Wallet) SetPassword(password []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}
	return w.store.SetPassword(password)
}

// ChangePassword replaces the wallet password. iterations raises the
// PBKDF2 cost; zero keeps it.
func (w *Wallet) ChangePassword(oldPassword, newPassword []byte, iterations int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}
	return w.store.ChangePassword(oldPassword, newPassword,
		keystore.ChangePasswordOptions{Iterations: iterations})
}

// RemovePassword makes the wallet passwordless again.
func (w *Wallet) RemovePassword(password []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}
	return w.store.RemovePassword(password)
}

// ExportBackup seals the loaded mnemonic under password and records the
// backup in the store. The store's iteration count is reused when it has
// one.
func (w *Wallet) ExportBackup(password []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.exportBackup(password)
}

func (w *Wallet) exportBackup(password []byte) (string, error) {
	if err := w.requireOpen(); err != nil {
		return "", err
	}

	mnemonic, err := w.keys.ExportMnemonic()
	if err != nil {
		return "", err
	}
	passphrase, err := w.store.Get(passphraseKey)
	if err != nil {
		return "", err
	}
	defer crypto.ClearBytes(passphrase)

	secret, err := json.Marshal(backupSecret{
		Mnemonic:   mnemonic,
		Passphrase: string(passphrase),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup secret: %w", err)
	}
	defer crypto.ClearBytes(secret)

	persisted, err := w.store.Pbkdf2Iterations()
	if err != nil {
		return "", err
	}
	iterations := w.cfg.IterationPolicy().Resolve(persisted)

	envelope, err := backup.Export(password, secret, iterations,
		w.keys.Network().String())
	if err != nil {
		return "", err
	}

	if err := w.store.MarkBackupCompleted(w.deps.Now()); err != nil {
		return "", err
	}
	return envelope, nil
}

// SaveBackup exports a backup into the data directory and returns its
// path.
func (w *Wallet) SaveBackup(password []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	envelope, err := w.exportBackup(password)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s/%s-%s.json", BackupDir, w.keys.Network(),
		w.deps.Now().UTC().Format("20060102T150405.000Z"))
	if err := w.dir.WriteFile(name, []byte(envelope)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}

	path, err := w.dir.Join(name)
	if err != nil {
		return "", err
	}
	log.Infof("Saved backup to %s", path)
	return path, nil
}

// RestoreBackup recovers a wallet from envelope into an empty store.
// password protects the new store; it may be empty.
func (w *Wallet) RestoreBackup(envelope string, backupPassword, password []byte) error {
	contents, err := backup.Import(envelope, backupPassword)
	if err != nil {
		return err
	}
	defer contents.Wipe()

	if hdwallet.Network(contents.Network) != w.keys.Network() {
		return fmt.Errorf("%w: %w: backup is for %s, configured %s",
			walleterr.ErrConflict, ErrWrongNetwork, contents.Network,
			w.keys.Network())
	}

	var secret backupSecret
	if err := json.Unmarshal(contents.Secret, &secret); err != nil {
		return fmt.Errorf("%w: malformed backup secret: %v",
			walleterr.ErrValidation, err)
	}
	if err := hdwallet.ValidateMnemonic(secret.Mnemonic); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	err = w.install(hdwallet.NormalizeMnemonic(secret.Mnemonic),
		secret.Passphrase, password)
	if err != nil {
		return err
	}
	if err := w.store.MarkBackupCompleted(contents.CreatedAt); err != nil {
		return err
	}

	log.Infof("Restored wallet from backup created %s", contents.CreatedAt)
	return nil
}

// Destroy erases the wallet: every record, the key material and the store
// identity.
func (w *Wallet) Destroy() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.keys.Lock()
	if err := w.requireOpen(); err != nil {
		return err
	}
	if err := w.store.Clear(); err != nil {
		return err
	}
	log.Infof("Wallet destroyed")
	return nil
}

// Compact reclaims space in the store file.
func (w *Wallet) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return err
	}
	return w.store.Compact()
}

// Status reports the wallet state.
func (w *Wallet) Status() (*Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.requireOpen(); err != nil {
		return nil, err
	}

	st := &Status{
		DataDir:  w.dir.Path(),
		Network:  w.keys.Network(),
		Unlocked: w.keys.Unlocked(),
		Degraded: w.store.Degraded(),
	}

	var err error
	if st.Exists, err = w.store.Exists(); err != nil {
		return nil, err
	}
	if st.HasPassword, err = w.store.HasPassword(); err != nil {
		return nil, err
	}
	if st.HasBackup, err = w.store.HasBackup(); err != nil {
		return nil, err
	}
	if st.LastBackupAt, err = w.store.LastBackupAt(); err != nil {
		return nil, err
	}
	if st.Iterations, err = w.store.Pbkdf2Iterations(); err != nil {
		return nil, err
	}
	return st, nil
}
