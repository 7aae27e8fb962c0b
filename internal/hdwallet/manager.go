package hdwallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/tyler-smith/go-bip39"
)

const (
	// DefaultScanWindow is the number of receive and change indexes
	// FindAddressPath walks per address type when not configured.
	DefaultScanWindow = 20

	// MaxScanWindow caps a configured scan window.
	MaxScanWindow = 1000
)

// Config controls network selection and reverse lookup cost.
type Config struct {
	Network     Network
	ScanReceive uint32
	ScanChange  uint32
}

// branchKey identifies a cached m/purpose'/coin'/account'/change node.
type branchKey struct {
	purpose uint32
	account uint32
	change  uint32
}

// Manager holds the seed of one wallet while unlocked. All methods are safe
// for concurrent use; calls are serialized.
type Manager struct {
	mu sync.Mutex

	network     Network
	scanReceive uint32
	scanChange  uint32

	mnemonic []byte
	seed     []byte
	master   *hdkeychain.ExtendedKey
	branches map[branchKey]*hdkeychain.ExtendedKey
}

// NewManager returns a locked manager for cfg.
func NewManager(cfg Config) (*Manager, error) {
	network, err := ParseNetwork(string(cfg.Network))
	if err != nil {
		return nil, err
	}
	return &Manager{
		network:     network,
		scanReceive: clampWindow(cfg.ScanReceive),
		scanChange:  clampWindow(cfg.ScanChange),
	}, nil
}

func clampWindow(n uint32) uint32 {
	switch {
	case n == 0:
		return DefaultScanWindow
	case n > MaxScanWindow:
		return MaxScanWindow
	default:
		return n
	}
}

// Network returns the network addresses are encoded for.
func (m *Manager) Network() Network {
	return m.network
}

// FromMnemonic validates phrase and loads the master key derived from it
// and the optional passphrase. Any previously loaded seed is wiped first.
func (m *Manager) FromMnemonic(phrase, passphrase string) error {
	if err := ValidateMnemonic(phrase); err != nil {
		return err
	}
	normalized := NormalizeMnemonic(phrase)

	seed, err := bip39.NewSeedWithErrorChecking(normalized, passphrase)
	if err != nil {
		return &InvalidMnemonicError{Reason: err.Error()}
	}

	master, err := hdkeychain.NewMaster(seed, m.network.Params())
	if err != nil {
		clear(seed)
		return fmt.Errorf("derive master key: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.wipe()
	m.mnemonic = []byte(normalized)
	m.seed = seed
	m.master = master
	m.branches = make(map[branchKey]*hdkeychain.ExtendedKey)

	log.Debugf("Loaded master key for %s", m.network)
	return nil
}

// Unlocked reports whether a seed is loaded.
func (m *Manager) Unlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.master != nil
}

// Lock zeroes the seed, the mnemonic and every cached extended key.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master != nil {
		log.Debugf("Locking key manager")
	}
	m.wipe()
}

func (m *Manager) wipe() {
	clear(m.mnemonic)
	clear(m.seed)
	m.mnemonic = nil
	m.seed = nil

	for k, key := range m.branches {
		key.Zero()
		delete(m.branches, k)
	}
	m.branches = nil

	if m.master != nil {
		m.master.Zero()
		m.master = nil
	}
}

// ExportMnemonic returns the loaded phrase.
func (m *Manager) ExportMnemonic() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master == nil {
		return "", walleterr.ErrLocked
	}
	return string(m.mnemonic), nil
}

// Seed returns a copy of the BIP39 seed.
func (m *Manager) Seed() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master == nil {
		return nil, walleterr.ErrLocked
	}
	return append([]byte(nil), m.seed...), nil
}

// DeriveAddress derives the address at
// m/<purpose>'/<coin>'/<account>'/<change>/<index>.
func (m *Manager) DeriveAddress(t AddressType, account, change, index uint32) (*AddressRecord, error) {
	path, err := NewDerivationPath(t, m.network, account, change, index)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.addressAt(path)
}

// PurposeAddress pairs a GetAddresses purpose with its address.
type PurposeAddress struct {
	Purpose string `json:"purpose"`
	AddressRecord
}

// GetAddresses returns index 0 of account 0 for each named purpose.
// payment and stacks map to native SegWit, ordinals to taproot.
func (m *Manager) GetAddresses(purposes []string) ([]PurposeAddress, error) {
	if len(purposes) == 0 {
		purposes = []string{PurposePayment, PurposeOrdinals}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PurposeAddress, 0, len(purposes))
	for _, name := range purposes {
		t, err := addressTypeForPurposeName(name)
		if err != nil {
			return nil, err
		}
		path, err := NewDerivationPath(t, m.network, 0, ReceiveBranch, 0)
		if err != nil {
			return nil, err
		}
		rec, err := m.addressAt(path)
		if err != nil {
			return nil, err
		}
		out = append(out, PurposeAddress{Purpose: name, AddressRecord: *rec})
	}
	return out, nil
}

// FindAddressPath scans the configured receive and change windows of
// account 0 for address. It returns nil when the address is not found.
func (m *Manager) FindAddressPath(address string) (*DerivationPath, error) {
	addr, t, err := decodeAddress(address, m.network.Params())
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master == nil {
		return nil, walleterr.ErrLocked
	}

	windows := []struct {
		change uint32
		count  uint32
	}{
		{ReceiveBranch, m.scanReceive},
		{ChangeBranch, m.scanChange},
	}
	for _, w := range windows {
		for i := uint32(0); i < w.count; i++ {
			path, err := NewDerivationPath(t, m.network, 0, w.change, i)
			if err != nil {
				return nil, err
			}
			pub, err := m.publicKey(path)
			if err != nil {
				return nil, err
			}
			candidate, err := encodeAddress(pub, t, m.network.Params())
			if err != nil {
				return nil, err
			}
			if sameAddress(candidate, addr) {
				return &path, nil
			}
		}
	}

	log.Debugf("Address %s not found within %d/%d window",
		address, m.scanReceive, m.scanChange)
	return nil, nil
}

// resolvePath maps an address to its derivation path, failing with a
// validation error when it is not ours.
func (m *Manager) resolvePath(address string) (DerivationPath, error) {
	path, err := m.FindAddressPath(address)
	if err != nil {
		return DerivationPath{}, err
	}
	if path == nil {
		return DerivationPath{}, fmt.Errorf("%w: address %s does not belong to this wallet",
			walleterr.ErrValidation, address)
	}
	return *path, nil
}

// addressAt must be called with m.mu held.
func (m *Manager) addressAt(path DerivationPath) (*AddressRecord, error) {
	pub, err := m.publicKey(path)
	if err != nil {
		return nil, err
	}
	t := path.AddressType()
	addr, err := encodeAddress(pub, t, m.network.Params())
	if err != nil {
		return nil, err
	}
	return &AddressRecord{
		Address:   addr.EncodeAddress(),
		PublicKey: publicKeyHex(pub, t),
		Path:      path.String(),
		Type:      t,
		Purpose:   path.Purpose,
	}, nil
}

// branch returns the cached branch node for path, deriving it on first use.
// Must be called with m.mu held.
func (m *Manager) branch(path DerivationPath) (*hdkeychain.ExtendedKey, error) {
	if m.master == nil {
		return nil, walleterr.ErrLocked
	}
	if path.CoinType != m.network.CoinType() {
		return nil, fmt.Errorf("%w: coin type %d does not match %s",
			walleterr.ErrValidation, path.CoinType, m.network)
	}

	bk := branchKey{path.Purpose, path.Account, path.Change}
	if key, ok := m.branches[bk]; ok {
		return key, nil
	}

	key := m.master
	for i, idx := range path.Elements()[:4] {
		child, err := key.Derive(idx)
		if i > 0 {
			key.Zero()
		}
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", path, err)
		}
		key = child
	}
	m.branches[bk] = key
	return key, nil
}

func (m *Manager) publicKey(path DerivationPath) (*btcec.PublicKey, error) {
	branch, err := m.branch(path)
	if err != nil {
		return nil, err
	}
	child, err := branch.Derive(path.Index)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}
	defer child.Zero()
	return child.ECPubKey()
}

// privateKey returns the signing key for path. The caller must Zero it.
func (m *Manager) privateKey(path DerivationPath) (*btcec.PrivateKey, error) {
	branch, err := m.branch(path)
	if err != nil {
		return nil, err
	}
	child, err := branch.Derive(path.Index)
	if err != nil {
		return nil, fmt.Errorf("derive %s: %w", path, err)
	}
	defer child.Zero()
	return child.ECPrivKey()
}
