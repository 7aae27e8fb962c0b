package hdwallet

import (
	"errors"
	"strings"
	"testing"

	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"pgregory.net/rapid"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

func newTestManager(t testing.TB, network Network) *Manager {
	m, err := NewManager(Config{Network: network})
	require.NoError(t, err)
	require.NoError(t, m.FromMnemonic(testMnemonic, ""))
	return m
}

func TestDeriveAddressVectors(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Mainnet)

	tests := []struct {
		name      string
		typ       AddressType
		change    uint32
		index     uint32
		address   string
		publicKey string
		path      string
	}{
		{
			name:      "native segwit receive 0",
			typ:       NativeSegwit,
			address:   "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu",
			publicKey: "0330d54fd0dd420a6e5f8d3624f5f3482cae350f79d5f0753bf5beef9c2d91af3c",
			path:      "m/84'/0'/0'/0/0",
		},
		{
			name:    "native segwit receive 1",
			typ:     NativeSegwit,
			index:   1,
			address: "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g",
			path:    "m/84'/0'/0'/0/1",
		},
		{
			name:    "native segwit change 0",
			typ:     NativeSegwit,
			change:  1,
			address: "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el",
			path:    "m/84'/0'/0'/1/0",
		},
		{
			name:      "taproot receive 0",
			typ:       Taproot,
			address:   "bc1p5cyxnuxmeuwuvkwfem96lqzszd02n6xdcjrs20cac6yqjjwudpxqkedrcr",
			publicKey: "cc8a4bc64d897bddc5fbc2f670f7a8ba0b386779106cf1223c6fc5d7cd6fc115",
			path:      "m/86'/0'/0'/0/0",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := m.DeriveAddress(tc.typ, 0, tc.change, tc.index)
			require.NoError(t, err)
			require.Equal(t, tc.address, rec.Address)
			require.Equal(t, tc.path, rec.Path)
			require.Equal(t, tc.typ, rec.Type)
			require.Equal(t, tc.typ.Purpose(), rec.Purpose)
			if tc.publicKey != "" {
				require.Equal(t, tc.publicKey, rec.PublicKey)
			}
		})
	}
}

func TestAddressPrefixes(t *testing.T) {
	t.Parallel()

	prefixes := map[Network]map[AddressType][]string{
		Mainnet: {
			Legacy:       {"1"},
			NestedSegwit: {"3"},
			NativeSegwit: {"bc1q"},
			Taproot:      {"bc1p"},
		},
		Testnet: {
			Legacy:       {"m", "n"},
			NestedSegwit: {"2"},
			NativeSegwit: {"tb1q"},
			Taproot:      {"tb1p"},
		},
		Regtest: {
			NativeSegwit: {"bcrt1q"},
			Taproot:      {"bcrt1p"},
		},
	}

	for network, byType := range prefixes {
		m := newTestManager(t, network)
		for typ, want := range byType {
			rec, err := m.DeriveAddress(typ, 0, 0, 0)
			require.NoError(t, err)

			ok := false
			for _, p := range want {
				ok = ok || strings.HasPrefix(rec.Address, p)
			}
			require.Truef(t, ok, "%s %s address %s lacks prefix %v",
				network, typ, rec.Address, want)
		}
	}
}

func TestMainnetTestnetDisjoint(t *testing.T) {
	t.Parallel()

	main := newTestManager(t, Mainnet)
	test := newTestManager(t, Testnet)

	for _, typ := range AllAddressTypes {
		a, err := main.DeriveAddress(typ, 0, 0, 0)
		require.NoError(t, err)
		b, err := test.DeriveAddress(typ, 0, 0, 0)
		require.NoError(t, err)

		require.Contains(t, a.Path, "/0'/0'/0/0")
		require.Contains(t, b.Path, "/1'/0'/0/0")
		require.NotEqual(t, a.PublicKey, b.PublicKey)
		require.NotEqual(t, a.Address, b.Address)
	}
}

func TestReceiveChangeAndIndexesDiffer(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Testnet)

	rapid.Check(t, func(rt *rapid.T) {
		typ := rapid.SampledFrom(AllAddressTypes).Draw(rt, "type")
		i := rapid.Uint32Range(0, 500).Draw(rt, "i")
		j := rapid.Uint32Range(0, 500).Filter(func(v uint32) bool {
			return v != i
		}).Draw(rt, "j")

		recv, err := m.DeriveAddress(typ, 0, ReceiveBranch, i)
		require.NoError(rt, err)
		change, err := m.DeriveAddress(typ, 0, ChangeBranch, i)
		require.NoError(rt, err)
		other, err := m.DeriveAddress(typ, 0, ReceiveBranch, j)
		require.NoError(rt, err)

		require.NotEqual(rt, recv.Address, change.Address)
		require.NotEqual(rt, recv.Address, other.Address)
	})
}

func TestDerivationIsDeterministic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		entropy := rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(rt, "entropy")
		phrase, err := bip39.NewMnemonic(entropy)
		require.NoError(rt, err)
		typ := rapid.SampledFrom(AllAddressTypes).Draw(rt, "type")
		index := rapid.Uint32Range(0, 1000).Draw(rt, "index")

		derive := func() *AddressRecord {
			m, err := NewManager(Config{Network: Signet})
			require.NoError(rt, err)
			require.NoError(rt, m.FromMnemonic(phrase, "pass"))
			defer m.Lock()

			rec, err := m.DeriveAddress(typ, 0, ChangeBranch, index)
			require.NoError(rt, err)
			return rec
		}

		require.Equal(rt, derive(), derive())
	})
}

func TestPassphraseChangesKeys(t *testing.T) {
	t.Parallel()

	plain := newTestManager(t, Mainnet)
	salted, err := NewManager(Config{Network: Mainnet})
	require.NoError(t, err)
	require.NoError(t, salted.FromMnemonic(testMnemonic, "TREZOR"))

	a, err := plain.DeriveAddress(NativeSegwit, 0, 0, 0)
	require.NoError(t, err)
	b, err := salted.DeriveAddress(NativeSegwit, 0, 0, 0)
	require.NoError(t, err)
	require.NotEqual(t, a.Address, b.Address)
}

func TestGetAddresses(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Mainnet)

	got, err := m.GetAddresses([]string{PurposePayment, PurposeOrdinals, PurposeStacks})
	require.NoError(t, err)
	require.Len(t, got, 3)

	require.Equal(t, NativeSegwit, got[0].Type)
	require.Equal(t, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu", got[0].Address)
	require.Equal(t, Taproot, got[1].Type)
	require.Equal(t, "m/86'/0'/0'/0/0", got[1].Path)
	require.Equal(t, NativeSegwit, got[2].Type)
	require.Equal(t, PurposeStacks, got[2].Purpose)

	_, err = m.GetAddresses([]string{"lightning"})
	require.ErrorIs(t, err, walleterr.ErrValidation)
}

func TestFindAddressPath(t *testing.T) {
	t.Parallel()

	m, err := NewManager(Config{Network: Testnet, ScanReceive: 5, ScanChange: 5})
	require.NoError(t, err)
	require.NoError(t, m.FromMnemonic(testMnemonic, ""))

	for _, typ := range AllAddressTypes {
		rec, err := m.DeriveAddress(typ, 0, ChangeBranch, 3)
		require.NoError(t, err)

		path, err := m.FindAddressPath(rec.Address)
		require.NoError(t, err)
		require.NotNil(t, path)
		require.Equal(t, rec.Path, path.String())
	}

	// Outside the window.
	far, err := m.DeriveAddress(NativeSegwit, 0, ReceiveBranch, 5)
	require.NoError(t, err)
	path, err := m.FindAddressPath(far.Address)
	require.NoError(t, err)
	require.Nil(t, path)

	// Mainnet address on a testnet manager.
	_, err = m.FindAddressPath("bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu")
	require.ErrorIs(t, err, walleterr.ErrValidation)
}

func TestScanWindowClamp(t *testing.T) {
	t.Parallel()

	m, err := NewManager(Config{Network: Mainnet, ScanReceive: 0, ScanChange: 5000})
	require.NoError(t, err)
	require.EqualValues(t, DefaultScanWindow, m.scanReceive)
	require.EqualValues(t, MaxScanWindow, m.scanChange)
}

func TestLockWipesKeys(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, Mainnet)
	rec, err := m.DeriveAddress(Taproot, 0, 0, 0)
	require.NoError(t, err)

	mnemonic := m.mnemonic
	seed := m.seed
	m.Lock()

	require.False(t, m.Unlocked())
	require.Equal(t, make([]byte, len(mnemonic)), mnemonic)
	require.Equal(t, make([]byte, len(seed)), seed)

	_, err = m.ExportMnemonic()
	require.ErrorIs(t, err, walleterr.ErrLocked)
	_, err = m.Seed()
	require.ErrorIs(t, err, walleterr.ErrLocked)
	_, err = m.DeriveAddress(Taproot, 0, 0, 0)
	require.ErrorIs(t, err, walleterr.ErrLocked)
	_, err = m.GetAddresses(nil)
	require.ErrorIs(t, err, walleterr.ErrLocked)
	_, err = m.SignMessage("hi", rec.Address, "")
	require.ErrorIs(t, err, walleterr.ErrLocked)
	_, err = m.SignPsbt(taprootTestPsbt(t, rec.Address), []SignInput{{
		Index: 0, DerivationPath: rec.Path,
	}}, SignPsbtOptions{})
	require.ErrorIs(t, err, walleterr.ErrLocked)

	// Locking twice is harmless.
	m.Lock()
}

func TestExportMnemonic(t *testing.T) {
	t.Parallel()

	m, err := NewManager(Config{})
	require.NoError(t, err)
	require.Equal(t, Mainnet, m.Network())

	_, err = m.ExportMnemonic()
	require.ErrorIs(t, err, walleterr.ErrLocked)

	require.NoError(t, m.FromMnemonic("  Abandon abandon ABANDON abandon abandon abandon "+
		"abandon abandon abandon abandon abandon   about ", ""))
	got, err := m.ExportMnemonic()
	require.NoError(t, err)
	require.Equal(t, testMnemonic, got)
}

func TestFromMnemonicRejectsInvalid(t *testing.T) {
	t.Parallel()

	m, err := NewManager(Config{})
	require.NoError(t, err)

	err = m.FromMnemonic(strings.Repeat("abandon ", 12), "")
	require.ErrorIs(t, err, walleterr.ErrInvalidMnemonic)

	var invalid *InvalidMnemonicError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, "checksum mismatch", invalid.Reason)
	require.False(t, m.Unlocked())
}
