package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/keyring"
	"github.com/illarion/lockwallet/internal/wallet"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon " +
		"abandon abandon abandon abandon abandon about"
	testAddress = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"
)

// run executes one command line against dataDir with cheap key
// derivation and no logging.
func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()

	root, a := newRootCmd(wallet.Deps{Vault: keyring.NewOSVault()})
	defer a.close()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append(args,
		"--datadir="+dataDir,
		"--network=mainnet",
		"--production=false",
		"--pbkdf2iterations=1000",
		"--loglevel=off",
	))

	err := root.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, dataDir string, args ...string) string {
	t.Helper()

	out, err := run(t, dataDir, args...)
	require.NoError(t, err, strings.Join(args, " "))
	return out
}

func newDataDir(t *testing.T) string {
	t.Helper()

	gokeyring.MockInit()

	isTerminal = func(int) bool { return false }
	t.Cleanup(func() { isTerminal = term.IsTerminal })

	t.Setenv(EnvPassword, "")
	t.Setenv(EnvNewPassword, "")
	t.Setenv(EnvBackupPassword, "")
	t.Setenv(EnvPassphrase, "")
	return filepath.Join(t.TempDir(), "data")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func TestInitAndExport(t *testing.T) {
	dir := newDataDir(t)

	out := mustRun(t, dir, "status")
	require.Contains(t, out, "No wallet found")

	out = mustRun(t, dir, "init", "--words=12")
	require.Contains(t, out, "Initialized wallet")
	mnemonic := lastLine(out)
	require.Len(t, strings.Fields(mnemonic), 12)

	out = mustRun(t, dir, "mnemonic", "export")
	require.Equal(t, mnemonic, lastLine(out))

	out = mustRun(t, dir, "mnemonic", "export", "--seed")
	require.Len(t, lastLine(out), 128)

	out = mustRun(t, dir, "status")
	require.Contains(t, out, "Network:    mainnet")
	require.Contains(t, out, "Protection: OS keyring")
	require.Contains(t, out, "Backup:     never")

	_, err := run(t, dir, "init")
	require.ErrorIs(t, err, wallet.ErrWalletExists)
}

func TestMnemonicGenerate(t *testing.T) {
	dir := newDataDir(t)

	out := mustRun(t, dir, "mnemonic", "generate", "--words=24")
	require.Len(t, strings.Fields(out), 24)

	_, err := run(t, dir, "mnemonic", "generate", "--words=13")
	require.ErrorIs(t, err, walleterr.ErrValidation)

	// Nothing was stored.
	_, err = run(t, dir, "mnemonic", "export")
	require.ErrorIs(t, err, wallet.ErrNoWallet)
}

func TestRestoreInvalidMnemonic(t *testing.T) {
	dir := newDataDir(t)

	_, err := run(t, dir, "mnemonic", "restore", "abandon", "abandon", "abandonn")
	require.ErrorIs(t, err, walleterr.ErrInvalidMnemonic)
}

func TestAddressAndMessage(t *testing.T) {
	dir := newDataDir(t)
	mustRun(t, dir, append([]string{"mnemonic", "restore"}, strings.Fields(testMnemonic)...)...)

	var rec hdwallet.AddressRecord
	out := mustRun(t, dir, "address", "derive", "--type=nativeSegwit")
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	require.Equal(t, testAddress, rec.Address)
	require.Equal(t, "m/84'/0'/0'/0/0", rec.Path)

	var addrs []hdwallet.PurposeAddress
	out = mustRun(t, dir, "address", "list", "payment", "ordinals")
	require.NoError(t, json.Unmarshal([]byte(out), &addrs))
	require.Len(t, addrs, 2)
	require.Equal(t, testAddress, addrs[0].Address)
	require.Equal(t, hdwallet.Taproot, addrs[1].Type)

	out = mustRun(t, dir, "address", "find", testAddress)
	require.Equal(t, "m/84'/0'/0'/0/0", lastLine(out))

	var signed hdwallet.SignedMessage
	out = mustRun(t, dir, "sign", "message", "hello", "--address="+testAddress)
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	require.Equal(t, hdwallet.ProtocolECDSA, signed.Protocol)

	out = mustRun(t, dir, "verify", "message", "hello",
		"--address="+testAddress, "--signature="+signed.Signature)
	require.Contains(t, out, "Signature is valid")

	_, err := run(t, dir, "verify", "message", "bye",
		"--address="+testAddress, "--signature="+signed.Signature)
	require.ErrorIs(t, err, walleterr.ErrIntegrity)

	// bip322-simple for the taproot address.
	out = mustRun(t, dir, "sign", "message", "hello", "--address="+addrs[1].Address)
	require.NoError(t, json.Unmarshal([]byte(out), &signed))
	require.Equal(t, hdwallet.ProtocolBIP322Simple, signed.Protocol)

	out = mustRun(t, dir, "verify", "message", "hello",
		"--address="+addrs[1].Address, "--signature="+signed.Signature)
	require.Contains(t, out, "Signature is valid")
}

func TestPasswordCommands(t *testing.T) {
	dir := newDataDir(t)

	t.Setenv(EnvPassword, "pw1")
	mustRun(t, dir, append([]string{"mnemonic", "restore", "--password"},
		strings.Fields(testMnemonic)...)...)

	out := mustRun(t, dir, "status")
	require.Contains(t, out, "Protection: password (1000 PBKDF2 iterations)")

	out = mustRun(t, dir, "mnemonic", "export")
	require.Equal(t, testMnemonic, lastLine(out))

	t.Setenv(EnvPassword, "wrong")
	_, err := run(t, dir, "mnemonic", "export")
	require.ErrorIs(t, err, walleterr.ErrDecryption)

	// No password and no terminal.
	t.Setenv(EnvPassword, "")
	_, err = run(t, dir, "mnemonic", "export")
	require.ErrorIs(t, err, walleterr.ErrUnauthorized)

	t.Setenv(EnvPassword, "pw1")
	t.Setenv(EnvNewPassword, "pw2")
	out = mustRun(t, dir, "password", "change", "--iterations=2000")
	require.Contains(t, out, "password changed")

	t.Setenv(EnvPassword, "pw2")
	out = mustRun(t, dir, "status")
	require.Contains(t, out, "Protection: password (2000 PBKDF2 iterations)")

	_, err = run(t, dir, "password", "set")
	require.ErrorIs(t, err, walleterr.ErrUnauthorized)

	out = mustRun(t, dir, "password", "remove")
	require.Contains(t, out, "password removed")

	t.Setenv(EnvPassword, "")
	out = mustRun(t, dir, "status")
	require.Contains(t, out, "Protection: OS keyring")
	out = mustRun(t, dir, "mnemonic", "export")
	require.Equal(t, testMnemonic, lastLine(out))

	t.Setenv(EnvNewPassword, "pw3")
	mustRun(t, dir, "password", "set")
	t.Setenv(EnvPassword, "pw3")
	out = mustRun(t, dir, "mnemonic", "export")
	require.Equal(t, testMnemonic, lastLine(out))
}

func TestBackupCommands(t *testing.T) {
	dir := newDataDir(t)
	mustRun(t, dir, append([]string{"mnemonic", "restore"}, strings.Fields(testMnemonic)...)...)

	t.Setenv(EnvBackupPassword, "backup-pw")
	file := filepath.Join(t.TempDir(), "wallet-backup.json")
	out := mustRun(t, dir, "backup", "export", "--out="+file)
	require.Contains(t, out, "Backup written")

	info, err := os.Stat(file)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	out = mustRun(t, dir, "status")
	require.NotContains(t, out, "Backup:     never")

	out = mustRun(t, dir, "backup", "export", "--save")
	require.Contains(t, out, filepath.Join(dir, wallet.BackupDir))

	out = mustRun(t, dir, "destroy", "--force")
	require.Contains(t, out, "Wallet destroyed")
	out = mustRun(t, dir, "status")
	require.Contains(t, out, "No wallet found")

	t.Setenv(EnvBackupPassword, "wrong")
	_, err = run(t, dir, "backup", "import", file)
	require.ErrorIs(t, err, walleterr.ErrIntegrity)

	t.Setenv(EnvBackupPassword, "backup-pw")
	out = mustRun(t, dir, "backup", "import", file)
	require.Contains(t, out, "Restored wallet from backup")

	var rec hdwallet.AddressRecord
	out = mustRun(t, dir, "address", "derive")
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	require.Equal(t, testAddress, rec.Address)
}

func TestDestroyNeedsConfirmation(t *testing.T) {
	dir := newDataDir(t)
	mustRun(t, dir, "init")

	out := mustRun(t, dir, "destroy")
	require.Contains(t, out, "aborted")

	out = mustRun(t, dir, "status")
	require.NotContains(t, out, "No wallet found")
}

func TestCompact(t *testing.T) {
	dir := newDataDir(t)
	mustRun(t, dir, "init")

	out := mustRun(t, dir, "compact")
	require.Contains(t, out, "Compacted:")
}

func TestCompletion(t *testing.T) {
	dir := newDataDir(t)

	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		out := mustRun(t, dir, "completion", shell)
		require.Contains(t, out, "lockwallet", shell)
	}

	_, err := run(t, dir, "completion", "tcsh")
	require.Error(t, err)
}

func TestParseSignInput(t *testing.T) {
	tests := []struct {
		in   string
		want hdwallet.SignInput
		err  bool
	}{
		{in: "0:" + testAddress, want: hdwallet.SignInput{Index: 0, Address: testAddress}},
		{in: "3:m/86'/0'/0'/0/1", want: hdwallet.SignInput{Index: 3, DerivationPath: "m/86'/0'/0'/0/1"}},
		{in: testAddress, err: true},
		{in: "x:" + testAddress, err: true},
		{in: "-1:" + testAddress, err: true},
		{in: "1:", err: true},
	}

	for _, tt := range tests {
		got, err := parseSignInput(tt.in)
		if tt.err {
			require.ErrorIs(t, err, walleterr.ErrValidation, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}

func TestStrengthForWords(t *testing.T) {
	n, err := strengthForWords(12)
	require.NoError(t, err)
	require.Equal(t, hdwallet.Strength12Words, n)

	n, err = strengthForWords(24)
	require.NoError(t, err)
	require.Equal(t, hdwallet.Strength24Words, n)

	_, err = strengthForWords(18)
	require.ErrorIs(t, err, walleterr.ErrValidation)
}

func TestFormatSize(t *testing.T) {
	require.Equal(t, "512 B", formatSize(512))
	require.Equal(t, "2.0 KB", formatSize(2048))
	require.Equal(t, "1.5 MB", formatSize(1536*1024))
}
