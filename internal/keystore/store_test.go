package keystore

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/illarion/lockwallet/internal/keyring"
	"github.com/illarion/lockwallet/internal/storage"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/stretchr/testify/require"
	gokeyring "github.com/zalando/go-keyring"
	"pgregory.net/rapid"
)

const testIterations = 1000

var errInjected = errors.New("injected failure")

func testOptions() Options {
	return Options{
		Vault:  keyring.NewOSVault(),
		Policy: IterationPolicy{Session: testIterations},
	}
}

func openTestStore(t *testing.T, path string, opts Options) *Store {
	t.Helper()

	s, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	gokeyring.MockInit()
	path := filepath.Join(t.TempDir(), "wallet.db")
	return openTestStore(t, path, testOptions()), path
}

// reopen closes s and opens a fresh instance on the same file.
func reopen(t *testing.T, s *Store, opts Options) *Store {
	t.Helper()

	path := s.Path()
	require.NoError(t, s.Close())
	return openTestStore(t, path, opts)
}

func TestPasswordlessRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	require.Equal(t, StateUninitialized, s.State())

	require.NoError(t, s.Init(nil))
	require.Equal(t, StatePasswordlessUnlocked, s.State())
	require.False(t, s.Degraded())

	value := []byte{0x00, 0x01, 0x02, 0xff}
	require.NoError(t, s.Set("k", value))

	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, value, got)

	hasPassword, err := s.HasPassword()
	require.NoError(t, err)
	require.False(t, hasPassword)

	iterations, err := s.Pbkdf2Iterations()
	require.NoError(t, err)
	require.Zero(t, iterations)

	// The key lives in the keyring, not in the database.
	envelope, err := s.db.GetMeta(storage.MetaKeyEnvelope)
	require.NoError(t, err)
	require.Nil(t, envelope)
	handle, err := s.db.GetMeta(storage.MetaKeyHandle)
	require.NoError(t, err)
	require.NotNil(t, handle)

	s = reopen(t, s, testOptions())
	require.NoError(t, s.Init(nil))

	got, err = s.Get("k")
	require.NoError(t, err)
	require.Equal(t, value, got)
}

func TestGetAbsentKey(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	got, err := s.Get("missing")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, s.Set("empty", []byte{}))
	got, err = s.Get("empty")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestSetFreshIV(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	require.NoError(t, s.Set("k", []byte("same")))
	first, err := s.db.GetRecord("k")
	require.NoError(t, err)

	require.NoError(t, s.Set("k", []byte("same")))
	second, err := s.db.GetRecord("k")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestDeleteAndKeys(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	require.NoError(t, s.Set("b", []byte("2")))
	require.NoError(t, s.Set("a", []byte("1")))

	keys, err := s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Delete("a"))
	require.NoError(t, s.Delete("never-set"))

	keys, err = s.Keys()
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, keys)

	require.ErrorIs(t, s.Set("", []byte("x")), walleterr.ErrValidation)
}

func TestExistsNeedsMnemonicRecord(t *testing.T) {
	s, _ := newTestStore(t)

	exists, err := s.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Init(nil))
	require.NoError(t, s.Set("other", []byte("x")))

	exists, err = s.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, s.Set(MnemonicKey, []byte("abandon")))
	exists, err = s.Exists()
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPasswordStoreUnlock(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init([]byte("pw1")))
	require.Equal(t, StatePasswordUnlocked, s.State())
	require.NoError(t, s.Set("k", []byte("secret")))

	hasPassword, err := s.HasPassword()
	require.NoError(t, err)
	require.True(t, hasPassword)

	salt, err := s.db.GetSalt()
	require.NoError(t, err)
	require.NotNil(t, salt)

	s = reopen(t, s, testOptions())

	err = s.Init(nil)
	require.ErrorIs(t, err, walleterr.ErrUnauthorized)

	err = s.Init([]byte("wrong"))
	require.ErrorIs(t, err, walleterr.ErrDecryption)
	require.Equal(t, StateUninitialized, s.State())

	require.NoError(t, s.Init([]byte("pw1")))
	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	require.ErrorIs(t, s.Init([]byte("pw1")), walleterr.ErrConflict)
}

func TestPasswordOnPasswordlessStoreConflicts(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	s = reopen(t, s, testOptions())
	err := s.Init([]byte("pw"))
	require.ErrorIs(t, err, walleterr.ErrConflict)
	require.Equal(t, StateUninitialized, s.State())

	hasPassword, err := s.HasPassword()
	require.NoError(t, err)
	require.False(t, hasPassword)
}

func TestMissingSaltIsConfigurationError(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init([]byte("pw")))

	cs := storage.NewChangeset()
	cs.DeleteMeta(storage.MetaSalt)
	require.NoError(t, s.db.Commit(cs))

	s = reopen(t, s, testOptions())
	err := s.Init([]byte("pw"))
	require.ErrorIs(t, err, walleterr.ErrConfiguration)
	require.NotErrorIs(t, err, walleterr.ErrDecryption)
}

func TestBitFlipFailsDecryption(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init([]byte("pw")))
	require.NoError(t, s.Set("k", []byte("payload")))

	data, err := s.db.GetRecord("k")
	require.NoError(t, err)

	// The ciphertext is the last field of the encoded record.
	data[len(data)-1] ^= 0x01
	require.NoError(t, s.db.PutRecord("k", data))

	_, err = s.Get("k")
	require.ErrorIs(t, err, walleterr.ErrDecryption)
}

func TestMalformedRecordFailsDecryption(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))
	require.NoError(t, s.db.PutRecord("k", []byte("not cbor")))

	_, err := s.Get("k")
	require.ErrorIs(t, err, walleterr.ErrDecryption)
}

func TestPersistedIterationsAreAuthoritative(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init([]byte("pw")))
	require.NoError(t, s.Set("k", []byte("v")))

	overrides := []IterationPolicy{
		{Session: 2 * testIterations},
		{Env: "3000"},
		{Session: 1},
	}
	for i, policy := range overrides {
		t.Run(fmt.Sprintf("override %d", i), func(t *testing.T) {
			opts := testOptions()
			opts.Policy = policy
			s = reopen(t, s, opts)

			require.NoError(t, s.Init([]byte("pw")))
			require.Equal(t, testIterations, s.source.(passwordKey).iterations)

			iterations, err := s.Pbkdf2Iterations()
			require.NoError(t, err)
			require.Equal(t, testIterations, iterations)

			got, err := s.Get("k")
			require.NoError(t, err)
			require.Equal(t, []byte("v"), got)
		})
	}
}

func TestDegradedWithoutKeyring(t *testing.T) {
	gokeyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(gokeyring.MockInit)

	path := filepath.Join(t.TempDir(), "wallet.db")
	s := openTestStore(t, path, testOptions())

	require.NoError(t, s.Init(nil))
	require.True(t, s.Degraded())
	require.NoError(t, s.Set("k", []byte("v")))

	envelope, err := s.db.GetMeta(storage.MetaKeyEnvelope)
	require.NoError(t, err)
	key, err := decodeKeyEnvelope(envelope)
	require.NoError(t, err)
	require.Len(t, key, 32)

	// Still degraded while the keyring stays broken.
	s = reopen(t, s, testOptions())
	require.NoError(t, s.Init(nil))
	require.True(t, s.Degraded())

	// Once the keyring works the key moves there.
	gokeyring.MockInit()
	s = reopen(t, s, testOptions())
	require.NoError(t, s.Init(nil))
	require.False(t, s.Degraded())

	envelope, err = s.db.GetMeta(storage.MetaKeyEnvelope)
	require.NoError(t, err)
	require.Nil(t, envelope)

	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	s = reopen(t, s, testOptions())
	require.NoError(t, s.Init(nil))
	require.False(t, s.Degraded())
}

func TestNilVaultUsesEnvelope(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	s := openTestStore(t, path, Options{
		Policy: IterationPolicy{Session: testIterations},
	})

	require.NoError(t, s.Init(nil))
	require.True(t, s.Degraded())
}

func TestMigrationRollsBackOnCommitFailure(t *testing.T) {
	gokeyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(gokeyring.MockInit)

	path := filepath.Join(t.TempDir(), "wallet.db")
	s := openTestStore(t, path, testOptions())
	require.NoError(t, s.Init(nil))
	require.NoError(t, s.Set("k", []byte("v")))

	gokeyring.MockInit()
	s = reopen(t, s, testOptions())
	s.commitHook = func() error { return errInjected }

	require.NoError(t, s.Init(nil))
	require.True(t, s.Degraded())

	storeID, err := s.db.GetStoreID()
	require.NoError(t, err)
	_, err = keyring.NewOSVault().Load(keyHandle(storeID))
	require.ErrorIs(t, err, keyring.ErrNotFound)

	s.commitHook = nil
	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestMissingKeyringEntry(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	handle, err := s.db.GetMeta(storage.MetaKeyHandle)
	require.NoError(t, err)
	require.NoError(t, keyring.NewOSVault().Remove(string(handle)))

	s = reopen(t, s, testOptions())
	require.ErrorIs(t, s.Init(nil), walleterr.ErrConfiguration)
}

func TestMarkBackupCompleted(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	hasBackup, err := s.HasBackup()
	require.NoError(t, err)
	require.False(t, hasBackup)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkBackupCompleted(at))

	hasBackup, err = s.HasBackup()
	require.NoError(t, err)
	require.True(t, hasBackup)

	last, err := s.LastBackupAt()
	require.NoError(t, err)
	require.NotNil(t, last)
	require.True(t, at.Equal(*last))

	require.NoError(t, s.MarkBackupCompleted(time.Time{}))
	last, err = s.LastBackupAt()
	require.NoError(t, err)
	require.True(t, last.After(at))
}

func TestMetadataUpdatedAtMonotonic(t *testing.T) {
	gokeyring.MockInit()

	// A clock stuck in place must not freeze UpdatedAt.
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := testOptions()
	opts.Now = func() time.Time { return fixed }

	path := filepath.Join(t.TempDir(), "wallet.db")
	s := openTestStore(t, path, opts)
	require.NoError(t, s.Init(nil))

	prev, err := s.db.GetMetadata()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Set("k", []byte{byte(i)}))

		meta, err := s.db.GetMetadata()
		require.NoError(t, err)
		require.True(t, meta.UpdatedAt.After(prev.UpdatedAt))
		require.True(t, meta.CreatedAt.Equal(prev.CreatedAt))
		prev = meta
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))
	require.NoError(t, s.Set(MnemonicKey, []byte("words")))

	handle, err := s.db.GetMeta(storage.MetaKeyHandle)
	require.NoError(t, err)
	oldID, err := s.db.GetStoreID()
	require.NoError(t, err)

	require.NoError(t, s.Clear())
	require.Equal(t, StateUninitialized, s.State())

	exists, err := s.Exists()
	require.NoError(t, err)
	require.False(t, exists)

	_, err = keyring.NewOSVault().Load(string(handle))
	require.ErrorIs(t, err, keyring.ErrNotFound)

	_, err = s.Get(MnemonicKey)
	require.ErrorIs(t, err, walleterr.ErrLocked)

	// A cleared store can be created again, in either mode.
	require.NoError(t, s.Init([]byte("pw")))
	newID, err := s.db.GetStoreID()
	require.NoError(t, err)
	require.NotEqual(t, oldID, newID)

	got, err := s.Get(MnemonicKey)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLockAndClose(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init([]byte("pw")))
	require.NoError(t, s.Set("k", []byte("v")))

	s.Lock()
	require.Equal(t, StateUninitialized, s.State())
	require.Nil(t, s.enc)

	_, err := s.Get("k")
	require.ErrorIs(t, err, walleterr.ErrLocked)
	require.ErrorIs(t, s.Set("k", nil), walleterr.ErrLocked)

	require.NoError(t, s.Init([]byte("pw")))
	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())

	_, err = s.Get("k")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Init(nil), ErrClosed)

	_, err = s.Exists()
	require.ErrorIs(t, err, ErrClosed)
}

func TestCompactKeepsRecords(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))
	require.NoError(t, s.Set("k", []byte("v")))

	require.NoError(t, s.Compact())

	got, err := s.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)
}

func TestSetGetProperty(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Init(nil))

	rapid.Check(t, func(t *rapid.T) {
		key := rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "key")
		value := rapid.SliceOf(rapid.Byte()).Draw(t, "value")

		if err := s.Set(key, value); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, err := s.Get(key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got) != string(value) {
			t.Fatalf("got %x, want %x", got, value)
		}
	})
}
