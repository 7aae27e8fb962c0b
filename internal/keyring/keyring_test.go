package keyring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestOSVaultRoundTrip(t *testing.T) {
	keyring.MockInit()

	v := NewOSVault()
	require.True(t, v.Available("store-1"))

	_, err := v.Load("store-1")
	require.ErrorIs(t, err, ErrNotFound)

	key := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, v.Store("store-1", key))

	got, err := v.Load("store-1")
	require.NoError(t, err)
	require.Equal(t, key, got)

	require.NoError(t, v.Remove("store-1"))
	require.NoError(t, v.Remove("store-1"))

	_, err = v.Load("store-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOSVaultUnavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("no secret service"))
	t.Cleanup(keyring.MockInit)

	v := NewOSVault()
	require.False(t, v.Available("store-1"))
	require.Error(t, v.Store("store-1", []byte("k")))
}
