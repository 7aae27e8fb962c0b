package hdwallet

import (
	"errors"
	"strings"
	"testing"

	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/stretchr/testify/require"
)

func TestGenerateMnemonic(t *testing.T) {
	t.Parallel()

	for strength, words := range map[int]int{
		Strength12Words: 12,
		Strength24Words: 24,
	} {
		phrase, err := GenerateMnemonic(strength)
		require.NoError(t, err)
		require.Len(t, strings.Fields(phrase), words)
		require.NoError(t, ValidateMnemonic(phrase))

		again, err := GenerateMnemonic(strength)
		require.NoError(t, err)
		require.NotEqual(t, phrase, again)
	}

	_, err := GenerateMnemonic(160)
	require.ErrorIs(t, err, walleterr.ErrValidation)
}

func TestValidateMnemonic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		phrase string
		reason string
	}{
		{
			name:   "valid",
			phrase: testMnemonic,
		},
		{
			name:   "too short",
			phrase: "abandon abandon about",
			reason: "expected 12 to 24 words, got 3",
		},
		{
			name:   "bad checksum",
			phrase: strings.Repeat("zoo ", 12),
			reason: "checksum mismatch",
		},
		{
			name:   "unknown word",
			phrase: strings.Replace(testMnemonic, "about", "abot", 1),
			reason: "unknown words",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMnemonic(tc.phrase)
			if tc.reason == "" {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, walleterr.ErrInvalidMnemonic)
			var invalid *InvalidMnemonicError
			require.True(t, errors.As(err, &invalid))
			require.Equal(t, tc.reason, invalid.Reason)
		})
	}
}

func TestMnemonicSuggestions(t *testing.T) {
	t.Parallel()

	phrase := strings.Replace(testMnemonic, "about", "abot", 1)
	phrase = strings.Replace(phrase, "abandon", "abandn", 1)

	err := ValidateMnemonic(phrase)
	var invalid *InvalidMnemonicError
	require.True(t, errors.As(err, &invalid))

	require.Len(t, invalid.Suggestions, 2)
	require.Contains(t, invalid.Suggestions["abot"], "about")
	require.Equal(t, "abandon", invalid.Suggestions["abandn"][0])
	require.LessOrEqual(t, len(invalid.Suggestions["abot"]), maxSuggestions)
	require.Contains(t, err.Error(), `"abot": did you mean`)

	// Words far from every list entry get no candidates.
	require.Empty(t, suggestWords("qqqqqqqq"))
}
