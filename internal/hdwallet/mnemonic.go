package hdwallet

import (
	"fmt"
	"sort"
	"strings"

	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tyler-smith/go-bip39"
)

// Supported entropy sizes in bits.
const (
	Strength12Words = 128
	Strength24Words = 256
)

// maxSuggestions bounds the replacement candidates offered per word.
const maxSuggestions = 3

// InvalidMnemonicError reports a phrase that failed BIP39 validation. Unknown
// words carry the closest wordlist entries by edit distance.
type InvalidMnemonicError struct {
	Reason      string
	Suggestions map[string][]string
}

func (e *InvalidMnemonicError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("invalid mnemonic: %s", e.Reason)
	}

	words := make([]string, 0, len(e.Suggestions))
	for w := range e.Suggestions {
		words = append(words, w)
	}
	sort.Strings(words)

	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%q: did you mean %s?", w, strings.Join(e.Suggestions[w], ", "))
	}
	return fmt.Sprintf("invalid mnemonic: %s (%s)", e.Reason, b.String())
}

func (e *InvalidMnemonicError) Unwrap() error {
	return walleterr.ErrInvalidMnemonic
}

// GenerateMnemonic returns a fresh phrase of 12 (128 bits) or 24 (256 bits)
// words.
func GenerateMnemonic(strength int) (string, error) {
	if strength != Strength12Words && strength != Strength24Words {
		return "", fmt.Errorf("%w: strength must be 128 or 256, got %d",
			walleterr.ErrValidation, strength)
	}

	entropy, err := bip39.NewEntropy(strength)
	if err != nil {
		return "", fmt.Errorf("generate entropy: %w", err)
	}
	defer clear(entropy)

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("encode mnemonic: %w", err)
	}
	return mnemonic, nil
}

// NormalizeMnemonic lowercases the phrase and collapses whitespace.
func NormalizeMnemonic(phrase string) string {
	return strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
}

// ValidateMnemonic checks word count, wordlist membership and checksum.
func ValidateMnemonic(phrase string) error {
	words := strings.Fields(NormalizeMnemonic(phrase))
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return &InvalidMnemonicError{
			Reason: fmt.Sprintf("expected 12 to 24 words, got %d", len(words)),
		}
	}

	suggestions := make(map[string][]string)
	for _, w := range words {
		if _, ok := bip39.GetWordIndex(w); !ok {
			suggestions[w] = suggestWords(w)
		}
	}
	if len(suggestions) > 0 {
		return &InvalidMnemonicError{
			Reason:      "unknown words",
			Suggestions: suggestions,
		}
	}

	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return &InvalidMnemonicError{Reason: "checksum mismatch"}
	}
	return nil
}

// suggestWords ranks the wordlist by Levenshtein distance to word.
func suggestWords(word string) []string {
	dmp := diffmatchpatch.New()

	type candidate struct {
		word string
		dist int
	}
	var best []candidate
	for _, w := range bip39.GetWordList() {
		d := dmp.DiffLevenshtein(dmp.DiffMain(word, w, false))
		if d > 2 {
			continue
		}
		best = append(best, candidate{w, d})
	}

	sort.SliceStable(best, func(i, j int) bool {
		return best[i].dist < best[j].dist
	})
	if len(best) > maxSuggestions {
		best = best[:maxSuggestions]
	}

	out := make([]string, len(best))
	for i, c := range best {
		out[i] = c.word
	}
	return out
}
