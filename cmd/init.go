package cmd

import (
	"fmt"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/spf13/cobra"
)

// strengthForWords maps a mnemonic length to its entropy size.
func strengthForWords(words int) (int, error) {
	switch words {
	case 12:
		return hdwallet.Strength12Words, nil
	case 24:
		return hdwallet.Strength24Words, nil
	default:
		return 0, fmt.Errorf("%w: mnemonics have 12 or 24 words, not %d",
			walleterr.ErrValidation, words)
	}
}

// newWalletPassword returns the password for a new wallet when requested,
// and nil for a passwordless one.
func newWalletPassword(requested bool) ([]byte, error) {
	if !requested {
		return nil, nil
	}
	return GetNewPassword(EnvPassword, "Enter new wallet password: ")
}

func newInitCmd(a *app) *cobra.Command {
	var (
		words      int
		password   bool
		passphrase bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new wallet",
		Long: `Generates a new mnemonic, stores it in the data directory and prints it.
Write the mnemonic down: it is the only way to recover the wallet without a
backup.

Without --password the wallet key is kept in the OS keyring.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			strength, err := strengthForWords(words)
			if err != nil {
				return err
			}
			pass, err := newWalletPassword(password)
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(pass)

			extra, err := GetPassphrase(passphrase)
			if err != nil {
				return err
			}

			w, err := a.open()
			if err != nil {
				return err
			}
			mnemonic, err := w.Create(strength, extra, pass)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Initialized wallet")
			fmt.Fprintln(out)
			fmt.Fprintln(out, mnemonic)
			return nil
		},
	}

	cmd.Flags().IntVar(&words, "words", 24, "mnemonic length: 12 or 24")
	cmd.Flags().BoolVar(&password, "password", false, "protect the wallet with a password")
	cmd.Flags().BoolVar(&passphrase, "passphrase", false, "use a BIP39 passphrase")
	return cmd
}
