package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/spf13/cobra"
)

func newMnemonicCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mnemonic",
		Short: "Generate, restore or export the wallet mnemonic",
	}
	cmd.AddCommand(
		newMnemonicGenerateCmd(),
		newMnemonicRestoreCmd(a),
		newMnemonicExportCmd(a),
	)
	return cmd
}

func newMnemonicGenerateCmd() *cobra.Command {
	var words int

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Print a fresh mnemonic without storing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			strength, err := strengthForWords(words)
			if err != nil {
				return err
			}
			mnemonic, err := hdwallet.GenerateMnemonic(strength)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mnemonic)
			return nil
		},
	}
	cmd.Flags().IntVar(&words, "words", 24, "mnemonic length: 12 or 24")
	return cmd
}

func newMnemonicRestoreCmd(a *app) *cobra.Command {
	var (
		password   bool
		passphrase bool
	)

	cmd := &cobra.Command{
		Use:   "restore [word...]",
		Short: "Create the wallet from an existing mnemonic",
		Long: `Stores an existing mnemonic as the wallet. The words may be given as
arguments; otherwise they are read without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			phrase := strings.Join(args, " ")
			if phrase == "" {
				raw, err := ReadPassword("Enter mnemonic: ")
				if err != nil {
					return err
				}
				phrase = string(raw)
				crypto.ClearBytes(raw)
			}

			if err := hdwallet.ValidateMnemonic(phrase); err != nil {
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
			if err := w.Restore(phrase, extra, pass); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "✓ Restored wallet")
			return nil
		},
	}

	cmd.Flags().BoolVar(&password, "password", false, "protect the wallet with a password")
	cmd.Flags().BoolVar(&passphrase, "passphrase", false, "use a BIP39 passphrase")
	return cmd
}

func newMnemonicExportCmd(a *app) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the stored mnemonic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.unlock()
			if err != nil {
				return err
			}
			keys, err := w.Keys()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if seed {
				raw, err := keys.Seed()
				if err != nil {
					return err
				}
				defer crypto.ClearBytes(raw)
				fmt.Fprintln(out, hex.EncodeToString(raw))
				return nil
			}

			mnemonic, err := keys.ExportMnemonic()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, mnemonic)
			return nil
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "print the hex BIP39 seed instead")
	return cmd
}
