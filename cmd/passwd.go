package cmd

import (
	"fmt"
	"os"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/spf13/cobra"
)

func newPasswordCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Set, change or remove the wallet password",
	}
	cmd.AddCommand(
		newPasswordSetCmd(a),
		newPasswordChangeCmd(a),
		newPasswordRemoveCmd(a),
	)
	return cmd
}

// compact reclaims the space left by re-encrypting every record.
func (a *app) compact() {
	if err := a.wallet.Compact(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: compaction failed: %s\n", err)
	}
}

func newPasswordSetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set",
		Short: "Protect a passwordless wallet with a password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open()
			if err != nil {
				return err
			}
			if err := w.Unlock(nil); err != nil {
				return err
			}

			password, err := GetNewPassword(EnvNewPassword, "Enter new password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			if err := w.SetPassword(password); err != nil {
				return err
			}
			a.compact()

			fmt.Fprintln(cmd.OutOrStdout(), "password set successfully")
			return nil
		},
	}
}

func newPasswordChangeCmd(a *app) *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "change",
		Short: "Change the wallet password",
		Long: `Changes the wallet password and re-encrypts every record. --iterations
raises the PBKDF2 cost; a lower value than the current one is ignored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open()
			if err != nil {
				return err
			}

			current, err := GetPassword("Enter current password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(current)

			if err := w.Unlock(current); err != nil {
				return err
			}

			password, err := GetNewPassword(EnvNewPassword, "Enter new password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			if err := w.ChangePassword(current, password, iterations); err != nil {
				return err
			}
			a.compact()

			fmt.Fprintln(cmd.OutOrStdout(), "password changed successfully")
			return nil
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", 0, "new PBKDF2 iteration count")
	return cmd
}

func newPasswordRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove",
		Short: "Remove the password and keep the key in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open()
			if err != nil {
				return err
			}

			current, err := GetPassword("Enter current password: ")
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(current)

			if err := w.Unlock(current); err != nil {
				return err
			}
			if err := w.RemovePassword(current); err != nil {
				return err
			}
			a.compact()

			fmt.Fprintln(cmd.OutOrStdout(), "password removed")
			return nil
		},
	}
}
