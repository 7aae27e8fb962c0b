package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/security"
	"github.com/spf13/cobra"
)

func newBackupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export or import an encrypted wallet backup",
	}
	cmd.AddCommand(
		newBackupExportCmd(a),
		newBackupImportCmd(a),
	)
	return cmd
}

func newBackupExportCmd(a *app) *cobra.Command {
	var (
		outFile string
		save    bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a password protected backup",
		Long: `Seals the mnemonic and passphrase under a backup password. The envelope
is printed, written to --out, or saved under backups/ in the data directory
with --save.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if save && outFile != "" {
				return fmt.Errorf("--save and --out are exclusive")
			}

			w, err := a.unlock()
			if err != nil {
				return err
			}
			password, err := GetBackupPassword(true)
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(password)

			out := cmd.OutOrStdout()
			if save {
				path, err := w.SaveBackup(password)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "✓ Backup saved to %s\n", path)
				return nil
			}

			envelope, err := w.ExportBackup(password)
			if err != nil {
				return err
			}
			if outFile == "" {
				fmt.Fprintln(out, envelope)
				return nil
			}
			if err := os.WriteFile(outFile, []byte(envelope), security.FilePermSecure); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}
			fmt.Fprintf(out, "✓ Backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the backup to this file")
	cmd.Flags().BoolVar(&save, "save", false, "save the backup in the data directory")
	return cmd
}

func newBackupImportCmd(a *app) *cobra.Command {
	var password bool

	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Restore the wallet from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read backup: %w", err)
			}

			backupPassword, err := GetBackupPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(backupPassword)

			pass, err := newWalletPassword(password)
			if err != nil {
				return err
			}
			defer crypto.ClearBytes(pass)

			w, err := a.open()
			if err != nil {
				return err
			}
			if err := w.RestoreBackup(string(data), backupPassword, pass); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "✓ Restored wallet from backup")
			return nil
		},
	}

	cmd.Flags().BoolVar(&password, "password", false, "protect the restored wallet with a password")
	return cmd
}
