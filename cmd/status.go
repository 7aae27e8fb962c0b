package cmd

import (
	"fmt"
	"time"

	"github.com/illarion/lockwallet/internal/git"
	"github.com/illarion/lockwallet/internal/wallet"
	"github.com/spf13/cobra"
)

// keyringProbe is implemented by vaults that can test the OS keyring.
type keyringProbe interface {
	Available(handle string) bool
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the wallet state",
		Long:  "Shows whether a wallet exists and how it is protected. Does not require a password.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open()
			if err != nil {
				return err
			}
			st, err := w.Status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !st.Exists {
				fmt.Fprintf(out, "No wallet found in %s\n", st.DataDir)
				fmt.Fprintln(out, "Run 'lockwallet init' to create one")
				return nil
			}

			fmt.Fprintf(out, "Wallet:     %s\n", st.DataDir)
			fmt.Fprintf(out, "Network:    %s\n", st.Network)
			if st.HasPassword {
				fmt.Fprintf(out, "Protection: password (%d PBKDF2 iterations)\n", st.Iterations)
			} else {
				fmt.Fprintln(out, "Protection: OS keyring")
				if probe, ok := a.deps.Vault.(keyringProbe); ok && !probe.Available("lockwallet-status") {
					fmt.Fprintln(out, "            keyring unavailable, key kept in the database")
				}
			}
			if st.LastBackupAt != nil {
				fmt.Fprintf(out, "Backup:     %s\n", st.LastBackupAt.Format(time.RFC3339))
			} else {
				fmt.Fprintln(out, "Backup:     never")
			}

			gs := git.CheckDataDir(st.DataDir, []string{wallet.DatabaseFile, wallet.BackupDir})
			fmt.Fprint(out, git.FormatStatus(gs))
			return nil
		},
	}
}
