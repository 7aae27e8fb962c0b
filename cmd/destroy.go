package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

const destroyConfirmation = "destroy"

func newDestroyCmd(a *app) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Erase the wallet",
		Long: `Erases every record and the wallet key. Without a backup or the mnemonic
the funds are lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.open()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force {
				fmt.Fprintf(out, "Type '%s' to erase the wallet: ", destroyConfirmation)
				line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if strings.TrimSpace(line) != destroyConfirmation {
					fmt.Fprintln(out, "aborted")
					return nil
				}
			}

			if err := w.Destroy(); err != nil {
				return err
			}
			a.compact()

			fmt.Fprintln(out, "✓ Wallet destroyed")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "erase without confirmation")
	return cmd
}
