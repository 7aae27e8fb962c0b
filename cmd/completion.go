package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion <bash|zsh|fish|powershell>",
		Short: "Generate shell completions",
		Long: `Outputs the shell completion script for the specified shell.

  # Bash - add to ~/.bashrc
  eval "$(lockwallet completion bash)"

  # Zsh - add to ~/.zshrc
  eval "$(lockwallet completion zsh)"

  # Fish - add to ~/.config/fish/config.fish
  lockwallet completion fish | source`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		// Completions need neither configuration nor a wallet.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(out)
			default:
				return fmt.Errorf("unknown shell: %s, supported: bash, zsh, fish, powershell", args[0])
			}
		},
	}
}
