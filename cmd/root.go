// Package cmd implements the lockwallet command line.
package cmd

import (
	"context"

	"github.com/illarion/lockwallet/internal/config"
	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/wallet"
	"github.com/spf13/cobra"
)

// Execute runs the command line with the production collaborators.
func Execute(ctx context.Context) error {
	root, a := newRootCmd(wallet.DefaultDeps())
	defer a.close()

	return root.ExecuteContext(ctx)
}

func newRootCmd(deps wallet.Deps) (*cobra.Command, *app) {
	a := &app{deps: deps}

	root := &cobra.Command{
		Use:   "lockwallet",
		Short: "Encrypted Bitcoin HD wallet key store",
		Long: `lockwallet keeps a BIP39 mnemonic in an encrypted local store and uses it
to derive addresses, sign messages and sign PSBTs.

A wallet is either protected by a password or passwordless, in which case
its key is held by the OS keyring.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: lockwallet.yaml in the data directory)")
	flags.String(config.KeyDataDir, config.DefaultDataDir(), "wallet data directory")
	flags.String(config.KeyNetwork, hdwallet.Mainnet.String(), "bitcoin network: mainnet, testnet, signet or regtest")
	flags.Int(config.KeyPbkdf2Iterations, 0, "PBKDF2 iterations for new passwords (0 selects the default)")
	flags.Bool(config.KeyProduction, true, "enforce the production PBKDF2 floor")
	flags.Int(config.KeyScanReceive, hdwallet.DefaultScanWindow, "receive addresses scanned per type when looking up an address")
	flags.Int(config.KeyScanChange, hdwallet.DefaultScanWindow, "change addresses scanned per type when looking up an address")
	flags.String(config.KeyLogLevel, config.DefaultLogLevel, "log level, optionally per subsystem (info,KSTR=debug)")
	flags.String(config.KeyLogDir, "", "log directory (default: logs/<network> in the data directory)")

	root.AddCommand(
		newInitCmd(a),
		newStatusCmd(a),
		newMnemonicCmd(a),
		newAddressCmd(a),
		newSignCmd(a),
		newVerifyCmd(a),
		newPasswordCmd(a),
		newBackupCmd(a),
		newDestroyCmd(a),
		newCompactCmd(a),
		newCompletionCmd(root),
	)
	return root, a
}
