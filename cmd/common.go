package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/illarion/lockwallet/internal/build"
	"github.com/illarion/lockwallet/internal/config"
	"github.com/illarion/lockwallet/internal/crypto"
	"github.com/illarion/lockwallet/internal/wallet"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/spf13/cobra"
)

// app carries what every command shares. The wallet is opened on first use.
type app struct {
	deps       wallet.Deps
	configFile string

	cfg     *config.Config
	logging *build.Logging
	wallet  *wallet.Wallet
}

// setup loads the configuration and starts logging. It runs before every
// command that touches the wallet.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg

	return a.initLogging()
}

// close releases the wallet and flushes the log file.
func (a *app) close() {
	if a.wallet != nil {
		if err := a.wallet.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close wallet: %s\n", err)
		}
		a.wallet = nil
	}
	if a.logging != nil {
		a.logging.Close()
		a.logging = nil
	}
}

// open returns the opened, still locked wallet.
func (a *app) open() (*wallet.Wallet, error) {
	if a.wallet != nil {
		return a.wallet, nil
	}

	w, err := wallet.New(a.cfg, a.deps)
	if err != nil {
		return nil, err
	}
	if err := w.Open(); err != nil {
		return nil, err
	}
	a.wallet = w
	return w, nil
}

// unlock opens the wallet and unlocks it. A passwordless wallet unlocks
// without asking; otherwise the password comes from the environment or a
// prompt.
func (a *app) unlock() (*wallet.Wallet, error) {
	w, err := a.open()
	if err != nil {
		return nil, err
	}

	err = w.Unlock(nil)
	if !errors.Is(err, walleterr.ErrUnauthorized) {
		return w, err
	}

	password, err := GetPassword("Enter wallet password: ")
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password)

	return w, w.Unlock(password)
}

// printJSON writes v as indented JSON.
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// HandleError prints err with a hint for the known failure kinds and exits.
func HandleError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)

	switch {
	case errors.Is(err, wallet.ErrNoWallet):
		fmt.Fprintf(os.Stderr, "Run 'lockwallet init' or 'lockwallet mnemonic restore' first\n")
	case errors.Is(err, wallet.ErrWalletExists):
		fmt.Fprintf(os.Stderr, "Use 'lockwallet status' to see the current wallet\n")
	case errors.Is(err, wallet.ErrWrongNetwork):
		fmt.Fprintf(os.Stderr, "Pass the wallet's --network or use another --datadir\n")
	case errors.Is(err, walleterr.ErrDecryption):
		fmt.Fprintf(os.Stderr, "Check the password and try again\n")
	case errors.Is(err, walleterr.ErrUnauthorized):
		fmt.Fprintf(os.Stderr, "Set %s or run from a terminal\n", EnvPassword)
	case errors.Is(err, walleterr.ErrConfiguration):
		fmt.Fprintf(os.Stderr, "The wallet data or configuration is damaged\n")
	}
	os.Exit(1)
}
