package cmd

import (
	"fmt"

	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/spf13/cobra"
)

func newAddressCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Derive and look up wallet addresses",
	}
	cmd.AddCommand(
		newAddressDeriveCmd(a),
		newAddressListCmd(a),
		newAddressFindCmd(a),
	)
	return cmd
}

func newAddressDeriveCmd(a *app) *cobra.Command {
	var (
		addrType string
		account  uint32
		change   bool
		index    uint32
	)

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "Derive one address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := hdwallet.ParseAddressType(addrType)
			if err != nil {
				return err
			}
			branch := hdwallet.ReceiveBranch
			if change {
				branch = hdwallet.ChangeBranch
			}

			w, err := a.unlock()
			if err != nil {
				return err
			}
			keys, err := w.Keys()
			if err != nil {
				return err
			}
			rec, err := keys.DeriveAddress(t, account, branch, index)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().StringVar(&addrType, "type", string(hdwallet.NativeSegwit),
		"address type: nativeSegwit, taproot, nestedSegwit or legacy")
	cmd.Flags().Uint32Var(&account, "account", 0, "account index")
	cmd.Flags().BoolVar(&change, "change", false, "derive from the change branch")
	cmd.Flags().Uint32Var(&index, "index", 0, "address index")
	return cmd
}

func newAddressListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list [purpose...]",
		Short: "Show the first address for each purpose",
		Long: `Shows index 0 of account 0 for each purpose: payment, ordinals or stacks.
Without arguments payment and ordinals are shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.unlock()
			if err != nil {
				return err
			}
			keys, err := w.Keys()
			if err != nil {
				return err
			}
			addrs, err := keys.GetAddresses(args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), addrs)
		},
	}
}

func newAddressFindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "find <address>",
		Short: "Find the derivation path of an address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := a.unlock()
			if err != nil {
				return err
			}
			keys, err := w.Keys()
			if err != nil {
				return err
			}
			path, err := keys.FindAddressPath(args[0])
			if err != nil {
				return err
			}
			if path == nil {
				return fmt.Errorf("%w: %s not found in the scan window",
					walleterr.ErrValidation, args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}
