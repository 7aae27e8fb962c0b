package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/illarion/lockwallet/internal/hdwallet"
	"github.com/illarion/lockwallet/internal/walleterr"
	"github.com/spf13/cobra"
)

func newSignCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign messages and PSBTs",
	}
	cmd.AddCommand(
		newSignMessageCmd(a),
		newSignPsbtCmd(a),
	)
	return cmd
}

func newSignMessageCmd(a *app) *cobra.Command {
	var (
		address  string
		protocol string
	)

	cmd := &cobra.Command{
		Use:   "message <message>",
		Short: "Sign a message with the key of a wallet address",
		Long: `Signs a message. Taproot addresses use bip322-simple; other types use the
legacy ECDSA format unless --protocol bip322-simple is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := hdwallet.ParseMessageProtocol(protocol)
			if err != nil {
				return err
			}

			w, err := a.unlock()
			if err != nil {
				return err
			}
			keys, err := w.Keys()
			if err != nil {
				return err
			}
			signed, err := keys.SignMessage(args[0], address, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), signed)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "wallet address whose key signs")
	cmd.Flags().StringVar(&protocol, "protocol", "", "ecdsa or bip322-simple (default: by address type)")
	cmd.MarkFlagRequired("address")
	return cmd
}

// parseSignInput reads index:address or index:path.
func parseSignInput(s string) (hdwallet.SignInput, error) {
	idx, target, ok := strings.Cut(s, ":")
	if !ok || target == "" {
		return hdwallet.SignInput{}, fmt.Errorf("%w: input %q is not index:address or index:path",
			walleterr.ErrValidation, s)
	}
	index, err := strconv.Atoi(idx)
	if err != nil || index < 0 {
		return hdwallet.SignInput{}, fmt.Errorf("%w: bad input index %q",
			walleterr.ErrValidation, idx)
	}

	in := hdwallet.SignInput{Index: index}
	if strings.HasPrefix(target, "m/") {
		in.DerivationPath = target
	} else {
		in.Address = target
	}
	return in, nil
}

func newSignPsbtCmd(a *app) *cobra.Command {
	var (
		inputs   []string
		finalize bool
	)

	cmd := &cobra.Command{
		Use:   "psbt <base64|->",
		Short: "Sign inputs of a PSBT",
		Long: `Signs the selected inputs of a base64 PSBT and prints the updated packet.
Use - to read the PSBT from stdin. Each --input is index:address or
index:derivation-path.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			packet := args[0]
			if packet == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read psbt: %w", err)
				}
				packet = string(data)
			}

			req := make([]hdwallet.SignInput, 0, len(inputs))
			for _, s := range inputs {
				in, err := parseSignInput(s)
				if err != nil {
					return err
				}
				req = append(req, in)
			}

			w, err := a.unlock()
			if err != nil {
				return err
			}
			keys, err := w.Keys()
			if err != nil {
				return err
			}
			res, err := keys.SignPsbt(packet, req, hdwallet.SignPsbtOptions{
				Finalize: finalize,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input to sign as index:address or index:path (repeatable)")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "finalize the signed inputs")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify signatures",
	}

	var (
		address   string
		signature string
	)
	message := &cobra.Command{
		Use:   "message <message>",
		Short: "Verify a message signature",
		Long:  "Verifies an ECDSA or bip322-simple signature. Does not require a wallet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := hdwallet.VerifyMessage(a.cfg.ParsedNetwork(), args[0], address, signature)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: signature does not match", walleterr.ErrIntegrity)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Signature is valid")
			return nil
		},
	}
	message.Flags().StringVar(&address, "address", "", "signing address")
	message.Flags().StringVar(&signature, "signature", "", "base64 signature")
	message.MarkFlagRequired("address")
	message.MarkFlagRequired("signature")

	cmd.AddCommand(message)
	return cmd
}
