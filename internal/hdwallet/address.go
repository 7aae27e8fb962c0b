package hdwallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// AddressRecord describes one derived address.
//
// PublicKey is the hex compressed SEC key for ECDSA types and the hex x-only
// internal key for taproot.
type AddressRecord struct {
	Address   string      `json:"address"`
	PublicKey string      `json:"publicKey"`
	Path      string      `json:"path"`
	Type      AddressType `json:"addressType"`
	Purpose   uint32      `json:"purpose"`
}

// Purpose names accepted by GetAddresses.
const (
	PurposePayment  = "payment"
	PurposeOrdinals = "ordinals"
	PurposeStacks   = "stacks"
)

func addressTypeForPurposeName(name string) (AddressType, error) {
	switch name {
	case PurposePayment, PurposeStacks:
		return NativeSegwit, nil
	case PurposeOrdinals:
		return Taproot, nil
	default:
		return "", fmt.Errorf("%w: unknown purpose %q", walleterr.ErrValidation, name)
	}
}

// encodeAddress builds the address of pub for the given script template.
func encodeAddress(pub *btcec.PublicKey, t AddressType, params *chaincfg.Params) (btcutil.Address, error) {
	switch t {
	case Legacy:
		return btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)

	case NativeSegwit:
		return btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)

	case NestedSegwit:
		redeem, err := nestedRedeemScript(pub, params)
		if err != nil {
			return nil, err
		}
		return btcutil.NewAddressScriptHash(redeem, params)

	case Taproot:
		outputKey := txscript.ComputeTaprootKeyNoScript(pub)
		return btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)

	default:
		return nil, fmt.Errorf("%w: unknown address type %q", walleterr.ErrValidation, t)
	}
}

// nestedRedeemScript returns the P2WPKH program wrapped by a P2SH-P2WPKH
// output.
func nestedRedeemScript(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	wpkh, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub.SerializeCompressed()), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(wpkh)
}

// pkScriptFor returns the output script paying to pub under template t.
func pkScriptFor(pub *btcec.PublicKey, t AddressType, params *chaincfg.Params) ([]byte, error) {
	addr, err := encodeAddress(pub, t, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// taprootScript returns the segwit v1 output script for an output key.
func taprootScript(outputKey *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func publicKeyHex(pub *btcec.PublicKey, t AddressType) string {
	if t.IsTaproot() {
		return hex.EncodeToString(schnorr.SerializePubKey(pub))
	}
	return hex.EncodeToString(pub.SerializeCompressed())
}

// addressTypeOf classifies a decoded address. A P2SH address is assumed to
// wrap P2WPKH since that is the only script hash template this wallet
// produces.
func addressTypeOf(addr btcutil.Address) (AddressType, error) {
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return Legacy, nil
	case *btcutil.AddressScriptHash:
		return NestedSegwit, nil
	case *btcutil.AddressWitnessPubKeyHash:
		return NativeSegwit, nil
	case *btcutil.AddressTaproot:
		return Taproot, nil
	default:
		return "", fmt.Errorf("%w: unsupported address kind %T", walleterr.ErrValidation, addr)
	}
}

// decodeAddress parses s and checks it belongs to the given network.
func decodeAddress(s string, params *chaincfg.Params) (btcutil.Address, AddressType, error) {
	addr, err := btcutil.DecodeAddress(s, params)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode address: %v", walleterr.ErrValidation, err)
	}
	if !addr.IsForNet(params) {
		return nil, "", fmt.Errorf("%w: address %s is not for %s",
			walleterr.ErrValidation, s, params.Name)
	}
	t, err := addressTypeOf(addr)
	if err != nil {
		return nil, "", err
	}
	return addr, t, nil
}

func sameAddress(a btcutil.Address, b btcutil.Address) bool {
	return bytes.Equal(a.ScriptAddress(), b.ScriptAddress()) &&
		a.EncodeAddress() == b.EncodeAddress()
}
