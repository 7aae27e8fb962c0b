package hdwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// Network selects chain parameters and the BIP44 coin type.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

const (
	// CoinTypeBitcoin is the BIP44 coin type for mainnet.
	CoinTypeBitcoin uint32 = 0

	// CoinTypeTestnet is shared by every test network.
	CoinTypeTestnet uint32 = 1
)

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case Mainnet, Testnet, Signet, Regtest:
		return n, nil
	case "":
		return Mainnet, nil
	default:
		return "", fmt.Errorf("%w: unknown network %q", walleterr.ErrValidation, s)
	}
}

// Params returns the chain parameters used for address encoding.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// CoinType returns the hardened-level coin index for derivation paths.
func (n Network) CoinType() uint32 {
	if n == Mainnet {
		return CoinTypeBitcoin
	}
	return CoinTypeTestnet
}

func (n Network) String() string {
	return string(n)
}
