package hdwallet

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// AddressType names one of the four supported script templates.
type AddressType string

const (
	Legacy       AddressType = "legacy"
	NestedSegwit AddressType = "nestedSegwit"
	NativeSegwit AddressType = "nativeSegwit"
	Taproot      AddressType = "taproot"
)

// AllAddressTypes lists every supported address type in scan order.
var AllAddressTypes = []AddressType{NativeSegwit, Taproot, NestedSegwit, Legacy}

// BIP43 purpose values.
const (
	PurposeLegacy       uint32 = 44
	PurposeNestedSegwit uint32 = 49
	PurposeNativeSegwit uint32 = 84
	PurposeTaproot      uint32 = 86
)

// Branches of an account.
const (
	ReceiveBranch uint32 = 0
	ChangeBranch  uint32 = 1
)

// ParseAddressType validates an address type name.
func ParseAddressType(s string) (AddressType, error) {
	switch t := AddressType(s); t {
	case Legacy, NestedSegwit, NativeSegwit, Taproot:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown address type %q", walleterr.ErrValidation, s)
	}
}

// Purpose returns the BIP43 purpose for the address type.
func (t AddressType) Purpose() uint32 {
	switch t {
	case Legacy:
		return PurposeLegacy
	case NestedSegwit:
		return PurposeNestedSegwit
	case Taproot:
		return PurposeTaproot
	default:
		return PurposeNativeSegwit
	}
}

// IsTaproot reports whether keys of this type sign with Schnorr.
func (t AddressType) IsTaproot() bool {
	return t == Taproot
}

func addressTypeFromPurpose(purpose uint32) (AddressType, error) {
	switch purpose {
	case PurposeLegacy:
		return Legacy, nil
	case PurposeNestedSegwit:
		return NestedSegwit, nil
	case PurposeNativeSegwit:
		return NativeSegwit, nil
	case PurposeTaproot:
		return Taproot, nil
	default:
		return "", fmt.Errorf("%w: unsupported purpose %d", walleterr.ErrValidation, purpose)
	}
}

// DerivationPath is a BIP44-style path
// m / purpose' / coin_type' / account' / change / index.
type DerivationPath struct {
	Purpose  uint32
	CoinType uint32
	Account  uint32
	Change   uint32
	Index    uint32
}

// NewDerivationPath builds the path for an address type on a network.
func NewDerivationPath(t AddressType, n Network, account, change, index uint32) (DerivationPath, error) {
	p := DerivationPath{
		Purpose:  t.Purpose(),
		CoinType: n.CoinType(),
		Account:  account,
		Change:   change,
		Index:    index,
	}
	return p, p.validate()
}

func (p DerivationPath) validate() error {
	if _, err := addressTypeFromPurpose(p.Purpose); err != nil {
		return err
	}
	if p.Change != ReceiveBranch && p.Change != ChangeBranch {
		return fmt.Errorf("%w: change must be 0 or 1, got %d", walleterr.ErrValidation, p.Change)
	}
	for _, v := range []uint32{p.CoinType, p.Account, p.Index} {
		if v >= hdkeychain.HardenedKeyStart {
			return fmt.Errorf("%w: path element %d out of range", walleterr.ErrValidation, v)
		}
	}
	return nil
}

// AddressType returns the address type implied by the purpose.
func (p DerivationPath) AddressType() AddressType {
	t, _ := addressTypeFromPurpose(p.Purpose)
	return t
}

// Elements returns the five child indexes with hardening applied.
func (p DerivationPath) Elements() []uint32 {
	return []uint32{
		p.Purpose + hdkeychain.HardenedKeyStart,
		p.CoinType + hdkeychain.HardenedKeyStart,
		p.Account + hdkeychain.HardenedKeyStart,
		p.Change,
		p.Index,
	}
}

func (p DerivationPath) String() string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.Purpose, p.CoinType, p.Account, p.Change, p.Index)
}

// ParseDerivationPath parses "m/84'/0'/0'/0/5". Hardened levels may be
// marked with ' or h; the first three levels must be hardened and the last
// two must not be.
func ParseDerivationPath(s string) (DerivationPath, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 6 || parts[0] != "m" {
		return DerivationPath{}, fmt.Errorf("%w: malformed derivation path %q", walleterr.ErrValidation, s)
	}

	var vals [5]uint32
	for i, part := range parts[1:] {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h")
		if hardened {
			part = part[:len(part)-1]
		}
		if hardened != (i < 3) {
			return DerivationPath{}, fmt.Errorf("%w: unexpected hardening at level %d in %q",
				walleterr.ErrValidation, i+1, s)
		}
		v, err := strconv.ParseUint(part, 10, 31)
		if err != nil {
			return DerivationPath{}, fmt.Errorf("%w: bad path element %q", walleterr.ErrValidation, part)
		}
		vals[i] = uint32(v)
	}

	p := DerivationPath{
		Purpose:  vals[0],
		CoinType: vals[1],
		Account:  vals[2],
		Change:   vals[3],
		Index:    vals[4],
	}
	return p, p.validate()
}

// pathFromElements converts a raw PSBT derivation into a DerivationPath.
func pathFromElements(elems []uint32) (DerivationPath, error) {
	if len(elems) != 5 {
		return DerivationPath{}, fmt.Errorf("%w: derivation must have 5 levels, got %d",
			walleterr.ErrValidation, len(elems))
	}
	for i := 0; i < 3; i++ {
		if elems[i] < hdkeychain.HardenedKeyStart {
			return DerivationPath{}, fmt.Errorf("%w: level %d not hardened", walleterr.ErrValidation, i+1)
		}
	}
	p := DerivationPath{
		Purpose:  elems[0] - hdkeychain.HardenedKeyStart,
		CoinType: elems[1] - hdkeychain.HardenedKeyStart,
		Account:  elems[2] - hdkeychain.HardenedKeyStart,
		Change:   elems[3],
		Index:    elems[4],
	}
	return p, p.validate()
}
