package hdwallet

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// MessageProtocol selects the message signature scheme.
type MessageProtocol string

const (
	// ProtocolECDSA produces a 65-byte recoverable signature.
	ProtocolECDSA MessageProtocol = "ecdsa"

	// ProtocolBIP322Simple produces a serialized witness spending the
	// BIP322 virtual transaction.
	ProtocolBIP322Simple MessageProtocol = "bip322-simple"
)

const signedMessagePrefix = "Bitcoin Signed Message:\n"

// Header byte offsets added to the compressed-key recovery header for
// segwit addresses.
const (
	headerOffsetNested = 4
	headerOffsetNative = 8

	compactSigSize   = 65
	minCompactHeader = 27
	maxCompactHeader = 42
)

// SignedMessage is the result of SignMessage.
type SignedMessage struct {
	Address   string          `json:"address"`
	Protocol  MessageProtocol `json:"protocol"`
	Signature string          `json:"signature"`
}

// ParseMessageProtocol validates a protocol name. The empty string means
// "pick by address type".
func ParseMessageProtocol(s string) (MessageProtocol, error) {
	switch p := MessageProtocol(s); p {
	case "", ProtocolECDSA, ProtocolBIP322Simple:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown message protocol %q", walleterr.ErrValidation, s)
	}
}

// selectProtocol applies the taproot upgrade rule.
func selectProtocol(t AddressType, requested MessageProtocol) (MessageProtocol, error) {
	switch requested {
	case "":
		if t.IsTaproot() {
			return ProtocolBIP322Simple, nil
		}
		return ProtocolECDSA, nil

	case ProtocolECDSA:
		if t.IsTaproot() {
			return "", fmt.Errorf("%w: ecdsa message signing is not "+
				"available for taproot addresses", walleterr.ErrValidation)
		}
		return ProtocolECDSA, nil

	case ProtocolBIP322Simple:
		if t != Taproot && t != NativeSegwit {
			return "", fmt.Errorf("%w: bip322-simple requires a native "+
				"segwit or taproot address", walleterr.ErrValidation)
		}
		return ProtocolBIP322Simple, nil

	default:
		return "", fmt.Errorf("%w: unknown message protocol %q",
			walleterr.ErrValidation, requested)
	}
}

// signedMessageDigest returns the double SHA256 of the length-prefixed
// magic and message.
func signedMessageDigest(message string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, signedMessagePrefix)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage signs message with the key behind address. When protocol is
// empty, taproot addresses use bip322-simple and every other type uses
// ecdsa.
func (m *Manager) SignMessage(message, address string, protocol MessageProtocol) (*SignedMessage, error) {
	params := m.network.Params()
	_, t, err := decodeAddress(address, params)
	if err != nil {
		return nil, err
	}
	protocol, err = selectProtocol(t, protocol)
	if err != nil {
		return nil, err
	}

	path, err := m.resolvePath(address)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	priv, err := m.privateKey(path)
	if err != nil {
		return nil, err
	}
	defer priv.Zero()

	var sig []byte
	switch protocol {
	case ProtocolECDSA:
		sig = signMessageECDSA(priv, message, t)
	case ProtocolBIP322Simple:
		sig, err = signMessageBIP322(priv, message, t, params)
		if err != nil {
			return nil, err
		}
	}

	log.Debugf("Signed message with %s for %s", protocol, path)

	return &SignedMessage{
		Address:   address,
		Protocol:  protocol,
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

func signMessageECDSA(priv *btcec.PrivateKey, message string, t AddressType) []byte {
	sig := ecdsa.SignCompact(priv, signedMessageDigest(message), true)
	switch t {
	case NestedSegwit:
		sig[0] += headerOffsetNested
	case NativeSegwit:
		sig[0] += headerOffsetNative
	}
	return sig
}

func signMessageBIP322(priv *btcec.PrivateKey, message string, t AddressType,
	params *chaincfg.Params) ([]byte, error) {

	pub := priv.PubKey()
	pkScript, err := pkScriptFor(pub, t, params)
	if err != nil {
		return nil, err
	}

	packet, sigHashes, err := newBip322Packet([]byte(message), pkScript)
	if err != nil {
		return nil, err
	}
	toSign := packet.UnsignedTx
	pInput := &packet.Inputs[0]

	switch t {
	case Taproot:
		sig, err := txscript.RawTxInTaprootSignature(
			toSign, sigHashes, 0, 0, pkScript, nil,
			txscript.SigHashDefault, priv,
		)
		if err != nil {
			return nil, fmt.Errorf("bip322 taproot sign: %w", err)
		}
		pInput.TaprootInternalKey = schnorr.SerializePubKey(pub)
		pInput.TaprootKeySpendSig = sig

	case NativeSegwit:
		sig, err := txscript.RawTxInWitnessSignature(
			toSign, sigHashes, 0, 0, pkScript, txscript.SigHashAll, priv,
		)
		if err != nil {
			return nil, fmt.Errorf("bip322 segwit sign: %w", err)
		}
		pInput.PartialSigs = append(pInput.PartialSigs, &psbt.PartialSig{
			PubKey:    pub.SerializeCompressed(),
			Signature: sig,
		})

	default:
		return nil, fmt.Errorf("%w: bip322-simple not supported for %s",
			walleterr.ErrValidation, t)
	}

	if err := psbt.Finalize(packet, 0); err != nil {
		return nil, fmt.Errorf("finalize bip322 spend: %w", err)
	}
	return packet.Inputs[0].FinalScriptWitness, nil
}

// VerifyMessage checks a base64 signature over message for address on
// network. A 65-byte signature is treated as ecdsa, anything else as a
// bip322-simple witness. It returns false with a nil error when the
// signature is well formed but does not match.
func VerifyMessage(network Network, message, address, signature string) (bool, error) {
	params := network.Params()
	addr, t, err := decodeAddress(address, params)
	if err != nil {
		return false, err
	}

	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: signature is not base64: %v", walleterr.ErrValidation, err)
	}

	if len(raw) == compactSigSize && !t.IsTaproot() {
		return verifyMessageECDSA(raw, message, addr, t, params)
	}
	return verifyMessageBIP322(raw, message, addr)
}

func verifyMessageECDSA(sig []byte, message string, addr btcutil.Address, t AddressType,
	params *chaincfg.Params) (bool, error) {

	header := sig[0]
	if header < minCompactHeader || header > maxCompactHeader {
		return false, fmt.Errorf("%w: bad signature header %d", walleterr.ErrValidation, header)
	}

	compact := append([]byte(nil), sig...)
	switch {
	case header >= minCompactHeader+headerOffsetNative+4:
		compact[0] -= headerOffsetNative
	case header >= minCompactHeader+headerOffsetNested+4:
		compact[0] -= headerOffsetNested
	}

	pub, compressed, err := ecdsa.RecoverCompact(compact, signedMessageDigest(message))
	if err != nil {
		return false, nil
	}

	var candidate btcutil.Address
	if t == Legacy && !compressed {
		candidate, err = btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(pub.SerializeUncompressed()), params,
		)
	} else {
		candidate, err = encodeAddress(pub, t, params)
	}
	if err != nil {
		return false, err
	}
	return sameAddress(candidate, addr), nil
}

func verifyMessageBIP322(raw []byte, message string, addr btcutil.Address) (bool, error) {
	witness, err := decodeWitness(raw)
	if err != nil {
		return false, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return false, err
	}

	toSpend, err := buildToSpend([]byte(message), pkScript)
	if err != nil {
		return false, err
	}
	toSign := buildToSign(toSpend)
	toSign.TxIn[0].Witness = witness

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 0)
	vm, err := txscript.NewEngine(
		pkScript, toSign, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(toSign, fetcher), 0, fetcher,
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", walleterr.ErrValidation, err)
	}
	if err := vm.Execute(); err != nil {
		log.Tracef("BIP322 verification failed: %v", err)
		return false, nil
	}
	return true, nil
}
