package hdwallet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// errMissingUtxo marks an input without witness or non-witness UTXO data.
var errMissingUtxo = errors.New("input has no utxo information")

// SignInput selects one PSBT input and the key that signs it. Exactly one
// of Address and DerivationPath is needed; when both are set they must
// agree.
type SignInput struct {
	Index          int                    `json:"index"`
	Address        string                 `json:"address,omitempty"`
	DerivationPath string                 `json:"derivationPath,omitempty"`
	SighashTypes   []txscript.SigHashType `json:"sighashTypes,omitempty"`
}

// SignPsbtOptions tunes SignPsbt.
type SignPsbtOptions struct {
	// Finalize builds the final script witness or script sig of every
	// signed input.
	Finalize bool
}

// SignPsbtResult carries the updated packet.
type SignPsbtResult struct {
	Psbt         string `json:"psbt"`
	SignedInputs []int  `json:"signedInputs"`
}

// resolvedInput is a SignInput with its derivation path settled.
type resolvedInput struct {
	SignInput
	path DerivationPath
}

// SignPsbt signs the requested inputs of a base64 PSBT. Nothing is returned
// unless every requested input signs; a rejected input leaves no
// signatures behind.
func (m *Manager) SignPsbt(psbtBase64 string, inputs []SignInput,
	opts SignPsbtOptions) (*SignPsbtResult, error) {

	packet, err := psbt.NewFromRawBytes(strings.NewReader(strings.TrimSpace(psbtBase64)), true)
	if err != nil {
		return nil, fmt.Errorf("%w: decode psbt: %v", walleterr.ErrValidation, err)
	}

	resolved, err := m.resolveInputs(packet, inputs)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master == nil {
		return nil, walleterr.ErrLocked
	}

	fetcher, err := prevOutputFetcher(packet)
	if err != nil {
		return nil, err
	}
	sigHashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	signed := make([]int, 0, len(resolved))
	for _, in := range resolved {
		if err := m.signInput(packet, in, sigHashes, fetcher); err != nil {
			return nil, fmt.Errorf("input %d: %w", in.Index, err)
		}
		signed = append(signed, in.Index)
	}

	if opts.Finalize {
		for _, idx := range signed {
			if _, err := psbt.MaybeFinalize(packet, idx); err != nil {
				return nil, fmt.Errorf("%w: finalize input %d: %v",
					walleterr.ErrValidation, idx, err)
			}
		}
	}

	encoded, err := packet.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("encode psbt: %w", err)
	}

	log.Debugf("Signed %d PSBT input(s), finalize=%v", len(signed), opts.Finalize)

	return &SignPsbtResult{Psbt: encoded, SignedInputs: signed}, nil
}

// resolveInputs validates the request and settles every signing path.
// Must be called without m.mu held.
func (m *Manager) resolveInputs(packet *psbt.Packet, inputs []SignInput) ([]resolvedInput, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs to sign", walleterr.ErrValidation)
	}

	seen := make(map[int]struct{}, len(inputs))
	out := make([]resolvedInput, 0, len(inputs))
	for _, in := range inputs {
		if in.Index < 0 || in.Index >= len(packet.UnsignedTx.TxIn) {
			return nil, fmt.Errorf("%w: input index %d out of range",
				walleterr.ErrValidation, in.Index)
		}
		if _, dup := seen[in.Index]; dup {
			return nil, fmt.Errorf("%w: input %d requested twice",
				walleterr.ErrValidation, in.Index)
		}
		seen[in.Index] = struct{}{}

		path, err := m.inputPath(in)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", in.Index, err)
		}
		out = append(out, resolvedInput{SignInput: in, path: path})
	}
	return out, nil
}

func (m *Manager) inputPath(in SignInput) (DerivationPath, error) {
	switch {
	case in.DerivationPath == "" && in.Address == "":
		return DerivationPath{}, fmt.Errorf("%w: address or derivation path required",
			walleterr.ErrValidation)

	case in.DerivationPath == "":
		return m.resolvePath(in.Address)
	}

	path, err := ParseDerivationPath(in.DerivationPath)
	if err != nil {
		return DerivationPath{}, err
	}
	if path.CoinType != m.network.CoinType() {
		return DerivationPath{}, fmt.Errorf("%w: path %s is not for %s",
			walleterr.ErrValidation, path, m.network)
	}
	if in.Address == "" {
		return path, nil
	}

	m.mu.Lock()
	rec, err := m.addressAt(path)
	m.mu.Unlock()
	if err != nil {
		return DerivationPath{}, err
	}
	if rec.Address != in.Address {
		return DerivationPath{}, fmt.Errorf("%w: path %s derives %s, not %s",
			walleterr.ErrValidation, path, rec.Address, in.Address)
	}
	return path, nil
}

// fetchUtxo returns the output spent by input idx.
func fetchUtxo(packet *psbt.Packet, idx int) (*wire.TxOut, error) {
	pInput := &packet.Inputs[idx]
	prevOut := packet.UnsignedTx.TxIn[idx].PreviousOutPoint

	switch {
	case pInput.WitnessUtxo != nil:
		return pInput.WitnessUtxo, nil

	case pInput.NonWitnessUtxo != nil:
		txHash := pInput.NonWitnessUtxo.TxHash()
		if !txHash.IsEqual(&prevOut.Hash) {
			return nil, fmt.Errorf("%w: non-witness utxo of input %d "+
				"does not match outpoint", walleterr.ErrValidation, idx)
		}
		if int(prevOut.Index) >= len(pInput.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf("%w: outpoint index %d out of range",
				walleterr.ErrValidation, prevOut.Index)
		}
		return pInput.NonWitnessUtxo.TxOut[prevOut.Index], nil

	default:
		return nil, errMissingUtxo
	}
}

// prevOutputFetcher collects every known previous output of the packet.
// Inputs without UTXO data are skipped.
func prevOutputFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		utxo, err := fetchUtxo(packet, idx)
		if errors.Is(err, errMissingUtxo) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fetcher.AddPrevOut(txIn.PreviousOutPoint, utxo)
	}
	return fetcher, nil
}

// signInput must be called with m.mu held.
func (m *Manager) signInput(packet *psbt.Packet, in resolvedInput,
	sigHashes *txscript.TxSigHashes, fetcher *txscript.MultiPrevOutFetcher) error {

	utxo, err := fetchUtxo(packet, in.Index)
	if errors.Is(err, errMissingUtxo) {
		return fmt.Errorf("%w: %v", walleterr.ErrValidation, err)
	}
	if err != nil {
		return err
	}

	priv, err := m.privateKey(in.path)
	if err != nil {
		return err
	}
	defer priv.Zero()

	if in.path.AddressType().IsTaproot() {
		for idx, txIn := range packet.UnsignedTx.TxIn {
			if fetcher.FetchPrevOutput(txIn.PreviousOutPoint) == nil {
				return fmt.Errorf("%w: taproot signing needs utxo "+
					"data for input %d", walleterr.ErrValidation, idx)
			}
		}
		return signTaprootInput(packet, in, priv, utxo, sigHashes, m.network.Params())
	}
	return m.signECDSAInput(packet, in, priv, utxo, sigHashes)
}

func validTaprootSigHash(t txscript.SigHashType) bool {
	switch t {
	case txscript.SigHashDefault, txscript.SigHashAll, txscript.SigHashNone,
		txscript.SigHashSingle,
		txscript.SigHashAll | txscript.SigHashAnyOneCanPay,
		txscript.SigHashNone | txscript.SigHashAnyOneCanPay,
		txscript.SigHashSingle | txscript.SigHashAnyOneCanPay:
		return true
	}
	return false
}

func validECDSASigHash(t txscript.SigHashType) bool {
	return t != txscript.SigHashDefault && validTaprootSigHash(t)
}

// scriptHasKey reports whether script pushes key as a data element.
func scriptHasKey(script, key []byte) bool {
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		if bytes.Equal(tokenizer.Data(), key) {
			return true
		}
	}
	return false
}

func signTaprootInput(packet *psbt.Packet, in resolvedInput, priv *btcec.PrivateKey,
	utxo *wire.TxOut, sigHashes *txscript.TxSigHashes, params *chaincfg.Params) error {

	pInput := &packet.Inputs[in.Index]
	tx := packet.UnsignedTx

	if len(in.SighashTypes) > 1 {
		return fmt.Errorf("%w: taproot inputs take a single sighash "+
			"type, got %d", walleterr.ErrIncompatibleInput, len(in.SighashTypes))
	}

	hashType := pInput.SighashType
	if len(in.SighashTypes) == 1 {
		hashType = in.SighashTypes[0]
		if pInput.SighashType != txscript.SigHashDefault &&
			pInput.SighashType != hashType {

			return fmt.Errorf("%w: requested sighash %v conflicts with "+
				"psbt sighash %v", walleterr.ErrIncompatibleInput,
				hashType, pInput.SighashType)
		}
	}
	if !validTaprootSigHash(hashType) {
		return fmt.Errorf("%w: invalid taproot sighash type %#x",
			walleterr.ErrValidation, uint32(hashType))
	}

	xOnly := schnorr.SerializePubKey(priv.PubKey())

	if len(pInput.WitnessScript) > 0 && !scriptHasKey(pInput.WitnessScript, xOnly) {
		return fmt.Errorf("%w: witness script does not contain the "+
			"derived key", walleterr.ErrIncompatibleInput)
	}

	// A script path spend commits to a foreign internal key; the leaf
	// script must carry ours instead.
	if len(pInput.TaprootLeafScript) > 0 {
		return signTapscript(pInput, tx, in.Index, priv, xOnly, utxo, hashType, sigHashes)
	}

	if len(pInput.TaprootInternalKey) > 0 &&
		!bytes.Equal(pInput.TaprootInternalKey, xOnly) {

		return fmt.Errorf("%w: tapInternalKey does not match the "+
			"derived key", walleterr.ErrIncompatibleInput)
	}

	merkleRoot := pInput.TaprootMerkleRoot
	if len(merkleRoot) != 0 && len(merkleRoot) != chainhash.HashSize {
		return fmt.Errorf("%w: taproot merkle root must be %d bytes",
			walleterr.ErrValidation, chainhash.HashSize)
	}

	outputKey := txscript.ComputeTaprootOutputKey(priv.PubKey(), merkleRoot)
	expected, err := taprootScript(outputKey, params)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, utxo.PkScript) {
		return fmt.Errorf("%w: output key does not match the derived "+
			"key", walleterr.ErrIncompatibleInput)
	}

	sig, err := txscript.RawTxInTaprootSignature(
		tx, sigHashes, in.Index, utxo.Value, utxo.PkScript, merkleRoot,
		hashType, priv,
	)
	if err != nil {
		return fmt.Errorf("taproot key spend: %w", err)
	}

	pInput.TaprootKeySpendSig = sig
	if len(pInput.TaprootInternalKey) == 0 {
		pInput.TaprootInternalKey = xOnly
	}
	if pInput.SighashType == txscript.SigHashDefault {
		pInput.SighashType = hashType
	}
	return nil
}

func signTapscript(pInput *psbt.PInput, tx *wire.MsgTx, idx int,
	priv *btcec.PrivateKey, xOnly []byte, utxo *wire.TxOut,
	hashType txscript.SigHashType, sigHashes *txscript.TxSigHashes) error {

	var leafScript *psbt.TaprootTapLeafScript
	for _, ls := range pInput.TaprootLeafScript {
		if scriptHasKey(ls.Script, xOnly) {
			leafScript = ls
			break
		}
	}
	if leafScript == nil {
		return fmt.Errorf("%w: no leaf script contains the derived key",
			walleterr.ErrIncompatibleInput)
	}

	leaf := txscript.TapLeaf{
		LeafVersion: leafScript.LeafVersion,
		Script:      leafScript.Script,
	}
	sig, err := txscript.RawTxInTapscriptSignature(
		tx, sigHashes, idx, utxo.Value, utxo.PkScript, leaf, hashType, priv,
	)
	if err != nil {
		return fmt.Errorf("taproot script spend: %w", err)
	}
	leafHash := leaf.TapHash()

	pInput.TaprootScriptSpendSig = append(pInput.TaprootScriptSpendSig,
		&psbt.TaprootScriptSpendSig{
			XOnlyPubKey: xOnly,
			LeafHash:    leafHash[:],
			Signature:   sig[:schnorr.SignatureSize],
			SigHash:     hashType,
		},
	)
	if pInput.SighashType == txscript.SigHashDefault {
		pInput.SighashType = hashType
	}
	return nil
}

// signECDSAInput must be called with m.mu held.
func (m *Manager) signECDSAInput(packet *psbt.Packet, in resolvedInput, priv *btcec.PrivateKey,
	utxo *wire.TxOut, sigHashes *txscript.TxSigHashes) error {

	pInput := &packet.Inputs[in.Index]
	tx := packet.UnsignedTx

	if len(in.SighashTypes) > 1 {
		return fmt.Errorf("%w: one sighash type per input, got %d",
			walleterr.ErrValidation, len(in.SighashTypes))
	}
	hashType := txscript.SigHashAll
	switch {
	case len(in.SighashTypes) == 1:
		hashType = in.SighashTypes[0]
	case pInput.SighashType != 0:
		hashType = pInput.SighashType
	}
	if !validECDSASigHash(hashType) {
		return fmt.Errorf("%w: invalid sighash type %#x",
			walleterr.ErrValidation, uint32(hashType))
	}
	if pInput.SighashType != 0 && pInput.SighashType != hashType {
		return fmt.Errorf("%w: requested sighash %v conflicts with psbt "+
			"sighash %v", walleterr.ErrValidation, hashType, pInput.SighashType)
	}

	pub := priv.PubKey()
	t := in.path.AddressType()
	params := m.network.Params()

	expected, err := pkScriptFor(pub, t, params)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, utxo.PkScript) {
		return fmt.Errorf("%w: input script does not pay to the derived "+
			"key", walleterr.ErrIncompatibleInput)
	}

	var sig []byte
	switch t {
	case NativeSegwit:
		sig, err = txscript.RawTxInWitnessSignature(
			tx, sigHashes, in.Index, utxo.Value, utxo.PkScript,
			hashType, priv,
		)

	case NestedSegwit:
		var redeem []byte
		redeem, err = nestedRedeemScript(pub, params)
		if err != nil {
			return err
		}
		sig, err = txscript.RawTxInWitnessSignature(
			tx, sigHashes, in.Index, utxo.Value, redeem, hashType, priv,
		)
		pInput.RedeemScript = redeem

	case Legacy:
		if pInput.NonWitnessUtxo == nil {
			return fmt.Errorf("%w: legacy inputs need the full previous "+
				"transaction", walleterr.ErrValidation)
		}
		sig, err = txscript.RawTxInSignature(tx, in.Index, utxo.PkScript, hashType, priv)
	}
	if err != nil {
		return fmt.Errorf("ecdsa sign: %w", err)
	}

	if t != Legacy && pInput.WitnessUtxo == nil {
		pInput.WitnessUtxo = utxo
	}

	pubBytes := pub.SerializeCompressed()
	partial := &psbt.PartialSig{PubKey: pubBytes, Signature: sig}
	replaced := false
	for i, ps := range pInput.PartialSigs {
		if bytes.Equal(ps.PubKey, pubBytes) {
			pInput.PartialSigs[i] = partial
			replaced = true
		}
	}
	if !replaced {
		pInput.PartialSigs = append(pInput.PartialSigs, partial)
	}

	if pInput.SighashType == 0 && hashType != txscript.SigHashAll {
		pInput.SighashType = hashType
	}
	return nil
}
