package hdwallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/illarion/lockwallet/internal/walleterr"
)

// bip322Tag is the tagged-hash domain of the message digest.
var bip322Tag = []byte("BIP0322-signed-message")

// Bounds applied when decoding a signature's witness stack.
const (
	maxWitnessItems    = 64
	maxWitnessItemSize = 10_000
)

// bip322MessageHash returns the tagged hash committed to by to_spend.
func bip322MessageHash(message []byte) chainhash.Hash {
	return *chainhash.TaggedHash(bip322Tag, message)
}

// buildToSpend returns the virtual transaction whose only output is spent
// by the signature.
func buildToSpend(message []byte, pkScript []byte) (*wire.MsgTx, error) {
	msgHash := bip322MessageHash(message)
	sigScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(msgHash[:]).
		Script()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(0)
	prevOut := wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex)
	txIn := wire.NewTxIn(prevOut, sigScript, nil)
	txIn.Sequence = 0
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(0, pkScript))
	return tx, nil
}

// buildToSign returns the unsigned transaction spending to_spend into a
// single OP_RETURN output.
func buildToSign(toSpend *wire.MsgTx) *wire.MsgTx {
	tx := wire.NewMsgTx(0)
	hash := toSpend.TxHash()
	txIn := wire.NewTxIn(wire.NewOutPoint(&hash, 0), nil, nil)
	txIn.Sequence = 0
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(0, []byte{txscript.OP_RETURN}))
	return tx
}

// newBip322Packet wraps to_sign in a PSBT carrying the to_spend output as
// its witness UTXO.
func newBip322Packet(message []byte, pkScript []byte) (*psbt.Packet, *txscript.TxSigHashes, error) {
	toSpend, err := buildToSpend(message, pkScript)
	if err != nil {
		return nil, nil, err
	}
	toSign := buildToSign(toSpend)

	packet, err := psbt.NewFromUnsignedTx(toSign)
	if err != nil {
		return nil, nil, err
	}
	packet.Inputs[0].WitnessUtxo = toSpend.TxOut[0]

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 0)
	return packet, txscript.NewTxSigHashes(toSign, fetcher), nil
}

// decodeWitness parses a serialized witness stack: a varint item count
// followed by varint-prefixed items.
func decodeWitness(raw []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(raw)
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: witness count: %v", walleterr.ErrValidation, err)
	}
	if n > maxWitnessItems {
		return nil, fmt.Errorf("%w: too many witness items", walleterr.ErrValidation)
	}

	stack := make(wire.TxWitness, n)
	for i := range stack {
		stack[i], err = wire.ReadVarBytes(r, 0, maxWitnessItemSize, "witness item")
		if err != nil {
			return nil, fmt.Errorf("%w: witness item %d: %v", walleterr.ErrValidation, i, err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing witness bytes", walleterr.ErrValidation)
	}
	return stack, nil
}
