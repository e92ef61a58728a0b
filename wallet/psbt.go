// Copyright (c) 2020 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
)

// MinerOutput is the recipient name Decode reports the fee under.
const MinerOutput = "miner"

// unknownRecipient is reported for outputs without an address form.
const unknownRecipient = "unknown"

var (
	// ErrMissingInputValue is returned when a PSBT input carries neither
	// a witness nor a non-witness UTXO.
	ErrMissingInputValue = errors.New("psbt input has no utxo")

	// ErrNegativeFee is returned when the outputs of a PSBT are worth
	// more than its inputs.
	ErrNegativeFee = errors.New("outputs exceed inputs")
)

// DecodedOutput is an output of a decoded PSBT.
type DecodedOutput struct {
	Value btcutil.Amount

	// To is the recipient address, "miner" for the fee.
	To string
}

// DecodePSBT parses a base64 encoded PSBT.
func DecodePSBT(b64 string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(strings.TrimSpace(b64)), true,
	)
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Invalid PSBT", err)
	}

	return packet, nil
}

// EncodePSBT serializes a PSBT to base64.
func EncodePSBT(packet *psbt.Packet) (string, error) {
	b64, err := packet.B64Encode()
	if err != nil {
		return "", errkind.New(errkind.WalletError,
			"unable to encode PSBT", err)
	}

	return b64, nil
}

// Weight returns the weight of the PSBT's transaction, with whatever final
// scripts it carries, plus the largest satisfaction one input of desc can
// add.
func Weight(desc, b64 string) (uint64, error) {
	parsed, err := descriptor.Parse(desc)
	if err != nil {
		return 0, errkind.New(errkind.InputError, "Invalid Descriptor",
			err)
	}

	packet, err := DecodePSBT(b64)
	if err != nil {
		return 0, err
	}

	satWeight, err := parsed.MaxSatisfactionWeight()
	if err != nil {
		return 0, errkind.New(errkind.OpError,
			"unable to compute satisfaction weight", err)
	}

	tx, err := finalTx(packet)
	if err != nil {
		return 0, errkind.New(errkind.InputError, "Invalid PSBT", err)
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))

	return uint64(weight) + satWeight, nil
}

// finalTx returns a copy of the unsigned transaction with the final scripts
// of the inputs that have them.
func finalTx(packet *psbt.Packet) (*wire.MsgTx, error) {
	tx := packet.UnsignedTx.Copy()
	for i, in := range packet.Inputs {
		tx.TxIn[i].SignatureScript = in.FinalScriptSig

		if len(in.FinalScriptWitness) == 0 {
			continue
		}

		witness, err := parseWitness(in.FinalScriptWitness)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}

// parseWitness reads a witness stack in the form psbt.WriteTxWitness writes.
func parseWitness(b []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(b)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	// Every item takes at least its length byte.
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("witness has %d items", count)
	}

	witness := make(wire.TxWitness, 0, count)
	for i := uint64(0); i < count; i++ {
		item, err := wire.ReadVarBytes(
			r, 0, txscript.MaxScriptSize, "witness item",
		)
		if err != nil {
			return nil, err
		}
		witness = append(witness, item)
	}

	return witness, nil
}

// Decode lists the outputs of a PSBT with their addresses on the given
// network, followed by a "miner" output worth the fee.
func Decode(params *chaincfg.Params, b64 string) ([]DecodedOutput, error) {
	packet, err := DecodePSBT(b64)
	if err != nil {
		return nil, err
	}

	fetcher := PsbtPrevOutputFetcher(packet)

	var inputTotal btcutil.Amount
	for i, txIn := range packet.UnsignedTx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			return nil, errkind.New(errkind.InputError,
				"Invalid PSBT", fmt.Errorf("input %d: %w", i,
					ErrMissingInputValue))
		}
		inputTotal += btcutil.Amount(prevOut.Value)
	}

	outputs := make([]DecodedOutput, 0, len(packet.UnsignedTx.TxOut)+1)
	var outputTotal btcutil.Amount
	for _, txOut := range packet.UnsignedTx.TxOut {
		outputTotal += btcutil.Amount(txOut.Value)
		outputs = append(outputs, DecodedOutput{
			Value: btcutil.Amount(txOut.Value),
			To:    recipient(txOut.PkScript, params),
		})
	}

	if outputTotal > inputTotal {
		return nil, errkind.New(errkind.InputError, "Invalid PSBT",
			ErrNegativeFee)
	}

	return append(outputs, DecodedOutput{
		Value: inputTotal - outputTotal,
		To:    MinerOutput,
	}), nil
}

// recipient renders the address an output script pays to.
func recipient(pkScript []byte, params *chaincfg.Params) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, params)
	if err != nil || len(addrs) != 1 {
		return unknownRecipient
	}

	return addrs[0].EncodeAddress()
}

// addInputInfo adds the UTXO, scripts and BIP32 derivations a signer needs
// to the PSBT input spending a wallet output.
func addInputInfo(in *psbt.PInput, utxo *Utxo, desc *descriptor.Descriptor,
	out *descriptor.Output) {

	txOut := &wire.TxOut{
		Value:    int64(utxo.Amount),
		PkScript: utxo.PkScript,
	}

	if desc.Type() == descriptor.TypeTr {
		addInputInfoTaproot(in, txOut, out)
		return
	}

	// As a fix for CVE-2020-14199 the full previous transaction is
	// always included, segwit inputs additionally carry the witness
	// UTXO.
	in.NonWitnessUtxo = utxo.prevTx
	if desc.Type().IsSegwit() {
		in.WitnessUtxo = txOut
	}
	in.SighashType = txscript.SigHashAll
	in.RedeemScript = out.RedeemScript
	in.WitnessScript = out.WitnessScript
	in.Bip32Derivation = bip32Derivations(out)
}

// addInputInfoTaproot adds the witness UTXO and key path derivation for a
// taproot input.
func addInputInfoTaproot(in *psbt.PInput, txOut *wire.TxOut,
	out *descriptor.Output) {

	in.WitnessUtxo = txOut
	in.SighashType = txscript.SigHashDefault
	in.Bip32Derivation = bip32Derivations(out)

	internalKey := schnorr.SerializePubKey(out.Keys[0].PubKey)
	in.TaprootInternalKey = internalKey
	in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          internalKey,
		MasterKeyFingerprint: out.Keys[0].FingerprintUint32(),
		Bip32Path:            out.Keys[0].Path,
	}}
}

// createOutputInfo creates the scripts and BIP32 derivations of a change
// output.
func createOutputInfo(desc *descriptor.Descriptor,
	out *descriptor.Output) *psbt.POutput {

	pOut := &psbt.POutput{
		RedeemScript:    out.RedeemScript,
		WitnessScript:   out.WitnessScript,
		Bip32Derivation: bip32Derivations(out),
	}

	if desc.Type() == descriptor.TypeTr {
		schnorrPubKey := schnorr.SerializePubKey(out.Keys[0].PubKey)
		pOut.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          schnorrPubKey,
			MasterKeyFingerprint: out.Keys[0].FingerprintUint32(),
			Bip32Path:            out.Keys[0].Path,
		}}
		pOut.TaprootInternalKey = schnorrPubKey
	}

	return pOut
}

// bip32Derivations lists the derivation of every key of an output.
func bip32Derivations(out *descriptor.Output) []*psbt.Bip32Derivation {
	derivations := make([]*psbt.Bip32Derivation, 0, len(out.Keys))
	for _, key := range out.Keys {
		derivations = append(derivations, &psbt.Bip32Derivation{
			PubKey:               key.PubKey.SerializeCompressed(),
			MasterKeyFingerprint: key.FingerprintUint32(),
			Bip32Path:            key.Path,
		})
	}

	return derivations
}

// PsbtPrevOutputFetcher returns a txscript.PrevOutFetcher built from the UTXO
// information in a PSBT packet.
func PsbtPrevOutputFetcher(packet *psbt.Packet) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for idx, txIn := range packet.UnsignedTx.TxIn {
		in := packet.Inputs[idx]

		if in.NonWitnessUtxo != nil {
			prevIndex := txIn.PreviousOutPoint.Index
			if int(prevIndex) >= len(in.NonWitnessUtxo.TxOut) {
				continue
			}

			fetcher.AddPrevOut(
				txIn.PreviousOutPoint,
				in.NonWitnessUtxo.TxOut[prevIndex],
			)

			continue
		}

		if in.WitnessUtxo != nil {
			fetcher.AddPrevOut(
				txIn.PreviousOutPoint, in.WitnessUtxo,
			)
		}
	}

	return fetcher
}
