// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/keychain"
)

// Sign adds the signatures the wallet's private keys can make to a copy of
// the packet and finalizes every input whose spending condition is then met.
// Inputs that are already final or do not belong to the wallet are left
// untouched, so signing is idempotent and independent of the order in which
// key holders sign. The returned flag reports whether every input is final.
func (w *Wallet) Sign(packet *psbt.Packet) (*psbt.Packet, bool, error) {
	signed, err := clonePacket(packet)
	if err != nil {
		return nil, false, err
	}

	err = psbt.InputsReadyToSign(signed)
	if err != nil {
		return nil, false, errkind.New(errkind.InputError,
			"Invalid PSBT", err)
	}

	tx := signed.UnsignedTx
	fetcher := PsbtPrevOutputFetcher(signed)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for idx, txIn := range tx.TxIn {
		in := &signed.Inputs[idx]
		if isFinalized(in) {
			continue
		}

		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		if prevOut == nil {
			continue
		}

		desc, out, ok := w.matchInput(in, prevOut)
		if !ok {
			log.Debugf("Input %d spends %v which is not ours", idx,
				txIn.PreviousOutPoint)

			continue
		}

		err := signInput(tx, sigHashes, idx, in, prevOut, desc, out)
		if err != nil {
			return nil, false, errkind.New(errkind.WalletError,
				"unable to sign input", fmt.Errorf("input %d: %w",
					idx, err))
		}

		err = finalizeInput(tx, idx, in, desc, out)
		if err != nil {
			return nil, false, errkind.New(errkind.WalletError,
				"unable to finalize input", fmt.Errorf("input "+
					"%d: %w", idx, err))
		}
	}

	return signed, signed.IsComplete(), nil
}

// clonePacket deep copies a packet through its serialization.
func clonePacket(packet *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, errkind.New(errkind.InputError, "Invalid PSBT", err)
	}

	clone, err := psbt.NewFromRawBytes(&buf, false)
	if err != nil {
		return nil, errkind.New(errkind.InputError, "Invalid PSBT", err)
	}

	return clone, nil
}

// isFinalized reports whether an input already carries its final scripts.
func isFinalized(in *psbt.PInput) bool {
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// matchInput finds the keychain and index of the output an input spends
// through the BIP32 derivations the input lists. The derived script must
// equal the spent script.
func (w *Wallet) matchInput(in *psbt.PInput,
	prevOut *wire.TxOut) (*descriptor.Descriptor, *descriptor.Output,
	bool) {

	type derivation struct {
		fingerprint uint32
		path        []uint32
	}

	derivations := make([]derivation, 0, len(in.Bip32Derivation)+
		len(in.TaprootBip32Derivation))
	for _, d := range in.Bip32Derivation {
		derivations = append(derivations, derivation{
			d.MasterKeyFingerprint, d.Bip32Path,
		})
	}
	for _, d := range in.TaprootBip32Derivation {
		derivations = append(derivations, derivation{
			d.MasterKeyFingerprint, d.Bip32Path,
		})
	}

	for _, desc := range w.keychains() {
		for _, d := range derivations {
			var fp [4]byte
			binary.LittleEndian.PutUint32(fp[:], d.fingerprint)

			for _, key := range desc.Keys() {
				index, ok := key.MatchDerivation(
					fp, keychain.Path(d.path),
				)
				if !ok {
					continue
				}

				out, err := desc.At(index)
				if err != nil {
					continue
				}

				if bytes.Equal(out.PkScript, prevOut.PkScript) {
					return desc, out, true
				}
			}
		}
	}

	return nil, nil, false
}

// signInput adds a signature of every private key of the output that has not
// signed the input yet.
func signInput(tx *wire.MsgTx, sigHashes *txscript.TxSigHashes, idx int,
	in *psbt.PInput, prevOut *wire.TxOut, desc *descriptor.Descriptor,
	out *descriptor.Output) error {

	hashType := in.SighashType

	if desc.Type() == descriptor.TypeTr {
		key := out.Keys[0]
		if key.PrivKey == nil || len(in.TaprootKeySpendSig) > 0 {
			return nil
		}

		sig, err := txscript.RawTxInTaprootSignature(
			tx, sigHashes, idx, prevOut.Value, prevOut.PkScript,
			nil, hashType, key.PrivKey,
		)
		if err != nil {
			return err
		}
		in.TaprootKeySpendSig = sig

		return nil
	}

	if hashType == 0 {
		hashType = txscript.SigHashAll
	}

	subScript := signingScript(desc, out, prevOut)
	for _, key := range out.Keys {
		if key.PrivKey == nil {
			continue
		}

		pubKey := key.PubKey.SerializeCompressed()
		if hasPartialSig(in, pubKey) {
			continue
		}

		var (
			sig []byte
			err error
		)
		if desc.Type().IsSegwit() {
			sig, err = txscript.RawTxInWitnessSignature(
				tx, sigHashes, idx, prevOut.Value, subScript,
				hashType, key.PrivKey,
			)
		} else {
			sig, err = txscript.RawTxInSignature(
				tx, idx, subScript, hashType, key.PrivKey,
			)
		}
		if err != nil {
			return err
		}

		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey:    pubKey,
			Signature: sig,
		})
	}

	return nil
}

// signingScript returns the script a signature of the input commits to.
func signingScript(desc *descriptor.Descriptor, out *descriptor.Output,
	prevOut *wire.TxOut) []byte {

	switch desc.Type() {
	case descriptor.TypeShWpkh, descriptor.TypeSh:
		return out.RedeemScript

	case descriptor.TypeWsh, descriptor.TypeShWsh:
		return out.WitnessScript
	}

	return prevOut.PkScript
}

func hasPartialSig(in *psbt.PInput, pubKey []byte) bool {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

// finalizeInput builds the final scripts of the input from the collected
// signatures. An input whose spending condition is not met yet is left as
// is.
func finalizeInput(tx *wire.MsgTx, idx int, in *psbt.PInput,
	desc *descriptor.Descriptor, out *descriptor.Output) error {

	sat := &descriptor.TxSatisfier{
		Sigs:       make(map[string][]byte, len(in.PartialSigs)),
		TaprootSig: in.TaprootKeySpendSig,
		LockTime:   tx.LockTime,
		Sequence:   tx.TxIn[idx].Sequence,
		TxVersion:  tx.Version,
	}
	for _, sig := range in.PartialSigs {
		sat.Sigs[hex.EncodeToString(sig.PubKey)] = sig.Signature
	}

	scriptSig, witness, err := desc.Satisfy(out, sat)
	if errors.Is(err, descriptor.ErrUnsatisfied) {
		log.Debugf("Input %d not yet satisfied with %d signatures",
			idx, len(in.PartialSigs))

		return nil
	}
	if err != nil {
		return err
	}

	var witnessBytes []byte
	if len(witness) > 0 {
		var buf bytes.Buffer
		if err := psbt.WriteTxWitness(&buf, witness); err != nil {
			return fmt.Errorf("error serializing witness: %w", err)
		}
		witnessBytes = buf.Bytes()
	}

	// A finalized input only keeps its UTXO and final scripts.
	*in = psbt.PInput{
		NonWitnessUtxo:     in.NonWitnessUtxo,
		WitnessUtxo:        in.WitnessUtxo,
		FinalScriptSig:     scriptSig,
		FinalScriptWitness: witnessBytes,
		Unknowns:           in.Unknowns,
	}

	return nil
}
