// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/store"
	"github.com/davecgh/go-spew/spew"
)

// ErrNotFinalized is returned when a PSBT with inputs lacking their final
// scripts is broadcast.
var ErrNotFinalized = errors.New("psbt is not finalized")

// Broadcast extracts the finalized transaction of the packet and publishes
// it. A wallet with a store records the transaction as unconfirmed first and
// removes it again when the backend rejects it.
func (w *Wallet) Broadcast(ctx context.Context,
	packet *psbt.Packet) (*chainhash.Hash, error) {

	backend, err := w.requireBackend()
	if err != nil {
		return nil, err
	}

	if !packet.IsComplete() {
		return nil, errkind.New(errkind.WalletError,
			"PSBT Not Finalized", ErrNotFinalized)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, errkind.New(errkind.WalletError,
			"unable to extract transaction", err)
	}

	log.Tracef("Broadcasting transaction %v", newLogClosure(
		func() string {
			return spew.Sdump(tx)
		}),
	)

	if err := w.recordUnmined(tx); err != nil {
		return nil, err
	}

	txid, err := backend.Broadcast(ctx, tx)
	if err == nil {
		log.Infof("Broadcast transaction %v", txid)
		return txid, nil
	}

	hash := tx.TxHash()
	log.Errorf("%v: broadcast failed: %v", hash, err)

	// The rejected transaction would otherwise keep its inputs locked.
	if removeErr := w.removeUnmined(tx); removeErr != nil {
		log.Warnf("Unable to remove tx %v after broadcast failed: %v",
			hash, removeErr)

		return nil, errkind.Classify(errkind.NetworkError,
			fmt.Errorf("broadcast failed: %w; and failed to "+
				"remove from wallet: %v", err, removeErr))
	}

	return nil, errkind.Classify(errkind.NetworkError, err)
}

// recordUnmined adds an outgoing transaction to the store, crediting the
// outputs that pay to the wallet.
func (w *Wallet) recordUnmined(tx *wire.MsgTx) error {
	if w.db.IsNone() {
		return nil
	}
	db := w.db.UnsafeFromSome()

	state, err := db.SyncState()
	if errors.Is(err, store.ErrNotSynced) {
		return nil
	}
	if err != nil {
		return errkind.New(errkind.WalletError,
			"unable to read wallet state", err)
	}

	scripts := make(map[string]scriptInfo)
	_, err = scanKeychain(scripts, w.deposit, false, nil, w.stopGap,
		state.NextDeposit)
	if err != nil {
		return err
	}
	if !w.singleKeychain() {
		_, err = scanKeychain(scripts, w.change, true, nil, w.stopGap,
			state.NextChange)
		if err != nil {
			return err
		}
	}

	var credits []store.Credit
	for i, txOut := range tx.TxOut {
		info, ok := scripts[string(txOut.PkScript)]
		if !ok {
			continue
		}
		credits = append(credits, store.Credit{
			Index: uint32(i), Change: info.change,
		})
	}

	err = db.InsertTx(&chain.TxDetail{Tx: tx, Received: time.Now()},
		credits)
	if err != nil {
		return errkind.New(errkind.WalletError,
			"unable to record transaction", err)
	}

	return nil
}

// removeUnmined drops a transaction recorded by recordUnmined.
func (w *Wallet) removeUnmined(tx *wire.MsgTx) error {
	if w.db.IsNone() {
		return nil
	}

	return w.db.UnsafeFromSome().RemoveUnminedTx(tx)
}
