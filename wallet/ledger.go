// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/store"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// errUnknownCredit is returned when the store lists an unspent output of a
// transaction it has no record of.
var errUnknownCredit = errors.New("unspent output of unknown transaction")

// Utxo is an unspent output paying to one of the wallet's scripts.
type Utxo struct {
	wire.OutPoint

	Amount   btcutil.Amount
	PkScript []byte
	Address  btcutil.Address

	// Change and Index locate the script in the wallet's keychains.
	Change bool
	Index  uint32

	// Height is the confirmation height, zero while unconfirmed.
	Height int32

	prevTx *wire.MsgTx
}

// Confirmed reports whether the output is in a block.
func (u *Utxo) Confirmed() bool {
	return u.Height > 0
}

// confirmations returns the number of blocks the output has at tip.
func (u *Utxo) confirmations(tip int32) int32 {
	if !u.Confirmed() || tip < u.Height {
		return 0
	}

	return tip - u.Height + 1
}

// Transaction summarises the effect of a transaction on the wallet.
type Transaction struct {
	TxID chainhash.Hash

	// Received is the value paid to the wallet's scripts.
	Received btcutil.Amount

	// Sent is the value of the wallet's outputs the transaction spends.
	Sent btcutil.Amount

	// Fee is only known when every input of the transaction is known.
	Fee fn.Option[btcutil.Amount]

	// Height is the confirmation height, zero while unconfirmed.
	Height int32

	// Timestamp is the block time, or the first time the transaction was
	// seen while unconfirmed.
	Timestamp time.Time
}

// Confirmed reports whether the transaction is in a block.
func (t *Transaction) Confirmed() bool {
	return t.Height > 0
}

// Balance is the value of the wallet's unspent outputs.
type Balance struct {
	Confirmed   btcutil.Amount
	Unconfirmed btcutil.Amount
}

// Total returns the confirmed and unconfirmed value together.
func (b *Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// scriptInfo locates a derived script.
type scriptInfo struct {
	change bool
	index  uint32
}

// ledger is the wallet state at one point in time.
type ledger struct {
	tip int32

	scripts map[string]scriptInfo

	// nextDeposit and nextChange are the first unused indices of the
	// keychains.
	nextDeposit uint32
	nextChange  uint32

	utxos   []*Utxo
	history []*Transaction
	balance Balance

	// txs holds every transaction of the history by hash.
	txs map[chainhash.Hash]*wire.MsgTx
}

// Sync fetches the wallet's history from the backend and, when the wallet has
// a store, records it there.
func (w *Wallet) Sync(ctx context.Context) error {
	backend, err := w.requireBackend()
	if err != nil {
		return err
	}

	_, err = w.fetchLedger(ctx, backend)

	return err
}

// ListUnspent returns the wallet's unspent outputs, confirmed ones first in
// order of height.
func (w *Wallet) ListUnspent(ctx context.Context) ([]*Utxo, error) {
	l, err := w.load(ctx)
	if err != nil {
		return nil, err
	}

	return l.utxos, nil
}

// History returns the wallet's transactions, confirmed ones first in order of
// height.
func (w *Wallet) History(ctx context.Context) ([]*Transaction, error) {
	l, err := w.load(ctx)
	if err != nil {
		return nil, err
	}

	return l.history, nil
}

// Balance returns the value of the wallet's unspent outputs.
func (w *Wallet) Balance(ctx context.Context) (*Balance, error) {
	l, err := w.load(ctx)
	if err != nil {
		return nil, err
	}

	balance := l.balance

	return &balance, nil
}

// load returns the current ledger. The backend is preferred, a wallet with
// only a store reads the state recorded by the last sync.
func (w *Wallet) load(ctx context.Context) (*ledger, error) {
	backend, err := w.backend.UnwrapOrErr(ErrNoBackend)
	if err == nil {
		return w.fetchLedger(ctx, backend)
	}

	db, err := w.db.UnwrapOrErr(ErrNoCoinSource)
	if err != nil {
		return nil, errkind.New(errkind.WalletError, "No Backend", err)
	}

	return w.cachedLedger(db)
}

// indexFloor returns the next unused indices recorded by the store, if any.
func (w *Wallet) indexFloor() (uint32, uint32) {
	var deposit, change uint32
	w.db.WhenSome(func(db *store.Store) {
		state, err := db.SyncState()
		if err != nil {
			return
		}
		deposit, change = state.NextDeposit, state.NextChange
	})

	return deposit, change
}

// fetchLedger builds the ledger from the backend's view of the chain.
func (w *Wallet) fetchLedger(ctx context.Context,
	backend chain.Backend) (*ledger, error) {

	tip, err := backend.BestHeight(ctx)
	if err != nil {
		return nil, errkind.Classify(errkind.NetworkError, err)
	}

	details, err := backend.FetchHistory(ctx, w.keychains())
	if err != nil {
		return nil, errkind.Classify(errkind.NetworkError, err)
	}

	log.Debugf("Fetched %d transactions from %s at height %d",
		len(details), backend.Name(), tip)

	seen := make(map[string]struct{})
	for _, detail := range details {
		for _, txOut := range detail.Tx.TxOut {
			seen[string(txOut.PkScript)] = struct{}{}
		}
	}

	floorDeposit, floorChange := w.indexFloor()
	l := &ledger{
		tip:     tip,
		scripts: make(map[string]scriptInfo),
		txs:     make(map[chainhash.Hash]*wire.MsgTx, len(details)),
	}

	l.nextDeposit, err = scanKeychain(l.scripts, w.deposit, false, seen,
		w.stopGap, floorDeposit)
	if err != nil {
		return nil, err
	}

	l.nextChange = l.nextDeposit
	if !w.singleKeychain() {
		l.nextChange, err = scanKeychain(l.scripts, w.change, true,
			seen, w.stopGap, floorChange)
		if err != nil {
			return nil, err
		}
	}

	ordered := orderTopological(details)
	l.fromDetails(ordered, w)

	var persistErr error
	w.db.WhenSome(func(db *store.Store) {
		persistErr = l.persist(db, ordered)
	})
	if persistErr != nil {
		return nil, errkind.New(errkind.WalletError,
			"unable to record wallet state", persistErr)
	}

	return l, nil
}

// scanKeychain derives the scripts of a keychain into scripts until stopGap
// consecutive scripts are unused, going at least up to floor. It returns the
// index following the last used script.
func scanKeychain(scripts map[string]scriptInfo, desc *descriptor.Descriptor,
	change bool, seen map[string]struct{}, stopGap,
	floor uint32) (uint32, error) {

	limit := uint32(1)
	if desc.IsRange() {
		limit = ^uint32(0) >> 1
	}

	var next, misses uint32
	for i := uint32(0); i < limit && (misses < stopGap || i < floor); i++ {
		out, err := desc.At(i)
		if err != nil {
			return 0, errkind.New(errkind.KeyError,
				"unable to derive script", err)
		}

		scripts[string(out.PkScript)] = scriptInfo{
			change: change, index: i,
		}

		if _, ok := seen[string(out.PkScript)]; ok {
			next = i + 1
			misses = 0

			continue
		}
		misses++
	}

	if next < floor {
		next = floor
	}

	return next, nil
}

// orderTopological sorts transactions by confirmation height, unconfirmed ones
// last, and places every transaction after the ones it spends from.
func orderTopological(details []*chain.TxDetail) []*chain.TxDetail {
	sorted := make([]*chain.TxDetail, len(details))
	copy(sorted, details)
	sort.SliceStable(sorted, func(i, j int) bool {
		return detailHeight(sorted[i]) < detailHeight(sorted[j])
	})

	byHash := make(map[chainhash.Hash]*chain.TxDetail, len(sorted))
	for _, detail := range sorted {
		byHash[detail.Tx.TxHash()] = detail
	}

	ordered := make([]*chain.TxDetail, 0, len(sorted))
	visited := make(map[chainhash.Hash]bool, len(sorted))

	var visit func(detail *chain.TxDetail)
	visit = func(detail *chain.TxDetail) {
		hash := detail.Tx.TxHash()
		if visited[hash] {
			return
		}
		visited[hash] = true

		for _, txIn := range detail.Tx.TxIn {
			parent, ok := byHash[txIn.PreviousOutPoint.Hash]
			if ok {
				visit(parent)
			}
		}
		ordered = append(ordered, detail)
	}

	for _, detail := range sorted {
		visit(detail)
	}

	return ordered
}

// detailHeight orders unconfirmed transactions after every block.
func detailHeight(detail *chain.TxDetail) int32 {
	if !detail.Confirmed() {
		return 1<<31 - 1
	}

	return detail.Block.Height
}

// fromDetails fills the coins, history and balance of the ledger from
// transactions in topological order.
func (l *ledger) fromDetails(details []*chain.TxDetail, w *Wallet) {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	spent := make(map[wire.OutPoint]struct{})
	for _, detail := range details {
		hash := detail.Tx.TxHash()
		l.txs[hash] = detail.Tx
		for i, txOut := range detail.Tx.TxOut {
			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			prevOuts[op] = txOut
		}
		for _, txIn := range detail.Tx.TxIn {
			spent[txIn.PreviousOutPoint] = struct{}{}
		}
	}

	for _, detail := range details {
		tx := detail.Tx
		hash := tx.TxHash()

		summary := &Transaction{
			TxID:      hash,
			Timestamp: detail.Received,
		}
		if detail.Confirmed() {
			summary.Height = detail.Block.Height
			summary.Timestamp = detail.Block.Time
		}

		var inputTotal, outputTotal btcutil.Amount
		inputsKnown := true
		for _, txIn := range tx.TxIn {
			prevOut, ok := prevOuts[txIn.PreviousOutPoint]
			if !ok {
				inputsKnown = false
				continue
			}

			inputTotal += btcutil.Amount(prevOut.Value)
			if _, ours := l.scripts[string(prevOut.PkScript)]; ours {
				summary.Sent += btcutil.Amount(prevOut.Value)
			}
		}

		for i, txOut := range tx.TxOut {
			outputTotal += btcutil.Amount(txOut.Value)

			info, ours := l.scripts[string(txOut.PkScript)]
			if !ours {
				continue
			}
			summary.Received += btcutil.Amount(txOut.Value)

			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			if _, ok := spent[op]; ok {
				continue
			}

			l.utxos = append(l.utxos, w.newUtxo(op, txOut, info,
				summary.Height, tx))
		}

		if inputsKnown {
			summary.Fee = fn.Some(inputTotal - outputTotal)
		}

		l.history = append(l.history, summary)
	}

	for _, utxo := range l.utxos {
		if utxo.Confirmed() {
			l.balance.Confirmed += utxo.Amount
		} else {
			l.balance.Unconfirmed += utxo.Amount
		}
	}
}

// newUtxo creates a coin paying to a known script.
func (w *Wallet) newUtxo(op wire.OutPoint, txOut *wire.TxOut, info scriptInfo,
	height int32, prevTx *wire.MsgTx) *Utxo {

	utxo := &Utxo{
		OutPoint: op,
		Amount:   btcutil.Amount(txOut.Value),
		PkScript: txOut.PkScript,
		Change:   info.change,
		Index:    info.index,
		Height:   height,
		prevTx:   prevTx,
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		txOut.PkScript, w.params,
	)
	if err == nil && len(addrs) == 1 {
		utxo.Address = addrs[0]
	}

	return utxo
}

// persist records the ledger in the store. Unconfirmed transactions the
// backend no longer reports are dropped first.
func (l *ledger) persist(db *store.Store, details []*chain.TxDetail) error {
	current := make(map[chainhash.Hash]struct{}, len(details))
	for _, detail := range details {
		current[detail.Tx.TxHash()] = struct{}{}
	}

	unmined, err := db.UnminedTxs()
	if err != nil {
		return err
	}
	for _, tx := range unmined {
		if _, ok := current[tx.TxHash()]; ok {
			continue
		}

		log.Infof("Dropping transaction %v no longer known to the "+
			"backend", tx.TxHash())

		if err := db.RemoveUnminedTx(tx); err != nil {
			return err
		}
	}

	for _, detail := range details {
		var credits []store.Credit
		for i, txOut := range detail.Tx.TxOut {
			info, ok := l.scripts[string(txOut.PkScript)]
			if !ok {
				continue
			}
			credits = append(credits, store.Credit{
				Index: uint32(i), Change: info.change,
			})
		}

		log.Tracef("Recording transaction %v", newLogClosure(
			func() string {
				return spew.Sdump(detail.Tx)
			}),
		)

		if err := db.InsertTx(detail, credits); err != nil {
			return err
		}
	}

	return db.PutSyncState(&store.SyncState{
		Height:      l.tip,
		Timestamp:   time.Now(),
		NextDeposit: l.nextDeposit,
		NextChange:  l.nextChange,
	})
}

// cachedLedger rebuilds the ledger from the state recorded by the last sync.
func (w *Wallet) cachedLedger(db *store.Store) (*ledger, error) {
	state, err := db.SyncState()
	if errors.Is(err, store.ErrNotSynced) {
		return nil, errkind.New(errkind.WalletError, "Wallet Not Synced",
			err)
	}
	if err != nil {
		return nil, errkind.New(errkind.WalletError,
			"unable to read wallet state", err)
	}

	l := &ledger{
		tip:         state.Height,
		scripts:     make(map[string]scriptInfo),
		txs:         make(map[chainhash.Hash]*wire.MsgTx),
		nextDeposit: state.NextDeposit,
		nextChange:  state.NextChange,
	}

	// Nothing is marked as seen, the recorded indices bound the scan.
	_, err = scanKeychain(l.scripts, w.deposit, false, nil, w.stopGap,
		state.NextDeposit)
	if err != nil {
		return nil, err
	}
	if !w.singleKeychain() {
		_, err = scanKeychain(l.scripts, w.change, true, nil,
			w.stopGap, state.NextChange)
		if err != nil {
			return nil, err
		}
	}

	if err := l.readStore(db, w); err != nil {
		return nil, errkind.New(errkind.WalletError,
			"unable to read wallet state", err)
	}

	return l, nil
}

// readStore fills the coins, history and balance of the ledger from the
// store.
func (l *ledger) readStore(db *store.Store, w *Wallet) error {
	credits, err := db.UnspentOutputs()
	if err != nil {
		return err
	}

	for _, credit := range credits {
		details, err := db.TxDetails(credit.Hash)
		if err != nil {
			return err
		}
		if details == nil {
			return fmt.Errorf("%w: %v", errUnknownCredit,
				credit.Hash)
		}

		txOut := details.MsgTx.TxOut[credit.Index]
		info := l.scripts[string(txOut.PkScript)]

		height := credit.Height
		if height < 0 {
			height = 0
		}

		l.utxos = append(l.utxos, w.newUtxo(credit.OutPoint, txOut,
			info, height, &details.MsgTx))
	}

	txs, err := db.Transactions()
	if err != nil {
		return err
	}

	for i := range txs {
		details := &txs[i]
		l.txs[details.Hash] = &details.MsgTx
		summary := &Transaction{
			TxID:      details.Hash,
			Timestamp: details.Received,
		}
		if details.Block.Height > 0 {
			summary.Height = details.Block.Height
			summary.Timestamp = details.Block.Time
		}

		for _, credit := range details.Credits {
			summary.Received += credit.Amount
		}
		for _, debit := range details.Debits {
			summary.Sent += debit.Amount
		}

		// Every input spending a wallet output makes the fee known.
		if len(details.Debits) == len(details.MsgTx.TxIn) {
			var outputTotal btcutil.Amount
			for _, txOut := range details.MsgTx.TxOut {
				outputTotal += btcutil.Amount(txOut.Value)
			}
			summary.Fee = fn.Some(summary.Sent - outputTotal)
		}

		l.history = append(l.history, summary)
	}

	total, err := db.Balance(0)
	if err != nil {
		return err
	}
	confirmed, err := db.Balance(1)
	if err != nil {
		return err
	}
	l.balance = Balance{
		Confirmed:   confirmed,
		Unconfirmed: total - confirmed,
	}

	return nil
}
