// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/wallet"
	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"
)

type addressCommand struct {
	Change bool `long:"change" description:"Derive from the change keychain"`

	Args struct {
		Index uint32 `positional-arg-name:"index"`
	} `positional-args:"yes"`

	cfg *config
}

func newAddressCommand(cfg *config) *addressCommand {
	return &addressCommand{cfg: cfg}
}

func (x *addressCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"address",
		"Derive an address",
		"Derive the deposit address at the given index, or the change "+
			"address with --change",
		x,
	)
	return err
}

func (x *addressCommand) Execute(_ []string) error {
	w, err := x.cfg.offlineWallet()
	if err != nil {
		return err
	}

	var addr btcutil.Address
	if x.Change {
		addr, err = w.DeriveChangeAddress(x.Args.Index)
	} else {
		addr, err = w.DeriveAddress(x.Args.Index)
	}
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(stdout, addr.EncodeAddress())

	return err
}

// syncer is the part of the wallet a watch loop drives.
type syncer interface {
	Sync(ctx context.Context) error
	Balance(ctx context.Context) (*wallet.Balance, error)
}

//nolint:lll
type syncCommand struct {
	Watch time.Duration `long:"watch" description:"Keep syncing at this interval until interrupted, e.g. 30s"`

	cfg *config
}

func newSyncCommand(cfg *config) *syncCommand {
	return &syncCommand{cfg: cfg}
}

func (x *syncCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"sync",
		"Sync the wallet ledger with the backend",
		"Fetch the history of the wallet's addresses from the backend "+
			"and store it, once or repeatedly with --watch",
		x,
	)
	return err
}

func (x *syncCommand) Execute(_ []string) error {
	if x.cfg.NoStore {
		return fmt.Errorf("sync keeps the ledger on disk and cannot " +
			"run with --nostore")
	}

	w, cleanup, err := x.cfg.openWallet(true)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := syncOnce(ctx, w); err != nil {
		return err
	}

	if x.Watch <= 0 {
		return nil
	}

	log.Infof("Syncing every %v", x.Watch)

	return watchSync(ctx, w, ticker.New(x.Watch))
}

// syncOnce syncs the wallet and logs its balance.
func syncOnce(ctx context.Context, w syncer) error {
	if err := w.Sync(ctx); err != nil {
		return err
	}

	balance, err := w.Balance(ctx)
	if err != nil {
		return err
	}

	log.Infof("Synced, balance %v confirmed and %v unconfirmed",
		balance.Confirmed, balance.Unconfirmed)

	return nil
}

// watchSync syncs on every tick until the context is done. Failures to reach
// the backend are logged and retried on the next tick.
func watchSync(ctx context.Context, w syncer, t ticker.Ticker) error {
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			err := syncOnce(ctx, w)
			switch {
			case err == nil:

			case ctx.Err() != nil:
				return nil

			case errkind.Is(err, errkind.NetworkError):
				log.Warnf("Sync failed, retrying: %v", err)

			default:
				return err
			}

		case <-ctx.Done():
			return nil
		}
	}
}

type balanceCommand struct {
	cfg *config
}

func newBalanceCommand(cfg *config) *balanceCommand {
	return &balanceCommand{cfg: cfg}
}

func (x *balanceCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"balance",
		"Show the wallet balance",
		"Show the confirmed and unconfirmed balance, read from the "+
			"backend when one is set and from the store otherwise",
		x,
	)
	return err
}

type balanceResult struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
	Total       int64 `json:"total"`
}

func (x *balanceCommand) Execute(_ []string) error {
	w, cleanup, err := x.cfg.openWallet(false)
	if err != nil {
		return err
	}
	defer cleanup()

	balance, err := w.Balance(context.Background())
	if err != nil {
		return err
	}

	return printJSON(&balanceResult{
		Confirmed:   int64(balance.Confirmed),
		Unconfirmed: int64(balance.Unconfirmed),
		Total:       int64(balance.Total()),
	})
}

type unspentCommand struct {
	cfg *config
}

func newUnspentCommand(cfg *config) *unspentCommand {
	return &unspentCommand{cfg: cfg}
}

func (x *unspentCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"unspent",
		"List the unspent outputs",
		"List the unspent outputs paying to the wallet",
		x,
	)
	return err
}

type utxoResult struct {
	Outpoint string `json:"outpoint"`
	Amount   int64  `json:"amount"`
	Address  string `json:"address"`
	Keychain string `json:"keychain"`
	Index    uint32 `json:"index"`
	Height   int32  `json:"height"`
}

func (x *unspentCommand) Execute(_ []string) error {
	w, cleanup, err := x.cfg.openWallet(false)
	if err != nil {
		return err
	}
	defer cleanup()

	utxos, err := w.ListUnspent(context.Background())
	if err != nil {
		return err
	}

	results := make([]*utxoResult, 0, len(utxos))
	for _, utxo := range utxos {
		results = append(results, newUtxoResult(utxo))
	}

	return printJSON(results)
}

func newUtxoResult(utxo *wallet.Utxo) *utxoResult {
	keychainName := "deposit"
	if utxo.Change {
		keychainName = "change"
	}

	var address string
	if utxo.Address != nil {
		address = utxo.Address.EncodeAddress()
	}

	return &utxoResult{
		Outpoint: utxo.OutPoint.String(),
		Amount:   int64(utxo.Amount),
		Address:  address,
		Keychain: keychainName,
		Index:    utxo.Index,
		Height:   utxo.Height,
	}
}

type historyCommand struct {
	cfg *config
}

func newHistoryCommand(cfg *config) *historyCommand {
	return &historyCommand{cfg: cfg}
}

func (x *historyCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"history",
		"List the wallet transactions",
		"List the transactions touching the wallet, oldest first "+
			"with unconfirmed ones last",
		x,
	)
	return err
}

type txResult struct {
	TxID      string `json:"txid"`
	Received  int64  `json:"received"`
	Sent      int64  `json:"sent"`
	Fee       *int64 `json:"fee,omitempty"`
	Height    int32  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

func (x *historyCommand) Execute(_ []string) error {
	w, cleanup, err := x.cfg.openWallet(false)
	if err != nil {
		return err
	}
	defer cleanup()

	txs, err := w.History(context.Background())
	if err != nil {
		return err
	}

	results := make([]*txResult, 0, len(txs))
	for _, tx := range txs {
		results = append(results, newTxResult(tx))
	}

	return printJSON(results)
}

func newTxResult(tx *wallet.Transaction) *txResult {
	result := &txResult{
		TxID:      tx.TxID.String(),
		Received:  int64(tx.Received),
		Sent:      int64(tx.Sent),
		Height:    tx.Height,
		Timestamp: tx.Timestamp.Unix(),
	}
	tx.Fee.WhenSome(func(fee btcutil.Amount) {
		sats := int64(fee)
		result.Fee = &sats
	})

	return result
}

//nolint:lll
type feesCommand struct {
	Target uint32 `long:"target" description:"Confirmation target in blocks"`
	Days   uint32 `long:"days" description:"Confirmation target in days, overrides --target"`

	cfg *config
}

func newFeesCommand(cfg *config) *feesCommand {
	return &feesCommand{Target: 6, cfg: cfg}
}

func (x *feesCommand) Register(parser *flags.Parser) error {
	_, err := parser.AddCommand(
		"fees",
		"Estimate a fee rate",
		"Ask the backend for the fee rate confirming within the "+
			"target and report its chain tip",
		x,
	)
	return err
}

type feesResult struct {
	Target  uint32  `json:"target"`
	FeeRate float64 `json:"sat_per_vbyte"`
	Height  int32   `json:"height"`
}

func (x *feesCommand) Execute(_ []string) error {
	x.cfg.NoStore = true
	w, cleanup, err := x.cfg.openWallet(true)
	if err != nil {
		return err
	}
	defer cleanup()

	target := x.Target
	if x.Days > 0 {
		target = wallet.DaysToBlocks(x.Days)
	}

	ctx := context.Background()
	rate, err := w.EstimateFeeRate(ctx, target)
	if err != nil {
		return err
	}

	height, err := w.BestHeight(ctx)
	if err != nil {
		return err
	}

	return printJSON(&feesResult{
		Target:  target,
		FeeRate: rate.Float64(),
		Height:  height,
	})
}
