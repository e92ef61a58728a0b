// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain provides the blockchain backends a descriptor wallet reads
// coins and fee estimates from and broadcasts transactions through.
package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/pkg/btcunit"
)

const (
	// DefaultStopGap is the number of consecutive unused addresses after
	// which an address scan stops.
	DefaultStopGap = 20

	// DefaultRequestTimeout bounds a single backend request.
	DefaultRequestTimeout = 30 * time.Second
)

var (
	// ErrTxNotFound is returned when the backend does not know a
	// transaction.
	ErrTxNotFound = errors.New("transaction not found")

	// ErrNoFeeEstimate is returned when the backend cannot estimate a fee
	// rate for the requested target.
	ErrNoFeeEstimate = errors.New("no fee estimate available")

	// ErrNoDescriptors is returned when a history fetch is asked to scan
	// nothing.
	ErrNoDescriptors = errors.New("no descriptors to scan")

	// ErrWrongNetwork is returned when a descriptor is for another network
	// than the backend.
	ErrWrongNetwork = errors.New("descriptor network mismatch")
)

// BlockMeta locates a confirmed transaction in the chain.
type BlockMeta struct {
	Height int32
	Hash   chainhash.Hash
	Time   time.Time
}

// TxDetail is a wallet transaction as reported by a backend.
type TxDetail struct {
	Tx *wire.MsgTx

	// Block is nil for transactions that are not confirmed.
	Block *BlockMeta

	// Received is when the backend first saw the transaction. It is the
	// block time for backends that do not track mempool arrival.
	Received time.Time
}

// Confirmed reports whether the transaction is in a block.
func (d *TxDetail) Confirmed() bool {
	return d.Block != nil
}

// Backend is the view of the blockchain a wallet needs. Implementations
// report unreachable or failing servers as errkind.NetworkError.
type Backend interface {
	// Name returns a short name of the backend kind.
	Name() string

	// EstimateFeeRate returns the fee rate needed to confirm within
	// target blocks.
	EstimateFeeRate(ctx context.Context,
		target uint32) (btcunit.SatPerVByte, error)

	// BestHeight returns the height of the chain tip.
	BestHeight(ctx context.Context) (int32, error)

	// FetchHistory returns every transaction paying to or spending from
	// an address of the descriptors. The first descriptor names the
	// wallet.
	FetchHistory(ctx context.Context,
		descs []*descriptor.Descriptor) ([]*TxDetail, error)

	// GetTransaction looks up a single transaction. Unknown transactions
	// return ErrTxNotFound.
	GetTransaction(ctx context.Context,
		txid chainhash.Hash) (*TxDetail, error)

	// Broadcast submits a finalized transaction to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) (*chainhash.Hash, error)

	// Stop releases the resources held by the backend.
	Stop()
}

// checkDescriptors validates a history request against the backend network.
func checkDescriptors(descs []*descriptor.Descriptor,
	params *chaincfg.Params) error {

	if len(descs) == 0 {
		return ErrNoDescriptors
	}

	// Test networks share key versions, so only mainnet is told apart.
	mainnet := params.Net == wire.MainNet
	for _, desc := range descs {
		if (desc.Params().Net == wire.MainNet) != mainnet {
			return fmt.Errorf("%w: %s descriptor on %s backend",
				ErrWrongNetwork, desc.Params().Name, params.Name)
		}
	}

	return nil
}
