// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet implements a descriptor wallet: address derivation, coin
// tracking through a chain backend, transaction building with policy paths,
// offline signing of PSBTs and broadcasting.
package wallet

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/descriptor"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/store"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrNoBackend is returned by operations that need a chain backend
	// when the wallet was built without one.
	ErrNoBackend = errors.New("wallet has no chain backend")

	// ErrNoCoinSource is returned when neither a backend nor a store can
	// provide the wallet's coins.
	ErrNoCoinSource = errors.New("wallet has neither backend nor store")
)

// Wallet is a descriptor wallet. It is immutable after construction, every
// operation derives fresh values from its descriptors.
type Wallet struct {
	deposit *descriptor.Descriptor
	change  *descriptor.Descriptor

	params *chaincfg.Params

	backend fn.Option[chain.Backend]
	db      fn.Option[*store.Store]

	stopGap uint32
}

// New creates a wallet for the deposit descriptor. A bare /* wildcard is
// read as the receive keychain /0/*, and the change descriptor is the
// deposit descriptor with every /0/* key suffix replaced by /1/*. The network
// follows the key material of the descriptor.
func New(deposit string, backend fn.Option[chain.Backend],
	db fn.Option[*store.Store]) (*Wallet, error) {

	desc, err := descriptor.Parse(deposit)
	if err != nil {
		return nil, errkind.New(errkind.OpError, "Invalid Descriptor",
			err)
	}

	receive, change, _ := desc.Keychains()

	w := &Wallet{
		deposit: receive,
		change:  change,
		params:  desc.Params(),
		backend: backend,
		db:      db,
		stopGap: chain.DefaultStopGap,
	}

	log.Debugf("Created wallet %s on %s (single keychain: %v)",
		receive.Checksum(), w.params.Name, w.singleKeychain())

	return w, nil
}

// Deposit returns the deposit descriptor.
func (w *Wallet) Deposit() *descriptor.Descriptor {
	return w.deposit
}

// Change returns the change descriptor. It equals the deposit descriptor when
// no key is ranged over a receive keychain.
func (w *Wallet) Change() *descriptor.Descriptor {
	return w.change
}

// Params returns the network the wallet operates on.
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}

// singleKeychain reports whether deposit and change share one descriptor,
// as for descriptors without wildcard.
func (w *Wallet) singleKeychain() bool {
	return w.change == w.deposit
}

// keychains returns the distinct descriptors of the wallet, deposit first.
func (w *Wallet) keychains() []*descriptor.Descriptor {
	if w.singleKeychain() {
		return []*descriptor.Descriptor{w.deposit}
	}

	return []*descriptor.Descriptor{w.deposit, w.change}
}

// keychain returns the descriptor of the deposit or change keychain.
func (w *Wallet) keychain(change bool) *descriptor.Descriptor {
	if change {
		return w.change
	}

	return w.deposit
}

// requireBackend returns the backend or a WalletError.
func (w *Wallet) requireBackend() (chain.Backend, error) {
	backend, err := w.backend.UnwrapOrErr(ErrNoBackend)
	if err != nil {
		return nil, errkind.New(errkind.WalletError, "No Backend", err)
	}

	return backend, nil
}
