// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/btcsuite/descwallet/chain"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/btcsuite/descwallet/policy"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// txVersion is the version of built transactions, 2 enables relative
	// timelocks.
	txVersion = 2

	// rbfSequence is the sequence of inputs without a relative timelock.
	// It signals replaceability and keeps absolute timelocks enforced.
	rbfSequence = wire.MaxTxInSequenceNum - 2

	// sequenceTypeFlag marks a relative timelock as time based.
	sequenceTypeFlag = 1 << 22

	// sequenceLockMask extracts the value of a relative timelock.
	sequenceLockMask = 0x0000ffff
)

var (
	// ErrNoOutputs is returned when a transaction is requested without
	// any output.
	ErrNoOutputs = errors.New("no outputs given")

	// ErrWrongNetwork is returned for an output address of another
	// network.
	ErrWrongNetwork = errors.New("address is for another network")

	// ErrNegativeAmount is returned for a negative fee.
	ErrNegativeAmount = errors.New("amount is negative")

	// ErrInsufficientFunds is returned when the eligible coins cannot pay
	// for the outputs and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyConfirmed is returned when a fee bump is requested for a
	// confirmed transaction.
	ErrAlreadyConfirmed = errors.New("transaction already confirmed")

	// ErrNotReplaceable is returned when a fee bump is requested for a
	// transaction that does not signal replaceability.
	ErrNotReplaceable = errors.New("transaction does not signal " +
		"replaceability")

	// ErrForeignInput is returned when a transaction to replace spends an
	// output the wallet does not own.
	ErrForeignInput = errors.New("transaction spends a foreign output")

	// ErrFeeTooLow is returned when the new fee of a replacement does not
	// exceed the fee of the replaced transaction.
	ErrFeeTooLow = errors.New("fee must exceed the replaced fee")
)

// Output is a payment of a transaction.
type Output struct {
	// Address is the encoded recipient address.
	Address string

	// Amount is ignored for the drain output of a sweep.
	Amount btcutil.Amount
}

// Build creates an unsigned PSBT paying outputs and the absolute fee from the
// wallet's coins. A sweep spends every eligible coin and drains the
// remainder into the first output.
// The path chooses between the spending branches of the descriptor, it is
// required when they carry different timelocks.
func (w *Wallet) Build(ctx context.Context, outputs []Output,
	fee btcutil.Amount, path fn.Option[policy.Path],
	sweep bool) (*psbt.Packet, error) {

	if fee < 0 {
		return nil, errkind.New(errkind.InputError, "Invalid Fee",
			ErrNegativeAmount)
	}

	txOuts, err := w.parseOutputs(outputs, sweep)
	if err != nil {
		return nil, err
	}

	conds, err := policy.ResolveConditions(w.deposit, path.UnwrapOr(nil))
	if err != nil {
		return nil, err
	}

	l, err := w.load(ctx)
	if err != nil {
		return nil, err
	}

	eligible := eligibleCoins(l.utxos, conds, l.tip, sweep)

	log.Debugf("Building transaction with %d outputs, fee %v, %d "+
		"eligible coins, conditions %v, sweep %v", len(txOuts), fee,
		len(eligible), conds, sweep)

	var authored *txauthor.AuthoredTx
	if sweep {
		authored, err = sweepCoins(txOuts, fee, eligible)
	} else {
		authored, err = w.selectCoins(l, txOuts, fee, eligible)
	}
	if err != nil {
		return nil, err
	}

	authored.Tx.Version = txVersion
	authored.Tx.LockTime = conds.After
	sequence := uint32(rbfSequence)
	if conds.Older != 0 {
		sequence = conds.Older
	}
	for _, txIn := range authored.Tx.TxIn {
		txIn.Sequence = sequence
	}

	if authored.ChangeIndex >= 0 {
		authored.RandomizeChangePosition()
	}

	coins := make(map[wire.OutPoint]*Utxo, len(eligible))
	for _, utxo := range eligible {
		coins[utxo.OutPoint] = utxo
	}

	packet, err := w.newPacket(authored, coins, l)
	if err != nil {
		return nil, err
	}

	w.logFeeRate(authored.Tx, fee)

	return packet, nil
}

// parseOutputs converts the requested outputs. All of them must have a valid
// address of the wallet's network.
func (w *Wallet) parseOutputs(outputs []Output,
	sweep bool) ([]*wire.TxOut, error) {

	if len(outputs) == 0 {
		return nil, errkind.New(errkind.InputError, "Invalid Output Set",
			ErrNoOutputs)
	}

	txOuts := make([]*wire.TxOut, 0, len(outputs))
	for i, output := range outputs {
		addr, err := btcutil.DecodeAddress(output.Address, w.params)
		if err == nil && !addr.IsForNet(w.params) {
			err = fmt.Errorf("%w: %s", ErrWrongNetwork,
				output.Address)
		}
		if err != nil {
			return nil, errkind.New(errkind.InputError,
				"Invalid Output Set", err)
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, errkind.New(errkind.InputError,
				"Invalid Output Set", err)
		}

		txOut := wire.NewTxOut(int64(output.Amount), pkScript)
		txOuts = append(txOuts, txOut)

		// The drain output gets its amount once the coins are known.
		if sweep && i == 0 {
			continue
		}

		err = txrules.CheckOutput(txOut, txrules.DefaultRelayFeePerKb)
		if err != nil {
			return nil, errkind.New(errkind.InputError,
				"Invalid Amount", err)
		}
	}

	return txOuts, nil
}

// eligibleCoins returns the coins the spend can use, largest first. Coins
// must have aged enough for the relative timelock of the chosen branch. Coins
// that cost more to spend than they are worth at the relay fee are left out
// unless sweeping.
func eligibleCoins(utxos []*Utxo, conds policy.Conditions, tip int32,
	sweep bool) []*Utxo {

	eligible := make([]*Utxo, 0, len(utxos))
	for _, utxo := range utxos {
		if !sequenceLockMet(utxo, conds.Older, tip) {
			continue
		}

		txOut := &wire.TxOut{
			Value:    int64(utxo.Amount),
			PkScript: utxo.PkScript,
		}
		if !sweep && !inputYieldsPositively(
			txOut, txrules.DefaultRelayFeePerKb,
		) {

			continue
		}

		eligible = append(eligible, utxo)
	}

	sort.Sort(sort.Reverse(sortByAmount(eligible)))

	return eligible
}

// sequenceLockMet reports whether a coin can be spent with the relative
// timelock older. Time based locks only require the coin to be confirmed as
// median past times are not tracked.
func sequenceLockMet(utxo *Utxo, older uint32, tip int32) bool {
	if older == 0 {
		return true
	}
	if older&sequenceTypeFlag != 0 {
		return utxo.Confirmed()
	}

	return utxo.confirmations(tip) >= int32(older&sequenceLockMask)
}

// inputYieldsPositively returns a boolean indicating whether this input yields
// positively if added to a transaction. This determination is based on the
// best-case added virtual size. For edge cases this function can return true
// while the input is yielding slightly negative as part of the final
// transaction.
func inputYieldsPositively(credit *wire.TxOut,
	feeRatePerKb btcutil.Amount) bool {

	inputSize := txsizes.GetMinInputVirtualSize(credit.PkScript)
	inputFee := feeRatePerKb * btcutil.Amount(inputSize) / 1000

	return inputFee < btcutil.Amount(credit.Value)
}

// sweepCoins spends every coin, pays the outputs after the first and drains
// what is left into the first.
func sweepCoins(txOuts []*wire.TxOut, fee btcutil.Amount,
	eligible []*Utxo) (*txauthor.AuthoredTx, error) {

	inputSource := makeInputSource(eligible)
	total, inputs, values, scripts, err := inputSource(
		btcutil.MaxSatoshi,
	)
	if err != nil {
		return nil, err
	}

	drain := txOuts[0]
	value := total - fee
	for _, txOut := range txOuts[1:] {
		value -= btcutil.Amount(txOut.Value)
	}

	if len(inputs) == 0 || isDust(value, drain.PkScript) {

		return nil, errkind.New(errkind.WalletError,
			"Insufficient Funds", fmt.Errorf("%w: %v available, "+
				"fee %v", ErrInsufficientFunds, total, fee))
	}
	drain.Value = int64(value)

	tx := wire.NewMsgTx(txVersion)
	for _, txIn := range inputs {
		tx.AddTxIn(txIn)
	}
	for _, txOut := range txOuts {
		tx.AddTxOut(txOut)
	}

	return &txauthor.AuthoredTx{
		Tx:              tx,
		PrevScripts:     scripts,
		PrevInputValues: values,
		TotalInput:      total,
		ChangeIndex:     -1,
	}, nil
}

// isDust reports whether an output of value paying to pkScript is dust at
// the default relay fee. Negative values are dust.
func isDust(value btcutil.Amount, pkScript []byte) bool {
	if value <= 0 {
		return true
	}

	return txrules.IsDustOutput(
		wire.NewTxOut(int64(value), pkScript),
		txrules.DefaultRelayFeePerKb,
	)
}

// selectCoins picks the largest coins until the outputs and the fee are
// covered and returns the remainder to the next unused change address unless
// it is dust.
func (w *Wallet) selectCoins(l *ledger, txOuts []*wire.TxOut,
	fee btcutil.Amount, eligible []*Utxo) (*txauthor.AuthoredTx, error) {

	target := fee
	for _, txOut := range txOuts {
		target += btcutil.Amount(txOut.Value)
	}

	inputSource := makeInputSource(eligible)
	total, inputs, values, scripts, err := inputSource(target)
	if err != nil {
		return nil, err
	}
	if total < target {
		return nil, errkind.New(errkind.WalletError,
			"Insufficient Funds", fmt.Errorf("%w: need %v, have %v",
				ErrInsufficientFunds, target, total))
	}

	tx := wire.NewMsgTx(txVersion)
	for _, txIn := range inputs {
		tx.AddTxIn(txIn)
	}
	for _, txOut := range txOuts {
		tx.AddTxOut(txOut)
	}

	authored := &txauthor.AuthoredTx{
		Tx:              tx,
		PrevScripts:     scripts,
		PrevInputValues: values,
		TotalInput:      total,
		ChangeIndex:     -1,
	}

	change := total - target
	changeOut, err := w.change.At(l.nextChange)
	if err != nil {
		return nil, errkind.New(errkind.KeyError,
			"unable to derive change address", err)
	}

	if change > 0 && !isDust(change, changeOut.PkScript) {
		authored.ChangeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(change), changeOut.PkScript))
	} else if change > 0 {
		log.Debugf("Adding dust change of %v to the fee", change)
	}

	return authored, nil
}

// newPacket wraps the authored transaction into a PSBT carrying everything a
// signer of the wallet needs.
func (w *Wallet) newPacket(authored *txauthor.AuthoredTx,
	coins map[wire.OutPoint]*Utxo, l *ledger) (*psbt.Packet, error) {

	packet, err := psbt.NewFromUnsignedTx(authored.Tx)
	if err != nil {
		return nil, errkind.New(errkind.WalletError,
			"unable to create PSBT", err)
	}

	for i, txIn := range authored.Tx.TxIn {
		utxo, ok := coins[txIn.PreviousOutPoint]
		if !ok {
			return nil, errkind.New(errkind.WalletError,
				"unable to create PSBT", fmt.Errorf("unknown "+
					"input %v", txIn.PreviousOutPoint))
		}

		desc := w.keychain(utxo.Change)
		out, err := desc.At(utxo.Index)
		if err != nil {
			return nil, errkind.New(errkind.KeyError,
				"unable to derive input script", err)
		}

		addInputInfo(&packet.Inputs[i], utxo, desc, out)
	}

	if authored.ChangeIndex >= 0 {
		changeOut := authored.Tx.TxOut[authored.ChangeIndex]
		info := l.scripts[string(changeOut.PkScript)]

		desc := w.keychain(info.change)
		out, err := desc.At(info.index)
		if err != nil {
			return nil, errkind.New(errkind.KeyError,
				"unable to derive change address", err)
		}

		packet.Outputs[authored.ChangeIndex] = *createOutputInfo(
			desc, out,
		)
	}

	log.Tracef("Built PSBT %v", newLogClosure(func() string {
		return spew.Sdump(packet.UnsignedTx)
	}))

	return packet, nil
}

// logFeeRate logs the rate the fee pays once every input is satisfied with
// the largest witness of its descriptor.
func (w *Wallet) logFeeRate(tx *wire.MsgTx, fee btcutil.Amount) {
	satWeight, err := w.deposit.MaxSatisfactionWeight()
	if err != nil {
		return
	}

	weight := uint64(blockchain.GetTransactionWeight(btcutil.NewTx(tx))) +
		satWeight*uint64(len(tx.TxIn))
	vsize := (weight + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor

	minFee := txrules.FeeForSerializeSize(
		txrules.DefaultRelayFeePerKb, int(vsize),
	)
	if fee < minFee {
		log.Warnf("Fee %v is below the minimum relay fee %v for an "+
			"estimated %d vbytes", fee, minFee, vsize)
	}

	log.Debugf("Transaction %v pays %.2f sat/vB at %d wu", tx.TxHash(),
		FeeAbsoluteToRate(fee, weight), weight)
}

// BuildFeeBump creates an unsigned PSBT replacing the unconfirmed
// transaction txid with one paying the absolute fee. The fee increase is
// taken from the change output, more coins are added when it is too small.
func (w *Wallet) BuildFeeBump(ctx context.Context, txid chainhash.Hash,
	fee btcutil.Amount) (*psbt.Packet, error) {

	backend, err := w.requireBackend()
	if err != nil {
		return nil, err
	}

	detail, err := backend.GetTransaction(ctx, txid)
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		return nil, errkind.New(errkind.WalletError,
			"Transaction Not Found", err)

	case err != nil:
		return nil, errkind.Classify(errkind.NetworkError, err)

	case detail.Confirmed():
		return nil, errkind.New(errkind.WalletError,
			"Transaction Already Confirmed", ErrAlreadyConfirmed)
	}

	l, err := w.fetchLedger(ctx, backend)
	if err != nil {
		return nil, err
	}

	tx := detail.Tx.Copy()
	coins, inputTotal, err := w.replacedInputs(l, tx)
	if err != nil {
		return nil, err
	}

	var outputTotal btcutil.Amount
	for _, txOut := range tx.TxOut {
		outputTotal += btcutil.Amount(txOut.Value)
	}

	oldFee := inputTotal - outputTotal
	if fee <= oldFee {
		return nil, errkind.New(errkind.WalletError, "Fee Too Low",
			fmt.Errorf("%w: %v <= %v", ErrFeeTooLow, fee, oldFee))
	}

	authored, err := w.bumpFee(l, tx, coins, fee-oldFee)
	if err != nil {
		return nil, err
	}

	log.Infof("Replacing %v paying %v with a fee of %v", txid, oldFee,
		fee)

	packet, err := w.newPacket(authored, coins, l)
	if err != nil {
		return nil, err
	}

	w.logFeeRate(authored.Tx, fee)

	return packet, nil
}

// replacedInputs resolves the inputs of a transaction to replace. Every input
// must spend a wallet output and at least one must signal replaceability.
func (w *Wallet) replacedInputs(l *ledger, tx *wire.MsgTx) (
	map[wire.OutPoint]*Utxo, btcutil.Amount, error) {

	coins := make(map[wire.OutPoint]*Utxo, len(tx.TxIn))
	replaceable := false
	var total btcutil.Amount
	for _, txIn := range tx.TxIn {
		op := txIn.PreviousOutPoint
		replaceable = replaceable ||
			txIn.Sequence < wire.MaxTxInSequenceNum-1

		prevTx, ok := l.txs[op.Hash]
		if !ok || int(op.Index) >= len(prevTx.TxOut) {
			return nil, 0, errkind.New(errkind.WalletError,
				"Foreign Input", fmt.Errorf("%w: %v",
					ErrForeignInput, op))
		}

		prevOut := prevTx.TxOut[op.Index]
		info, ok := l.scripts[string(prevOut.PkScript)]
		if !ok {
			return nil, 0, errkind.New(errkind.WalletError,
				"Foreign Input", fmt.Errorf("%w: %v",
					ErrForeignInput, op))
		}

		coins[op] = w.newUtxo(op, prevOut, info, 0, prevTx)
		total += btcutil.Amount(prevOut.Value)
	}

	if !replaceable {
		return nil, 0, errkind.New(errkind.WalletError,
			"Transaction Not Replaceable", ErrNotReplaceable)
	}

	return coins, total, nil
}

// bumpFee raises the fee of tx by delta. The change output pays for it when
// large enough, otherwise the wallet's other coins are added. Coins that are
// added are recorded in coins.
func (w *Wallet) bumpFee(l *ledger, tx *wire.MsgTx,
	coins map[wire.OutPoint]*Utxo,
	delta btcutil.Amount) (*txauthor.AuthoredTx, error) {

	txid := tx.TxHash()

	// Added inputs carry the relative lock of the replaced ones, which
	// encodes the spending branch the transaction was built for.
	older := relativeLock(tx)
	sequence := uint32(rbfSequence)
	if older != 0 {
		sequence = older
	}

	// The change output is taken out and added back with what is left.
	var available btcutil.Amount
	var changeScript []byte
	for i, txOut := range tx.TxOut {
		if !w.isChangeOutput(l, tx, txOut) {
			continue
		}

		available = btcutil.Amount(txOut.Value)
		changeScript = txOut.PkScript
		tx.TxOut = append(tx.TxOut[:i], tx.TxOut[i+1:]...)

		break
	}

	if available < delta {
		extra := make([]*Utxo, 0, len(l.utxos))
		for _, utxo := range l.utxos {
			if utxo.Hash == txid ||
				!sequenceLockMet(utxo, older, l.tip) {

				continue
			}
			extra = append(extra, utxo)
		}
		sort.Sort(sort.Reverse(sortByAmount(extra)))

		inputSource := makeInputSource(extra)
		added, inputs, _, _, err := inputSource(delta - available)
		if err != nil {
			return nil, err
		}
		if available+added < delta {
			return nil, errkind.New(errkind.WalletError,
				"Insufficient Funds", fmt.Errorf("%w: need %v "+
					"more, have %v", ErrInsufficientFunds,
					delta-available, added))
		}

		for _, txIn := range inputs {
			txIn.Sequence = sequence
			tx.AddTxIn(txIn)
		}
		for _, utxo := range extra[:len(inputs)] {
			coins[utxo.OutPoint] = utxo
		}
		available += added
	}

	authored := &txauthor.AuthoredTx{Tx: tx, ChangeIndex: -1}
	for _, txIn := range tx.TxIn {
		coin := coins[txIn.PreviousOutPoint]
		authored.PrevScripts = append(authored.PrevScripts,
			coin.PkScript)
		authored.PrevInputValues = append(authored.PrevInputValues,
			coin.Amount)
		authored.TotalInput += coin.Amount
	}

	leftover := available - delta
	if changeScript == nil {
		out, err := w.change.At(l.nextChange)
		if err != nil {
			return nil, errkind.New(errkind.KeyError,
				"unable to derive change address", err)
		}
		changeScript = out.PkScript
	}

	switch {
	case !isDust(leftover, changeScript):
		authored.ChangeIndex = len(tx.TxOut)
		tx.AddTxOut(wire.NewTxOut(int64(leftover), changeScript))

	case len(tx.TxOut) == 0:
		return nil, errkind.New(errkind.WalletError,
			"Insufficient Funds", fmt.Errorf("%w: no output left",
				ErrInsufficientFunds))
	}

	return authored, nil
}

// relativeLock returns the relative timelock the inputs of tx enforce, zero
// when none does.
func relativeLock(tx *wire.MsgTx) uint32 {
	if tx.Version < 2 {
		return 0
	}

	var older uint32
	for _, txIn := range tx.TxIn {
		if txIn.Sequence&wire.SequenceLockTimeDisabled != 0 {
			continue
		}

		lock := txIn.Sequence & (sequenceTypeFlag | sequenceLockMask)
		if lock > older {
			older = lock
		}
	}

	return older
}

// isChangeOutput reports whether an output of tx returns value to the
// wallet's change keychain. Single keychain wallets treat a wallet output
// of a transaction with several outputs as change.
func (w *Wallet) isChangeOutput(l *ledger, tx *wire.MsgTx,
	txOut *wire.TxOut) bool {

	info, ok := l.scripts[string(txOut.PkScript)]
	if !ok {
		return false
	}
	if w.singleKeychain() {
		return len(tx.TxOut) > 1
	}

	return info.change
}

// makeInputSource returns an input source adding coins in order until the
// target is reached.
func makeInputSource(eligible []*Utxo) txauthor.InputSource {
	// Current inputs and their total value. These are closed over by the
	// returned input source and reused across multiple calls.
	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			nextCredit := eligible[0]
			outpoint := nextCredit.OutPoint
			eligible = eligible[1:]

			nextInput := wire.NewTxIn(&outpoint, nil, nil)
			currentTotal += nextCredit.Amount

			currentInputs = append(currentInputs, nextInput)
			currentScripts = append(
				currentScripts, nextCredit.PkScript,
			)
			currentInputValues = append(
				currentInputValues, nextCredit.Amount,
			)
		}

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// sortByAmount is a generic sortable type for sorting coins by their amount.
type sortByAmount []*Utxo

func (s sortByAmount) Len() int { return len(s) }
func (s sortByAmount) Less(i, j int) bool {
	return s[i].Amount < s[j].Amount
}
func (s sortByAmount) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
