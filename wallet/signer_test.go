package wallet

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/descwallet/policy"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// buildPacket funds the watch-only descriptor with one confirmed coin of
// 100000 satoshis and builds a payment from it.
func buildPacket(t *testing.T, desc string,
	path fn.Option[policy.Path]) *psbt.Packet {

	t.Helper()

	backend := &mockBackend{}
	w := newTestWallet(t, desc, backend)
	funding := fundingTx(wire.NewTxOut(100_000, scriptAt(t, w.Deposit(), 0)))
	backend.expectHistory(105, confirmedAt(funding, 100))

	packet, err := w.Build(context.Background(), []Output{{
		Address: testRecipient,
		Amount:  40_000,
	}}, 1_000, path, false)
	require.NoError(t, err)

	return packet
}

func sign(t *testing.T, desc string, packet *psbt.Packet) (*psbt.Packet,
	bool) {

	t.Helper()

	signed, complete, err := newTestWallet(t, desc, nil).Sign(packet)
	require.NoError(t, err)

	return signed, complete
}

func serialize(t *testing.T, packet *psbt.Packet) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, packet.Serialize(&buf))

	return buf.Bytes()
}

// verifyPacket runs the script engine over every input of the extracted
// transaction.
func verifyPacket(t *testing.T, packet *psbt.Packet) {
	t.Helper()

	tx, err := psbt.Extract(packet)
	require.NoError(t, err)

	fetcher := PsbtPrevOutputFetcher(packet)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, txIn := range tx.TxIn {
		prevOut := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		require.NotNil(t, prevOut)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

// TestSignSingleKey checks signing and finalizing single key descriptors.
func TestSignSingleKey(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		watch string
		spend string
	}{{
		name:  "wpkh",
		watch: keychainDescriptor(testXpub),
		spend: keychainDescriptor(testXprv),
	}, {
		name:  "sh wpkh",
		watch: "sh(wpkh(" + testXpub + "/0/*))",
		spend: "sh(wpkh(" + testXprv + "/0/*))",
	}, {
		name:  "pkh",
		watch: "pkh(" + testXpub + "/0/*)",
		spend: "pkh(" + testXprv + "/0/*)",
	}, {
		name:  "taproot",
		watch: "tr(" + aXpub + ")",
		spend: "tr(" + aXprv + ")",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			packet := buildPacket(t, tc.watch, fn.None[policy.Path]())

			signed, complete := sign(t, tc.spend, packet)
			require.True(t, complete)
			verifyPacket(t, signed)

			// The watch-only wallet has nothing to add.
			unsigned, complete := sign(t, tc.watch, packet)
			require.False(t, complete)
			require.Equal(t, serialize(t, packet),
				serialize(t, unsigned))
		})
	}
}

// TestSignForeignKey checks that a wallet leaves inputs of other wallets
// untouched.
func TestSignForeignKey(t *testing.T) {
	t.Parallel()

	packet := buildPacket(t, keychainDescriptor(testXpub),
		fn.None[policy.Path]())

	signed, complete := sign(t, "wpkh("+aXprv+")", packet)
	require.False(t, complete)
	require.Empty(t, signed.Inputs[0].PartialSigs)
	require.Empty(t, signed.Inputs[0].FinalScriptWitness)
}

// TestSignEscrow checks the 2-of-3 escrow: any two key holders finalize in
// either order and one alone never does.
func TestSignEscrow(t *testing.T) {
	t.Parallel()

	watch := escrowDescriptor(aXpub, bXpub, eXpub)
	signerA := escrowDescriptor(aXprv, bXpub, eXpub)
	signerB := escrowDescriptor(aXpub, bXprv, eXpub)
	signerE := escrowDescriptor(aXpub, bXpub, eXprv)

	packet := buildPacket(t, watch, fn.None[policy.Path]())
	original := serialize(t, packet)

	signedA, complete := sign(t, signerA, packet)
	require.False(t, complete)
	require.Len(t, signedA.Inputs[0].PartialSigs, 1)
	require.Equal(t, original, serialize(t, packet))

	// Signing again changes nothing.
	again, complete := sign(t, signerA, signedA)
	require.False(t, complete)
	require.Equal(t, serialize(t, signedA), serialize(t, again))

	signedE, complete := sign(t, signerE, packet)
	require.False(t, complete)
	require.Len(t, signedE.Inputs[0].PartialSigs, 1)

	signedAB, complete := sign(t, signerB, signedA)
	require.True(t, complete)
	require.Empty(t, signedAB.Inputs[0].PartialSigs)
	verifyPacket(t, signedAB)

	signedB, complete := sign(t, signerB, packet)
	require.False(t, complete)
	signedBA, complete := sign(t, signerA, signedB)
	require.True(t, complete)
	require.Equal(t, signedAB.Inputs[0].FinalScriptWitness,
		signedBA.Inputs[0].FinalScriptWitness)

	signedEA, complete := sign(t, signerA, signedE)
	require.True(t, complete)
	verifyPacket(t, signedEA)

	// Finalized inputs are left alone.
	final, complete := sign(t, signerE, signedAB)
	require.True(t, complete)
	require.Equal(t, serialize(t, signedAB), serialize(t, final))

	// Signatures only ever add weight.
	unsignedB64, err := EncodePSBT(packet)
	require.NoError(t, err)
	signedB64, err := EncodePSBT(signedAB)
	require.NoError(t, err)

	unsignedWeight, err := Weight(watch, unsignedB64)
	require.NoError(t, err)
	signedWeight, err := Weight(watch, signedB64)
	require.NoError(t, err)
	require.Greater(t, signedWeight, unsignedWeight)
}

// TestSignTimelockBranch checks that the escape key of a timelocked branch
// only finalizes a spend carrying the lock time.
func TestSignTimelockBranch(t *testing.T) {
	t.Parallel()

	watch := "wsh(or_d(pk(" + aXpub + "),and_v(v:pk(" + eXpub +
		"),after(600000))))"
	user := "wsh(or_d(pk(" + aXprv + "),and_v(v:pk(" + eXpub +
		"),after(600000))))"
	escape := "wsh(or_d(pk(" + aXpub + "),and_v(v:pk(" + eXprv +
		"),after(600000))))"

	parsed := newTestWallet(t, watch, nil).Deposit()
	_, root := policy.RequiresPath(parsed)

	primary := buildPacket(t, watch, fn.Some(policy.Path{root: {0}}))
	timelocked := buildPacket(t, watch, fn.Some(policy.Path{root: {1}}))

	signed, complete := sign(t, user, primary)
	require.True(t, complete)
	verifyPacket(t, signed)

	_, complete = sign(t, escape, primary)
	require.False(t, complete)

	signed, complete = sign(t, escape, timelocked)
	require.True(t, complete)
	verifyPacket(t, signed)
}

// TestSignNotReady checks that a packet without UTXO information is
// rejected.
func TestSignNotReady(t *testing.T) {
	t.Parallel()

	packet := buildPacket(t, keychainDescriptor(testXpub),
		fn.None[policy.Path]())
	packet.Inputs[0].NonWitnessUtxo = nil
	packet.Inputs[0].WitnessUtxo = nil

	_, _, err := newTestWallet(t, keychainDescriptor(testXprv), nil).Sign(
		packet,
	)
	require.Error(t, err)
}
