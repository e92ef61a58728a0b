package descriptor

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

const (
	scenarioBXpub = "[db7d25b5/84'/1'/6']tpubDCCh4SuT3pSAQ1qAN86qKEzsLo" +
		"BeiugoGGQeibmieRUKv8z6fCTTmEXsb9yeueBkUWjGVzJr91bCzeCNShorbBqj" +
		"ZV4WRGjz3CrJsCboXUe"

	scenarioBXprv = "[db7d25b5/84'/1'/6']tprv8fWev2sCuSkVWYoNUUSEuqLkmm" +
		"fiZaVtgxosS5jRE9fw5ejL2odsajv1QyiLrPri3ppgyta6dsFaoDVCF4ZdEAR6" +
		"qqY4tnaosujsPzLxB49"

	aXpub = "[c2cb6b81/84h/1h/0h]tpubDDVqM1YixTfp9yZvxxAt5m6ybA48yeeYWdd" +
		"3KndqrtVRBiPD2PKYMELSTq1JA3qPo4LXimT2VvBCure4JTTvgR3grz8nBY655" +
		"bgTSCncmSg/*"

	aXprv = "[c2cb6b81/84h/1h/0h]tprv8gooCbWUp5z9GWY95JWHgMSs28YCpKTdwL2" +
		"G3GbYSch2ME8SPzVxAjiaHgCDdyHBLGkUB7Nh5U66G5uLwykSAvECA78Bx6T8m" +
		"S3wVgQMAGf/*"

	bXpub = "[9eee95d3/84h/1h/0h]tpubDDmbx25X8ThKHXgMnAj4Tbka85SiisU2Kap" +
		"Kp42foekYKYvJ7AiB7MWV5G9wZKpax4fbqaHhuL1MShri2ACA9UDeSmDXyajHQ" +
		"5ohf8RiUW6/*"

	bXprv = "[9eee95d3/84h/1h/0h]tprv8h5Zoc3Gz61eQ4eZtX4U4C6TZ3vnZYH7kHD" +
		"YXXzNPNx9V4fXUmtavrtcu7nXV253wY741whqjYTUaNR7on91nuB4ydVyfDVbr" +
		"odzuxRRRQg/*"

	eXpub = "[958b4ad7/84h/1h/0h]tpubDD249riYEKPfTZrg9vTdwzmcF3ccLdgHQCp" +
		"2vx4tuHFV4z6aq42xDZVG1EA3qQwNJkPRaZe6tb3jds65qMRYFgevbd6PXdUPu" +
		"tLbB5JQjft/*"

	eXprv = "[958b4ad7/84h/1h/0h]tprv8gL21SgJ5whza6ptGGo3Yb7Vg26gBJVNpuD" +
		"FeS2bV1T6EVqpCfDN34sPq6rvHgdbfXMP4mUf7khyCRhLpCGCrHqNxDL3g8456" +
		"KckGU3Q9gW/*"
)

func escrowDescriptor(a, b, e string) string {
	return "wsh(multi(2," + a + "," + b + "," + e + "))"
}

func raftDescriptor(a, e string) string {
	return "wsh(or_d(pk(" + a + "),and_v(v:pk(" + e + "),after(600000))))"
}

// TestAddresses checks receive address derivation against known vectors.
func TestAddresses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		desc     string
		index    uint32
		expected string
	}{{
		name:     "wpkh index 0",
		desc:     "wpkh(" + scenarioBXpub + "/*)",
		index:    0,
		expected: "tb1q093gl5yxww0hlvlkajdmf8wh3a6rlvsdk9e6d3",
	}, {
		name:     "wpkh index 1",
		desc:     "wpkh(" + scenarioBXpub + "/*)",
		index:    1,
		expected: "tb1qzdwqxt8l2s47vl4fp4ft6w67fcxel4qf5j96ld",
	}, {
		name:  "2-of-3 escrow",
		desc:  escrowDescriptor(aXpub, bXpub, eXpub),
		index: 0,
		expected: "tb1q64kehk7zq7xnkhv9m4n800g0tuyn4xrdg68376kgzqsyml2" +
			"246tq7nu8uq",
	}, {
		name:  "raft",
		desc:  raftDescriptor(aXpub, eXpub),
		index: 0,
		expected: "tb1q4p6g4cs3e9wwyeg0jfwsrqx6j93h28zzumasvutfv684gmq" +
			"lkl2qnx0ypf",
	}, {
		name: "taproot key path",
		desc: "tr(" + strings.Replace(scenarioBXprv, "84'", "86'", 1) +
			"/*)",
		index: 0,
		expected: "tb1pyky6jtr8amxr726he4qejpcdrq9yh86kq3vqjvmfguw8ty6" +
			"hwf8s5y0zdj",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			desc, err := Parse(tc.desc)
			require.NoError(t, err)
			require.Equal(t, &chaincfg.TestNet3Params, desc.Params())

			receive, _, ok := desc.Keychains()
			require.True(t, ok)

			out, err := receive.At(tc.index)
			require.NoError(t, err)
			require.Equal(t, tc.expected, out.Address.EncodeAddress())

			pkScript, err := txscript.PayToAddrScript(out.Address)
			require.NoError(t, err)
			require.Equal(t, pkScript, out.PkScript)
		})
	}
}

// TestParseRoundTrip checks that descriptors render back to their input and
// that private material is stripped from the public form.
func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	private := escrowDescriptor(aXprv, bXpub, eXpub)
	desc, err := Parse(private)
	require.NoError(t, err)

	require.Equal(t, TypeWsh, desc.Type())
	require.Equal(t, private, desc.String())
	require.Equal(t, escrowDescriptor(aXpub, bXpub, eXpub),
		desc.PublicString())
	require.True(t, desc.HasPrivate())
	require.True(t, desc.IsRange())
	require.Len(t, desc.Keys(), 3)

	withSum := desc.StringWithChecksum()
	body, sum, err := SplitChecksum(withSum)
	require.NoError(t, err)
	require.Equal(t, private, body)
	require.Equal(t, desc.Checksum(), sum)

	again, err := Parse(withSum)
	require.NoError(t, err)
	require.Equal(t, desc.String(), again.String())

	raft, err := Parse(raftDescriptor(aXpub, eXpub))
	require.NoError(t, err)
	require.Equal(t, raftDescriptor(aXpub, eXpub), raft.String())
	require.False(t, raft.HasPrivate())
}

// TestParseErrors covers rejected descriptors.
func TestParseErrors(t *testing.T) {
	t.Parallel()

	pub := "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16" +
		"f81798"
	xonly := pub[2:]

	manyKeys := strings.TrimSuffix(strings.Repeat(pub+",", 16), ",")

	testCases := []struct {
		name string
		desc string
		err  error
	}{{
		name: "bad checksum",
		desc: "wpkh(" + scenarioBXpub + "/*)#qqqqqqqq",
		err:  ErrChecksumMismatch,
	}, {
		name: "unknown top level",
		desc: "raw(deadbeef)",
		err:  ErrUnsupported,
	}, {
		name: "taproot script tree",
		desc: "tr(" + pub + ",pk(" + pub + "))",
		err:  ErrUnsupported,
	}, {
		name: "x-only key in wpkh",
		desc: "wpkh(" + xonly + ")",
		err:  ErrInvalidKey,
	}, {
		name: "x-only key in wsh",
		desc: "wsh(pk(" + xonly + "))",
		err:  ErrInvalidKey,
	}, {
		name: "unknown fragment",
		desc: "wsh(hash160(" + pub + "))",
		err:  ErrUnknownFragment,
	}, {
		name: "top level not B",
		desc: "wsh(pk_k(" + pub + "))",
		err:  ErrTypeCheck,
	}, {
		name: "and_v without V",
		desc: "wsh(and_v(pk(" + pub + "),pk(" + pub + ")))",
		err:  ErrTypeCheck,
	}, {
		name: "threshold above key count",
		desc: "wsh(multi(3," + pub + "," + pub + "))",
		err:  ErrTypeCheck,
	}, {
		name: "legacy multi over 15 keys",
		desc: "sh(multi(1," + manyKeys + "))",
		err:  ErrResourceLimit,
	}, {
		name: "hardened step on xpub",
		desc: "wpkh(" + scenarioBXpub + "/0h/*)",
		err:  ErrInvalidKey,
	}, {
		name: "unbalanced brackets",
		desc: "wsh(or_d(pk(" + pub + "),pk(" + pub + "))",
		err:  ErrMalformed,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.desc)
			require.ErrorIs(t, err, tc.err)
		})
	}

	// Sixteen keys are fine in a witness script.
	_, err := Parse("wsh(multi(1," + manyKeys + "))")
	require.NoError(t, err)
}

// TestChange checks the change keychain swap.
func TestChange(t *testing.T) {
	t.Parallel()

	deposit, err := Parse("wpkh(" + scenarioBXpub + "/0/*)")
	require.NoError(t, err)

	change, ok := deposit.Change()
	require.True(t, ok)
	require.Equal(t, "wpkh("+scenarioBXpub+"/1/*)", change.String())

	// The deposit descriptor is left untouched.
	require.Equal(t, "wpkh("+scenarioBXpub+"/0/*)", deposit.String())

	bare, err := Parse("wpkh(" + scenarioBXpub + "/*)")
	require.NoError(t, err)

	// A bare wildcard is the receive keychain.
	bareChange, ok := bare.Change()
	require.True(t, ok)
	require.Equal(t, "wpkh("+scenarioBXpub+"/1/*)", bareChange.String())

	fixed, err := Parse("wpkh(" + scenarioBXpub + "/0/3)")
	require.NoError(t, err)

	same, ok := fixed.Change()
	require.False(t, ok)
	require.Same(t, fixed, same)

	multi, err := Parse(escrowDescriptor(
		strings.TrimSuffix(aXpub, "/*")+"/0/*", bXpub,
		strings.TrimSuffix(eXpub, "/*")+"/0/*",
	))
	require.NoError(t, err)

	multiChange, ok := multi.Change()
	require.True(t, ok)
	require.Equal(t, 2, strings.Count(multiChange.String(), "/1/*"))
}

// TestKeychains checks the receive and change split of ranged descriptors.
func TestKeychains(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		desc    string
		receive string
		change  string
		ok      bool
	}{{
		name:    "bare wildcard",
		desc:    "wpkh(" + scenarioBXpub + "/*)",
		receive: "wpkh(" + scenarioBXpub + "/0/*)",
		change:  "wpkh(" + scenarioBXpub + "/1/*)",
		ok:      true,
	}, {
		name:    "receive keychain",
		desc:    "wpkh(" + scenarioBXpub + "/0/*)",
		receive: "wpkh(" + scenarioBXpub + "/0/*)",
		change:  "wpkh(" + scenarioBXpub + "/1/*)",
		ok:      true,
	}, {
		name:    "other keychain",
		desc:    "wpkh(" + scenarioBXpub + "/7/*)",
		receive: "wpkh(" + scenarioBXpub + "/7/*)",
		change:  "wpkh(" + scenarioBXpub + "/7/*)",
	}, {
		name:    "no wildcard",
		desc:    "wpkh(" + scenarioBXpub + "/0/0)",
		receive: "wpkh(" + scenarioBXpub + "/0/0)",
		change:  "wpkh(" + scenarioBXpub + "/0/0)",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			desc, err := Parse(tc.desc)
			require.NoError(t, err)

			receive, change, ok := desc.Keychains()
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.receive, receive.String())
			require.Equal(t, tc.change, change.String())
		})
	}

	// The bare form derives the same scripts as the explicit receive
	// keychain.
	bare, err := Parse("wpkh(" + scenarioBXpub + "/*)")
	require.NoError(t, err)
	explicit, err := Parse("wpkh(" + scenarioBXpub + "/0/*)")
	require.NoError(t, err)

	receive, _, _ := bare.Keychains()
	for index := uint32(0); index < 3; index++ {
		got, err := receive.At(index)
		require.NoError(t, err)
		want, err := explicit.At(index)
		require.NoError(t, err)
		require.Equal(t, want.PkScript, got.PkScript)
	}
}

// TestMaxSatisfactionWeight checks the worst case input weights.
func TestMaxSatisfactionWeight(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		desc     string
		expected uint64
	}{{
		name:     "wpkh",
		desc:     "wpkh(" + scenarioBXpub + "/*)",
		expected: 112,
	}, {
		name:     "pkh",
		desc:     "pkh(" + scenarioBXpub + "/*)",
		expected: 432,
	}, {
		name:     "sh(wpkh)",
		desc:     "sh(wpkh(" + scenarioBXpub + "/*))",
		expected: 204,
	}, {
		name:     "tr",
		desc:     "tr(" + scenarioBXpub + "/*)",
		expected: 71,
	}, {
		// 4 + 1 + (1 + 73 + 73) + 1 + 105
		name:     "wsh 2-of-3",
		desc:     escrowDescriptor(aXpub, bXpub, eXpub),
		expected: 258,
	}, {
		// 4*36 + 1 + (1 + 73 + 73) + 1 + 105
		name:     "sh(wsh) 2-of-3",
		desc:     "sh(" + escrowDescriptor(aXpub, bXpub, eXpub) + ")",
		expected: 398,
	}, {
		// scriptSig: OP_0, two signatures, PUSHDATA1 of the 105 byte
		// script. 1 + 73 + 73 + 107 = 254, varint 3.
		name:     "sh 2-of-3",
		desc:     "sh(multi(2," + aXpub + "," + bXpub + "," + eXpub + "))",
		expected: 4 * (3 + 254),
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			desc, err := Parse(tc.desc)
			require.NoError(t, err)

			weight, err := desc.MaxSatisfactionWeight()
			require.NoError(t, err)
			require.Equal(t, tc.expected, weight)
		})
	}
}

// spendFixture is a transaction spending a single output of a descriptor.
type spendFixture struct {
	desc    *Descriptor
	out     *Output
	tx      *wire.MsgTx
	amount  int64
	fetcher *txscript.CannedPrevOutputFetcher
	hashes  *txscript.TxSigHashes
}

func newSpendFixture(t *testing.T, text string, lockTime uint32,
	sequence uint32) *spendFixture {

	t.Helper()

	desc, err := Parse(text)
	require.NoError(t, err)

	out, err := desc.At(3)
	require.NoError(t, err)

	const amount = 100_000

	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{0x01},
			Index: 0,
		},
		Sequence: sequence,
	})
	tx.AddTxOut(wire.NewTxOut(amount-1_000, out.PkScript))

	fetcher := txscript.NewCannedPrevOutputFetcher(out.PkScript, amount)

	return &spendFixture{
		desc:    desc,
		out:     out,
		tx:      tx,
		amount:  amount,
		fetcher: fetcher,
		hashes:  txscript.NewTxSigHashes(tx, fetcher),
	}
}

// sign produces signatures from the keys at the given positions of the
// output's key list.
func (f *spendFixture) sign(t *testing.T, positions ...int) *TxSatisfier {
	t.Helper()

	sat := &TxSatisfier{
		Sigs:      make(map[string][]byte),
		LockTime:  f.tx.LockTime,
		Sequence:  f.tx.TxIn[0].Sequence,
		TxVersion: f.tx.Version,
	}

	for _, pos := range positions {
		key := f.out.Keys[pos]
		require.NotNil(t, key.PrivKey)

		var (
			sig []byte
			err error
		)
		switch {
		case f.desc.Type() == TypeSh:
			sig, err = txscript.RawTxInSignature(
				f.tx, 0, f.out.RedeemScript, txscript.SigHashAll,
				key.PrivKey,
			)

		case f.desc.Type() == TypePkh:
			sig, err = txscript.RawTxInSignature(
				f.tx, 0, f.out.PkScript, txscript.SigHashAll,
				key.PrivKey,
			)

		default:
			sig, err = txscript.RawTxInWitnessSignature(
				f.tx, f.hashes, 0, f.amount, f.out.WitnessScript,
				txscript.SigHashAll, key.PrivKey,
			)
		}
		require.NoError(t, err)

		pub := hex.EncodeToString(key.PubKey.SerializeCompressed())
		sat.Sigs[pub] = sig
	}

	return sat
}

// execute satisfies the input and runs it through the script engine.
func (f *spendFixture) execute(t *testing.T, sat Satisfier) error {
	t.Helper()

	scriptSig, witness, err := f.desc.Satisfy(f.out, sat)
	if err != nil {
		return err
	}

	f.tx.TxIn[0].SignatureScript = scriptSig
	f.tx.TxIn[0].Witness = witness

	vm, err := txscript.NewEngine(
		f.out.PkScript, f.tx, 0, txscript.StandardVerifyFlags, nil,
		f.hashes, f.amount, f.fetcher,
	)
	require.NoError(t, err)

	return vm.Execute()
}

// TestSatisfyExecutes checks that satisfactions pass the script engine.
func TestSatisfyExecutes(t *testing.T) {
	t.Parallel()

	escrow := escrowDescriptor(aXprv, bXprv, eXprv)
	raft := raftDescriptor(aXprv, eXprv)

	testCases := []struct {
		name      string
		desc      string
		lockTime  uint32
		sequence  uint32
		signers   []int
		satisfied bool
	}{{
		name:      "escrow a and b",
		desc:      escrow,
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{0, 1},
		satisfied: true,
	}, {
		name:      "escrow b and e",
		desc:      escrow,
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{1, 2},
		satisfied: true,
	}, {
		name:     "escrow single signer",
		desc:     escrow,
		sequence: wire.MaxTxInSequenceNum - 2,
		signers:  []int{2},
	}, {
		name:      "nested escrow",
		desc:      "sh(" + escrow + ")",
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{0, 2},
		satisfied: true,
	}, {
		name:      "legacy escrow",
		desc:      "sh(multi(2," + aXprv + "," + bXprv + "," + eXprv + "))",
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{0, 1},
		satisfied: true,
	}, {
		name:      "raft primary key",
		desc:      raft,
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{0},
		satisfied: true,
	}, {
		name:      "raft escape after timelock",
		desc:      raft,
		lockTime:  600_000,
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{1},
		satisfied: true,
	}, {
		name:     "raft escape before timelock",
		desc:     raft,
		lockTime: 599_999,
		sequence: wire.MaxTxInSequenceNum - 2,
		signers:  []int{1},
	}, {
		name:     "raft escape with final sequence",
		desc:     raft,
		lockTime: 600_000,
		sequence: wire.MaxTxInSequenceNum,
		signers:  []int{1},
	}, {
		name:      "pkh",
		desc:      "pkh(" + scenarioBXprv + "/*)",
		sequence:  wire.MaxTxInSequenceNum - 2,
		signers:   []int{0},
		satisfied: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newSpendFixture(t, tc.desc, tc.lockTime, tc.sequence)
			err := f.execute(t, f.sign(t, tc.signers...))
			if !tc.satisfied {
				require.ErrorIs(t, err, ErrUnsatisfied)
				return
			}
			require.NoError(t, err)

			// The real witness never exceeds the maximum estimate.
			weight, err := f.desc.MaxSatisfactionWeight()
			require.NoError(t, err)

			in := f.tx.TxIn[0]
			actual := 4 * uint64(wire.VarIntSerializeSize(
				uint64(len(in.SignatureScript)),
			)+len(in.SignatureScript))
			if len(in.Witness) > 0 {
				actual += uint64(in.Witness.SerializeSize())
			}
			require.LessOrEqual(t, actual, weight)
		})
	}
}

// TestSatisfySingleKey covers the single key output types.
func TestSatisfySingleKey(t *testing.T) {
	t.Parallel()

	desc, err := Parse("sh(wpkh(" + scenarioBXprv + "/*))")
	require.NoError(t, err)

	out, err := desc.At(0)
	require.NoError(t, err)
	require.Len(t, out.RedeemScript, 22)

	pub := out.Keys[0].PubKey.SerializeCompressed()
	sig := []byte{0x30, 0x01}

	scriptSig, witness, err := desc.Satisfy(out, &TxSatisfier{
		Sigs: map[string][]byte{hex.EncodeToString(pub): sig},
	})
	require.NoError(t, err)
	require.Equal(t, wire.TxWitness{sig, pub}, witness)

	pushes, err := txscript.PushedData(scriptSig)
	require.NoError(t, err)
	require.Equal(t, [][]byte{out.RedeemScript}, pushes)

	_, _, err = desc.Satisfy(out, &TxSatisfier{})
	require.ErrorIs(t, err, ErrUnsatisfied)

	tr, err := Parse("tr(" + scenarioBXprv + "/*)")
	require.NoError(t, err)

	trOut, err := tr.At(0)
	require.NoError(t, err)
	_, ok := trOut.Address.(*btcutil.AddressTaproot)
	require.True(t, ok)

	schnorrSig := make([]byte, 64)
	_, witness, err = tr.Satisfy(trOut, &TxSatisfier{TaprootSig: schnorrSig})
	require.NoError(t, err)
	require.Equal(t, wire.TxWitness{schnorrSig}, witness)
}

// TestTimelockChecks covers the CLTV and CSV rules of TxSatisfier.
func TestTimelockChecks(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		sat     TxSatisfier
		after   uint32
		older   uint32
		afterOK bool
		olderOK bool
	}{{
		name: "height lock reached",
		sat: TxSatisfier{
			LockTime: 600_000, Sequence: 10, TxVersion: 2,
		},
		after:   600_000,
		older:   10,
		afterOK: true,
		olderOK: true,
	}, {
		name: "mixed lock kinds",
		sat: TxSatisfier{
			LockTime: 1_700_000_000, Sequence: 10, TxVersion: 2,
		},
		after:   600_000,
		older:   11,
		olderOK: false,
	}, {
		name: "final sequence disables locktime",
		sat: TxSatisfier{
			LockTime: 600_000, Sequence: wire.MaxTxInSequenceNum,
			TxVersion: 2,
		},
		after: 600_000,
		older: 1,
	}, {
		name: "version 1 disables relative locks",
		sat: TxSatisfier{
			LockTime: 700_000, Sequence: 100, TxVersion: 1,
		},
		after:   600_000,
		older:   10,
		afterOK: true,
	}, {
		name: "time based relative lock",
		sat: TxSatisfier{
			Sequence: sequenceTypeFlag | 20, TxVersion: 2,
		},
		after:   1,
		older:   sequenceTypeFlag | 20,
		olderOK: true,
	}, {
		name: "relative kinds differ",
		sat: TxSatisfier{
			Sequence: 20, TxVersion: 2,
		},
		after: 1,
		older: sequenceTypeFlag | 20,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.afterOK, tc.sat.CheckAfter(tc.after))
			require.Equal(t, tc.olderOK, tc.sat.CheckOlder(tc.older))
		})
	}
}
