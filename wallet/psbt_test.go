package wallet

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/descwallet/errkind"
	"github.com/stretchr/testify/require"
)

// testPacket spends a 100000 satoshi output of the scenario key into a 5000
// satoshi payment and 94580 satoshis of change.
const testPacket = "cHNidP8BAHQBAAAAAf3cLERUN9+6X5+1yk3x9XzSCq1417WtB+gB5q" +
	"Nyj+xpAAAAAAD9////AnRxAQAAAAAAFgAUVyorkNVSCsiE4/7OspP52IwquzqIEwAA" +
	"AAAAABl2qRQ0Sg9IyhUOwrkDgXZgubaLE6ZwJoisAAAAAAABAN4CAAAAAAEByvn9X3" +
	"PvFqemGsrTv8ivAO07IOeRhBz7J0huqXJLfVgBAAAAAP7///8CoIYBAAAAAAAWABQT" +
	"XAMs/1Qr5n6pDVK9O15ODZ/UCVZWjQAAAAAAFgAUIixaISTPlO8fwyT3hCL+An5+Km" +
	"4CRzBEAiBFsQJfBur3eQgO5Vw+EvEgr2CagcVGXw9oYw3FOaMSSgIgch0CV+W3oRCK" +
	"NBwxqiqIK0C5b1TsGk32HvNM+4Z7IksBIQNP/rsBHKbA98977TzmriFrOuO8hQjNg4" +
	"ON3goI9/Uwjp0BIAABAR+ghgEAAAAAABYAFBNcAyz/VCvmfqkNUr07Xk4Nn9QJIgYD" +
	"9WhlKKSeNh6567KTmyKrlitDWZOz/+mms7emVsWjGTsY230ltVQAAIABAACABgAAgA" +
	"AAAAABAAAAACICAgHPrE7CShQkK90ApPF8xdr+8o7T/sHggOlZNOHIUft/GNt9JbVU" +
	"AACAAQAAgAYAAIABAAAAAQAAAAAA"

// TestWeight checks the weight estimate of an unsigned PSBT.
func TestWeight(t *testing.T) {
	t.Parallel()

	weight, err := Weight("wpkh("+testXpub+"/*)", testPacket)
	require.NoError(t, err)
	require.Equal(t, uint64(576), weight)

	testCases := []struct {
		name string
		desc string
		b64  string
	}{{
		name: "bad descriptor",
		desc: "wpkh(" + testXpub,
		b64:  testPacket,
	}, {
		name: "bad psbt",
		desc: "wpkh(" + testXpub + "/*)",
		b64:  "cHNidP8BAHQBAAAAAf3c",
	}, {
		name: "not base64",
		desc: "wpkh(" + testXpub + "/*)",
		b64:  "not a psbt!",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Weight(tc.desc, tc.b64)
			require.True(t, errkind.Is(err, errkind.InputError))
		})
	}
}

// TestDecode checks that the fee is listed as a miner output.
func TestDecode(t *testing.T) {
	t.Parallel()

	outputs, err := Decode(&chaincfg.TestNet3Params, testPacket)
	require.NoError(t, err)
	require.Len(t, outputs, 3)

	require.Equal(t, btcutil.Amount(94_580), outputs[0].Value)
	require.True(t, strings.HasPrefix(outputs[0].To, "tb1q"))

	require.Equal(t, DecodedOutput{
		Value: 5_000,
		To:    testRecipient,
	}, outputs[1])

	require.Equal(t, DecodedOutput{
		Value: 420,
		To:    MinerOutput,
	}, outputs[2])

	var total btcutil.Amount
	for _, out := range outputs {
		total += out.Value
	}
	require.Equal(t, btcutil.Amount(100_000), total)
}

// TestDecodeMissingInputValue checks that a fee cannot be computed without
// the value of every input.
func TestDecodeMissingInputValue(t *testing.T) {
	t.Parallel()

	packet, err := DecodePSBT(testPacket)
	require.NoError(t, err)
	packet.Inputs[0].NonWitnessUtxo = nil
	packet.Inputs[0].WitnessUtxo = nil

	b64, err := EncodePSBT(packet)
	require.NoError(t, err)

	_, err = Decode(&chaincfg.TestNet3Params, b64)
	require.ErrorIs(t, err, ErrMissingInputValue)
	require.True(t, errkind.Is(err, errkind.InputError))
}

// TestParseWitness checks witness decoding of final scripts.
func TestParseWitness(t *testing.T) {
	t.Parallel()

	witness, err := parseWitness([]byte{0x02, 0x01, 0xaa, 0x00})
	require.NoError(t, err)
	require.Len(t, witness, 2)
	require.Equal(t, []byte{0xaa}, witness[0])
	require.Empty(t, witness[1])

	_, err = parseWitness([]byte{0xfd, 0xff, 0xff})
	require.Error(t, err)

	_, err = parseWitness([]byte{0x01, 0x05, 0xaa})
	require.Error(t, err)
}
