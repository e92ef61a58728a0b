package wallet

import (
	"testing"

	"github.com/btcsuite/descwallet/errkind"
	"github.com/stretchr/testify/require"
)

// TestParseRecoveryOption checks the classification of backup text.
func TestParseRecoveryOption(t *testing.T) {
	t.Parallel()

	const (
		descriptorBackup = "wpkh(" + testXprv + "/*)"
		mnemonicBackup   = "transfer spare party divorce screen used " +
			"pole march warfare another balance find"
	)

	testCases := []struct {
		name     string
		text     string
		expected RecoveryOption
		err      bool
	}{{
		name:     "too short",
		text:     "super strong bat",
		expected: RecoveryOption{Kind: RecoveryNone},
	}, {
		name: "descriptor",
		text: descriptorBackup,
		expected: RecoveryOption{
			Kind: RecoveryDescriptor,
			Text: descriptorBackup,
		},
	}, {
		name: "descriptor with whitespace",
		text: "  wpkh(" + testXprv[:20] + "\n" + testXprv[20:] +
			"/*)\n",
		expected: RecoveryOption{
			Kind: RecoveryDescriptor,
			Text: descriptorBackup,
		},
	}, {
		name: "corrupted key",
		text: "wpkh([db7d25b5/84'/1'/6']WRONGKEY8fWev2sCuSkVWYoNUUSEuq" +
			"LkmmfiZaVtgxosS5jRE9fw5ejL2odsajv1QyiLrPri3ppgyta6dsFa" +
			"oDVCF4ZdEAR6qqY4tnaosujsPzLxB49/*)",
		err: true,
	}, {
		name: "unknown fragment",
		text: "wsh(fail" + testXprv + "/*)",
		err:  true,
	}, {
		name: "mnemonic",
		text: mnemonicBackup,
		expected: RecoveryOption{
			Kind: RecoveryMnemonic,
			Text: mnemonicBackup,
		},
	}, {
		name: "bad checksum word",
		text: "church spare party divorce screen used pole march " +
			"warfare another balance find",
		err: true,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			option, err := ParseRecoveryOption(tc.text)
			if tc.err {
				require.True(t, errkind.Is(err, errkind.InputError))
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, option)
		})
	}
}

// TestRecoveryOptionString checks the rendering of recovery options.
func TestRecoveryOptionString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "None", RecoveryOption{}.String())
	require.Equal(t, "descriptor:wpkh(x)", RecoveryOption{
		Kind: RecoveryDescriptor, Text: "wpkh(x)",
	}.String())
	require.Equal(t, "mnemonic:a b c", RecoveryOption{
		Kind: RecoveryMnemonic, Text: "a b c",
	}.String())
}
