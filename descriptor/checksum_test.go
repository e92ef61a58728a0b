package descriptor

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

const (
	coreMultiPrivate = "sh(multi(2,[00000000/111'/222]xprvA1RpRA33e1JQ7ifkn" +
		"akTFpgNXPmW2YvmhqLQYMmrj4xJXXWYpDPS3xz7iAxn8L39njGVyuoseXzU6rc" +
		"xFLJ8HFsTjSyQbLYnMpCqE2VbFWc,xprv9uPDJpEQgRQfDcW7BkF7eTya6RPxX" +
		"eJCqCJGHuCJ4GiRVLzkTXBAJMu2qaMWPrS7AANYqdq6vcBcBUdJCVVFceUvJFj" +
		"aPdGZ2y9WACViL4L/0))"

	coreMultiPublic = "sh(multi(2,[00000000/111'/222]xpub6ERApfZwUNrhLCkDt" +
		"cHTcxd75RbzS1ed54G1LkBUHQVHQKqhMkhgbmJbZRkrgZw4koxb5JaHWkY4ALH" +
		"Y2grBGRjaDMzQLcgJvLJuZZvRcEL,xpub68NZiKmJWnxxS6aaHmn81bvJeTESw" +
		"724CRDs6HbuccFQN9Ku14VQrADWgqbhhTHBaohPX4CjNLf9fq9MYo6oDaPPLPx" +
		"Sb7gwQN3ih19Zm4Y/0))"
)

// TestChecksum checks the checksum against known descriptors.
func TestChecksum(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		desc     string
		expected string
	}{
		{"raw(deadbeef)", "89f8spxm"},
		{coreMultiPrivate, "ggrsrxfy"},
		{coreMultiPublic, "tjg09x5t"},
	}

	for _, tc := range testCases {
		sum, err := Checksum(tc.desc)
		require.NoError(t, err)
		require.Equal(t, tc.expected, sum)

		withSum, err := AddChecksum(tc.desc)
		require.NoError(t, err)
		require.Equal(t, tc.desc+"#"+tc.expected, withSum)

		body, got, err := SplitChecksum(withSum)
		require.NoError(t, err)
		require.Equal(t, tc.desc, body)
		require.Equal(t, tc.expected, got)
	}

	// No suffix is fine, a wrong one is not.
	body, sum, err := SplitChecksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "raw(deadbeef)", body)
	require.Empty(t, sum)

	_, _, err = SplitChecksum("raw(deadbeef)#89f8spxn")
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = Checksum("raw(deadbeef)\n")
	require.ErrorIs(t, err, ErrInvalidCharacter)
}

// TestCorePublicString checks key neutering on a mainnet descriptor.
func TestCorePublicString(t *testing.T) {
	t.Parallel()

	desc, err := Parse(coreMultiPrivate + "#ggrsrxfy")
	require.NoError(t, err)
	require.Equal(t, &chaincfg.MainNetParams, desc.Params())
	require.False(t, desc.IsRange())

	require.Equal(t, coreMultiPrivate+"#ggrsrxfy", desc.StringWithChecksum())
	require.Equal(t, coreMultiPublic, desc.PublicString())

	pub, err := Parse(desc.PublicString())
	require.NoError(t, err)
	require.Equal(t, "tjg09x5t", pub.Checksum())

	// Both forms commit to the same script.
	privOut, err := desc.At(0)
	require.NoError(t, err)
	pubOut, err := pub.At(0)
	require.NoError(t, err)
	require.Equal(t, privOut.PkScript, pubOut.PkScript)
	require.Equal(t, privOut.RedeemScript, pubOut.RedeemScript)
}
